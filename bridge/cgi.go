package bridge

import (
	"context"
	"encoding/json"
	"net/url"
)

// MethodParam is the query parameter that names the procedure in a CGI call.
// Every other parameter becomes a named param of the call.
const MethodParam = "method"

// cgiID is the request id used for every CGI call.
const cgiID = 1

type cgiRequest struct {
	JSONRPC string                     `json:"jsonrpc"`
	Method  string                     `json:"method"`
	Params  map[string]json.RawMessage `json:"params,omitempty"`
	ID      int                        `json:"id"`
}

// CGI implements HTTPCapabilities. It builds a single JSON-RPC call from
// params and dispatches it like a completed POST body. Calls to any path other
// than the RPC path are declined.
func (b *Bridge) CGI(ctx context.Context, uri string, params url.Values) (string, bool, error) {
	if !b.recognizes(uri) {
		return "", false, nil
	}
	body, err := encodeCGI(params)
	if err != nil {
		return "", true, err
	}
	rec, err := b.dispatcher.Dispatch(ctx, body)
	b.metrics.observe(b.store, b.files)
	if err != nil {
		b.logger.Error("bridge: cgi dispatch failed", "method", params.Get(MethodParam), "error", err)
		return "", true, err
	}
	return rec.Name, true, nil
}

// encodeCGI converts query parameters into a JSON-RPC request. Values that
// are valid JSON are passed through (so n=3 is a number); anything else is
// sent as a string. Repeated keys become arrays.
func encodeCGI(params url.Values) ([]byte, error) {
	req := cgiRequest{
		JSONRPC: "2.0",
		Method:  params.Get(MethodParam),
		ID:      cgiID,
	}
	for k, vs := range params {
		if k == MethodParam || len(vs) == 0 {
			continue
		}
		if req.Params == nil {
			req.Params = make(map[string]json.RawMessage)
		}
		if len(vs) == 1 {
			req.Params[k] = cgiValue(vs[0])
			continue
		}
		list := make([]json.RawMessage, len(vs))
		for i, v := range vs {
			list[i] = cgiValue(v)
		}
		raw, err := json.Marshal(list)
		if err != nil {
			return nil, err
		}
		req.Params[k] = raw
	}
	return json.Marshal(req)
}

func cgiValue(v string) json.RawMessage {
	if json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}
	s, _ := json.Marshal(v)
	return s
}
