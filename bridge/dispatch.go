package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/mnehpets/rpcbridge/jsonrpc"
)

// Engine executes one complete JSON-RPC request or batch and returns the
// serialized response, or nil when nothing needs answering.
// *jsonrpc.JSONRPCEndpoint implements it.
type Engine interface {
	Process(ctx context.Context, body []byte) []byte
}

var _ Engine = (*jsonrpc.JSONRPCEndpoint)(nil)

// emptyResponse is served when every request in a body was a notification.
var emptyResponse = []byte("{}")

var busyResponse = jsonrpc.ErrorBody(jsonrpc.NewError(jsonrpc.CodeServerBusy, "too many outstanding responses"))

// Dispatcher hands complete bodies to the engine and registers the result
// with the response provider.
type Dispatcher struct {
	engine       Engine
	files        *Provider
	maxResponses int
	logger       *slog.Logger
	metrics      *Metrics
}

// Dispatch runs body through the engine and returns the stored record. The
// record always holds servable bytes. When maxResponses engine replies are
// already outstanding the engine is skipped and a server-busy error is stored
// as an overflow record instead; busy replies do not count towards
// maxResponses, and at most maxResponses of them are kept.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) (*ResponseRecord, error) {
	if pending := d.files.Pending(); d.maxResponses > 0 && pending >= d.maxResponses {
		d.logger.Warn("bridge: too many outstanding responses", "outstanding", pending)
		return d.files.RegisterOverflow(busyResponse, d.maxResponses)
	}
	start := time.Now()
	out := d.engine.Process(ctx, body)
	d.metrics.dispatched(time.Since(start))
	if out == nil {
		out = emptyResponse
	}
	return d.files.Register(out)
}
