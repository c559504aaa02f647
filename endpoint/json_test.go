package endpoint

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

var errUnencodable = errors.New("reading not encodable")

type badReading struct{}

func (badReading) MarshalJSON() ([]byte, error) {
	return nil, errUnencodable
}

func TestJSONRenderer_Encodes(t *testing.T) {
	rec := httptest.NewRecorder()
	r := JSONRenderer{Value: map[string]string{"status": "ok", "note": "<warm & idle>"}}
	if err := r.Render(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil)); err != nil {
		t.Fatalf("Render: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got, want := rec.Body.String(), `{"note":"<warm & idle>","status":"ok"}`+"\n"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestJSONRenderer_ReplacesContentTypeAndAddsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/html")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	r := JSONRenderer{
		Status: http.StatusServiceUnavailable,
		Value:  map[string]string{"status": "draining"},
		Header: http.Header{
			"Cache-Control":   {"no-store"},
			"X-Frame-Options": {"DENY"},
		},
	}
	if err := r.Render(rec, req); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	resp := rec.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.StatusCode)
	}
	want := map[string]string{
		"Content-Type":    "application/json",
		"Cache-Control":   "no-store",
		"X-Frame-Options": "DENY",
	}
	for k, v := range want {
		if got := resp.Header.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestJSONRenderer_NilEncoder(t *testing.T) {
	r := JSONRenderer{
		Value:          1,
		EncoderFactory: func(io.Writer) *json.Encoder { return nil },
	}
	if err := r.Render(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestJSONRenderer_EncodeError(t *testing.T) {
	rec := httptest.NewRecorder()
	r := JSONRenderer{Value: []any{1, badReading{}}}
	err := r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var me *json.MarshalerError
	if !errors.As(err, &me) || !errors.Is(err, errUnencodable) {
		t.Fatalf("Render error = %v, want MarshalerError wrapping %v", err, errUnencodable)
	}
	// The status line is already out.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestJSONRenderer_EncoderFactory(t *testing.T) {
	rec := httptest.NewRecorder()
	r := JSONRenderer{
		Value: "<b>&</b>",
		EncoderFactory: func(w io.Writer) *json.Encoder {
			enc := json.NewEncoder(w)
			enc.SetEscapeHTML(true)
			enc.SetIndent("", " ")
			return enc
		},
	}
	if err := r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got, want := rec.Body.String(), `"\u003cb\u003e\u0026\u003c/b\u003e"`+"\n"; got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
}
