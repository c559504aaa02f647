package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/goleak"

	"github.com/mnehpets/rpcbridge/bridge"
	"github.com/mnehpets/rpcbridge/endpoint"
	"github.com/mnehpets/rpcbridge/jsonrpc"
)

type echoParams struct {
	Msg string `json:"msg"`
}

func newEngine() *jsonrpc.JSONRPCEndpoint {
	e := jsonrpc.NewEndpoint()
	e.RegisterFunc("ping", func() string { return "pong" })
	e.RegisterFunc("echo", func(p echoParams) string { return p.Msg })
	return e
}

func newServer(t *testing.T, bopts []bridge.Option, opts ...Option) (*Server, *bridge.Bridge) {
	t.Helper()
	b, err := bridge.New(newEngine(), bopts...)
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	s, err := New(b, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s, b
}

func serve(s http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func stats(t *testing.T, s *Server) bridge.Stats {
	t.Helper()
	rec := serve(s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	var st bridge.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("healthz body %q: %v", rec.Body.String(), err)
	}
	return st
}

func TestServer_InlinePing(t *testing.T) {
	s, _ := newServer(t, nil)

	rec := serve(s, http.MethodPost, "/rpc", strings.NewReader(`{"method":"ping","id":1}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	want := `{"result":"pong","id":1}`
	if got := rec.Body.String(); got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(want)) {
		t.Fatalf("Content-Length = %q, want %d", got, len(want))
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}
	if st := stats(t, s); st != (bridge.Stats{}) {
		t.Fatalf("stats = %+v after request, want zero", st)
	}
}

func TestServer_RedirectMode(t *testing.T) {
	s, _ := newServer(t, nil, WithResponseMode(ModeRedirect), WithResponsePrefix("/out/"))

	rec := serve(s, http.MethodPost, "/rpc", strings.NewReader(`{"method":"echo","params":{"msg":"hi"},"id":"a"}`))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "/out/") || !strings.HasSuffix(loc, ".json") {
		t.Fatalf("Location = %q", loc)
	}
	if st := stats(t, s); st.OutstandingResponses != 1 {
		t.Fatalf("outstanding = %d, want 1", st.OutstandingResponses)
	}

	rec = serve(s, http.MethodGet, loc, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d", loc, rec.Code)
	}
	if got := rec.Body.String(); got != `{"result":"hi","id":"a"}` {
		t.Fatalf("body = %q", got)
	}

	rec = serve(s, http.MethodGet, loc, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second GET status = %d, want 404", rec.Code)
	}
}

func TestServer_StreamsSmallChunks(t *testing.T) {
	s, _ := newServer(t, nil, WithChunkSize(3))

	msg := strings.Repeat("0123456789", 50)
	body := fmt.Sprintf(`{"method":"echo","params":{"msg":%q},"id":9}`, msg)
	rec := serve(s, http.MethodPost, "/rpc", iotest.OneByteReader(strings.NewReader(body)))

	var resp struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	if resp.Result != msg {
		t.Fatalf("echoed %d bytes, want %d", len(resp.Result), len(msg))
	}
}

func TestServer_ConcurrentPosts(t *testing.T) {
	s, _ := newServer(t, nil, WithChunkSize(7))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := strings.Repeat(strconv.Itoa(i), 100+i)
			body := fmt.Sprintf(`{"method":"echo","params":{"msg":%q},"id":%d}`, msg, i)
			rec := serve(s, http.MethodPost, "/rpc", iotest.HalfReader(strings.NewReader(body)))

			var resp struct {
				Result string `json:"result"`
				ID     int    `json:"id"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Errorf("request %d: body %q: %v", i, rec.Body.String(), err)
				return
			}
			if resp.Result != msg || resp.ID != i {
				t.Errorf("request %d got id %d and a %d byte result", i, resp.ID, len(resp.Result))
			}
		}(i)
	}
	wg.Wait()

	if st := stats(t, s); st != (bridge.Stats{}) {
		t.Fatalf("stats = %+v, want zero", st)
	}
}

func TestServer_MalformedBodyIsJSONRPCError(t *testing.T) {
	s, _ := newServer(t, nil)

	rec := serve(s, http.MethodPost, "/rpc", strings.NewReader("{not json"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Error *jsonrpc.JSONRPCError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error == nil {
		t.Fatalf("body = %q, want an error object", rec.Body.String())
	}
	if resp.Error.Code != jsonrpc.CodeParseError {
		t.Fatalf("code = %d, want %d", resp.Error.Code, jsonrpc.CodeParseError)
	}
}

func TestServer_CGI(t *testing.T) {
	s, _ := newServer(t, nil)

	rec := serve(s, http.MethodGet, "/rpc?method=echo&msg=hello", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != `{"jsonrpc":"2.0","result":"hello","id":1}` {
		t.Fatalf("body = %q", got)
	}
}

func TestServer_Fallback(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "static %s %s", r.Method, r.URL.Path)
	})
	s, _ := newServer(t, nil, WithFallback(fallback))

	tests := []struct {
		method string
		target string
		want   string
	}{
		{http.MethodPost, "/upload", "static POST /upload"},
		{http.MethodGet, "/index.html", "static GET /index.html"},
		{http.MethodPut, "/rpc", "static PUT /rpc"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rec := serve(s, tt.method, tt.target, strings.NewReader("x"))
			if got := rec.Body.String(); got != tt.want {
				t.Fatalf("body = %q, want %q", got, tt.want)
			}
		})
	}
	if st := stats(t, s); st != (bridge.Stats{}) {
		t.Fatalf("stats = %+v, want zero", st)
	}
}

func TestServer_DefaultFallbackIs404(t *testing.T) {
	s, _ := newServer(t, nil)

	for _, target := range []string{"/nope", "/rpc/responses/unknown.json", "/rpc/responses/"} {
		if rec := serve(s, http.MethodGet, target, nil); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, rec.Code)
		}
	}
}

func TestServer_BodyTooLarge(t *testing.T) {
	s, _ := newServer(t, []bridge.Option{bridge.WithMaxBodyBytes(16)}, WithChunkSize(4))

	t.Run("content length", func(t *testing.T) {
		rec := serve(s, http.MethodPost, "/rpc", strings.NewReader(strings.Repeat("x", 17)))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want 413", rec.Code)
		}
	})
	t.Run("streamed", func(t *testing.T) {
		rec := serve(s, http.MethodPost, "/rpc", iotest.OneByteReader(strings.NewReader(strings.Repeat("x", 17))))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want 413", rec.Code)
		}
	})

	if st := stats(t, s); st != (bridge.Stats{}) {
		t.Fatalf("stats = %+v, want zero", st)
	}
}

func TestServer_HugeContentLength(t *testing.T) {
	post := func(s *Server) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"method":"ping","id":1}`))
		req.ContentLength = 1 << 50
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		return rec
	}

	t.Run("default limit", func(t *testing.T) {
		s, _ := newServer(t, nil)
		if rec := post(s); rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want 413", rec.Code)
		}
		if st := stats(t, s); st != (bridge.Stats{}) {
			t.Fatalf("stats = %+v, want zero", st)
		}
	})
	t.Run("unlimited", func(t *testing.T) {
		s, _ := newServer(t, []bridge.Option{bridge.WithMaxBodyBytes(-1)})
		rec := post(s)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
		}
		if got := rec.Body.String(); got != `{"result":"pong","id":1}` {
			t.Fatalf("body = %q", got)
		}
	})
}

func TestServer_PanicIsInternalError(t *testing.T) {
	s, _ := newServer(t, nil)

	err := s.do(context.Background(), func() { panic("store corrupted") })
	if got := endpoint.StatusOf(err); got != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (%v)", got, err)
	}
	// The executor survives and keeps serving.
	if rec := serve(s, http.MethodPost, "/rpc", strings.NewReader(`{"method":"ping","id":1}`)); rec.Code != http.StatusOK {
		t.Fatalf("status after panic = %d", rec.Code)
	}
}

func TestServer_ReadErrorAbortsConnection(t *testing.T) {
	s, _ := newServer(t, nil)

	body := io.MultiReader(strings.NewReader(`{"method":`), iotest.ErrReader(errors.New("connection reset")))
	rec := serve(s, http.MethodPost, "/rpc", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if st := stats(t, s); st != (bridge.Stats{}) {
		t.Fatalf("stats = %+v, want zero", st)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := bridge.NewMetrics(reg)
	s, _ := newServer(t, []bridge.Option{bridge.WithMetrics(m)},
		WithMetricsHandler("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	serve(s, http.MethodPost, "/rpc", strings.NewReader(`{"method":"ping","id":1}`))

	rec := serve(s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `rpcbridge_ingests_total{result="ok"} 1`) {
		t.Fatalf("metrics output lacks ingest count:\n%s", rec.Body.String())
	}
}

func TestServer_Sweep(t *testing.T) {
	s, _ := newServer(t, []bridge.Option{bridge.WithResponseTTL(time.Millisecond)},
		WithResponseMode(ModeRedirect), WithSweepInterval(time.Millisecond))

	rec := serve(s, http.MethodPost, "/rpc", strings.NewReader(`{"method":"ping","id":1}`))
	loc := rec.Header().Get("Location")

	// The sweeper runs on the executor; wait until it has released the
	// response.
	deadline := time.Now().Add(5 * time.Second)
	for stats(t, s).OutstandingResponses != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("response never swept")
		}
		time.Sleep(time.Millisecond)
	}
	if rec := serve(s, http.MethodGet, loc, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("GET swept response = %d, want 404", rec.Code)
	}
}

func TestServer_CloseFailsRequests(t *testing.T) {
	defer goleak.VerifyNone(t)

	b, err := bridge.New(newEngine())
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	s, err := New(b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Close()

	rec := serve(s, http.MethodPost, "/rpc", strings.NewReader(`{"method":"ping","id":1}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestNew_Validation(t *testing.T) {
	b, err := bridge.New(newEngine())
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}

	tests := []struct {
		name string
		opt  Option
	}{
		{"prefix without leading slash", WithResponsePrefix("out/")},
		{"prefix without trailing slash", WithResponsePrefix("/out")},
		{"unknown mode", WithResponseMode("bounce")},
		{"zero chunk size", WithChunkSize(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(b, tt.opt)
			if err == nil {
				s.Close()
				t.Fatalf("New succeeded")
			}
		})
	}

	if _, err := New(nil); err == nil {
		t.Fatalf("New(nil) succeeded")
	}
}
