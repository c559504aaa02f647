// Package server adapts a bridge to net/http.
//
// net/http runs every request on its own goroutine, while the bridge expects
// all callbacks from a single network task. Server funnels every bridge call
// through one Executor goroutine. Request bodies are read on the request
// goroutines and handed over chunk by chunk.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnehpets/rpcbridge/bridge"
	"github.com/mnehpets/rpcbridge/endpoint"
	"github.com/mnehpets/rpcbridge/middleware"
)

// Bridge is what Server needs from a bridge. *bridge.Bridge implements it.
type Bridge interface {
	bridge.HTTPCapabilities
	RPCPath() string
	Sweep() int
	Stats() bridge.Stats
}

var _ Bridge = (*bridge.Bridge)(nil)

// ResponseMode selects how a POST or CGI caller receives its response.
type ResponseMode string

const (
	// ModeInline serves the response file as the body of the POST itself.
	ModeInline ResponseMode = "inline"
	// ModeRedirect answers 303 See Other with the response file's URL.
	ModeRedirect ResponseMode = "redirect"
)

const (
	DefaultResponsePrefix = "/rpc/responses/"
	DefaultChunkSize      = 4096
)

// Server is an http.Handler serving a bridge.
type Server struct {
	bridge     Bridge
	exec       *Executor
	files      fs.FS
	mux        *http.ServeMux
	prefix     string
	mode       ResponseMode
	chunkSize  int
	fallback   http.Handler
	processors []endpoint.Processor
	logger     *slog.Logger
}

type options struct {
	prefix        string
	mode          ResponseMode
	chunkSize     int
	sweepInterval time.Duration
	fallback      http.Handler
	processors    []endpoint.Processor
	metricsPath   string
	metrics       http.Handler
	logger        *slog.Logger
}

// Option configures a Server.
type Option func(*options)

// WithResponsePrefix sets the URL prefix response files are served under.
// It must start and end with "/".
func WithResponsePrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithResponseMode sets how responses are delivered. The default is
// ModeInline.
func WithResponseMode(mode ResponseMode) Option {
	return func(o *options) {
		o.mode = mode
	}
}

// WithChunkSize sets the size of the reads handed to the bridge.
func WithChunkSize(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithSweepInterval sets how often unfetched responses are swept. Zero
// disables sweeping.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = d
	}
}

// WithFallback sets the handler for requests the bridge declines, such as
// static content. The default responds 404.
func WithFallback(h http.Handler) Option {
	return func(o *options) {
		o.fallback = h
	}
}

// WithProcessors adds processors run in front of every route.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(o *options) {
		o.processors = append(o.processors, p...)
	}
}

// WithMetricsHandler mounts h at path, typically promhttp.Handler().
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(o *options) {
		o.metricsPath = path
		o.metrics = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a Server and starts its executor. Call Close to stop it.
func New(b Bridge, opts ...Option) (*Server, error) {
	if b == nil {
		return nil, errors.New("server: nil bridge")
	}
	o := options{
		prefix:    DefaultResponsePrefix,
		mode:      ModeInline,
		chunkSize: DefaultChunkSize,
		fallback:  http.NotFoundHandler(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !strings.HasPrefix(o.prefix, "/") || !strings.HasSuffix(o.prefix, "/") {
		return nil, fmt.Errorf("server: response prefix %q must start and end with /", o.prefix)
	}
	if o.mode != ModeInline && o.mode != ModeRedirect {
		return nil, fmt.Errorf("server: unknown response mode %q", o.mode)
	}
	if o.chunkSize <= 0 {
		return nil, fmt.Errorf("server: chunk size must be positive, got %d", o.chunkSize)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	s := &Server{
		bridge:     b,
		prefix:     o.prefix,
		mode:       o.mode,
		chunkSize:  o.chunkSize,
		fallback:   o.fallback,
		processors: o.processors,
		logger:     o.logger,
	}
	s.exec = NewExecutor(o.sweepInterval, func() { b.Sweep() })
	s.files = serialFS{fsys: b, exec: s.exec}
	s.mux = s.routes(o.metricsPath, o.metrics)
	return s, nil
}

func (s *Server) routes(metricsPath string, metrics http.Handler) *http.ServeMux {
	files := &endpoint.FileSystem{
		FS: func(context.Context, *http.Request) (fs.FS, error) {
			return s.files, nil
		},
		Header: http.Header{"Cache-Control": {"no-store"}},
	}
	rpcPath := s.bridge.RPCPath()

	mux := http.NewServeMux()
	mux.Handle("POST /", endpoint.Handler(s.ingest, s.processors...))
	mux.Handle("OPTIONS "+rpcPath, endpoint.Handler(s.preflight, s.processors...))
	mux.Handle("GET "+rpcPath, endpoint.Handler(s.cgi, s.processors...))
	mux.Handle("GET "+s.prefix+"{path...}", endpoint.Handler(files.Endpoint, s.processors...))
	mux.Handle("GET /healthz", endpoint.Handler(s.health))
	if metrics != nil && metricsPath != "" {
		mux.Handle("GET "+metricsPath, metrics)
	}
	mux.Handle("/", endpoint.Handler(s.declined, s.processors...))
	return mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close stops the executor. Requests still in flight fail with
// ErrExecutorClosed.
func (s *Server) Close() {
	s.exec.Close()
}

// do runs fn on the executor, translating executor failures into HTTP errors.
func (s *Server) do(ctx context.Context, fn func()) error {
	if err := s.exec.Do(ctx, fn); err != nil {
		if errors.Is(err, ErrExecutorClosed) {
			return endpoint.Error(http.StatusServiceUnavailable, "shutting down", err)
		}
		if errors.Is(err, ErrTaskPanicked) {
			s.logger.ErrorContext(ctx, "bridge call panicked", "err", err)
			return endpoint.Error(http.StatusInternalServerError, "", err)
		}
		// The client went away while waiting.
		return endpoint.Error(http.StatusServiceUnavailable, "", err)
	}
	return nil
}

// ingest streams a POST body into the bridge, chunk by chunk.
func (s *Server) ingest(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	ctx := r.Context()
	h := bridge.Handle(uuid.NewString())

	var (
		accepted bool
		err      error
	)
	if derr := s.do(ctx, func() { accepted, err = s.bridge.PostBegin(h, r.URL.RequestURI(), r.ContentLength) }); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, s.bridgeError(r, err)
	}
	if !accepted {
		return &endpoint.HandlerRenderer{Handler: s.fallback}, nil
	}
	// Reclaims the buffer on every early return; a no-op once finished.
	defer s.exec.Do(context.Background(), func() { s.bridge.PostAbort(h) })

	buf := make([]byte, s.chunkSize)
	for {
		n, rerr := r.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if derr := s.do(ctx, func() { err = s.bridge.PostReceiveData(h, chunk) }); derr != nil {
				return nil, derr
			}
			if err != nil {
				return nil, s.bridgeError(r, err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			var mbe *http.MaxBytesError
			if errors.As(rerr, &mbe) {
				return nil, endpoint.Error(http.StatusRequestEntityTooLarge, "", rerr)
			}
			return nil, endpoint.Error(http.StatusBadRequest, "failed to read request body", rerr)
		}
	}

	var name string
	if derr := s.do(ctx, func() { name, err = s.bridge.PostFinished(ctx, h) }); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, s.bridgeError(r, err)
	}
	return s.respond(name)
}

// cgi runs a GET call on the RPC path built from the query string.
func (s *Server) cgi(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	var (
		name     string
		accepted bool
		err      error
	)
	if derr := s.do(r.Context(), func() {
		name, accepted, err = s.bridge.CGI(r.Context(), r.URL.RequestURI(), r.URL.Query())
	}); derr != nil {
		return nil, derr
	}
	if !accepted {
		return &endpoint.HandlerRenderer{Handler: s.fallback}, nil
	}
	if err != nil {
		return nil, s.bridgeError(r, err)
	}
	return s.respond(name)
}

// respond delivers the response file name according to the response mode.
func (s *Server) respond(name string) (endpoint.Renderer, error) {
	if s.mode == ModeRedirect {
		return &endpoint.RedirectRenderer{URL: s.prefix + url.PathEscape(name)}, nil
	}
	f, err := s.files.Open(name)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	return &endpoint.StaticFileRenderer{File: f, Header: http.Header{"Cache-Control": {"no-store"}}}, nil
}

// preflight answers OPTIONS on the RPC path; CORS headers come from the
// processors.
func (s *Server) preflight(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.NoContentRenderer{}, nil
}

// declined hands requests no route claims to the fallback handler.
func (s *Server) declined(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.HandlerRenderer{Handler: s.fallback}, nil
}

type healthResponse struct {
	Status string `json:"status"`
	bridge.Stats
}

func (s *Server) health(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	var st bridge.Stats
	if err := s.do(r.Context(), func() { st = s.bridge.Stats() }); err != nil {
		return nil, err
	}
	return &endpoint.JSONRenderer{
		Value:  healthResponse{Status: "ok", Stats: st},
		Header: http.Header{"Cache-Control": {"no-store"}},
	}, nil
}

// loggerFor returns the request logger if a processor stored one.
func (s *Server) loggerFor(r *http.Request) *slog.Logger {
	if l := middleware.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	return s.logger
}

// bridgeError maps bridge failures onto HTTP statuses.
func (s *Server) bridgeError(r *http.Request, err error) error {
	switch {
	case errors.Is(err, bridge.ErrResourceExhausted):
		return endpoint.Error(http.StatusRequestEntityTooLarge, "", err)
	case errors.Is(err, bridge.ErrUnknownConnection), errors.Is(err, bridge.ErrDuplicateConnection):
		s.loggerFor(r).Error("server: bridge rejected connection", "error", err)
		return endpoint.Error(http.StatusInternalServerError, "", err)
	}
	return endpoint.Error(http.StatusInternalServerError, "", err)
}
