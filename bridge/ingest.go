package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"
)

// HTTPCapabilities is the set of hooks an HTTP layer drives to route RPC
// traffic through the bridge. Calls must be serialized by the caller.
type HTTPCapabilities interface {
	// PostBegin reports whether uri is handled by the bridge. A declined POST
	// should fall through to the server's ordinary handling. Accepted bodies
	// are streamed without per-chunk acknowledgement.
	PostBegin(h Handle, uri string, contentLength int64) (bool, error)
	// PostReceiveData appends one body chunk. An error means the connection
	// must be failed.
	PostReceiveData(h Handle, chunk []byte) error
	// PostFinished dispatches the complete body and returns the name of the
	// response file to serve.
	PostFinished(ctx context.Context, h Handle) (string, error)
	// PostAbort reclaims everything held for h. It is safe to call at any
	// time, including after PostFinished.
	PostAbort(h Handle)
	// CGI runs a one-shot call described by query parameters.
	CGI(ctx context.Context, uri string, params url.Values) (string, bool, error)

	fs.FS
}

var _ HTTPCapabilities = (*Bridge)(nil)

type connState int

const (
	stateAwaitingBody connState = iota + 1
	stateReceiving
)

func (s connState) String() string {
	switch s {
	case stateAwaitingBody:
		return "awaiting-body"
	case stateReceiving:
		return "receiving"
	}
	return "idle"
}

const (
	// DefaultRPCPath is the path POST bodies and CGI calls are accepted on.
	DefaultRPCPath = "/rpc"
	// DefaultMaxBodyBytes limits a request body unless WithMaxBodyBytes says
	// otherwise.
	DefaultMaxBodyBytes = 1 << 20
)

// Bridge connects a streaming HTTP layer to a JSON-RPC engine.
//
// A handle with no state is idle: either not yet begun or already finished.
// Bridge does no locking; the HTTP layer must serialize all calls, including
// Open and Close of response files.
type Bridge struct {
	rpcPath    string
	maxBody    int64
	ttl        time.Duration
	states     map[Handle]connState
	store      *Store
	files      *Provider
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *Metrics
}

type options struct {
	rpcPath      string
	maxBody      int64
	maxBuffered  int64
	maxResponses int
	ttl          time.Duration
	tokens       *TokenCodec
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time
}

// Option configures a Bridge.
type Option func(*options)

// WithRPCPath sets the path the bridge accepts calls on.
func WithRPCPath(path string) Option {
	return func(o *options) {
		o.rpcPath = path
	}
}

// WithMaxBodyBytes limits the size of a single request body. Zero keeps
// DefaultMaxBodyBytes; a negative n removes the limit.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n != 0 {
			o.maxBody = n
		}
	}
}

// WithMaxBufferedBytes limits the bytes buffered across all connections.
func WithMaxBufferedBytes(n int64) Option {
	return func(o *options) {
		o.maxBuffered = n
	}
}

// WithMaxResponses limits the number of responses waiting to be fetched.
func WithMaxResponses(n int) Option {
	return func(o *options) {
		o.maxResponses = n
	}
}

// WithResponseTTL sets how long an unfetched response is kept before Sweep
// releases it.
func WithResponseTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
	}
}

// WithTokenCodec sets the codec used to name responses.
func WithTokenCodec(c *TokenCodec) Option {
	return func(o *options) {
		o.tokens = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics enables metrics recording.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New creates a bridge that dispatches to engine.
func New(engine Engine, opts ...Option) (*Bridge, error) {
	if engine == nil {
		return nil, errors.New("bridge: nil engine")
	}
	o := options{
		rpcPath: DefaultRPCPath,
		maxBody: DefaultMaxBodyBytes,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tokens == nil {
		c, err := NewTokenCodec(nil)
		if err != nil {
			return nil, err
		}
		o.tokens = c
	}

	files := NewProvider(o.tokens)
	files.now = o.now
	b := &Bridge{
		rpcPath: o.rpcPath,
		maxBody: o.maxBody,
		ttl:     o.ttl,
		states:  make(map[Handle]connState),
		store:   NewStore(o.maxBuffered),
		files:   files,
		dispatcher: &Dispatcher{
			engine:       engine,
			files:        files,
			maxResponses: o.maxResponses,
			logger:       o.logger,
			metrics:      o.metrics,
		},
		logger:  o.logger,
		metrics: o.metrics,
	}
	files.released = func() { b.metrics.observe(b.store, b.files) }
	return b, nil
}

// RPCPath returns the path the bridge accepts calls on.
func (b *Bridge) RPCPath() string {
	return b.rpcPath
}

func (b *Bridge) recognizes(uri string) bool {
	u, err := url.ParseRequestURI(uri)
	if err != nil {
		return false
	}
	return u.Path == b.rpcPath
}

// PostBegin implements HTTPCapabilities.
func (b *Bridge) PostBegin(h Handle, uri string, contentLength int64) (bool, error) {
	if !b.recognizes(uri) {
		b.metrics.ingest(ResultDeclined)
		return false, nil
	}
	if _, ok := b.states[h]; ok {
		b.violation("begin", h)
		return false, fmt.Errorf("%w: %s", ErrDuplicateConnection, h)
	}
	if b.maxBody > 0 && contentLength > b.maxBody {
		b.exhausted(h, "content length over limit", "content_length", contentLength)
		return false, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrResourceExhausted, contentLength, b.maxBody)
	}
	if err := b.store.Begin(h, contentLength); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			b.exhausted(h, "cannot reserve body", "content_length", contentLength)
		}
		return false, err
	}
	b.states[h] = stateAwaitingBody
	b.metrics.observe(b.store, b.files)
	return true, nil
}

// PostReceiveData implements HTTPCapabilities. On exhaustion the partial body
// is dropped and the handle returns to idle.
func (b *Bridge) PostReceiveData(h Handle, chunk []byte) error {
	if _, ok := b.states[h]; !ok {
		b.violation("receive", h)
		return fmt.Errorf("%w: %s", ErrUnknownConnection, h)
	}
	if size := int64(b.store.Buffered(h) + len(chunk)); b.maxBody > 0 && size > b.maxBody {
		b.drop(h)
		b.exhausted(h, "body over limit", "size", size)
		return fmt.Errorf("%w: body exceeds %d bytes", ErrResourceExhausted, b.maxBody)
	}
	if err := b.store.Append(h, chunk); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			b.drop(h)
			b.exhausted(h, "buffer budget exceeded", "chunk", len(chunk))
		}
		return err
	}
	b.states[h] = stateReceiving
	b.metrics.observe(b.store, b.files)
	return nil
}

// PostFinished implements HTTPCapabilities.
func (b *Bridge) PostFinished(ctx context.Context, h Handle) (string, error) {
	if _, ok := b.states[h]; !ok {
		b.violation("finish", h)
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, h)
	}
	body, err := b.store.TakeAndErase(h)
	delete(b.states, h)
	if err != nil {
		b.violation("finish", h)
		return "", err
	}

	rec, err := b.dispatcher.Dispatch(ctx, body)
	b.metrics.observe(b.store, b.files)
	if err != nil {
		b.logger.Error("bridge: dispatch failed", "handle", h, "error", err)
		return "", err
	}
	b.metrics.ingest(ResultOK)
	b.logger.Debug("bridge: response ready", "handle", h, "request_bytes", len(body), "response_bytes", len(rec.Body))
	return rec.Name, nil
}

// PostAbort implements HTTPCapabilities.
func (b *Bridge) PostAbort(h Handle) {
	st, ok := b.states[h]
	if !ok {
		return
	}
	b.drop(h)
	b.metrics.ingest(ResultAborted)
	b.logger.Debug("bridge: connection aborted", "handle", h, "state", st)
}

// Open implements fs.FS over the outstanding responses.
func (b *Bridge) Open(name string) (fs.File, error) {
	return b.files.Open(name)
}

// Sweep releases responses not fetched within the configured TTL.
func (b *Bridge) Sweep() int {
	n := b.files.Sweep(b.ttl)
	if n > 0 {
		b.logger.Info("bridge: released unfetched responses", "count", n)
		b.metrics.swept(n)
		b.metrics.observe(b.store, b.files)
	}
	return n
}

// Stats is a snapshot of the resources held by a Bridge.
type Stats struct {
	ActiveBuffers        int   `json:"active_buffers"`
	BufferedBytes        int64 `json:"buffered_bytes"`
	OutstandingResponses int   `json:"outstanding_responses"`
}

// Stats returns the current resource usage.
func (b *Bridge) Stats() Stats {
	return Stats{
		ActiveBuffers:        b.store.Len(),
		BufferedBytes:        b.store.Size(),
		OutstandingResponses: b.files.Len(),
	}
}

func (b *Bridge) drop(h Handle) {
	b.store.Discard(h)
	delete(b.states, h)
	b.metrics.observe(b.store, b.files)
}

func (b *Bridge) violation(op string, h Handle) {
	b.metrics.violation(op)
	b.logger.Warn("bridge: protocol violation", "op", op, "handle", h)
}

func (b *Bridge) exhausted(h Handle, msg string, args ...any) {
	b.metrics.ingest(ResultExhausted)
	b.logger.Warn("bridge: "+msg, append([]any{"handle", h}, args...)...)
}
