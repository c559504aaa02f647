package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnehpets/rpcbridge/endpoint"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

type loggerKey struct{}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the request logger stored by RequestLogProcessor,
// or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey{}).(*slog.Logger)
	return logger
}

// RequestLogProcessor tags each request with an id, stores a logger carrying
// that id in the request context and logs one line when the request completes.
//
// A client supplied X-Request-Id is reused; otherwise a random UUID is
// generated. The id is echoed in the response headers.
type RequestLogProcessor struct {
	Logger *slog.Logger

	// NewID generates request ids. Defaults to uuid.NewString.
	NewID func() string
}

// NewRequestLogProcessor creates a RequestLogProcessor. A nil logger uses
// slog.Default().
func NewRequestLogProcessor(logger *slog.Logger) *RequestLogProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestLogProcessor{Logger: logger, NewID: uuid.NewString}
}

// Process implements endpoint.Processor.
func (p *RequestLogProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
	if id == "" {
		if p.NewID != nil {
			id = p.NewID()
		} else {
			id = uuid.NewString()
		}
	}
	w.Header().Set(RequestIDHeader, id)

	base := p.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("request_id", id)
	ctx := ContextWithLogger(r.Context(), logger)

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	err := next(sw, r.WithContext(ctx))

	status := sw.status
	if err != nil {
		status = endpoint.StatusOf(err)
	}
	if status == 0 {
		status = http.StatusOK
	}

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"bytes", sw.written,
		"duration", time.Since(start),
	}
	switch {
	case status >= http.StatusInternalServerError:
		logger.ErrorContext(ctx, "request failed", append(attrs, "error", err)...)
	case err != nil:
		logger.InfoContext(ctx, "request rejected", append(attrs, "error", err)...)
	default:
		logger.InfoContext(ctx, "request", attrs...)
	}
	return err
}

// statusWriter records the status and byte count written through it.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var _ endpoint.Processor = (*RequestLogProcessor)(nil)
