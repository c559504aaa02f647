package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/rpcbridge/endpoint"
)

// APIHeadersProcessor sets response headers suited to a JSON API and, when
// configured, CORS headers so browser pages on other origins can call it.
//
// Defaults from NewAPIHeadersProcessor:
//   - X-Content-Type-Options: nosniff
//   - Referrer-Policy: no-referrer
//   - X-Frame-Options: DENY
//   - Content-Security-Policy: default-src 'none'; frame-ancestors 'none'
//   - Cross-Origin-Resource-Policy: same-origin
//
// The processor never answers a request itself. A CORS preflight gets its
// headers here and its status from the route.
type APIHeadersProcessor struct {
	// ContentTypeOptions enables X-Content-Type-Options: nosniff.
	ContentTypeOptions bool

	// Empty strings disable the corresponding header.
	ReferrerPolicy            string
	FrameOptions              string
	ContentSecurityPolicy     string
	CrossOriginResourcePolicy string

	// CORS configures Cross-Origin Resource Sharing. Nil disables it.
	CORS *CORSConfig
}

// CORSConfig configures Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the API. "*" allows any
	// origin unless AllowCredentials is set.
	AllowedOrigins []string

	// AllowedMethods and AllowedHeaders are sent on preflight responses.
	AllowedMethods []string
	AllowedHeaders []string

	// ExposedHeaders lists response headers scripts may read.
	ExposedHeaders []string

	AllowCredentials bool

	// MaxAge is how long, in seconds, a preflight result may be cached.
	MaxAge int
}

// DefaultCORSConfig returns a CORS configuration for the RPC endpoints that
// admits the given origins.
func DefaultCORSConfig(origins ...string) *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Location", "X-Request-Id"},
		MaxAge:         3600,
	}
}

// APIHeadersOption configures an APIHeadersProcessor.
type APIHeadersOption func(*APIHeadersProcessor)

// NewAPIHeadersProcessor creates an APIHeadersProcessor with API defaults.
func NewAPIHeadersProcessor(opts ...APIHeadersOption) *APIHeadersProcessor {
	p := &APIHeadersProcessor{
		ContentTypeOptions:        true,
		ReferrerPolicy:            "no-referrer",
		FrameOptions:              "DENY",
		ContentSecurityPolicy:     "default-src 'none'; frame-ancestors 'none'",
		CrossOriginResourcePolicy: "same-origin",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithReferrerPolicy sets the Referrer-Policy header.
func WithReferrerPolicy(policy string) APIHeadersOption {
	return func(p *APIHeadersProcessor) {
		p.ReferrerPolicy = policy
	}
}

// WithFrameOptions sets the X-Frame-Options header.
func WithFrameOptions(options string) APIHeadersOption {
	return func(p *APIHeadersProcessor) {
		p.FrameOptions = options
	}
}

// WithCSP sets the Content-Security-Policy header.
func WithCSP(policy string) APIHeadersOption {
	return func(p *APIHeadersProcessor) {
		p.ContentSecurityPolicy = policy
	}
}

// WithCORS enables CORS. Cross-Origin-Resource-Policy is relaxed to
// cross-origin so that permitted pages can load responses.
func WithCORS(config *CORSConfig) APIHeadersOption {
	return func(p *APIHeadersProcessor) {
		p.CORS = config
		if config != nil {
			p.CrossOriginResourcePolicy = "cross-origin"
		}
	}
}

// Process implements endpoint.Processor.
func (p *APIHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if p.ContentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	if p.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", p.ReferrerPolicy)
	}
	if p.FrameOptions != "" {
		h.Set("X-Frame-Options", p.FrameOptions)
	}
	if p.ContentSecurityPolicy != "" {
		h.Set("Content-Security-Policy", p.ContentSecurityPolicy)
	}
	if p.CrossOriginResourcePolicy != "" {
		h.Set("Cross-Origin-Resource-Policy", p.CrossOriginResourcePolicy)
	}
	if p.CORS != nil {
		setCORSHeaders(h, r, p.CORS)
	}
	return next(w, r)
}

// setCORSHeaders sets CORS headers for cross-origin requests, those carrying
// an Origin header.
func setCORSHeaders(h http.Header, r *http.Request, config *CORSConfig) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	for _, allowed := range config.AllowedOrigins {
		if allowed == "*" && !config.AllowCredentials {
			h.Set("Access-Control-Allow-Origin", "*")
			break
		}
		if allowed == origin {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			break
		}
	}
	// Credentials are never combined with a wildcard origin.
	if h.Get("Access-Control-Allow-Origin") == "" {
		return
	}

	if config.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(config.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
	}

	if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
		return
	}
	if len(config.AllowedMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
	}
	if len(config.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
	}
	if config.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
	}
}

var _ endpoint.Processor = (*APIHeadersProcessor)(nil)
