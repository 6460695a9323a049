package xrpc

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPathPrefix        = "/xrpc/"
	DefaultJSONLimit         = 100 << 10
	DefaultTextLimit         = 100 << 10
	DefaultBlobLimit         = 5 << 20
	DefaultHeartbeatInterval = 30 * time.Second
)

// PayloadLimits caps request bodies by encoding, in bytes after
// Content-Encoding is removed. Zero fields keep their defaults.
type PayloadLimits struct {
	JSON int64
	Text int64
	Blob int64
}

// RateLimitOptions configures the limiter pools.
type RateLimitOptions struct {
	// Factory builds limiters. Defaults to an in-process memory store, which
	// only limits within a single server process.
	Factory ratelimit.Factory
	// Global limiters apply to every request, including unknown methods.
	Global []ratelimit.Spec
	// Shared limiters are referenced by name from MethodConfig.SharedRateLimits.
	Shared []ratelimit.Spec
	// Bypass lets trusted callers skip every limiter.
	Bypass ratelimit.BypassFunc
}

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	logger           *slog.Logger
	prefix           string
	limits           PayloadLimits
	validateResponse bool
	validator        lexicon.Validator
	rateLimits       RateLimitOptions
	catchall         http.Handler
	errorParser      ErrorParser
	catalog          *lexicon.Catalog
	heartbeat        time.Duration
	registerer       prometheus.Registerer
	tracerProvider   trace.TracerProvider
	checkOrigin      func(r *http.Request) bool
	trustForwarded   bool
}

// WithLogger sets the logger used by the server. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *serverConfig) { c.logger = l }
}

// WithPathPrefix mounts methods under prefix instead of "/xrpc/".
func WithPathPrefix(prefix string) Option {
	return func(c *serverConfig) {
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		c.prefix = prefix
	}
}

// WithPayloadLimits overrides the request body limits.
func WithPayloadLimits(l PayloadLimits) Option {
	return func(c *serverConfig) {
		if l.JSON > 0 {
			c.limits.JSON = l.JSON
		}
		if l.Text > 0 {
			c.limits.Text = l.Text
		}
		if l.Blob > 0 {
			c.limits.Blob = l.Blob
		}
	}
}

// WithResponseValidation toggles validation of handler output against the
// declared output schema. On by default.
func WithResponseValidation(on bool) Option {
	return func(c *serverConfig) { c.validateResponse = on }
}

// WithValidator replaces the schema validator.
func WithValidator(v lexicon.Validator) Option {
	return func(c *serverConfig) { c.validator = v }
}

// WithRateLimits configures global and shared limiters and the limiter
// factory used for per-method limits.
func WithRateLimits(o RateLimitOptions) Option {
	return func(c *serverConfig) { c.rateLimits = o }
}

// WithCatchall delegates requests for unregistered methods to h instead of
// answering MethodNotImplemented. Typically used to proxy upstream.
func WithCatchall(h http.Handler) Option {
	return func(c *serverConfig) { c.catchall = h }
}

// WithErrorParser installs an application specific error mapping that runs
// before the default one.
func WithErrorParser(p ErrorParser) Option {
	return func(c *serverConfig) { c.errorParser = p }
}

// WithCatalog makes the definitions in cat available to MethodByID and
// StreamMethodByID.
func WithCatalog(cat *lexicon.Catalog) Option {
	return func(c *serverConfig) { c.catalog = cat }
}

// WithHeartbeatInterval sets how often subscription connections are pinged.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *serverConfig) { c.heartbeat = d }
}

// WithMetrics registers the server's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *serverConfig) { c.registerer = reg }
}

// WithTracerProvider sets the OpenTelemetry tracer provider. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *serverConfig) { c.tracerProvider = tp }
}

// WithCheckOrigin sets the websocket origin check. By default cross-origin
// upgrades are rejected.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(c *serverConfig) { c.checkOrigin = f }
}

// WithTrustForwardedFor keys origin-based rate limits on the first
// X-Forwarded-For address. Only enable behind a proxy that sets it.
func WithTrustForwardedFor(on bool) Option {
	return func(c *serverConfig) { c.trustForwarded = on }
}
