package xrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/xrpc-server-go/internal/logctx"
	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/ratelimit"
	"github.com/ggoodman/xrpc-server-go/ratelimit/memory"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ http.Handler = (*Server)(nil)
)

const tracerName = "github.com/ggoodman/xrpc-server-go/xrpc"

var jsonMediaType = contenttype.NewMediaType("application/json")

// Server serves registered XRPC methods over HTTP and websockets.
type Server struct {
	cfg    serverConfig
	log    *slog.Logger
	mux    *http.ServeMux
	tracer trace.Tracer

	mu      sync.RWMutex
	methods map[string]*methodEntry
	streams map[string]*streamEntry
	catalog *lexicon.Catalog

	pools    *ratelimit.Pools
	bypass   ratelimit.BypassFunc
	metrics  *metrics
	upgrader websocket.Upgrader
}

// New constructs a Server. Methods are added with Method and StreamMethod.
func New(opts ...Option) (*Server, error) {
	cfg := serverConfig{
		logger:           slog.Default(),
		prefix:           DefaultPathPrefix,
		limits:           PayloadLimits{JSON: DefaultJSONLimit, Text: DefaultTextLimit, Blob: DefaultBlobLimit},
		validateResponse: true,
		heartbeat:        DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.validator == nil {
		cfg.validator = lexicon.NewValidator()
	}
	if cfg.tracerProvider == nil {
		cfg.tracerProvider = otel.GetTracerProvider()
	}
	if cfg.heartbeat <= 0 {
		cfg.heartbeat = DefaultHeartbeatInterval
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	factory := cfg.rateLimits.Factory
	if factory == nil {
		factory = ratelimit.NewFactory(memory.New(), "xrpc:", ratelimit.WithLogger(log))
	}
	pools, err := ratelimit.NewPools(factory, cfg.rateLimits.Global, cfg.rateLimits.Shared)
	if err != nil {
		return nil, err
	}

	m := newMetrics()
	if cfg.registerer != nil {
		if err := m.register(cfg.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	catalog := cfg.catalog
	if catalog == nil {
		catalog = lexicon.NewCatalog()
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		tracer:  cfg.tracerProvider.Tracer(tracerName),
		methods: make(map[string]*methodEntry),
		streams: make(map[string]*streamEntry),
		catalog: catalog,
		pools:   pools,
		bypass:  cfg.rateLimits.Bypass,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.checkOrigin,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.prefix+"{nsid}", s.handleXRPC)
	s.mux = mux
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (s *Server) handleXRPC(w http.ResponseWriter, r *http.Request) {
	nsid := r.PathValue("nsid")
	if websocket.IsWebSocketUpgrade(r) {
		s.serveSubscription(w, r, nsid)
		return
	}
	s.serveMethod(w, r, nsid)
}

// clientIP returns the origin address used as the default rate-limit key.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriter records whether headers were sent and the final status.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *responseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// writeError normalizes err, logs it by class and writes the JSON error body.
// Once headers are out the error can no longer be reported, so the request is
// aborted instead.
func (s *Server) writeError(w *responseWriter, r *http.Request, err error) *XRPCError {
	ctx := r.Context()
	xe := normalize(err, s.cfg.errorParser, time.Now())
	if xe.Type.IsServerError() {
		s.logError(ctx, "xrpc.request.fail", xe)
	} else {
		s.logError(ctx, "xrpc.request.reject", xe)
	}

	if w.wroteHeader {
		s.abort(r, xe)
	}

	h := w.Header()
	for k, vs := range xe.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set("Content-Type", jsonMediaType.String()+"; charset=utf-8")
	w.WriteHeader(xe.StatusCode())
	_ = json.NewEncoder(w).Encode(xe.body())
	return xe
}
