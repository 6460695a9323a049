// Package config loads server settings from the environment and turns them
// into xrpc options and backing stores.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/xrpc-server-go/broker"
	brokermem "github.com/ggoodman/xrpc-server-go/broker/memory"
	brokerredis "github.com/ggoodman/xrpc-server-go/broker/redis"
	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/ratelimit"
	rlmem "github.com/ggoodman/xrpc-server-go/ratelimit/memory"
	rlredis "github.com/ggoodman/xrpc-server-go/ratelimit/redis"
	"github.com/ggoodman/xrpc-server-go/xrpc"
	"github.com/joeshaw/envdecode"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is populated from XRPC_* variables. Redis settings reuse the
// variables of the redis backends.
type Config struct {
	Addr       string `env:"XRPC_ADDR,default=:8080"`
	PathPrefix string `env:"XRPC_PATH_PREFIX,default=/xrpc/"`
	LogLevel   string `env:"XRPC_LOG_LEVEL,default=info"`
	LogFormat  string `env:"XRPC_LOG_FORMAT,default=json"`
	// LexiconDir is loaded into the server catalog when set.
	LexiconDir string `env:"XRPC_LEXICON_DIR"`

	JSONLimit         int64         `env:"XRPC_JSON_LIMIT,default=102400,strict"`
	TextLimit         int64         `env:"XRPC_TEXT_LIMIT,default=102400,strict"`
	BlobLimit         int64         `env:"XRPC_BLOB_LIMIT,default=5242880,strict"`
	ValidateResponses bool          `env:"XRPC_VALIDATE_RESPONSES,default=true,strict"`
	HeartbeatInterval time.Duration `env:"XRPC_HEARTBEAT_INTERVAL,default=30s,strict"`
	TrustForwardedFor bool          `env:"XRPC_TRUST_FORWARDED_FOR,default=false,strict"`

	RateLimitStore string `env:"XRPC_RATELIMIT_STORE,default=memory"`
	// GlobalRateLimit is the per-IP budget over GlobalRateLimitWindow
	// applied to every request. Zero disables it.
	GlobalRateLimit       int           `env:"XRPC_GLOBAL_RATELIMIT,default=0,strict"`
	GlobalRateLimitWindow time.Duration `env:"XRPC_GLOBAL_RATELIMIT_WINDOW,default=5m,strict"`
	RateLimitBypassSecret string        `env:"XRPC_RATELIMIT_BYPASS_SECRET"`

	Broker string `env:"XRPC_BROKER,default=memory"`

	RateLimitRedis rlredis.Config
	BrokerRedis    brokerredis.Config
}

// FromEnv decodes a Config from the process environment and validates it.
func FromEnv() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values envdecode cannot.
func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{"XRPC_RATELIMIT_STORE": c.RateLimitStore, "XRPC_BROKER": c.Broker} {
		if v != BackendMemory && v != BackendRedis {
			errs = append(errs, fmt.Errorf("config: %s: unknown backend %q", name, v))
		}
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("config: XRPC_LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	if c.GlobalRateLimit < 0 {
		errs = append(errs, errors.New("config: XRPC_GLOBAL_RATELIMIT must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: XRPC_LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Logger builds the process logger writing to w, or stderr when w is nil.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, _ := c.level()
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Resources are backing stores opened by ServerOptions and Broker. Close
// releases them.
type Resources struct {
	closers []io.Closer
}

func (r *Resources) add(c io.Closer) { r.closers = append(r.closers, c) }

func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// ServerOptions translates the configuration into server options. Stores it
// opens are registered with res.
func (c *Config) ServerOptions(log *slog.Logger, res *Resources) ([]xrpc.Option, error) {
	opts := []xrpc.Option{
		xrpc.WithLogger(log),
		xrpc.WithPathPrefix(c.PathPrefix),
		xrpc.WithPayloadLimits(xrpc.PayloadLimits{JSON: c.JSONLimit, Text: c.TextLimit, Blob: c.BlobLimit}),
		xrpc.WithResponseValidation(c.ValidateResponses),
		xrpc.WithHeartbeatInterval(c.HeartbeatInterval),
		xrpc.WithTrustForwardedFor(c.TrustForwardedFor),
	}

	if c.LexiconDir != "" {
		cat := lexicon.NewCatalog()
		if err := cat.LoadDir(c.LexiconDir); err != nil {
			return nil, fmt.Errorf("config: load lexicons: %w", err)
		}
		opts = append(opts, xrpc.WithCatalog(cat))
	}

	factory, err := c.rateLimitFactory(log, res)
	if err != nil {
		return nil, err
	}
	rl := xrpc.RateLimitOptions{Factory: factory}
	if c.GlobalRateLimit > 0 {
		rl.Global = []ratelimit.Spec{{Name: "ip", Duration: c.GlobalRateLimitWindow, Points: c.GlobalRateLimit}}
	}
	if c.RateLimitBypassSecret != "" {
		rl.Bypass = ratelimit.SecretBypass(c.RateLimitBypassSecret)
	}
	opts = append(opts, xrpc.WithRateLimits(rl))
	return opts, nil
}

// rateLimitFactory builds limiters over the configured store. The redis
// store namespaces keys with its own KeyPrefix.
func (c *Config) rateLimitFactory(log *slog.Logger, res *Resources) (ratelimit.Factory, error) {
	if c.RateLimitStore != BackendRedis {
		return ratelimit.NewFactory(rlmem.New(), "xrpc:", ratelimit.WithLogger(log)), nil
	}
	s, err := rlredis.New(c.RateLimitRedis)
	if err != nil {
		return nil, fmt.Errorf("config: rate limit store: %w", err)
	}
	res.add(s)
	return ratelimit.NewFactory(s, "", ratelimit.WithLogger(log)), nil
}

// OpenBroker opens the configured event broker.
func (c *Config) OpenBroker(res *Resources) (broker.Broker, error) {
	if c.Broker != BackendRedis {
		return brokermem.New(), nil
	}
	b, err := brokerredis.New(c.BrokerRedis)
	if err != nil {
		return nil, fmt.Errorf("config: broker: %w", err)
	}
	res.add(b)
	return b, nil
}
