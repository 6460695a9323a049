// Package redis provides a ratelimit.Store backed by Redis, suitable for
// limits shared by several server processes.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/xrpc-server-go/ratelimit"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all counter keys. ENV: RATELIMIT_KEY_PREFIX
	KeyPrefix string `env:"RATELIMIT_KEY_PREFIX,default=xrpc:rl:"`
}

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

var _ ratelimit.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewWithClient(cl, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(cl redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "xrpc:rl:"
	}
	return &Store{client: cl, keyPrefix: keyPrefix}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client if the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// The window starts with the first debit; PTTL is checked instead of
// PEXPIRE NX so the script runs on Redis < 7.
var consumeScript = redis.NewScript(`
local count = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {count, ttl}
`)

func (s *Store) Consume(ctx context.Context, key string, points, limit int, window time.Duration) (ratelimit.Result, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.keyPrefix + key}, points, window.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("redis consume %s: %w", key, err)
	}
	if len(res) != 2 {
		return ratelimit.Result{}, fmt.Errorf("redis consume %s: unexpected reply length %d", key, len(res))
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Result{
		Allowed:   count <= limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
		Consumed:  count,
	}, nil
}
