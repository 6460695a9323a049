// Package redis provides a broker.Broker backed by Redis Streams, so several
// server processes can serve the same topics.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/xrpc-server-go/broker"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis broker. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: BROKER_KEY_PREFIX
	KeyPrefix string `env:"BROKER_KEY_PREFIX,default=xrpc:broker:"`
	// MaxEvents is the approximate per-topic retention. ENV: BROKER_MAX_EVENTS
	MaxEvents int64 `env:"BROKER_MAX_EVENTS,default=10000"`
}

// Broker stores each topic in a stream whose entry IDs are "0-<seq>", which
// keeps sequence numbers dense and lets XREAD resume from a cursor directly.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxEvents int64
	owned     bool
	// block bounds a single XREAD so Next notices ctx cancellation.
	block time.Duration
}

var _ broker.Broker = (*Broker)(nil)

func New(cfg Config) (*Broker, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b := NewWithClient(cl, cfg.KeyPrefix, cfg.MaxEvents)
	b.owned = true
	return b, nil
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(cl redis.UniversalClient, keyPrefix string, maxEvents int64) *Broker {
	if keyPrefix == "" {
		keyPrefix = "xrpc:broker:"
	}
	if maxEvents <= 0 {
		maxEvents = 10_000
	}
	return &Broker{client: cl, keyPrefix: keyPrefix, maxEvents: maxEvents, block: time.Second}
}

// NewFromEnv builds a Broker using envdecode to populate Config.
func NewFromEnv() (*Broker, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client if the broker created it.
func (b *Broker) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

func (b *Broker) streamKey(topic string) string { return b.keyPrefix + "stream:" + topic }
func (b *Broker) seqKey(topic string) string    { return b.keyPrefix + "seq:" + topic }

// Sequence allocation and append happen in one script so concurrent
// publishers can never add out of order.
var publishScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[1], '0-' .. seq, 'type', ARGV[2], 'data', ARGV[3], 'time', ARGV[4])
return seq
`)

func (b *Broker) Publish(ctx context.Context, topic, typ string, data []byte) (int64, error) {
	keys := []string{b.streamKey(topic), b.seqKey(topic)}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	seq, err := publishScript.Run(ctx, b.client, keys, b.maxEvents, typ, data, now).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to publish to stream %s: %w", keys[0], err)
	}
	return seq, nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string, cursor *int64) (broker.Subscription, error) {
	head, err := b.client.Get(ctx, b.seqKey(topic)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read sequence of %s: %w", topic, err)
	}
	last := head
	if cursor != nil {
		if *cursor > head {
			return nil, broker.ErrFutureCursor
		}
		last = *cursor
	}
	return &subscription{b: b, key: b.streamKey(topic), lastID: "0-" + strconv.FormatInt(last, 10), closed: make(chan struct{})}, nil
}

type subscription struct {
	b       *Broker
	key     string
	lastID  string
	pending []redis.XMessage

	once   sync.Once
	closed chan struct{}
}

func (s *subscription) Next(ctx context.Context) (broker.Event, error) {
	for len(s.pending) == 0 {
		select {
		case <-s.closed:
			return broker.Event{}, broker.ErrClosed
		case <-ctx.Done():
			return broker.Event{}, ctx.Err()
		default:
		}

		streams, err := s.b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.lastID},
			Count:   100,
			Block:   s.b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return broker.Event{}, ctx.Err()
			}
			return broker.Event{}, fmt.Errorf("failed to read from stream %s: %w", s.key, err)
		}
		for _, st := range streams {
			s.pending = append(s.pending, st.Messages...)
		}
	}

	msg := s.pending[0]
	s.pending = s.pending[1:]
	s.lastID = msg.ID
	return toEvent(msg)
}

func toEvent(msg redis.XMessage) (broker.Event, error) {
	_, seqStr, _ := strings.Cut(msg.ID, "-")
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return broker.Event{}, fmt.Errorf("unexpected stream id %q", msg.ID)
	}
	ev := broker.Event{Seq: seq}
	ev.Type, _ = msg.Values["type"].(string)
	if data, ok := msg.Values["data"].(string); ok {
		ev.Data = []byte(data)
	}
	if ms, ok := msg.Values["time"].(string); ok {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			ev.Time = time.UnixMilli(n)
		}
	}
	return ev, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
