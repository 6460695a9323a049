// Package memory provides an in-process fixed-window ratelimit.Store.
//
// Counters live in a single process; use it for tests and single-node
// deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/xrpc-server-go/ratelimit"
)

const sweepInterval = time.Minute

type window struct {
	count   int
	resetAt time.Time
}

// Store is a fixed-window counter store.
type Store struct {
	mu        sync.Mutex
	windows   map[string]*window
	now       func() time.Time
	nextSweep time.Time
}

var _ ratelimit.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{windows: make(map[string]*window), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Consume(ctx context.Context, key string, points, limit int, win time.Duration) (ratelimit.Result, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Result{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.After(s.nextSweep) {
		s.sweepLocked(now)
		s.nextSweep = now.Add(sweepInterval)
	}

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		s.windows[key] = w
	}
	w.count += points

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Result{
		Allowed:   w.count <= limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
		Consumed:  w.count,
	}, nil
}

func (s *Store) sweepLocked(now time.Time) {
	for k, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, k)
		}
	}
}

// Len returns the number of live windows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
