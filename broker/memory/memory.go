// Package memory provides an in-process broker.Broker. State is local to the
// process, so it only suits single node deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/xrpc-server-go/broker"
)

// DefaultMaxEvents is the per-topic retention used when none is configured.
const DefaultMaxEvents = 10_000

type Option func(*Broker)

// WithMaxEvents caps the number of events retained per topic.
func WithMaxEvents(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxEvents = n
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker implements broker.Broker with per-topic ring buffers.
type Broker struct {
	mu        sync.Mutex
	topics    map[string]*topic
	maxEvents int
	now       func() time.Time
}

type topic struct {
	events []broker.Event
	seq    int64
	// notify is closed and replaced on every publish.
	notify chan struct{}
}

var _ broker.Broker = (*Broker)(nil)

func New(opts ...Option) *Broker {
	b := &Broker{topics: make(map[string]*topic), maxEvents: DefaultMaxEvents, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{notify: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Publish(ctx context.Context, name, typ string, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(name)
	t.seq++
	t.events = append(t.events, broker.Event{
		Seq:  t.seq,
		Time: b.now(),
		Type: typ,
		Data: append([]byte(nil), data...),
	})
	if over := len(t.events) - b.maxEvents; over > 0 {
		t.events = append(t.events[:0:0], t.events[over:]...)
	}
	close(t.notify)
	t.notify = make(chan struct{})
	return t.seq, nil
}

func (b *Broker) Subscribe(ctx context.Context, name string, cursor *int64) (broker.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(name)
	last := t.seq
	if cursor != nil {
		if *cursor > t.seq {
			return nil, broker.ErrFutureCursor
		}
		last = *cursor
	}
	return &subscription{b: b, t: t, last: last, closed: make(chan struct{})}, nil
}

type subscription struct {
	b    *Broker
	t    *topic
	last int64

	once   sync.Once
	closed chan struct{}
}

func (s *subscription) Next(ctx context.Context) (broker.Event, error) {
	for {
		select {
		case <-s.closed:
			return broker.Event{}, broker.ErrClosed
		default:
		}

		s.b.mu.Lock()
		ev, ok := s.nextLocked()
		notify := s.t.notify
		s.b.mu.Unlock()
		if ok {
			s.last = ev.Seq
			return ev, nil
		}

		select {
		case <-notify:
		case <-s.closed:
			return broker.Event{}, broker.ErrClosed
		case <-ctx.Done():
			return broker.Event{}, ctx.Err()
		}
	}
}

// nextLocked returns the first retained event after s.last.
func (s *subscription) nextLocked() (broker.Event, bool) {
	evs := s.t.events
	if len(evs) == 0 || evs[len(evs)-1].Seq <= s.last {
		return broker.Event{}, false
	}
	// Sequence numbers are dense, so the offset can be computed directly.
	i := int(s.last - evs[0].Seq + 1)
	if i < 0 {
		i = 0
	}
	return evs[i], true
}

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
