// Package brokertest holds the conformance suite every broker.Broker
// implementation is expected to pass.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/xrpc-server-go/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("Publish_SequenceIsDense", func(t *testing.T) { testSequenceIsDense(t, factory) })
	t.Run("Subscribe_LiveOnly", func(t *testing.T) { testLiveOnly(t, factory) })
	t.Run("Subscribe_ReplayFromCursor", func(t *testing.T) { testReplayFromCursor(t, factory) })
	t.Run("Subscribe_ReplayFromZero", func(t *testing.T) { testReplayFromZero(t, factory) })
	t.Run("Subscribe_FutureCursor", func(t *testing.T) { testFutureCursor(t, factory) })
	t.Run("Subscribe_TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("Subscribe_MultipleSubscribers", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("Subscribe_ConcurrentPublishersStayOrdered", func(t *testing.T) { testConcurrentPublishers(t, factory) })
	t.Run("Next_ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("Next_AfterClose", func(t *testing.T) { testNextAfterClose(t, factory) })
}

// uniqueTopic keeps runs against a shared backend from colliding.
func uniqueTopic(t *testing.T) string {
	return fmt.Sprintf("%s:%d", t.Name(), time.Now().UnixNano())
}

func publish(t *testing.T, b broker.Broker, topic string, n int) []int64 {
	t.Helper()
	seqs := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		seq, err := b.Publish(context.Background(), topic, "com.example.test#event", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		seqs = append(seqs, seq)
	}
	return seqs
}

func next(t *testing.T, sub broker.Subscription) broker.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return ev
}

func subscribe(t *testing.T, b broker.Broker, topic string, cursor *int64) broker.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), topic, cursor)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func cursor(n int64) *int64 { return &n }

func testSequenceIsDense(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	seqs := publish(t, b, uniqueTopic(t), 5)
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, seq)
		}
	}
}

func testLiveOnly(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := uniqueTopic(t)
	publish(t, b, topic, 2)

	sub := subscribe(t, b, topic, nil)
	publish(t, b, topic, 1)

	ev := next(t, sub)
	if ev.Seq != 3 {
		t.Fatalf("expected only the live event (seq 3), got %d", ev.Seq)
	}
	if ev.Type != "com.example.test#event" || string(ev.Data) != `{"n":0}` {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Time.IsZero() {
		t.Fatalf("expected event time to be set")
	}
}

func testReplayFromCursor(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := uniqueTopic(t)
	publish(t, b, topic, 4)

	sub := subscribe(t, b, topic, cursor(2))
	for _, want := range []int64{3, 4} {
		if ev := next(t, sub); ev.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, ev.Seq)
		}
	}

	publish(t, b, topic, 1)
	if ev := next(t, sub); ev.Seq != 5 {
		t.Fatalf("expected live seq 5 after replay, got %d", ev.Seq)
	}
}

func testReplayFromZero(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := uniqueTopic(t)
	publish(t, b, topic, 3)

	sub := subscribe(t, b, topic, cursor(0))
	for want := int64(1); want <= 3; want++ {
		if ev := next(t, sub); ev.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, ev.Seq)
		}
	}
}

func testFutureCursor(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := uniqueTopic(t)
	publish(t, b, topic, 1)

	if _, err := b.Subscribe(context.Background(), topic, cursor(2)); !errors.Is(err, broker.ErrFutureCursor) {
		t.Fatalf("expected ErrFutureCursor, got %v", err)
	}
	if _, err := b.Subscribe(context.Background(), uniqueTopic(t)+":empty", cursor(1)); !errors.Is(err, broker.ErrFutureCursor) {
		t.Fatalf("expected ErrFutureCursor on empty topic, got %v", err)
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	a, c := uniqueTopic(t)+":a", uniqueTopic(t)+":c"

	sub := subscribe(t, b, a, cursor(0))
	publish(t, b, c, 3)
	publish(t, b, a, 1)

	ev := next(t, sub)
	if ev.Seq != 1 {
		t.Fatalf("expected first event of topic a, got seq %d", ev.Seq)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := uniqueTopic(t)
	s1 := subscribe(t, b, topic, cursor(0))
	s2 := subscribe(t, b, topic, cursor(0))
	publish(t, b, topic, 2)

	for _, sub := range []broker.Subscription{s1, s2} {
		for want := int64(1); want <= 2; want++ {
			if ev := next(t, sub); ev.Seq != want {
				t.Fatalf("expected seq %d, got %d", want, ev.Seq)
			}
		}
	}
}

func testConcurrentPublishers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := uniqueTopic(t)
	sub := subscribe(t, b, topic, cursor(0))

	const workers, each = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := b.Publish(context.Background(), topic, "", []byte("x")); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for want := int64(1); want <= workers*each; want++ {
		if ev := next(t, sub); ev.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, ev.Seq)
		}
	}
}

func testContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	sub := subscribe(t, b, uniqueTopic(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Next did not return after context cancellation")
	}
}

func testNextAfterClose(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := uniqueTopic(t)
	publish(t, b, topic, 1)
	sub := subscribe(t, b, topic, cursor(0))

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
