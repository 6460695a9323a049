// Package storetest holds the conformance suite every ratelimit.Store
// implementation is expected to pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/xrpc-server-go/ratelimit"
)

// StoreFactory creates a new Store instance for testing.
type StoreFactory func(t *testing.T) ratelimit.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Consume_AllowsUpToLimit", func(t *testing.T) { testAllowsUpToLimit(t, factory) })
	t.Run("Consume_PointsDebitTogether", func(t *testing.T) { testPointsDebitTogether(t, factory) })
	t.Run("Consume_KeysAreIsolated", func(t *testing.T) { testKeysAreIsolated(t, factory) })
	t.Run("Consume_WindowResets", func(t *testing.T) { testWindowResets(t, factory) })
	t.Run("Consume_ResetAtWithinWindow", func(t *testing.T) { testResetAtWithinWindow(t, factory) })
	t.Run("Consume_ConcurrentDebitIsExact", func(t *testing.T) { testConcurrentDebit(t, factory) })
}

// uniqueKey keeps runs against a shared backend from colliding.
func uniqueKey(t *testing.T, name string) string {
	return fmt.Sprintf("%s:%s:%d", t.Name(), name, time.Now().UnixNano())
}

func testAllowsUpToLimit(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	key := uniqueKey(t, "k")

	for i := 1; i <= 3; i++ {
		res, err := s.Consume(ctx, key, 1, 3, time.Minute)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("consume %d: expected allowed", i)
		}
		if res.Remaining != 3-i {
			t.Fatalf("consume %d: expected remaining %d, got %d", i, 3-i, res.Remaining)
		}
		if res.Consumed != i {
			t.Fatalf("consume %d: expected consumed %d, got %d", i, i, res.Consumed)
		}
	}

	res, err := s.Consume(ctx, key, 1, 3, time.Minute)
	if err != nil {
		t.Fatalf("consume 4: %v", err)
	}
	if res.Allowed {
		t.Fatalf("consume 4: expected rejection")
	}
	if res.Remaining != 0 {
		t.Fatalf("consume 4: expected remaining 0, got %d", res.Remaining)
	}
}

func testPointsDebitTogether(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	key := uniqueKey(t, "k")

	res, err := s.Consume(ctx, key, 4, 5, time.Minute)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.Allowed || res.Remaining != 1 {
		t.Fatalf("expected allowed with 1 remaining, got %+v", res)
	}
	res, err = s.Consume(ctx, key, 2, 5, time.Minute)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected rejection once cost exceeds budget, got %+v", res)
	}
}

func testKeysAreIsolated(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	a, b := uniqueKey(t, "a"), uniqueKey(t, "b")

	if _, err := s.Consume(ctx, a, 1, 1, time.Minute); err != nil {
		t.Fatalf("consume a: %v", err)
	}
	res, err := s.Consume(ctx, b, 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("consume b: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("key b should not share a's window")
	}
}

func testWindowResets(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	key := uniqueKey(t, "k")
	win := 200 * time.Millisecond

	if _, err := s.Consume(ctx, key, 1, 1, win); err != nil {
		t.Fatalf("consume: %v", err)
	}
	res, err := s.Consume(ctx, key, 1, 1, win)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected rejection inside window")
	}

	time.Sleep(win + 100*time.Millisecond)

	res, err = s.Consume(ctx, key, 1, 1, win)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected new window after expiry, got %+v", res)
	}
}

func testResetAtWithinWindow(t *testing.T, factory StoreFactory) {
	s := factory(t)
	before := time.Now()
	res, err := s.Consume(context.Background(), uniqueKey(t, "k"), 1, 10, time.Minute)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.ResetAt.Before(before) || res.ResetAt.After(before.Add(time.Minute+time.Second)) {
		t.Fatalf("reset %v not within window starting %v", res.ResetAt, before)
	}
}

func testConcurrentDebit(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	key := uniqueKey(t, "k")

	const workers, limit = 50, 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Consume(ctx, key, 1, limit, time.Minute)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != limit {
		t.Fatalf("expected exactly %d allowed debits, got %d", limit, allowed)
	}
}
