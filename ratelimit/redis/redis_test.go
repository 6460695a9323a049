package redis

import (
	"testing"

	"github.com/ggoodman/xrpc-server-go/ratelimit"
	"github.com/ggoodman/xrpc-server-go/ratelimit/storetest"
)

func TestRedisStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis store tests: %v", err)
		return
	}
	_ = s.Close()

	storetest.RunStoreTests(t, func(t *testing.T) ratelimit.Store {
		ss, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		t.Cleanup(func() { _ = ss.Close() })
		return ss
	})
}
