// Package ratelimit implements the three-scope limiter model used by the XRPC
// server: global limiters evaluated for every request, shared limiters
// referenced by name from several methods, and limiters private to a single
// method.
//
// Counting is delegated to a Store. The memory and redis subpackages provide
// implementations; storetest holds the conformance suite they share.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Input is the request data a limiter may derive its key and cost from.
// Params and Body are only populated for parametric limiters.
type Input struct {
	IP     string
	NSID   string
	Params map[string]any
	Body   any
	// Auth is the verifier result, if any.
	Auth any
	Req  *http.Request
}

// KeyFunc derives the counter key. An empty key skips the limiter.
type KeyFunc func(ctx context.Context, in Input) (string, error)

// PointsFunc derives the cost of a request. A cost of zero skips the limiter.
type PointsFunc func(ctx context.Context, in Input) (int, error)

// Spec declares a limiter.
type Spec struct {
	// Name identifies the limiter within its scope.
	Name     string
	Duration time.Duration
	Points   int

	CalcKey    KeyFunc
	CalcPoints PointsFunc
}

// IsBasic reports whether the limiter keys solely off the caller's origin and
// can therefore run before parameters and input are decoded.
func (s Spec) IsBasic() bool {
	return s.CalcKey == nil && s.CalcPoints == nil
}

func (s Spec) validate() error {
	if s.Name == "" {
		return errors.New("ratelimit: spec name is required")
	}
	if s.Duration <= 0 {
		return fmt.Errorf("ratelimit: %s: duration must be positive", s.Name)
	}
	if s.Points <= 0 {
		return fmt.Errorf("ratelimit: %s: points must be positive", s.Name)
	}
	return nil
}

// Result is a Store's answer to a debit.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// Consumed is the number of points debited from the window so far,
	// including this request.
	Consumed int
}

// Store is an external counter store. Implementations must be safe for
// concurrent debit of the same key.
type Store interface {
	// Consume debits points from key's fixed window of the given length,
	// creating the window when absent.
	Consume(ctx context.Context, key string, points, limit int, window time.Duration) (Result, error)
}

// Status describes the budget of one limiter after a debit.
type Status struct {
	Name      string
	Limit     int
	Duration  time.Duration
	Remaining int
	ResetAt   time.Time
	Consumed  int
}

// Policy renders the status in RateLimit-Policy form, e.g. "100;w=300".
func (s *Status) Policy() string {
	return strconv.Itoa(s.Limit) + ";w=" + strconv.FormatInt(int64(s.Duration/time.Second), 10)
}

const (
	HeaderLimit     = "RateLimit-Limit"
	HeaderRemaining = "RateLimit-Remaining"
	HeaderReset     = "RateLimit-Reset"
	HeaderPolicy    = "RateLimit-Policy"
)

// SetHeaders writes the RateLimit-* response headers describing s.
func (s *Status) SetHeaders(h http.Header) {
	h.Set(HeaderLimit, strconv.Itoa(s.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(s.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(s.ResetAt.Unix(), 10))
	h.Set(HeaderPolicy, s.Policy())
}

// ExceededError is returned when a limiter rejects a request.
type ExceededError struct {
	Status *Status
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit %q exceeded", e.Status.Name)
}

// RetryAfter returns the whole seconds until the window resets, relative to now.
func (e *ExceededError) RetryAfter(now time.Time) int {
	d := e.Status.ResetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
