package ratelimit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// ErrUnknownShared is returned when a method references a shared limiter that
// was never declared.
var ErrUnknownShared = errors.New("ratelimit: unknown shared limiter")

// Limiter debits a Store according to a Spec.
type Limiter struct {
	spec   Spec
	store  Store
	prefix string
	log    *slog.Logger
}

// Option configures limiters built by a Factory.
type Option func(*factoryConfig)

type factoryConfig struct {
	log *slog.Logger
}

// WithLogger sets the logger used to report store failures.
func WithLogger(log *slog.Logger) Option {
	return func(c *factoryConfig) { c.log = log }
}

// Factory builds a limiter for a spec.
type Factory func(Spec) *Limiter

// NewFactory returns a Factory whose limiters share store and namespace their
// keys under prefix.
func NewFactory(store Store, prefix string, opts ...Option) Factory {
	cfg := factoryConfig{log: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	return func(s Spec) *Limiter {
		return &Limiter{spec: s, store: store, prefix: prefix, log: cfg.log}
	}
}

// Name returns the limiter name.
func (l *Limiter) Name() string { return l.spec.Name }

// Spec returns the limiter's spec.
func (l *Limiter) Spec() Spec { return l.spec }

// Consume debits the limiter for in. It returns a nil status when the
// limiter was skipped and an *ExceededError when the budget is exhausted.
//
// Store failures are logged and the request is let through.
func (l *Limiter) Consume(ctx context.Context, in Input) (*Status, error) {
	key := in.IP
	if l.spec.CalcKey != nil {
		k, err := l.spec.CalcKey(ctx, in)
		if err != nil {
			return nil, err
		}
		key = k
	}
	if key == "" {
		return nil, nil
	}

	points := 1
	if l.spec.CalcPoints != nil {
		p, err := l.spec.CalcPoints(ctx, in)
		if err != nil {
			return nil, err
		}
		points = p
	}
	if points <= 0 {
		return nil, nil
	}

	res, err := l.store.Consume(ctx, l.prefix+l.spec.Name+":"+key, points, l.spec.Points, l.spec.Duration)
	if err != nil {
		l.log.WarnContext(ctx, "ratelimit.store.error", slog.String("limiter", l.spec.Name), slog.String("err", err.Error()))
		return nil, nil
	}

	st := &Status{
		Name:      l.spec.Name,
		Limit:     l.spec.Points,
		Duration:  l.spec.Duration,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
		Consumed:  res.Consumed,
	}
	if !res.Allowed {
		return st, &ExceededError{Status: st}
	}
	return st, nil
}

// ConsumeAll debits limiters in order and stops at the first rejection, so
// later limiters are not charged for a request that is already refused. It
// returns the status with the least remaining budget.
func ConsumeAll(ctx context.Context, in Input, limiters ...*Limiter) (*Status, error) {
	var tightest *Status
	for _, l := range limiters {
		st, err := l.Consume(ctx, in)
		if err != nil {
			return st, err
		}
		if st != nil && (tightest == nil || st.Remaining < tightest.Remaining) {
			tightest = st
		}
	}
	return tightest, nil
}

// Tighter returns whichever of a and b has less remaining budget.
func Tighter(a, b *Status) *Status {
	if a == nil {
		return b
	}
	if b == nil || a.Remaining <= b.Remaining {
		return a
	}
	return b
}

// Pools holds the global and shared limiters of a server.
type Pools struct {
	factory Factory
	Global  []*Limiter
	Shared  map[string]*Limiter
}

// NewPools builds the global and shared limiters from their specs.
func NewPools(f Factory, global, shared []Spec) (*Pools, error) {
	if f == nil {
		return nil, errors.New("ratelimit: factory is required")
	}
	p := &Pools{factory: f, Shared: make(map[string]*Limiter, len(shared))}
	for _, s := range global {
		if err := s.validate(); err != nil {
			return nil, err
		}
		s.Name = "global:" + s.Name
		p.Global = append(p.Global, f(s))
	}
	for _, s := range shared {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := p.Shared[s.Name]; dup {
			return nil, fmt.Errorf("ratelimit: duplicate shared limiter %q", s.Name)
		}
		scoped := s
		scoped.Name = "shared:" + s.Name
		p.Shared[s.Name] = f(scoped)
	}
	return p, nil
}

// MethodLimiters are the limiters that apply to one method, split by the
// pipeline stage they run in.
type MethodLimiters struct {
	Basic      []*Limiter
	Parametric []*Limiter
}

// Empty reports whether the method has no limiters.
func (m *MethodLimiters) Empty() bool {
	return m == nil || (len(m.Basic) == 0 && len(m.Parametric) == 0)
}

// ForMethod builds the private limiters of method nsid and resolves the
// shared limiters it references. Shared and private limiters alike are split
// by shape: basic ones run before params and input are validated.
func (p *Pools) ForMethod(nsid string, specs []Spec, shared []string) (*MethodLimiters, error) {
	m := &MethodLimiters{}
	for _, name := range shared {
		l, ok := p.Shared[name]
		if !ok {
			return nil, fmt.Errorf("%s: %q: %w", nsid, name, ErrUnknownShared)
		}
		if l.spec.IsBasic() {
			m.Basic = append(m.Basic, l)
		} else {
			m.Parametric = append(m.Parametric, l)
		}
	}
	for _, s := range specs {
		if err := s.validate(); err != nil {
			return nil, err
		}
		s.Name = nsid + ":" + s.Name
		l := p.factory(s)
		if s.IsBasic() {
			m.Basic = append(m.Basic, l)
		} else {
			m.Parametric = append(m.Parametric, l)
		}
	}
	return m, nil
}

// BypassFunc reports whether a request skips every limiter.
type BypassFunc func(r *http.Request) bool

// BypassHeader carries the shared secret checked by SecretBypass.
const BypassHeader = "X-RateLimit-Bypass"

// SecretBypass lets requests presenting secret in the X-RateLimit-Bypass
// header skip rate limiting. An empty secret disables the bypass.
func SecretBypass(secret string) BypassFunc {
	return func(r *http.Request) bool {
		if secret == "" {
			return false
		}
		got := r.Header.Get(BypassHeader)
		return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
	}
}
