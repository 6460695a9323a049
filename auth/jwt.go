package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/xrpc-server-go/internal/jwtauth"
)

// Option configures the JWT authenticators.
type Option func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) Option {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) Option {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for other audiences as well,
// e.g. a local development URL.
func WithAdditionalAudiences(aud ...string) Option {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, aud...)
	}
}

// WithServiceTokens accepts inter-service tokens: the RFC 9068 "at+jwt" typ
// header is not required and every token must carry an lxm claim naming the
// invoked method.
func WithServiceTokens() Option {
	return func(c *jwtauth.Config) {
		c.AccessTokenTyp = false
		c.RequireMethod = true
	}
}

// NewFromDiscovery returns an Authenticator that verifies JWT access tokens
// using the issuer's OpenID Connect discovery document to locate its JWKS.
// The key set is refreshed in the background until ctx is done.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...Option) (Authenticator, error) {
	cfg, err := newConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{v: v}, nil
}

// NewStatic returns an Authenticator that verifies JWTs against the key set
// at jwksURL without discovery.
func NewStatic(ctx context.Context, issuer, audience, jwksURL string, opts ...Option) (Authenticator, error) {
	cfg, err := newConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewStatic(ctx, cfg, jwksURL)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{v: v}, nil
}

func newConfig(issuer, audience string, opts []Option) (*jwtauth.Config, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

type jwtAuthenticator struct {
	v *jwtauth.Verifier
}

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok, nsid string) (Principal, error) {
	c, err := a.v.Verify(ctx, tok, nsid)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return principal{c: c}, nil
}

type principal struct{ c *jwtauth.Claims }

func (p principal) Subject() string      { return p.c.Subject }
func (p principal) Claims(ref any) error { return p.c.Decode(ref) }
