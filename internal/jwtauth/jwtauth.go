// Package jwtauth verifies bearer JWTs against a JWKS, either discovered
// from an OIDC issuer or configured directly.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf or method binding).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// ErrMethodMismatch indicates the token's lxm claim names a different method
// than the one being invoked. It matches ErrUnauthorized under errors.Is.
var ErrMethodMismatch = fmt.Errorf("%w: lexicon method mismatch", ErrUnauthorized)

// Config controls validation behavior.
type Config struct {
	Issuer string
	// ExpectedAudiences are accepted "aud" values; a token must carry at
	// least one of them.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
	// AccessTokenTyp requires the RFC 9068 "at+jwt" typ header.
	AccessTokenTyp bool
	// RequireMethod rejects tokens without an lxm claim. A present lxm claim
	// is always checked.
	RequireMethod bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:    []string{"RS256"},
		Leeway:         60 * time.Second,
		AccessTokenTyp: true,
	}
}

// Claims carries the validated token.
type Claims struct {
	Subject string
	Scopes  []string
	// Method is the lxm claim, if any.
	Method string
	raw    jwt.MapClaims
}

// Decode unmarshals the raw claims into ref.
func (c *Claims) Decode(ref any) error {
	b, err := json.Marshal(c.raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier validates tokens for a single issuer.
type Verifier struct {
	cfg     Config
	issuer  string
	keyfunc jwt.Keyfunc
}

// NewStatic builds a Verifier for a known issuer and JWKS URI. The key set is
// refreshed in the background until ctx is done.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return NewWithKeyfunc(cfg, cfg.Issuer, kf.Keyfunc), nil
}

// NewWithKeyfunc builds a Verifier around an existing key lookup. issuer is
// the value required in the "iss" claim.
func NewWithKeyfunc(cfg *Config, issuer string, kf jwt.Keyfunc) *Verifier {
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	return &Verifier{cfg: c, issuer: issuer, keyfunc: kf}
}

func checkConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	return nil
}

// Verify validates tok for an invocation of nsid.
func (v *Verifier) Verify(ctx context.Context, tok, nsid string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.cfg.AccessTokenTyp {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(v.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}

	lxm, _ := claims["lxm"].(string)
	switch {
	case lxm == "" && v.cfg.RequireMethod:
		return nil, fmt.Errorf("%w: missing lxm", ErrUnauthorized)
	case lxm != "" && lxm != nsid:
		return nil, fmt.Errorf("%w: token is bound to %s", ErrMethodMismatch, lxm)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	scopeStr, _ := claims["scope"].(string)
	scopes := strings.Fields(scopeStr)
	if !v.scopesSatisfied(scopes) {
		return nil, ErrInsufficientScope
	}

	return &Claims{Subject: sub, Scopes: scopes, Method: lxm, raw: claims}, nil
}

func (v *Verifier) scopesSatisfied(have []string) bool {
	if len(v.cfg.RequiredScopes) == 0 {
		return true
	}
	if v.cfg.ScopeModeAny {
		for _, want := range v.cfg.RequiredScopes {
			if slices.Contains(have, want) {
				return true
			}
		}
		return false
	}
	for _, want := range v.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return false
		}
	}
	return true
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
