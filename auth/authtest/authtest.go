// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ggoodman/xrpc-server-go/auth"
)

// Static accepts any token and authenticates the caller as Subject. Tokens
// of the form "scope:<scopes>" authenticate with those space separated
// scopes; the literal token "invalid" is rejected.
type Static struct {
	Subject string
}

// NewStatic creates a Static authenticator. If subject is empty it defaults
// to "did:example:test".
func NewStatic(subject string) *Static {
	if subject == "" {
		subject = "did:example:test"
	}
	return &Static{Subject: subject}
}

// CheckAuthentication implements auth.Authenticator.
func (s *Static) CheckAuthentication(_ context.Context, tok, nsid string) (auth.Principal, error) {
	if tok == "invalid" {
		return nil, auth.ErrUnauthorized
	}
	claims := map[string]any{"sub": s.Subject, "lxm": nsid}
	if scopes, ok := strings.CutPrefix(tok, "scope:"); ok {
		claims["scope"] = scopes
	}
	return principal{sub: s.Subject, claims: claims}, nil
}

type principal struct {
	sub    string
	claims map[string]any
}

func (p principal) Subject() string { return p.sub }

func (p principal) Claims(ref any) error {
	b, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*Static)(nil)
