package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ggoodman/xrpc-server-go/xrpc"
)

// Bearer adapts a to an xrpc.AuthVerifier. The token is read from the
// "Authorization: Bearer" header. On success the AuthResult carries the
// Principal as Credentials and the raw token as Artifacts.
func Bearer(a Authenticator, realm string) xrpc.AuthVerifier {
	return func(ctx context.Context, req xrpc.AuthRequest) (*xrpc.AuthResult, error) {
		h := req.Req.Header.Get("Authorization")
		if h == "" {
			return nil, challenge(xrpc.NewError(xrpc.AuthenticationRequired, "", "Authentication Required"),
				fmt.Sprintf(`Bearer realm=%q`, realm))
		}
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
			return nil, challenge(xrpc.NewError(xrpc.InvalidRequest, "", "Invalid Authorization header"),
				fmt.Sprintf(`Bearer realm=%q, error="invalid_request"`, realm))
		}

		p, err := a.CheckAuthentication(ctx, strings.TrimSpace(tok), req.NSID.String())
		switch {
		case err == nil:
			return &xrpc.AuthResult{Credentials: p, Artifacts: tok}, nil
		case errors.Is(err, ErrInsufficientScope):
			xe := xrpc.NewError(xrpc.Forbidden, "InsufficientScope", "Token lacks the required scope")
			xe.Cause = err
			return nil, challenge(xe, fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope"`, realm))
		case errors.Is(err, ErrUnauthorized):
			xe := xrpc.NewError(xrpc.AuthenticationRequired, "InvalidToken", "Token could not be verified")
			xe.Cause = err
			return nil, challenge(xe, fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm))
		}
		return nil, err
	}
}

func challenge(xe *xrpc.XRPCError, wwwAuthenticate string) *xrpc.XRPCError {
	xe.Header = http.Header{"Www-Authenticate": {wwwAuthenticate}}
	return xe
}

// PrincipalFrom returns the Principal established by Bearer, if any.
func PrincipalFrom(res *xrpc.AuthResult) (Principal, bool) {
	if res == nil {
		return nil, false
	}
	p, ok := res.Credentials.(Principal)
	return p, ok
}
