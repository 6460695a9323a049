package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// Principal is an authenticated caller.
// Implementations should be lightweight and safe for concurrent use.
type Principal interface {
	// Subject returns the unique identifier of the caller, typically a DID.
	Subject() string
	// Claims unmarshals the token's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates a bearer token presented for the method nsid.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok, nsid string) (Principal, error)
}
