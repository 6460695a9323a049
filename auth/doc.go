// Package auth provides bearer token authentication for XRPC methods.
//
// An Authenticator validates a token presented for a specific method and
// returns the calling Principal. Bearer adapts an Authenticator to the
// xrpc.AuthVerifier hook so it can be attached to method registrations:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "did:web:api.example",
//	    auth.WithRequiredScopes("feed:write"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	err = srv.Method(def, xrpc.MethodConfig{
//	    Handler: createPost,
//	    Auth:    auth.Bearer(authn, "api.example"),
//	})
//
// # Method binding
//
// Tokens that carry an "lxm" claim are only valid for the method it names.
// WithServiceTokens makes the claim mandatory, which is the usual policy for
// tokens minted by one service to call another.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// method binding). Bearer answers it with AuthenticationRequired.
// ErrInsufficientScope signals successful authentication but missing
// required scope(s) and is answered with Forbidden.
package auth
