package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/xrpc-server-go/auth"
	"github.com/ggoodman/xrpc-server-go/auth/authtest"
	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/xrpc"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

var whoamiDef = &lexicon.MethodDef{
	ID:     lexicon.MustParseNSID("com.example.whoami"),
	Kind:   lexicon.KindQuery,
	Output: &lexicon.Body{Encoding: "application/json"},
}

func whoami(_ context.Context, hc *xrpc.HandlerContext) (xrpc.Output, error) {
	p, ok := auth.PrincipalFrom(hc.Auth)
	if !ok {
		return nil, errors.New("no principal")
	}
	var claims struct {
		Scope string `json:"scope"`
	}
	if err := p.Claims(&claims); err != nil {
		return nil, err
	}
	return &xrpc.Success{Body: map[string]string{"sub": p.Subject(), "scope": claims.Scope}}, nil
}

func serve(t *testing.T, a auth.Authenticator) *httptest.Server {
	t.Helper()
	s, err := xrpc.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Method(whoamiDef, xrpc.MethodConfig{Handler: whoami, Auth: auth.Bearer(a, "test")}); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, authz string) (*http.Response, map[string]string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/xrpc/com.example.whoami", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	var body map[string]string
	if err := json.Unmarshal(b, &body); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return res, body
}

func TestBearer(t *testing.T) {
	srv := serve(t, authtest.NewStatic("did:example:alice"))

	tests := []struct {
		name      string
		authz     string
		status    int
		errName   string
		challenge string
	}{
		{"missing", "", 401, "AuthenticationRequired", `Bearer realm="test"`},
		{"wrong scheme", "Basic dXNlcjpwYXNz", 400, "InvalidRequest", `Bearer realm="test", error="invalid_request"`},
		{"empty token", "Bearer ", 400, "InvalidRequest", `Bearer realm="test", error="invalid_request"`},
		{"rejected", "Bearer invalid", 401, "InvalidToken", `Bearer realm="test", error="invalid_token"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, body := call(t, srv, tc.authz)
			if res.StatusCode != tc.status {
				t.Fatalf("want %d, got %d", tc.status, res.StatusCode)
			}
			if body["error"] != tc.errName {
				t.Fatalf("want error %s, got %s", tc.errName, body["error"])
			}
			if got := res.Header.Get("WWW-Authenticate"); got != tc.challenge {
				t.Fatalf("unexpected challenge %q", got)
			}
		})
	}

	res, body := call(t, srv, "Bearer scope:feed:read")
	if res.StatusCode != 200 || body["sub"] != "did:example:alice" || body["scope"] != "feed:read" {
		t.Fatalf("unexpected success response %d %v", res.StatusCode, body)
	}
}

type scopeDenied struct{}

func (scopeDenied) CheckAuthentication(context.Context, string, string) (auth.Principal, error) {
	return nil, errors.Join(auth.ErrInsufficientScope, errors.New("missing feed:write"))
}

func TestBearerInsufficientScope(t *testing.T) {
	srv := serve(t, scopeDenied{})
	res, body := call(t, srv, "Bearer tok")
	if res.StatusCode != http.StatusForbidden || body["error"] != "InsufficientScope" {
		t.Fatalf("unexpected response %d %v", res.StatusCode, body)
	}
}

func TestBearerJWT(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
	jwks, _ := json.Marshal(set)
	keys := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	t.Cleanup(keys.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a, err := auth.NewStatic(ctx, "did:example:issuer", "did:web:api.example", keys.URL, auth.WithServiceTokens())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	srv := serve(t, a)

	mint := func(lxm string) string {
		claims := jwt.MapClaims{
			"iss": "did:example:issuer",
			"sub": "did:example:svc",
			"aud": "did:web:api.example",
			"exp": time.Now().Add(time.Minute).Unix(),
		}
		if lxm != "" {
			claims["lxm"] = lxm
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = "k1"
		s, err := tok.SignedString(pk)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	if res, body := call(t, srv, "Bearer "+mint("com.example.whoami")); res.StatusCode != 200 || body["sub"] != "did:example:svc" {
		t.Fatalf("bound token rejected: %d %v", res.StatusCode, body)
	}
	for _, lxm := range []string{"com.example.other", ""} {
		res, body := call(t, srv, "Bearer "+mint(lxm))
		if res.StatusCode != 401 || !strings.EqualFold(body["error"], "InvalidToken") {
			t.Fatalf("lxm %q: expected InvalidToken, got %d %v", lxm, res.StatusCode, body)
		}
	}
}

func TestNewFromDiscoveryRequiresAudience(t *testing.T) {
	if _, err := auth.NewFromDiscovery(context.Background(), "https://issuer.example", ""); err == nil {
		t.Fatal("expected error")
	}
}
