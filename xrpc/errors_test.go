package xrpc

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/ratelimit"
)

func TestNormalize(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	exceeded := &ratelimit.ExceededError{Status: &ratelimit.Status{
		Name:     "per-ip",
		Limit:    10,
		Duration: time.Minute,
		ResetAt:  now.Add(1500 * time.Millisecond),
	}}

	tests := []struct {
		name    string
		err     error
		status  int
		errName string
		message string
	}{
		{"nil", nil, 500, "InternalServerError", "Internal Server Error"},
		{"plain", errors.New("boom"), 500, "InternalServerError", "Internal Server Error"},
		{"xrpc", NewError(Forbidden, "", "nope"), 403, "Forbidden", "nope"},
		{"wrapped xrpc", fmt.Errorf("ctx: %w", NewError(UpstreamFailure, "Upstream", "bad gateway")), 502, "Upstream", "bad gateway"},
		{"handler error default status", &HandlerError{Name: "RecordNotFound", Message: "gone"}, 400, "RecordNotFound", "gone"},
		{"handler error status", &HandlerError{Status: NotEnoughResources, Name: "Busy"}, 503, "Busy", ""},
		{"rate limit", exceeded, 429, "RateLimitExceeded", "Rate Limit Exceeded"},
		{"validation", &lexicon.ValidationError{Path: "limit", Message: "limit can not be greater than 100"}, 400, "InvalidRequest", "limit can not be greater than 100"},
		{"max bytes", &http.MaxBytesError{Limit: 10}, 413, "PayloadTooLarge", "request entity too large"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			xe := normalize(tc.err, nil, now)
			if xe.StatusCode() != tc.status {
				t.Errorf("status: want %d, got %d", tc.status, xe.StatusCode())
			}
			if xe.ErrorName() != tc.errName {
				t.Errorf("name: want %s, got %s", tc.errName, xe.ErrorName())
			}
			if xe.Message != tc.message {
				t.Errorf("message: want %q, got %q", tc.message, xe.Message)
			}
		})
	}
}

func TestNormalizeRateLimitHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	err := &ratelimit.ExceededError{Status: &ratelimit.Status{
		Name:     "per-ip",
		Limit:    10,
		Duration: time.Minute,
		ResetAt:  now.Add(1500 * time.Millisecond),
	}}

	xe := normalize(err, nil, now)
	if got := xe.Header.Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After: want 2, got %q", got)
	}
	if got := xe.Header.Get(ratelimit.HeaderLimit); got != "10" {
		t.Errorf("%s: want 10, got %q", ratelimit.HeaderLimit, got)
	}
	if got := xe.Header.Get(ratelimit.HeaderPolicy); got != "10;w=60" {
		t.Errorf("%s: want 10;w=60, got %q", ratelimit.HeaderPolicy, got)
	}
}

func TestNormalizeErrorParser(t *testing.T) {
	sentinel := errors.New("not found")
	parse := func(err error) *XRPCError {
		if errors.Is(err, sentinel) {
			return NewError(InvalidRequest, "NotFound", "")
		}
		return nil
	}

	if xe := normalize(fmt.Errorf("lookup: %w", sentinel), parse, time.Now()); xe.ErrorName() != "NotFound" {
		t.Errorf("parser result ignored, got %s", xe.ErrorName())
	}
	if xe := normalize(errors.New("other"), parse, time.Now()); xe.StatusCode() != 500 {
		t.Errorf("parser returning nil should fall through, got %d", xe.StatusCode())
	}
}

func TestXRPCErrorKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	xe := InternalError(cause)
	if !errors.Is(xe, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if xe.body().Message != "Internal Server Error" {
		t.Fatalf("cause must not reach the wire body, got %q", xe.body().Message)
	}
}

func TestResponseTypeNames(t *testing.T) {
	if InvalidRequest.String() != "InvalidRequest" || UpstreamTimeout.String() != "UpstreamTimeout" {
		t.Fatalf("unexpected names")
	}
	if ResponseType(418).String() != "ResponseType(418)" {
		t.Fatalf("unexpected fallback %s", ResponseType(418).String())
	}
	if !UpstreamFailure.IsServerError() || Forbidden.IsServerError() {
		t.Fatalf("unexpected server class")
	}
}
