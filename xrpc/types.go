package xrpc

import (
	"context"
	"io"
	"net/http"

	"github.com/ggoodman/xrpc-server-go/lexicon"
)

// AuthResult is the outcome of a successful verification.
type AuthResult struct {
	// Credentials identify the caller, e.g. an auth.Principal.
	Credentials any
	// Artifacts carry verifier specific data such as the raw token.
	Artifacts any
}

// AuthRequest is passed to an AuthVerifier.
type AuthRequest struct {
	NSID lexicon.NSID
	Req  *http.Request
}

// AuthVerifier authenticates a request. It runs once per request, or once per
// connection for subscriptions. Returning a nil result and nil error means the
// request proceeds unauthenticated. Errors are normalized; verifiers usually
// return AuthRequiredError or ForbiddenError.
type AuthVerifier func(ctx context.Context, req AuthRequest) (*AuthResult, error)

// Input is a decoded request body.
type Input struct {
	// Encoding is the request media type without parameters.
	Encoding string
	// Body is a JSON value (any) for JSON encodings, a string for text/*
	// and an io.Reader for everything else.
	Body any
}

// HandlerContext is assembled by the request pipeline and handed to the
// method handler.
type HandlerContext struct {
	NSID   lexicon.NSID
	Params map[string]any
	Input  *Input
	Auth   *AuthResult
	Req    *http.Request
	// ResHeader is copied onto successful responses.
	ResHeader http.Header
}

// Output is the result of a method handler: nil, *Success,
// *PipeThroughBuffer, *PipeThroughStream or *HandlerError.
type Output interface {
	isOutput()
}

// Success is an ordinary result. Body is JSON encoded unless it is a []byte
// or io.Reader, which are written as-is.
type Success struct {
	// Encoding defaults to the method's declared output encoding.
	Encoding string
	Body     any
	Header   http.Header
}

func (*Success) isOutput() {}

// PipeThroughBuffer forwards pre-encoded bytes without validation.
type PipeThroughBuffer struct {
	Encoding string
	Buffer   []byte
	Header   http.Header
}

func (*PipeThroughBuffer) isOutput() {}

// PipeThroughStream forwards a byte stream without validation. The stream is
// closed once written.
type PipeThroughStream struct {
	Encoding string
	Stream   io.ReadCloser
	Header   http.Header
}

func (*PipeThroughStream) isOutput() {}

// MethodHandler implements a query or procedure.
type MethodHandler func(ctx context.Context, hc *HandlerContext) (Output, error)

// StreamContext is handed to a subscription handler.
type StreamContext struct {
	NSID   lexicon.NSID
	Params map[string]any
	Auth   *AuthResult
	Req    *http.Request
}

// StreamHandler implements a subscription. It pushes items onto out until ctx
// is done or it has nothing more to send. Items may be *frame.MessageFrame,
// *frame.ErrorFrame or any value encodable as a message body. Sends should
// select on ctx.Done(). Returning an error ends the connection with an error
// frame.
type StreamHandler func(ctx context.Context, sc *StreamContext, out chan<- any) error

// Typed is implemented by subscription messages that carry a type tag.
type Typed interface {
	XRPCType() string
}

// RouteOpts tunes per-method body intake.
type RouteOpts struct {
	// BlobLimit overrides the server's blob limit for this method.
	BlobLimit int64
}
