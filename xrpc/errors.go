package xrpc

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/ratelimit"
)

// ResponseType classifies an error response. Its value is the HTTP status.
type ResponseType int

const (
	InvalidRequest         ResponseType = http.StatusBadRequest
	AuthenticationRequired ResponseType = http.StatusUnauthorized
	Forbidden              ResponseType = http.StatusForbidden
	XRPCNotSupported       ResponseType = http.StatusNotFound
	PayloadTooLarge        ResponseType = http.StatusRequestEntityTooLarge
	UnsupportedMediaType   ResponseType = http.StatusUnsupportedMediaType
	RateLimitExceeded      ResponseType = http.StatusTooManyRequests
	InternalServerError    ResponseType = http.StatusInternalServerError
	MethodNotImplemented   ResponseType = http.StatusNotImplemented
	UpstreamFailure        ResponseType = http.StatusBadGateway
	NotEnoughResources     ResponseType = http.StatusServiceUnavailable
	UpstreamTimeout        ResponseType = http.StatusGatewayTimeout
)

var responseTypeNames = map[ResponseType][2]string{
	InvalidRequest:         {"InvalidRequest", "Invalid Request"},
	AuthenticationRequired: {"AuthenticationRequired", "Authentication Required"},
	Forbidden:              {"Forbidden", "Forbidden"},
	XRPCNotSupported:       {"XRPCNotSupported", "XRPC Not Supported"},
	PayloadTooLarge:        {"PayloadTooLarge", "Payload Too Large"},
	UnsupportedMediaType:   {"UnsupportedMediaType", "Unsupported Media Type"},
	RateLimitExceeded:      {"RateLimitExceeded", "Rate Limit Exceeded"},
	InternalServerError:    {"InternalServerError", "Internal Server Error"},
	MethodNotImplemented:   {"MethodNotImplemented", "Method Not Implemented"},
	UpstreamFailure:        {"UpstreamFailure", "Upstream Failure"},
	NotEnoughResources:     {"NotEnoughResources", "Not Enough Resources"},
	UpstreamTimeout:        {"UpstreamTimeout", "Upstream Timeout"},
}

// String returns the default error name, e.g. "InvalidRequest".
func (t ResponseType) String() string {
	if n, ok := responseTypeNames[t]; ok {
		return n[0]
	}
	return "ResponseType(" + strconv.Itoa(int(t)) + ")"
}

// DefaultMessage returns the human readable default message.
func (t ResponseType) DefaultMessage() string {
	if n, ok := responseTypeNames[t]; ok {
		return n[1]
	}
	return http.StatusText(int(t))
}

// IsServerError reports whether t is a server-class (5xx) type.
func (t ResponseType) IsServerError() bool { return t >= 500 }

// XRPCError is the single wire-level error shape. Every failure on its way to
// a client is converted to one by Normalize.
type XRPCError struct {
	Type ResponseType
	// Name is the wire error name. Empty means the type's default name.
	Name    string
	Message string
	// Cause is logged for server-class errors and never sent.
	Cause error
	// Header is copied onto the error response.
	Header http.Header
}

// NewError builds an XRPCError. An empty name uses the type's default.
func NewError(t ResponseType, name, message string) *XRPCError {
	return &XRPCError{Type: t, Name: name, Message: message}
}

// Errorf builds an XRPCError of type t with the default name and a formatted
// message.
func Errorf(t ResponseType, format string, args ...any) *XRPCError {
	return &XRPCError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an XRPCError that records cause for diagnostics.
func WrapError(t ResponseType, cause error, message string) *XRPCError {
	return &XRPCError{Type: t, Message: message, Cause: cause}
}

func InvalidRequestError(message string) *XRPCError {
	return NewError(InvalidRequest, "", message)
}

func AuthRequiredError(message string) *XRPCError {
	return NewError(AuthenticationRequired, "", message)
}

func ForbiddenError(message string) *XRPCError {
	return NewError(Forbidden, "", message)
}

func MethodNotImplementedError(message string) *XRPCError {
	return NewError(MethodNotImplemented, "", message)
}

func UpstreamFailureError(message string) *XRPCError {
	return NewError(UpstreamFailure, "", message)
}

func InternalError(cause error) *XRPCError {
	return WrapError(InternalServerError, cause, InternalServerError.DefaultMessage())
}

func (e *XRPCError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Type.DefaultMessage()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrorName(), msg, e.Cause)
	}
	return e.ErrorName() + ": " + msg
}

func (e *XRPCError) Unwrap() error { return e.Cause }

// ErrorName returns the wire error name.
func (e *XRPCError) ErrorName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Type.String()
}

// StatusCode returns the HTTP status for the error.
func (e *XRPCError) StatusCode() int {
	if e.Type < 400 || e.Type > 599 {
		return http.StatusInternalServerError
	}
	return int(e.Type)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (e *XRPCError) body() errorBody {
	return errorBody{Error: e.ErrorName(), Message: e.Message}
}

// HandlerError is a declared failure returned by a handler as its result.
// It produces the same response as the equivalent *XRPCError.
type HandlerError struct {
	// Status defaults to InvalidRequest.
	Status  ResponseType
	Name    string
	Message string
	Header  http.Header
}

func (*HandlerError) isOutput() {}

func (e *HandlerError) Error() string {
	return e.Name + ": " + e.Message
}

// XRPCError converts the declared failure to its wire form.
func (e *HandlerError) XRPCError() *XRPCError {
	t := e.Status
	if t == 0 {
		t = InvalidRequest
	}
	return &XRPCError{Type: t, Name: e.Name, Message: e.Message, Header: e.Header}
}

// ErrorParser maps application errors to wire errors. Returning nil defers to
// the default mapping.
type ErrorParser func(err error) *XRPCError

// Normalize maps any error to an *XRPCError. Unrecognized errors, including
// nil, become InternalServerError with a generic message.
func Normalize(err error) *XRPCError {
	return normalize(err, nil, time.Now())
}

func normalize(err error, parse ErrorParser, now time.Time) *XRPCError {
	if err == nil {
		return &XRPCError{Type: InternalServerError, Message: InternalServerError.DefaultMessage(), Cause: errors.New("nil error normalized")}
	}
	if parse != nil {
		if xe := parse(err); xe != nil {
			return xe
		}
	}

	var (
		xe       *XRPCError
		he       *HandlerError
		exceeded *ratelimit.ExceededError
		verr     *lexicon.ValidationError
		maxBytes *http.MaxBytesError
	)
	switch {
	case errors.As(err, &xe):
		return xe
	case errors.As(err, &he):
		return he.XRPCError()
	case errors.As(err, &exceeded):
		h := http.Header{}
		exceeded.Status.SetHeaders(h)
		h.Set("Retry-After", strconv.Itoa(exceeded.RetryAfter(now)))
		return &XRPCError{Type: RateLimitExceeded, Message: RateLimitExceeded.DefaultMessage(), Cause: err, Header: h}
	case errors.As(err, &verr):
		return &XRPCError{Type: InvalidRequest, Message: verr.Message, Cause: err}
	case errors.As(err, &maxBytes):
		return &XRPCError{Type: PayloadTooLarge, Message: "request entity too large", Cause: err}
	}
	return &XRPCError{Type: InternalServerError, Message: InternalServerError.DefaultMessage(), Cause: err}
}
