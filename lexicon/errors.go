package lexicon

import "errors"

// ErrUnknownMethod is returned when a catalog has no definition for an NSID.
var ErrUnknownMethod = errors.New("lexicon: unknown method")

// ValidationError reports a value that does not satisfy its declared shape.
// Message is written for the caller and is surfaced verbatim.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
