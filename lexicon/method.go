package lexicon

import "fmt"

// Kind is the method kind declared by a lexicon.
type Kind int

const (
	KindQuery Kind = iota + 1
	KindProcedure
	KindSubscription
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindProcedure:
		return "procedure"
	case KindSubscription:
		return "subscription"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps the lexicon "type" of a main definition to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "query":
		return KindQuery, nil
	case "procedure":
		return KindProcedure, nil
	case "subscription":
		return KindSubscription, nil
	}
	return 0, fmt.Errorf("unknown method type %q", s)
}

// MethodDef is a compiled method definition. It is treated as immutable once
// handed to a server.
type MethodDef struct {
	ID          NSID
	Kind        Kind
	Description string
	Parameters  *Params
	Input       *Body
	Output      *Body
	// Message describes the frames produced by a subscription.
	Message *Message
	// Errors lists the declared error names a handler may return.
	Errors []string
}

// Body describes a request or response body.
type Body struct {
	// Encoding is a MIME type; "*/*" accepts any type.
	Encoding string
	// Schema is only meaningful for JSON encodings and may be nil.
	Schema *Schema
}

// Message describes the payload of subscription message frames.
type Message struct {
	Schema *Schema
}

// DeclaresError reports whether name is one of the method's declared errors.
func (d *MethodDef) DeclaresError(name string) bool {
	for _, e := range d.Errors {
		if e == name {
			return true
		}
	}
	return false
}
