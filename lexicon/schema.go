package lexicon

import (
	"encoding/json"
	"fmt"
	"sync"

	gjs "github.com/google/jsonschema-go/jsonschema"
	"github.com/invopop/jsonschema"
)

// Schema is a JSON Schema document describing a body or message shape. The
// schema is resolved lazily on first validation and cached.
type Schema struct {
	raw json.RawMessage

	once     sync.Once
	resolved *gjs.Resolved
	err      error
}

// ParseSchema wraps a JSON Schema document. The document is checked for
// well-formedness immediately; references are resolved on first use.
func ParseSchema(b []byte) (*Schema, error) {
	var js gjs.Schema
	if err := json.Unmarshal(b, &js); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	raw := make(json.RawMessage, len(b))
	copy(raw, b)
	return &Schema{raw: raw}, nil
}

// MustParseSchema is like ParseSchema but panics on error.
func MustParseSchema(b []byte) *Schema {
	s, err := ParseSchema(b)
	if err != nil {
		panic(err)
	}
	return s
}

// SchemaFor reflects the JSON Schema of T. Struct fields follow encoding/json
// tags; objects accept properties beyond the declared ones, matching the open
// shape of lexicon objects.
func SchemaFor[T any]() *Schema {
	r := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(new(T))
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("lexicon: reflect schema for %T: %v", *new(T), err))
	}
	return &Schema{raw: b}
}

// MarshalJSON returns the underlying schema document.
func (s *Schema) MarshalJSON() ([]byte, error) {
	if s == nil || len(s.raw) == 0 {
		return []byte("null"), nil
	}
	return s.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler so schemas can be embedded in
// lexicon documents.
func (s *Schema) UnmarshalJSON(b []byte) error {
	parsed, err := ParseSchema(b)
	if err != nil {
		return err
	}
	s.raw = parsed.raw
	return nil
}

func (s *Schema) resolve() (*gjs.Resolved, error) {
	s.once.Do(func() {
		var js gjs.Schema
		if err := json.Unmarshal(s.raw, &js); err != nil {
			s.err = fmt.Errorf("parse schema: %w", err)
			return
		}
		// Resolve treats $schema as a dialect assertion; lexicon schemas do not
		// carry one reliably.
		js.Schema = ""
		s.resolved, s.err = js.Resolve(nil)
	})
	return s.resolved, s.err
}

// Validator checks decoded values against a Schema.
type Validator interface {
	// Validate returns nil when v satisfies s, or a *ValidationError.
	Validate(s *Schema, v any) error
}

// NewValidator returns the default Validator. It is safe for concurrent use.
func NewValidator() Validator {
	return validator{}
}

type validator struct{}

func (validator) Validate(s *Schema, v any) error {
	if s == nil {
		return nil
	}
	rs, err := s.resolve()
	if err != nil {
		return fmt.Errorf("resolve schema: %w", err)
	}

	// The validator works on the JSON data model. Round-tripping normalizes
	// structs, typed maps and integer widths.
	inst, err := toJSONValue(v)
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("value is not representable as JSON: %v", err)}
	}
	if err := rs.Validate(inst); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

func toJSONValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
