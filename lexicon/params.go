package lexicon

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ParamType is the declared type of a query parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamUnknown ParamType = "unknown"
)

// Params declares the query parameters accepted by a method.
type Params struct {
	Properties map[string]ParamProp `json:"properties"`
	Required   []string             `json:"required,omitempty"`
}

// ParamProp declares a single query parameter.
type ParamProp struct {
	Type ParamType `json:"type"`
	// Items describes array elements; required when Type is ParamArray.
	Items     *ParamProp `json:"items,omitempty"`
	Enum      []string   `json:"enum,omitempty"`
	Default   any        `json:"default,omitempty"`
	Minimum   *int64     `json:"minimum,omitempty"`
	Maximum   *int64     `json:"maximum,omitempty"`
	MaxLength *int       `json:"maxLength,omitempty"`
	MaxItems  *int       `json:"maxItems,omitempty"`
}

// DecodeParams decodes q into typed values according to p and validates the
// result. Keys not declared in p are ignored. A nil p yields an empty map.
func DecodeParams(p *Params, q url.Values) (map[string]any, error) {
	out := make(map[string]any)
	if p == nil {
		return out, nil
	}

	names := make([]string, 0, len(p.Properties))
	for name := range p.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := p.Properties[name]
		raw, present := q[name]
		if !present || len(raw) == 0 {
			if prop.Default != nil {
				out[name] = normalizeDefault(prop, prop.Default)
			}
			continue
		}
		if prop.Type == ParamArray {
			if prop.Items == nil {
				return nil, &ValidationError{Path: name, Message: fmt.Sprintf("%s has no declared item type", name)}
			}
			vals := make([]any, 0, len(raw))
			for _, s := range raw {
				v, err := decodeScalar(name, *prop.Items, s)
				if err != nil {
					return nil, err
				}
				vals = append(vals, v)
			}
			out[name] = vals
			continue
		}
		v, err := decodeScalar(name, prop, raw[0])
		if err != nil {
			return nil, err
		}
		out[name] = v
	}

	if err := validateParams(p, names, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeScalar(name string, prop ParamProp, s string) (any, error) {
	switch prop.Type {
	case ParamInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, &ValidationError{Path: name, Message: fmt.Sprintf("%s must be an integer", name)}
		}
		return n, nil
	case ParamNumber:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, &ValidationError{Path: name, Message: fmt.Sprintf("%s must be a number", name)}
		}
		return f, nil
	case ParamBoolean:
		switch s {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, &ValidationError{Path: name, Message: fmt.Sprintf("%s must be a boolean", name)}
	default:
		return s, nil
	}
}

// normalizeDefault converts JSON-decoded defaults (float64) to the decoded
// representation used for query values.
func normalizeDefault(prop ParamProp, v any) any {
	if prop.Type == ParamInteger {
		switch n := v.(type) {
		case float64:
			return int64(n)
		case int:
			return int64(n)
		}
	}
	return v
}

// validateParams checks vals in the order of names so the reported failure
// is stable when several params are invalid.
func validateParams(p *Params, names []string, vals map[string]any) error {
	for _, name := range p.Required {
		if _, ok := vals[name]; !ok {
			return &ValidationError{Path: name, Message: fmt.Sprintf("Params must have the property %q", name)}
		}
	}
	for _, name := range names {
		v, ok := vals[name]
		if !ok {
			continue
		}
		prop := p.Properties[name]
		if prop.Type == ParamArray {
			items, _ := v.([]any)
			if prop.MaxItems != nil && len(items) > *prop.MaxItems {
				return &ValidationError{Path: name, Message: fmt.Sprintf("%s must not have more than %d elements", name, *prop.MaxItems)}
			}
			for i, item := range items {
				if err := validateScalar(fmt.Sprintf("%s/%d", name, i), *prop.Items, item); err != nil {
					return err
				}
			}
			continue
		}
		if err := validateScalar(name, prop, v); err != nil {
			return err
		}
	}
	return nil
}

func validateScalar(path string, prop ParamProp, v any) error {
	switch val := v.(type) {
	case int64:
		if prop.Minimum != nil && val < *prop.Minimum {
			return &ValidationError{Path: path, Message: fmt.Sprintf("%s can not be less than %d", path, *prop.Minimum)}
		}
		if prop.Maximum != nil && val > *prop.Maximum {
			return &ValidationError{Path: path, Message: fmt.Sprintf("%s can not be greater than %d", path, *prop.Maximum)}
		}
	case float64:
		if prop.Minimum != nil && val < float64(*prop.Minimum) {
			return &ValidationError{Path: path, Message: fmt.Sprintf("%s can not be less than %d", path, *prop.Minimum)}
		}
		if prop.Maximum != nil && val > float64(*prop.Maximum) {
			return &ValidationError{Path: path, Message: fmt.Sprintf("%s can not be greater than %d", path, *prop.Maximum)}
		}
	case string:
		if len(prop.Enum) > 0 && !contains(prop.Enum, val) {
			return &ValidationError{Path: path, Message: fmt.Sprintf("%s must be one of (%s)", path, strings.Join(prop.Enum, "|"))}
		}
		if prop.MaxLength != nil && utf8.RuneCountInString(val) > *prop.MaxLength {
			return &ValidationError{Path: path, Message: fmt.Sprintf("%s must not be longer than %d characters", path, *prop.MaxLength)}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
