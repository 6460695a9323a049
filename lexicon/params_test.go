package lexicon

import (
	"errors"
	"net/url"
	"reflect"
	"testing"
)

func ptr[T any](v T) *T { return &v }

func testParams() *Params {
	return &Params{
		Properties: map[string]ParamProp{
			"actor":  {Type: ParamString},
			"limit":  {Type: ParamInteger, Minimum: ptr[int64](1), Maximum: ptr[int64](100), Default: float64(50)},
			"score":  {Type: ParamNumber, Minimum: ptr[int64](0), Maximum: ptr[int64](10)},
			"exact":  {Type: ParamBoolean},
			"sort":   {Type: ParamString, Enum: []string{"new", "top"}},
			"uris":   {Type: ParamArray, Items: &ParamProp{Type: ParamString, MaxLength: ptr(5)}, MaxItems: ptr(3)},
			"counts": {Type: ParamArray, Items: &ParamProp{Type: ParamInteger}},
		},
		Required: []string{"actor"},
	}
}

func TestDecodeParams(t *testing.T) {
	q := url.Values{
		"actor":  {"alice"},
		"score":  {"1.5"},
		"exact":  {"true"},
		"sort":   {"top"},
		"uris":   {"a", "bb"},
		"counts": {"1", "2"},
		"extra":  {"ignored"},
	}
	got, err := DecodeParams(testParams(), q)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	want := map[string]any{
		"actor":  "alice",
		"limit":  int64(50),
		"score":  1.5,
		"exact":  true,
		"sort":   "top",
		"uris":   []any{"a", "bb"},
		"counts": []any{int64(1), int64(2)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("want %#v, got %#v", want, got)
	}
}

func TestDecodeParamsFailures(t *testing.T) {
	tests := []struct {
		name string
		q    url.Values
		want string
	}{
		{"missing required", url.Values{}, `Params must have the property "actor"`},
		{"bad integer", url.Values{"actor": {"a"}, "limit": {"x"}}, "limit must be an integer"},
		{"below minimum", url.Values{"actor": {"a"}, "limit": {"0"}}, "limit can not be less than 1"},
		{"above maximum", url.Values{"actor": {"a"}, "limit": {"101"}}, "limit can not be greater than 100"},
		{"bad boolean", url.Values{"actor": {"a"}, "exact": {"yes"}}, "exact must be a boolean"},
		{"bad number", url.Values{"actor": {"a"}, "score": {"abc"}}, "score must be a number"},
		{"number below minimum", url.Values{"actor": {"a"}, "score": {"-0.5"}}, "score can not be less than 0"},
		{"number above maximum", url.Values{"actor": {"a"}, "score": {"10.25"}}, "score can not be greater than 10"},
		{"first invalid by name", url.Values{"actor": {"a"}, "sort": {"old"}, "limit": {"0"}, "uris": {"abcdef"}}, "limit can not be less than 1"},
		{"enum", url.Values{"actor": {"a"}, "sort": {"old"}}, "sort must be one of (new|top)"},
		{"too many items", url.Values{"actor": {"a"}, "uris": {"a", "b", "c", "d"}}, "uris must not have more than 3 elements"},
		{"item too long", url.Values{"actor": {"a"}, "uris": {"abcdef"}}, "uris/0 must not be longer than 5 characters"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeParams(testParams(), tc.q)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
			}
			if verr.Error() != tc.want {
				t.Fatalf("want %q, got %q", tc.want, verr.Error())
			}
		})
	}
}

func TestDecodeParamsNil(t *testing.T) {
	got, err := DecodeParams(nil, url.Values{"a": {"b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}
