// Package lexicon holds the compiled method definitions an XRPC server is
// built from: namespaced identifiers, method kinds, parameter shapes and the
// schemas for input, output and subscription message bodies.
//
// The package does not define a contract language. It consumes lexicon JSON
// documents (or definitions assembled in Go) and exposes the two operations
// the server needs at request time:
//
//   - DecodeParams turns a query string into typed, validated parameters.
//   - Validator checks a decoded value against a Schema.
//
// Schemas are JSON Schema documents. SchemaFor reflects one from a Go type so
// handlers can declare their shapes next to the structs they return:
//
//	def := &lexicon.MethodDef{
//	    ID:     lexicon.MustParseNSID("com.example.getProfile"),
//	    Kind:   lexicon.KindQuery,
//	    Output: &lexicon.Body{Encoding: "application/json", Schema: lexicon.SchemaFor[Profile]()},
//	}
package lexicon
