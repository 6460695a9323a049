package lexicon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const getProfileDoc = `{
  "lexicon": 1,
  "id": "com.example.getProfile",
  "defs": {
    "main": {
      "type": "query",
      "description": "Fetch a profile.",
      "parameters": {
        "type": "params",
        "required": ["actor"],
        "properties": {
          "actor": {"type": "string"},
          "limit": {"type": "integer", "minimum": 1, "maximum": 10}
        }
      },
      "output": {
        "encoding": "application/json",
        "schema": {"type": "object", "required": ["handle"], "properties": {"handle": {"type": "string"}}}
      },
      "errors": [{"name": "ProfileNotFound"}]
    }
  }
}`

const recordDoc = `{"lexicon": 1, "id": "com.example.record", "defs": {"main": {"type": "record"}}}`

func TestParseDocument(t *testing.T) {
	def, err := ParseDocument([]byte(getProfileDoc))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if def.ID.String() != "com.example.getProfile" || def.Kind != KindQuery {
		t.Fatalf("unexpected def: %v %v", def.ID, def.Kind)
	}
	if def.Parameters == nil || def.Parameters.Properties["limit"].Type != ParamInteger {
		t.Fatalf("parameters not compiled: %+v", def.Parameters)
	}
	if got := *def.Parameters.Properties["limit"].Maximum; got != 10 {
		t.Fatalf("limit maximum: want 10, got %d", got)
	}
	if def.Output == nil || def.Output.Encoding != "application/json" || def.Output.Schema == nil {
		t.Fatalf("output not compiled: %+v", def.Output)
	}
	if !def.DeclaresError("ProfileNotFound") || def.DeclaresError("Other") {
		t.Fatalf("unexpected declared errors: %v", def.Errors)
	}
	if err := NewValidator().Validate(def.Output.Schema, map[string]any{}); err == nil {
		t.Fatalf("output schema should require handle")
	}
}

func TestParseDocumentRejects(t *testing.T) {
	tests := map[string]string{
		"version":          `{"lexicon": 2, "id": "com.example.a", "defs": {"main": {"type": "query"}}}`,
		"bad id":           `{"lexicon": 1, "id": "nope", "defs": {"main": {"type": "query"}}}`,
		"query with input": `{"lexicon": 1, "id": "com.example.a", "defs": {"main": {"type": "query", "input": {"encoding": "application/json"}}}}`,
		"array no items":   `{"lexicon": 1, "id": "com.example.a", "defs": {"main": {"type": "query", "parameters": {"type": "params", "properties": {"x": {"type": "array"}}}}}}`,
	}
	for name, doc := range tests {
		if _, err := ParseDocument([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := ParseDocument([]byte(recordDoc)); !errors.Is(err, ErrNotMethod) {
		t.Errorf("record: expected ErrNotMethod, got %v", err)
	}
}

func TestCatalogLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("getProfile.json", getProfileDoc)
	write("record.json", recordDoc)
	write("README.md", "not a lexicon")

	c := NewCatalog()
	if err := c.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if n := len(c.Methods()); n != 1 {
		t.Fatalf("expected 1 method, got %d", n)
	}
	if _, err := c.Get("com.example.getProfile"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get("com.example.missing"); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
}
