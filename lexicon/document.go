package lexicon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Document is the JSON form of a lexicon file. Only the "main" definition is
// compiled into a MethodDef; auxiliary definitions are ignored.
type Document struct {
	Lexicon int                     `json:"lexicon"`
	ID      string                  `json:"id"`
	Defs    map[string]documentMain `json:"defs"`
}

type documentMain struct {
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Parameters  *documentParam `json:"parameters,omitempty"`
	Input       *documentBody  `json:"input,omitempty"`
	Output      *documentBody  `json:"output,omitempty"`
	Message     *documentBody  `json:"message,omitempty"`
	Errors      []documentErr  `json:"errors,omitempty"`
}

type documentParam struct {
	Type       string               `json:"type"`
	Properties map[string]ParamProp `json:"properties"`
	Required   []string             `json:"required,omitempty"`
}

type documentBody struct {
	Encoding string  `json:"encoding,omitempty"`
	Schema   *Schema `json:"schema,omitempty"`
}

type documentErr struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ErrNotMethod is returned by ParseDocument for documents whose main
// definition is not a query, procedure or subscription.
var ErrNotMethod = errors.New("lexicon: document does not define a method")

// ParseDocument compiles a lexicon JSON document into a MethodDef.
func ParseDocument(b []byte) (*MethodDef, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode lexicon: %w", err)
	}
	if doc.Lexicon != 1 {
		return nil, fmt.Errorf("unsupported lexicon version %d", doc.Lexicon)
	}
	id, err := ParseNSID(doc.ID)
	if err != nil {
		return nil, err
	}
	main, ok := doc.Defs["main"]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotMethod)
	}
	kind, err := ParseKind(main.Type)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotMethod)
	}

	def := &MethodDef{ID: id, Kind: kind, Description: main.Description}
	if p := main.Parameters; p != nil {
		if p.Type != "" && p.Type != "params" {
			return nil, fmt.Errorf("%s: parameters must have type \"params\", got %q", id, p.Type)
		}
		def.Parameters = &Params{Properties: p.Properties, Required: p.Required}
		for name, prop := range p.Properties {
			if prop.Type == ParamArray && prop.Items == nil {
				return nil, fmt.Errorf("%s: array parameter %q has no items", id, name)
			}
		}
	}
	if main.Input != nil {
		if kind != KindProcedure {
			return nil, fmt.Errorf("%s: only procedures accept input", id)
		}
		def.Input = &Body{Encoding: main.Input.Encoding, Schema: main.Input.Schema}
	}
	if main.Output != nil {
		def.Output = &Body{Encoding: main.Output.Encoding, Schema: main.Output.Schema}
	}
	if main.Message != nil {
		if kind != KindSubscription {
			return nil, fmt.Errorf("%s: only subscriptions declare messages", id)
		}
		def.Message = &Message{Schema: main.Message.Schema}
	}
	for _, e := range main.Errors {
		def.Errors = append(def.Errors, e.Name)
	}
	return def, nil
}

// Catalog is a set of method definitions keyed by NSID. It is safe for
// concurrent use.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*MethodDef
}

// NewCatalog returns a catalog holding defs.
func NewCatalog(defs ...*MethodDef) *Catalog {
	c := &Catalog{defs: make(map[string]*MethodDef)}
	c.Add(defs...)
	return c
}

// Add stores defs, replacing any definition with the same NSID.
func (c *Catalog) Add(defs ...*MethodDef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.defs == nil {
		c.defs = make(map[string]*MethodDef)
	}
	for _, d := range defs {
		c.defs[d.ID.String()] = d
	}
}

// Get returns the definition for id.
func (c *Catalog) Get(id string) (*MethodDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownMethod)
	}
	return d, nil
}

// Methods returns every definition ordered by NSID.
func (c *Catalog) Methods() []*MethodDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*MethodDef, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// LoadDir parses every *.json file in dir and adds the method definitions it
// finds. Documents that do not define a method are skipped.
func (c *Catalog) LoadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	sort.Strings(paths)
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		def, err := ParseDocument(b)
		if errors.Is(err, ErrNotMethod) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		c.Add(def)
	}
	return nil
}
