package xrpc

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/ratelimit"
)

var (
	// ErrKindMismatch is returned when a handler is registered against a
	// definition of the wrong kind, e.g. a StreamHandler for a query.
	ErrKindMismatch = errors.New("xrpc: handler does not match method kind")
	// ErrUnknownLexicon is returned by MethodByID for NSIDs missing from the
	// server's catalog.
	ErrUnknownLexicon = errors.New("xrpc: unknown lexicon")
)

// MethodConfig binds a handler to a query or procedure.
type MethodConfig struct {
	Handler MethodHandler
	Auth    AuthVerifier
	// RateLimits are private to this method.
	RateLimits []ratelimit.Spec
	// SharedRateLimits name limiters declared in RateLimitOptions.Shared.
	SharedRateLimits []string
	Opts             RouteOpts
}

// StreamConfig binds a handler to a subscription.
type StreamConfig struct {
	Handler StreamHandler
	Auth    AuthVerifier
}

type methodEntry struct {
	def       *lexicon.MethodDef
	verb      string
	handler   MethodHandler
	auth      AuthVerifier
	limiters  *ratelimit.MethodLimiters
	blobLimit int64
}

type streamEntry struct {
	def     *lexicon.MethodDef
	handler StreamHandler
	auth    AuthVerifier
}

// Method registers a query or procedure. Registering an NSID again replaces
// the earlier registration.
func (s *Server) Method(def *lexicon.MethodDef, cfg MethodConfig) error {
	if def == nil {
		return errors.New("xrpc: method definition is required")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("xrpc: %s: handler is required", def.ID)
	}

	var verb string
	switch def.Kind {
	case lexicon.KindQuery:
		verb = http.MethodGet
	case lexicon.KindProcedure:
		verb = http.MethodPost
	default:
		return fmt.Errorf("%w: %s is a %s", ErrKindMismatch, def.ID, def.Kind)
	}

	limiters, err := s.pools.ForMethod(def.ID.String(), cfg.RateLimits, cfg.SharedRateLimits)
	if err != nil {
		return err
	}

	blobLimit := s.cfg.limits.Blob
	if cfg.Opts.BlobLimit > 0 {
		blobLimit = cfg.Opts.BlobLimit
	}

	e := &methodEntry{
		def:       def,
		verb:      verb,
		handler:   cfg.Handler,
		auth:      cfg.Auth,
		limiters:  limiters,
		blobLimit: blobLimit,
	}

	id := def.ID.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnOverrideLocked(id)
	delete(s.streams, id)
	s.methods[id] = e
	s.log.Debug("registry.method.add", slog.String("nsid", id), slog.String("kind", def.Kind.String()))
	return nil
}

// StreamMethod registers a subscription. Registering an NSID again replaces
// the earlier registration.
func (s *Server) StreamMethod(def *lexicon.MethodDef, cfg StreamConfig) error {
	if def == nil {
		return errors.New("xrpc: method definition is required")
	}
	if def.Kind != lexicon.KindSubscription {
		return fmt.Errorf("%w: %s is a %s", ErrKindMismatch, def.ID, def.Kind)
	}
	if cfg.Handler == nil {
		return fmt.Errorf("xrpc: %s: handler is required", def.ID)
	}

	id := def.ID.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnOverrideLocked(id)
	delete(s.methods, id)
	s.streams[id] = &streamEntry{def: def, handler: cfg.Handler, auth: cfg.Auth}
	s.log.Debug("registry.method.add", slog.String("nsid", id), slog.String("kind", def.Kind.String()))
	return nil
}

func (s *Server) warnOverrideLocked(id string) {
	_, m := s.methods[id]
	_, st := s.streams[id]
	if m || st {
		s.log.Warn("registry.method.override", slog.String("nsid", id))
	}
}

// AddLexicons adds definitions to the server's catalog.
func (s *Server) AddLexicons(defs ...*lexicon.MethodDef) {
	s.catalog.Add(defs...)
}

// MethodByID registers a query or procedure whose definition is looked up in
// the server's catalog.
func (s *Server) MethodByID(nsid string, cfg MethodConfig) error {
	def, err := s.catalogDef(nsid)
	if err != nil {
		return err
	}
	return s.Method(def, cfg)
}

// StreamMethodByID registers a subscription whose definition is looked up in
// the server's catalog.
func (s *Server) StreamMethodByID(nsid string, cfg StreamConfig) error {
	def, err := s.catalogDef(nsid)
	if err != nil {
		return err
	}
	return s.StreamMethod(def, cfg)
}

func (s *Server) catalogDef(nsid string) (*lexicon.MethodDef, error) {
	def, err := s.catalog.Get(nsid)
	if errors.Is(err, lexicon.ErrUnknownMethod) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLexicon, nsid)
	}
	return def, err
}

func (s *Server) lookupMethod(nsid string) (*methodEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.methods[nsid]
	return e, ok
}

func (s *Server) lookupStream(nsid string) (*streamEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.streams[nsid]
	return e, ok
}
