package xrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/xrpc-server-go/internal/logctx"
	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// unknownMethodLabel bounds metric cardinality for unregistered NSIDs.
const unknownMethodLabel = "_unknown"

func (s *Server) serveMethod(w http.ResponseWriter, r *http.Request, nsid string) {
	start := time.Now()
	rw := &responseWriter{ResponseWriter: w}

	md := &logctx.MethodData{NSID: nsid}
	ctx := logctx.WithMethodData(r.Context(), md)
	ctx, span := s.tracer.Start(ctx, "xrpc "+nsid,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("xrpc.nsid", nsid),
			attribute.String("http.request.method", r.Method),
		),
	)
	r = r.WithContext(ctx)

	label := unknownMethodLabel
	defer func() {
		span.SetAttributes(attribute.Int("http.response.status_code", rw.status))
		span.End()
		s.metrics.observeRequest(label, rw.status, time.Since(start))
	}()

	if err := s.runPipeline(rw, r, nsid, md, &label); err != nil {
		xe := s.writeError(rw, r, err)
		span.SetStatus(codes.Error, xe.ErrorName())
		return
	}
	s.log.InfoContext(ctx, "xrpc.request.ok", slog.Int("status", rw.status), slog.Duration("dur", time.Since(start)))
}

// runPipeline executes the request stages in order. Any error stops the
// pipeline and is written by the caller.
func (s *Server) runPipeline(w *responseWriter, r *http.Request, nsid string, md *logctx.MethodData, label *string) error {
	ctx := r.Context()
	limitIn := ratelimit.Input{IP: s.clientIP(r), NSID: nsid, Req: r}
	bypass := s.bypass != nil && s.bypass(r)

	// Global limits run before lookup so unknown methods are limited too.
	var budget *ratelimit.Status
	if !bypass {
		st, err := s.consume(ctx, limitIn, s.pools.Global)
		if err != nil {
			return err
		}
		budget = st
	}

	e, ok := s.lookupMethod(nsid)
	if !ok {
		if s.cfg.catchall != nil {
			s.log.DebugContext(ctx, "xrpc.request.catchall")
			s.cfg.catchall.ServeHTTP(w, r)
			return nil
		}
		return MethodNotImplementedError(MethodNotImplemented.DefaultMessage())
	}
	*label = nsid
	md.Kind = e.def.Kind.String()

	if r.Method != e.verb && !(e.verb == http.MethodGet && r.Method == http.MethodHead) {
		return InvalidRequestError(fmt.Sprintf("Incorrect HTTP method (%s) expected %s", r.Method, e.verb))
	}

	hc := &HandlerContext{NSID: e.def.ID, Req: r, ResHeader: http.Header{}}

	if e.auth != nil {
		res, err := e.auth(ctx, AuthRequest{NSID: e.def.ID, Req: r})
		if err != nil {
			s.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
			return err
		}
		hc.Auth = res
		if res != nil {
			limitIn.Auth = res
		}
	}

	if e.def.Kind == lexicon.KindProcedure {
		in, err := s.readInput(w.ResponseWriter, r, e)
		if err != nil {
			return err
		}
		hc.Input = in
	}

	if !bypass {
		st, err := s.consume(ctx, limitIn, e.limiters.Basic)
		if err != nil {
			return err
		}
		budget = ratelimit.Tighter(budget, st)
	}

	params, err := lexicon.DecodeParams(e.def.Parameters, r.URL.Query())
	if err != nil {
		return err
	}
	hc.Params = params
	limitIn.Params = params

	if hc.Input != nil {
		limitIn.Body = hc.Input.Body
		if e.def.Input.Schema != nil && isJSONEncoding(hc.Input.Encoding) {
			if err := s.cfg.validator.Validate(e.def.Input.Schema, hc.Input.Body); err != nil {
				return inputError(err)
			}
		}
	}

	if !bypass {
		st, err := s.consume(ctx, limitIn, e.limiters.Parametric)
		if err != nil {
			return err
		}
		budget = ratelimit.Tighter(budget, st)
	}
	if budget != nil {
		budget.SetHeaders(w.Header())
	}

	out, err := e.handler(ctx, hc)
	if err != nil {
		return err
	}
	return s.writeOutput(w, r, e, hc, out)
}

func inputError(err error) error {
	var verr *lexicon.ValidationError
	if errors.As(err, &verr) {
		return InvalidRequestError("Input is invalid: " + verr.Message)
	}
	return err
}

// consume debits limiters and records rejections.
func (s *Server) consume(ctx context.Context, in ratelimit.Input, limiters []*ratelimit.Limiter) (*ratelimit.Status, error) {
	if len(limiters) == 0 {
		return nil, nil
	}
	st, err := ratelimit.ConsumeAll(ctx, in, limiters...)
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		s.metrics.rateLimited(exceeded.Status.Name)
		s.log.InfoContext(ctx, "ratelimit.exceeded", slog.String("limiter", exceeded.Status.Name))
	}
	return st, err
}
