package xrpc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/xrpc-server-go/frame"
	"github.com/ggoodman/xrpc-server-go/internal/logctx"
	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/ratelimit"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const writeWait = 10 * time.Second

// serveSubscription handles a websocket upgrade for nsid. Upgrades for
// anything other than a registered subscription are dropped without a
// handshake.
func (s *Server) serveSubscription(w http.ResponseWriter, r *http.Request, nsid string) {
	e, ok := s.lookupStream(nsid)
	if !ok {
		s.log.InfoContext(r.Context(), "stream.upgrade.reject", slog.String("nsid", nsid))
		destroy(w)
		return
	}

	ctx := logctx.WithMethodData(r.Context(), &logctx.MethodData{NSID: nsid, Kind: e.def.Kind.String()})
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{ConnID: ulid.Make().String()})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "xrpc.subscribe "+nsid,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("xrpc.nsid", nsid)),
	)
	defer span.End()
	r = r.WithContext(ctx)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.log.InfoContext(ctx, "stream.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.Close()

	s.metrics.streamOpened(nsid)
	defer s.metrics.streamClosed(nsid)
	s.log.InfoContext(ctx, "stream.open")

	c := &subscription{s: s, conn: conn, nsid: nsid, entry: e}
	go c.readLoop(cancel)

	if err := c.run(ctx, r); err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	s.log.InfoContext(ctx, "stream.close")
}

// destroy closes the underlying connection without responding.
func destroy(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

type subscription struct {
	s     *Server
	conn  *websocket.Conn
	nsid  string
	entry *streamEntry
}

// readLoop consumes client frames so control messages are processed. The
// connection is considered gone once a read fails, including a missed pong.
func (c *subscription) readLoop(cancel context.CancelFunc) {
	defer cancel()
	wait := 2 * c.s.cfg.heartbeat
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// run authenticates the connection, validates its parameters and drives the
// handler. Every failure results in exactly one error frame.
func (c *subscription) run(ctx context.Context, r *http.Request) error {
	sc, err := c.prepare(ctx, r)
	if err != nil {
		return c.fail(ctx, err)
	}

	hctx, stop := context.WithCancel(ctx)
	defer stop()

	out := make(chan any)
	done := make(chan error, 1)
	go func() {
		done <- c.entry.handler(hctx, sc, out)
	}()

	// After this point the handler may still be pushing; drain so it never
	// blocks on a send once the connection is gone.
	drain := func() {
		stop()
		go func() {
			for {
				select {
				case <-out:
				case <-done:
					return
				}
			}
		}()
	}

	ticker := time.NewTicker(c.s.cfg.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case item := <-out:
			f, err := c.toFrame(item)
			if err != nil {
				drain()
				return c.fail(ctx, err)
			}
			if err := c.write(f); err != nil {
				drain()
				c.s.log.InfoContext(ctx, "stream.write.fail", slog.String("err", err.Error()))
				return err
			}
			if _, ok := f.(*frame.ErrorFrame); ok {
				drain()
				c.close(websocket.CloseNormalClosure)
				return nil
			}
		case err := <-done:
			if err != nil && ctx.Err() == nil {
				return c.fail(ctx, err)
			}
			c.close(websocket.CloseNormalClosure)
			return nil
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				drain()
				return err
			}
		case <-ctx.Done():
			drain()
			return nil
		}
	}
}

func (c *subscription) prepare(ctx context.Context, r *http.Request) (*StreamContext, error) {
	s := c.s
	if s.bypass == nil || !s.bypass(r) {
		in := ratelimit.Input{IP: s.clientIP(r), NSID: c.nsid, Req: r}
		if _, err := s.consume(ctx, in, s.pools.Global); err != nil {
			return nil, err
		}
	}

	sc := &StreamContext{NSID: c.entry.def.ID, Req: r}
	if c.entry.auth != nil {
		res, err := c.entry.auth(ctx, AuthRequest{NSID: c.entry.def.ID, Req: r})
		if err != nil {
			s.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
			return nil, err
		}
		sc.Auth = res
	}

	params, err := lexicon.DecodeParams(c.entry.def.Parameters, r.URL.Query())
	if err != nil {
		return nil, err
	}
	sc.Params = params
	return sc, nil
}

// fail writes the terminal error frame and closes the connection.
func (c *subscription) fail(ctx context.Context, err error) error {
	xe := normalize(err, c.s.cfg.errorParser, time.Now())
	c.s.logError(ctx, "stream.fail", xe)
	if werr := c.write(&frame.ErrorFrame{Error: xe.ErrorName(), Message: xe.Message}); werr != nil {
		return werr
	}
	c.close(websocket.CloseNormalClosure)
	return xe
}

func (c *subscription) write(f frame.Frame) error {
	b, err := frame.Encode(f)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return err
	}
	kind := "message"
	if _, ok := f.(*frame.ErrorFrame); ok {
		kind = "error"
	}
	c.s.metrics.frameWritten(c.nsid, kind)
	return nil
}

func (c *subscription) close(code int) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
}

// toFrame converts a handler item to a frame. Type tags in the
// subscription's own namespace are shortened to "#name".
func (c *subscription) toFrame(item any) (frame.Frame, error) {
	switch v := item.(type) {
	case nil:
		return nil, errors.New("subscription handler sent a nil item")
	case *frame.MessageFrame:
		return v, nil
	case *frame.ErrorFrame:
		return v, nil
	case frame.MessageFrame:
		return &v, nil
	case frame.ErrorFrame:
		return &v, nil
	case Typed:
		return &frame.MessageFrame{Type: c.shortType(v.XRPCType()), Body: v}, nil
	case map[string]any:
		t, ok := v["$type"].(string)
		if !ok {
			return &frame.MessageFrame{Body: v}, nil
		}
		body := make(map[string]any, len(v)-1)
		for k, val := range v {
			if k != "$type" {
				body[k] = val
			}
		}
		return &frame.MessageFrame{Type: c.shortType(t), Body: body}, nil
	case error:
		return nil, v
	default:
		return &frame.MessageFrame{Body: v}, nil
	}
}

func (c *subscription) shortType(t string) string {
	if rest, ok := strings.CutPrefix(t, c.nsid+"#"); ok {
		return "#" + rest
	}
	return t
}

// logError logs a normalized error by class: client errors at INFO without
// a cause, server errors at ERROR with it.
func (s *Server) logError(ctx context.Context, msg string, xe *XRPCError) {
	attrs := []any{slog.Int("status", xe.StatusCode()), slog.String("error", xe.ErrorName())}
	if xe.Type.IsServerError() {
		if xe.Cause != nil {
			attrs = append(attrs, slog.String("err", xe.Cause.Error()))
		}
		s.log.ErrorContext(ctx, msg, attrs...)
		return
	}
	if xe.Message != "" {
		attrs = append(attrs, slog.String("msg", xe.Message))
	}
	s.log.InfoContext(ctx, msg, attrs...)
}
