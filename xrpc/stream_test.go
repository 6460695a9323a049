package xrpc_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/xrpc-server-go/frame"
	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/xrpc"
	"github.com/gorilla/websocket"
)

type tick struct {
	Seq int64 `cbor:"seq"`
}

func (tick) XRPCType() string { return "com.example.subscribeTicks#tick" }

func ticksDef() *lexicon.MethodDef {
	return &lexicon.MethodDef{
		ID:   lexicon.MustParseNSID("com.example.subscribeTicks"),
		Kind: lexicon.KindSubscription,
		Parameters: &lexicon.Params{
			Properties: map[string]lexicon.ParamProp{"cursor": {Type: lexicon.ParamInteger}},
		},
	}
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got %d", mt)
	}
	f, err := frame.Decode(b)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("expected close %d, got %v", code, err)
	}
}

func TestSubscriptionMessagesThenError(t *testing.T) {
	srv := newTestServer(t, func(s *xrpc.Server) {
		mustRegister(t, s.StreamMethod(ticksDef(), xrpc.StreamConfig{
			Handler: func(ctx context.Context, sc *xrpc.StreamContext, out chan<- any) error {
				for i := int64(1); i <= 2; i++ {
					select {
					case out <- tick{Seq: i}:
					case <-ctx.Done():
						return nil
					}
				}
				out <- map[string]any{"$type": "com.other.thing#event", "ok": true}
				return xrpc.NewError(xrpc.InvalidRequest, "FutureCursor", "cursor in the future")
			},
		}))
	})
	conn := dial(t, srv, "/xrpc/com.example.subscribeTicks")

	for i := int64(1); i <= 2; i++ {
		mf, ok := readFrame(t, conn).(*frame.MessageFrame)
		if !ok {
			t.Fatalf("frame %d: expected message frame", i)
		}
		if mf.Type != "#tick" {
			t.Fatalf("frame %d: expected short type #tick, got %q", i, mf.Type)
		}
		body, _ := mf.Body.(map[string]any)
		if seq, _ := body["seq"].(uint64); int64(seq) != i {
			t.Fatalf("frame %d: unexpected body %#v", i, mf.Body)
		}
	}

	mf, ok := readFrame(t, conn).(*frame.MessageFrame)
	if !ok || mf.Type != "com.other.thing#event" {
		t.Fatalf("expected foreign type tag to be kept, got %#v", mf)
	}
	if body, _ := mf.Body.(map[string]any); body["$type"] != nil || body["ok"] != true {
		t.Fatalf("unexpected body %#v", mf.Body)
	}

	ef, ok := readFrame(t, conn).(*frame.ErrorFrame)
	if !ok {
		t.Fatalf("expected error frame")
	}
	if ef.Error != "FutureCursor" || ef.Message != "cursor in the future" {
		t.Fatalf("unexpected error frame %#v", ef)
	}
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestSubscriptionInvalidParams(t *testing.T) {
	called := make(chan struct{}, 1)
	srv := newTestServer(t, func(s *xrpc.Server) {
		mustRegister(t, s.StreamMethod(ticksDef(), xrpc.StreamConfig{
			Handler: func(context.Context, *xrpc.StreamContext, chan<- any) error {
				called <- struct{}{}
				return nil
			},
		}))
	})
	conn := dial(t, srv, "/xrpc/com.example.subscribeTicks?cursor=abc")

	ef, ok := readFrame(t, conn).(*frame.ErrorFrame)
	if !ok {
		t.Fatalf("expected error frame")
	}
	if ef.Error != "InvalidRequest" || ef.Message != "cursor must be an integer" {
		t.Fatalf("unexpected error frame %#v", ef)
	}
	expectClose(t, conn, websocket.CloseNormalClosure)

	select {
	case <-called:
		t.Fatalf("handler must not run when params are invalid")
	default:
	}
}

func TestSubscriptionAuthFailure(t *testing.T) {
	srv := newTestServer(t, func(s *xrpc.Server) {
		mustRegister(t, s.StreamMethod(ticksDef(), xrpc.StreamConfig{
			Auth: func(context.Context, xrpc.AuthRequest) (*xrpc.AuthResult, error) {
				return nil, xrpc.AuthRequiredError("")
			},
			Handler: func(context.Context, *xrpc.StreamContext, chan<- any) error { return nil },
		}))
	})
	conn := dial(t, srv, "/xrpc/com.example.subscribeTicks")
	ef, ok := readFrame(t, conn).(*frame.ErrorFrame)
	if !ok || ef.Error != "AuthenticationRequired" {
		t.Fatalf("expected AuthenticationRequired error frame, got %#v", ef)
	}
}

func TestSubscriptionUnexpectedErrorIsGeneric(t *testing.T) {
	srv := newTestServer(t, func(s *xrpc.Server) {
		mustRegister(t, s.StreamMethod(ticksDef(), xrpc.StreamConfig{
			Handler: func(context.Context, *xrpc.StreamContext, chan<- any) error {
				return errors.New("connection refused by 10.0.0.3")
			},
		}))
	})
	conn := dial(t, srv, "/xrpc/com.example.subscribeTicks")
	ef, ok := readFrame(t, conn).(*frame.ErrorFrame)
	if !ok || ef.Error != "InternalServerError" || ef.Message != "Internal Server Error" {
		t.Fatalf("unexpected error frame %#v", ef)
	}
}

func TestSubscriptionCleanEnd(t *testing.T) {
	srv := newTestServer(t, func(s *xrpc.Server) {
		mustRegister(t, s.StreamMethod(ticksDef(), xrpc.StreamConfig{
			Handler: func(ctx context.Context, sc *xrpc.StreamContext, out chan<- any) error {
				cursor, _ := sc.Params["cursor"].(int64)
				select {
				case out <- map[string]any{"cursor": cursor}:
				case <-ctx.Done():
				}
				return nil
			},
		}))
	})
	conn := dial(t, srv, "/xrpc/com.example.subscribeTicks?cursor=7")

	mf, ok := readFrame(t, conn).(*frame.MessageFrame)
	if !ok || mf.Type != "" {
		t.Fatalf("expected untyped message frame, got %#v", mf)
	}
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestSubscriptionUnknownMethod(t *testing.T) {
	srv := newTestServer(t, func(s *xrpc.Server) {
		mustRegister(t, s.Method(getProfileDef(), xrpc.MethodConfig{Handler: getProfile}))
	})
	for _, path := range []string{"/xrpc/com.example.nope", "/xrpc/com.example.getProfile"} {
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
		if err == nil {
			_ = conn.Close()
			t.Fatalf("%s: expected handshake failure", path)
		}
	}
}

func TestSubscriptionClientDisconnect(t *testing.T) {
	cancelled := make(chan struct{})
	started := make(chan struct{})
	srv := newTestServer(t, func(s *xrpc.Server) {
		mustRegister(t, s.StreamMethod(ticksDef(), xrpc.StreamConfig{
			Handler: func(ctx context.Context, _ *xrpc.StreamContext, _ chan<- any) error {
				close(started)
				<-ctx.Done()
				close(cancelled)
				return nil
			},
		}))
	})
	conn := dial(t, srv, "/xrpc/com.example.subscribeTicks")

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler did not start")
	}
	_ = conn.Close()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler context was not cancelled after disconnect")
	}
}

func TestSubscriptionHeartbeat(t *testing.T) {
	srv := newTestServer(t, func(s *xrpc.Server) {
		mustRegister(t, s.StreamMethod(ticksDef(), xrpc.StreamConfig{
			Handler: func(ctx context.Context, _ *xrpc.StreamContext, _ chan<- any) error {
				<-ctx.Done()
				return nil
			},
		}))
	}, xrpc.WithHeartbeatInterval(20*time.Millisecond))
	conn := dial(t, srv, "/xrpc/com.example.subscribeTicks")

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(5 * time.Second):
		t.Fatalf("no heartbeat ping received")
	}
}
