package broker_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/xrpc-server-go/broker"
	"github.com/ggoodman/xrpc-server-go/broker/memory"
	"github.com/ggoodman/xrpc-server-go/frame"
	"github.com/ggoodman/xrpc-server-go/lexicon"
	"github.com/ggoodman/xrpc-server-go/xrpc"
	"github.com/gorilla/websocket"
)

var subscribeDef = &lexicon.MethodDef{
	ID:   lexicon.MustParseNSID("com.example.subscribePosts"),
	Kind: lexicon.KindSubscription,
	Parameters: &lexicon.Params{
		Properties: map[string]lexicon.ParamProp{"cursor": {Type: lexicon.ParamInteger}},
	},
}

func serve(t *testing.T, b broker.Broker) string {
	t.Helper()
	s, err := xrpc.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StreamMethod(subscribeDef, xrpc.StreamConfig{Handler: broker.Stream(b, "posts", nil)}); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/xrpc/com.example.subscribePosts"
}

func read(t *testing.T, conn *websocket.Conn) frame.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := frame.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func TestStreamReplaysFromCursor(t *testing.T) {
	b := memory.New()
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if _, err := b.Publish(ctx, "posts", "com.example.subscribePosts#post", []byte(`{"text":"`+text+`"}`)); err != nil {
			t.Fatal(err)
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(serve(t, b)+"?cursor=1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for _, want := range []struct {
		seq  uint64
		text string
	}{{2, "two"}, {3, "three"}} {
		mf, ok := read(t, conn).(*frame.MessageFrame)
		if !ok || mf.Type != "#post" {
			t.Fatalf("expected #post message frame, got %#v", mf)
		}
		body := mf.Body.(map[string]any)
		if body["seq"] != want.seq || body["text"] != want.text {
			t.Fatalf("unexpected body %#v", body)
		}
	}

	if _, err := b.Publish(ctx, "posts", "com.example.subscribePosts#post", []byte(`{"text":"four"}`)); err != nil {
		t.Fatal(err)
	}
	mf := read(t, conn).(*frame.MessageFrame)
	if body := mf.Body.(map[string]any); body["text"] != "four" {
		t.Fatalf("expected live event, got %#v", body)
	}
}

func TestStreamFutureCursor(t *testing.T) {
	conn, _, err := websocket.DefaultDialer.Dial(serve(t, memory.New())+"?cursor=10", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ef, ok := read(t, conn).(*frame.ErrorFrame)
	if !ok || ef.Error != "FutureCursor" || ef.Message != "Cursor in the future." {
		t.Fatalf("unexpected frame %#v", ef)
	}
}

func TestJSONDecoder(t *testing.T) {
	item, err := broker.JSONDecoder(broker.Event{Seq: 7, Type: "com.example.x#y", Data: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	body := item.(map[string]any)
	if body["seq"] != int64(7) || body["$type"] != "com.example.x#y" || body["a"] != float64(1) {
		t.Fatalf("unexpected body %#v", body)
	}
	if _, err := broker.JSONDecoder(broker.Event{Data: []byte(`[`)}); err == nil {
		t.Fatal("expected decode error")
	}
}
