package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/bus"
	"github.com/yarsha/chatsync/internal/status"
)

// streamServer is a minimal websocket endpoint that records subscribe
// frames and lets tests push event frames to the client.
type streamServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	received chan envelope
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ss := &streamServer{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan envelope, 16),
	}
	ss.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ss.conns <- conn
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			ss.received <- env
		}
	}))
	t.Cleanup(ss.srv.Close)
	return ss
}

func (ss *streamServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ss.srv.URL, "http")
}

func (ss *streamServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ss.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func (ss *streamServer) push(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	if err := conn.WriteJSON(envelope{Type: typ, Payload: raw}); err != nil {
		t.Fatalf("push frame: %v", err)
	}
}

func startStream(t *testing.T, ss *streamServer, b *bus.Bus) *Stream {
	t.Helper()
	s := NewStream(ss.wsURL(), b, status.NewMachine(nil), zap.NewNop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStreamPublishesInboundMessage(t *testing.T) {
	ss := newStreamServer(t)
	b := bus.New()
	events, cancel := b.Subscribe("remote.", 8)
	defer cancel()

	startStream(t, ss, b)
	conn := ss.waitConn(t)

	ss.push(t, conn, typeMessage, InboundMessage{
		ServerID: "s1", ChatID: "chat1", SenderID: "u2", Content: "hi", Kind: "text", Timestamp: 4000,
	})

	select {
	case ev := <-events:
		if ev.Kind != bus.KindRemoteMessage {
			t.Errorf("event kind = %q, want %q", ev.Kind, bus.KindRemoteMessage)
		}
		msg, ok := ev.Payload.(InboundMessage)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if msg.ServerID != "s1" || msg.Content != "hi" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for remote event")
	}
}

func TestStreamPublishesReactionAndPin(t *testing.T) {
	ss := newStreamServer(t)
	b := bus.New()
	events, cancel := b.Subscribe("remote.", 8)
	defer cancel()

	startStream(t, ss, b)
	conn := ss.waitConn(t)

	ss.push(t, conn, typeReaction, InboundReaction{ChatID: "chat1", MessageServerID: "s1", Emoji: "👍"})
	ss.push(t, conn, typePin, InboundPin{ChatID: "chat1", MessageServerID: "s1", Pinned: true})

	kinds := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			kinds[ev.Kind] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if !kinds[bus.KindRemoteReaction] || !kinds[bus.KindRemotePin] {
		t.Errorf("missing event kinds: %v", kinds)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	ss := newStreamServer(t)
	b := bus.New()

	s := startStream(t, ss, b)
	ss.waitConn(t)

	for i := 0; i < 3; i++ {
		if err := s.Subscribe("chat1"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	// Exactly one subscribe frame must arrive.
	select {
	case env := <-ss.received:
		if env.Type != typeSubscribe {
			t.Errorf("frame type = %q, want subscribe", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe frame")
	}
	select {
	case env := <-ss.received:
		t.Errorf("unexpected extra frame: %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestResubscribeOnReconnect(t *testing.T) {
	ss := newStreamServer(t)
	b := bus.New()

	s := startStream(t, ss, b)
	conn := ss.waitConn(t)
	if err := s.Subscribe("chat1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-ss.received

	// Drop the connection; the stream must reconnect and replay the
	// subscription without another Subscribe call.
	conn.Close()
	ss.waitConn(t)

	select {
	case env := <-ss.received:
		if env.Type != typeSubscribe {
			t.Errorf("frame type = %q, want subscribe", env.Type)
		}
		var p struct {
			ChatID string `json:"chatId"`
		}
		json.Unmarshal(env.Payload, &p)
		if p.ChatID != "chat1" {
			t.Errorf("resubscribed chat = %q, want chat1", p.ChatID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resubscribe")
	}
}

func TestUnsubscribeUnknownChatIsNoop(t *testing.T) {
	ss := newStreamServer(t)
	b := bus.New()

	s := startStream(t, ss, b)
	ss.waitConn(t)

	if err := s.Unsubscribe("ghost"); err != nil {
		t.Errorf("expected no-op, got %v", err)
	}
	select {
	case env := <-ss.received:
		t.Errorf("unexpected frame: %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
}
