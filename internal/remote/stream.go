package remote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/bus"
	"github.com/yarsha/chatsync/internal/status"
)

const (
	writeWait = 10 * time.Second

	// pongWait bounds how long a silent connection is considered alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1 << 20

	maxBackoff = 30 * time.Second
)

// envelope frames every stream message in both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Stream envelope types.
const (
	typeMessage     = "message"
	typeReaction    = "reaction"
	typePin         = "pin"
	typeSubscribe   = "subscribe"
	typeUnsubscribe = "unsubscribe"
)

// Stream consumes the backend event stream over a websocket and republishes
// each event on the bus under the "remote." namespace. Chat subscriptions
// are idempotent and survive reconnects.
type Stream struct {
	url     string
	bus     *bus.Bus
	machine *status.Machine
	log     *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	chats map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream creates a stream consumer for the given websocket URL.
func NewStream(url string, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Stream {
	return &Stream{
		url:     url,
		bus:     b,
		machine: m,
		log:     logger.Named("stream"),
		chats:   map[string]struct{}{},
		done:    make(chan struct{}),
	}
}

// Start begins connecting and consuming in the background. The stream keeps
// reconnecting with exponential backoff until Close is called or ctx ends.
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Close stops the stream. The connection state becomes CLOSED and no
// further events are published.
func (s *Stream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for stream shutdown")
	}
	return nil
}

// Subscribe registers interest in a chat. Subscribing to an already
// subscribed chat is a no-op, so repeated chat opens never duplicate
// delivery.
func (s *Stream) Subscribe(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; ok {
		return nil
	}
	s.chats[chatID] = struct{}{}
	return s.sendLocked(typeSubscribe, chatID)
}

// Unsubscribe removes interest in a chat. Unknown chats are a no-op.
func (s *Stream) Unsubscribe(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil
	}
	delete(s.chats, chatID)
	return s.sendLocked(typeUnsubscribe, chatID)
}

// sendLocked writes a subscription frame when connected. Disconnected is
// fine: the full chat set is replayed on every reconnect.
func (s *Stream) sendLocked(typ, chatID string) error {
	if s.conn == nil {
		return nil
	}
	return s.writeFrame(s.conn, typ, chatID)
}

func (s *Stream) writeFrame(conn *websocket.Conn, typ, chatID string) error {
	payload, _ := json.Marshal(struct {
		ChatID string `json:"chatId"`
	}{chatID})
	frame, _ := json.Marshal(envelope{Type: typ, Payload: payload})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer s.transition(status.Closed)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		s.transition(status.Connecting)

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.log.Warn("stream dial failed", zap.Error(err), zap.Duration("backoff", backoff))
			s.transition(status.Backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second
		s.transition(status.Streaming)
		s.publish(bus.KindStreamConnected, nil)
		s.attach(conn)

		s.consume(ctx, conn)

		s.detach()
		conn.Close()
		s.publish(bus.KindStreamDisconnected, nil)
		if ctx.Err() != nil {
			return
		}
		s.transition(status.Backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// attach stores the live connection and replays every chat subscription.
func (s *Stream) attach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	for chatID := range s.chats {
		if err := s.writeFrame(conn, typeSubscribe, chatID); err != nil {
			s.log.Warn("resubscribe failed", zap.String("chat_id", chatID), zap.Error(err))
			return
		}
	}
}

func (s *Stream) detach() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

// consume reads frames until the connection fails or ctx ends. A ping
// ticker keeps the read deadline advancing through pongs.
func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				s.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("stream read failed", zap.Error(err))
			}
			return
		}
		s.dispatch(raw)
	}
}

func (s *Stream) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Warn("malformed stream frame", zap.Error(err))
		return
	}
	switch env.Type {
	case typeMessage:
		var msg InboundMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.log.Warn("malformed message event", zap.Error(err))
			return
		}
		s.publish(bus.KindRemoteMessage, msg)
	case typeReaction:
		var r InboundReaction
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			s.log.Warn("malformed reaction event", zap.Error(err))
			return
		}
		s.publish(bus.KindRemoteReaction, r)
	case typePin:
		var p InboundPin
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn("malformed pin event", zap.Error(err))
			return
		}
		s.publish(bus.KindRemotePin, p)
	default:
		s.log.Debug("ignoring stream frame", zap.String("type", env.Type))
	}
}

func (s *Stream) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (s *Stream) transition(to status.State) {
	if s.machine == nil {
		return
	}
	if err := s.machine.Transition(to); err != nil {
		s.log.Debug("state transition skipped", zap.Error(err))
	}
}
