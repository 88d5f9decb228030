package feed

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clintjeff2/seamless-deliveries/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSSession forwards bus events for one topic to one websocket connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// WSRegistry attaches websocket subscribers to bus topics. Each connection
// gets its own bus subscription, write pump, and read pump; the read pump
// only exists to notice disconnects and answer pings.
type WSRegistry struct {
	bus    Bus
	logger *slog.Logger
}

func NewWSRegistry(bus Bus, logger *slog.Logger) *WSRegistry {
	return &WSRegistry{bus: bus, logger: logger}
}

// Attach subscribes conn to topic and blocks until the connection dies or the
// subscription is cancelled.
func (r *WSRegistry) Attach(topic string, conn *websocket.Conn) {
	events, cancel := r.bus.Subscribe(topic)
	s := &WSSession{conn: conn}

	observability.WSClients.Inc()
	defer func() {
		observability.WSClients.Dec()
		cancel()
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go r.readPump(conn, done)
	r.writePump(s, events, done)
}

func (r *WSRegistry) writePump(s *WSSession, events <-chan Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.send(e); err != nil {
				r.logger.Debug("ws send error", "topic", e.Topic, "error", err)
				return
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (r *WSRegistry) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
