package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

var errSessionClosed = errors.New("session closed")

// envelope is the wire frame for every event in both directions.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Session is one live websocket connection. It satisfies registry.Channel:
// Send enqueues onto a buffered channel drained by a single write pump, which
// gives per-connection FIFO ordering and keeps slow consumers from blocking
// the dispatch path. A full buffer drops the connection rather than the core.
type Session struct {
	conn *websocket.Conn
	send chan envelope
	done chan struct{}
	once sync.Once
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		conn: conn,
		send: make(chan envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *Session) Send(event string, data any) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- envelope{Event: event, Data: data}:
		return nil
	default:
		// The client is not keeping up; cut it loose and let it reconnect.
		s.Close()
		return errSessionClosed
	}
}

func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	return nil
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with periodic pings. One goroutine per connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()
	for {
		select {
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
