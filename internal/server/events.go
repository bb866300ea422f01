package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/trikhub/trikhub/internal/bus"
)

const (
	// eventQueueSize bounds the per-client backlog; events past it are
	// dropped rather than blocking the broadcaster.
	eventQueueSize = 64

	wsWriteTimeout = 10 * time.Second
)

// wsClient is one connected event-stream consumer.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan bus.Event
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan bus.Event, eventQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues an event for the write pump. Runs on the broadcasting
// goroutine and must not block; a full queue drops the event.
func (c *wsClient) enqueue(ev bus.Event) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump drains the send queue onto the wire until the client closes.
func (c *wsClient) writePump() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.close()
				return
			}
		}
	}
}

// handleEvents upgrades to websocket and streams gateway events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.pub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream not available"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(conn)
	s.registerClient(c)
	defer func() {
		s.unregisterClient(c)
		c.close()
	}()

	go c.writePump()

	// Inbound frames are ignored; the read loop only notices disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.pub.Subscribe(c.id, c.enqueue)
	s.log.Info("server.client_connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.pub.Unsubscribe(c.id)
	s.log.Info("server.client_disconnected", "id", c.id)
}

// closeClients drops every connected event-stream client. Called on
// shutdown after the HTTP listener stops.
func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.pub.Unsubscribe(c.id)
		c.close()
	}
}
