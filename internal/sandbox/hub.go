package sandbox

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout   = 5 * time.Second
	maxMessageSize = 64 << 10
)

// client is one realtime connection.
type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		// slow consumer; drop the connection so the client reloads on reconnect
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// GET /ws/:user_id
func (s *Server) handleWebSocket(c echo.Context) error {
	userID := c.Param("user_id")
	if userID != currentUser(c) {
		return fail(c, http.StatusForbidden, "forbidden", "token does not belong to this user")
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	ws.SetReadLimit(maxMessageSize)

	cl := &client{userID: userID, conn: ws, send: make(chan []byte, 64), done: make(chan struct{})}
	s.register(cl)
	go s.writePump(cl)
	go s.readPump(cl)
	return nil
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	if s.clients[c.userID] == nil {
		s.clients[c.userID] = make(map[*client]struct{})
	}
	s.clients[c.userID][c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("realtime client connected", "user_id", c.userID)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if set := s.clients[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(s.clients, c.userID)
		}
	}
	s.mu.Unlock()
	s.log.Debug("realtime client disconnected", "user_id", c.userID)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.unregister(c)
		c.close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("realtime read failed", "user_id", c.userID, "error", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == "pong" {
			s.mu.Lock()
			s.pongs[c.userID]++
			s.mu.Unlock()
		}
	}
}

func (s *Server) writePump(c *client) {
	var tick <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	ping, _ := json.Marshal(frame{Type: "ping"})

	for {
		var data []byte
		select {
		case <-c.done:
			return
		case data = <-c.send:
		case <-tick:
			data = ping
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.close()
			return
		}
	}
}

// broadcast delivers f to every connection of both participants.
func (s *Server) broadcast(conversationID string, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.log.Error("marshal frame", "error", err)
		return
	}

	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	targets := append(s.clientsLocked(conv.BuyerID), s.clientsLocked(conv.SellerID)...)
	s.mu.Unlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}
