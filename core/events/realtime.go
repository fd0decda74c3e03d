package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// Broadcaster delivers realtime messages to connected clients
type Broadcaster interface {
	// Send returns false if client clientID of userID is not connected
	Send(userID, clientID string, msg Message) bool
}

// clientKey identifies a connection. Client ids are chosen by callers, so
// two users may use the same one without seeing each other.
type clientKey struct {
	userID   string
	clientID string
}

type client struct {
	key  clientKey
	conn *websocket.Conn
	send chan []byte
}

// Hub keeps the connected websocket clients. A client id of a user has at
// most one connection; a new connection replaces the previous one.
type Hub struct {
	mu       sync.RWMutex
	clients  map[clientKey]*client
	upgrader websocket.Upgrader
}

// NewHub returns an empty hub. checkOrigin may be nil to accept all origins.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		clients: map[clientKey]*client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Send implements Broadcaster. A client whose buffer is full is disconnected.
func (h *Hub) Send(userID, clientID string, msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	// the read lock keeps remove from closing the channel while sending
	h.mu.RLock()
	c, ok := h.clients[clientKey{userID, clientID}]
	if !ok {
		h.mu.RUnlock()
		return false
	}
	select {
	case c.send <- data:
		h.mu.RUnlock()
		return true
	default:
	}
	h.mu.RUnlock()
	h.remove(c)
	return false
}

// Connected returns true if client clientID of userID has an open connection
func (h *Hub) Connected(userID, clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[clientKey{userID, clientID}]
	return ok
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request to a websocket connection for client clientID
// of the authenticated userID and blocks until the connection closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID, clientID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{key: clientKey{userID, clientID}, conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if previous, ok := h.clients[c.key]; ok {
		close(previous.send)
	}
	h.clients[c.key] = c
	h.mu.Unlock()
	metrics.RealtimeConnections.Set(float64(h.Count()))
	logger.FromContext(r.Context()).Infof("realtime client %s connected", clientID)

	go c.writePump()
	c.readPump()
	h.remove(c)
	logger.FromContext(r.Context()).Infof("realtime client %s disconnected", clientID)
	return nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if current, ok := h.clients[c.key]; ok && current == c {
		delete(h.clients, c.key)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
	metrics.RealtimeConnections.Set(float64(h.Count()))
}

// Close disconnects all clients
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = map[clientKey]*client{}
	h.mu.Unlock()
	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
	metrics.RealtimeConnections.Set(0)
}

// readPump discards incoming messages and keeps the read deadline fresh
func (c *client) readPump() {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
