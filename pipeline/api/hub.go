package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// EventType names a message pushed to websocket clients
type EventType string

const (
	EventConnection    EventType = "connection"
	EventPong          EventType = "pong"
	EventQueryComplete EventType = "query_complete"
	EventQueryFailed   EventType = "query_failed"
	EventRetrieve      EventType = "retrieve_complete"
)

// Event is the envelope for every websocket message
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	ClientID  string      `json:"client_id,omitempty"`
}

const (
	writeTimeout      = 10 * time.Second
	readTimeout       = 60 * time.Second
	pingInterval      = 54 * time.Second
	maxMessageSize    = 64 * 1024
	clientBufferSize  = 64
	broadcastCapacity = 256
)

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans query events out to connected websocket clients
type Hub struct {
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}

	broadcast chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewHub creates a hub; call Run to start delivering broadcasts
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:       log.WithField("component", "websocket-hub"),
		clients:   make(map[*hubClient]struct{}),
		broadcast: make(chan []byte, broadcastCapacity),
		done:      make(chan struct{}),
	}
}

// Run delivers broadcasts until ctx is cancelled or Stop is called
func (h *Hub) Run(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case msg := <-h.broadcast:
				h.mu.Lock()
				for c := range h.clients {
					select {
					case c.send <- msg:
					default:
						// slow consumer
						h.removeLocked(c)
					}
				}
				h.mu.Unlock()
			case <-ctx.Done():
				return
			case <-h.done:
				return
			}
		}
	}()
}

// Stop disconnects every client and stops the broadcast loop
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		h.mu.Lock()
		for c := range h.clients {
			h.removeLocked(c)
		}
		h.mu.Unlock()
		h.log.Info("WebSocket hub stopped")
	})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every client. Events are dropped when the
// queue is full.
func (h *Hub) Broadcast(t EventType, data interface{}) {
	msg, err := json.Marshal(Event{Type: t, Data: data, Timestamp: time.Now()})
	if err != nil {
		h.log.WithError(err).Error("Failed to marshal websocket event")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.WithField("type", t).Warn("Broadcast queue full, dropping event")
	}
}

// ServeWS upgrades the request and registers the connection
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	c := &hubClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientBufferSize),
	}

	welcome, _ := json.Marshal(Event{
		Type:      EventConnection,
		Data:      map[string]string{"status": "connected"},
		Timestamp: time.Now(),
		ClientID:  c.id,
	})
	c.send <- welcome

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"client_id":   c.id,
		"remote_addr": r.RemoteAddr,
	}).Info("WebSocket client connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *hubClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.log.WithField("client_id", c.id).Debug("WebSocket client removed")
}

// readPump answers ping messages and detects disconnects
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg map[string]interface{}
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Warn("WebSocket connection error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if t, _ := msg["type"].(string); t == "ping" {
			pong, _ := json.Marshal(Event{Type: EventPong, Timestamp: time.Now(), ClientID: c.id})
			h.mu.RLock()
			_, alive := h.clients[c]
			if alive {
				select {
				case c.send <- pong:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
