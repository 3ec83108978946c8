package statushttp

import (
	"encoding/json"
	"net/http"
	"sync"

	"conclave/internal/bus"
	"conclave/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans bus traffic out to dashboard websocket clients. A client that
// cannot keep up is closed rather than allowed to stall the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	feed  chan []byte
	unsub func()
	once  sync.Once
	done  chan struct{}
}

// NewHub subscribes to every bus message and starts the broadcast loop.
func NewHub(b *bus.Bus) *Hub {
	h := &Hub{
		clients: make(map[*websocket.Conn]bool),
		feed:    make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	h.unsub = b.Subscribe(bus.MsgAny, h.onMessage)
	go h.run()
	return h
}

func (h *Hub) onMessage(msg bus.Message) {
	frame, err := json.Marshal(map[string]any{
		"id":      msg.ID,
		"type":    msg.Type,
		"payload": json.RawMessage(msg.Payload),
		"at":      msg.At,
	})
	if err != nil {
		logger.Debugf("Websocket frame encode failed for %s: %v", msg.Type, err)
		return
	}
	select {
	case h.feed <- frame:
	case <-h.done:
	default:
		// Feed saturated; the dashboard catches up from the REST surface.
	}
}

func (h *Hub) run() {
	for {
		select {
		case frame := <-h.feed:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Close detaches from the bus and drops every client.
func (h *Hub) Close() {
	h.once.Do(func() {
		if h.unsub != nil {
			h.unsub()
		}
		close(h.done)
	})
}

// handleWS upgrades the connection and registers it for broadcasts.
// Inbound frames are read only to notice disconnects.
func (h *Hub) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				if h.clients[conn] {
					conn.Close()
					delete(h.clients, conn)
				}
				h.mu.Unlock()
				return
			}
		}
	}()
}
