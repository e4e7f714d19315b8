package adminserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pht-router/trainrouter/internal/observability"
	"github.com/pht-router/trainrouter/internal/routemodel"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is a single connected admin dashboard.
type client struct {
	hub  *JobEventHub
	conn *websocket.Conn
	send chan []byte
}

// JobEventHub maintains connected admin dashboards and broadcasts job
// transition events to them. Adapted from the teacher's
// internal/server/websocket.go Hub/Client pair: same register/
// unregister/broadcast channel shape and ping/pong keepalive, retargeted
// to broadcast job transitions instead of docker container events.
type JobEventHub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *observability.Logger
	running    bool
}

// NewJobEventHub creates a new hub.
func NewJobEventHub(logger *observability.Logger) *JobEventHub {
	return &JobEventHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
	}
}

// Run starts the hub's main loop. Call it in its own goroutine.
func (h *JobEventHub) Run() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Send buffer full: drop rather than block command
					// processing, which never waits on this hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop disconnects all clients and marks the hub stopped.
func (h *JobEventHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	h.running = false
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*client]bool)
}

// NotifyTransition implements router.Notifier: it is the Router's only
// coupling to this package, and is always best-effort.
func (h *JobEventHub) NotifyTransition(jobId, from, to string, status routemodel.Status) {
	event := map[string]interface{}{
		"type": "job.transition",
		"data": map[string]interface{}{
			"trainId": jobId,
			"from":    from,
			"to":      to,
			"status":  status,
		},
		"timestamp": time.Now().Unix(),
	}
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal job event", zap.Error(err))
		return
	}
	h.broadcastNonBlocking(message)
}

func (h *JobEventHub) broadcastNonBlocking(message []byte) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("admin event broadcast channel full, dropping event")
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 8192
)

// handleWebSocket upgrades a connection and registers it with the hub.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade admin websocket", zap.Error(err))
		return
	}

	cl := &client{hub: s.hub, conn: conn, send: make(chan []byte, 256)}
	cl.hub.register <- cl

	go cl.writePump()
	go cl.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
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
