// Package realtime pushes queue events to front-desk screens over websockets.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wolfman30/clinic-queue/internal/queue"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	readLimit  = 512
)

// Hub tracks websocket clients grouped by clinic and implements
// queue.Publisher so the service can push to them directly.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*client]struct{}
	bufferSize int
	upgrader   websocket.Upgrader
	logger     *logging.Logger
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	clinicID string
}

// NewHub creates a hub. An empty allowedOrigins accepts any origin.
func NewHub(bufferSize int, allowedOrigins []string, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	h := &Hub{
		clients:    make(map[string]map[*client]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			set[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := strings.TrimRight(r.Header.Get("Origin"), "/")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Register attaches the websocket route to r.
func (h *Hub) Register(r chi.Router) {
	r.Get("/ws/clinics/{clinicID}/queue", h.ServeWS)
}

// ServeWS upgrades the request and streams the clinic's queue events.
// GET /ws/clinics/{clinicID}/queue
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	clinicID := strings.TrimSpace(chi.URLParam(r, "clinicID"))
	if clinicID == "" {
		http.Error(w, `{"error": "clinic id required"}`, http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("websocket upgrade failed", "clinic_id", clinicID, "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, h.bufferSize), clinicID: clinicID}
	h.register(c)
	h.logger.Debug("websocket client connected", "clinic_id", clinicID)

	go c.writePump()
	c.readPump()
}

// Publish broadcasts evt to every client watching the event's clinic.
// Clients whose buffer is full are dropped.
func (h *Hub) Publish(_ context.Context, evt queue.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	h.broadcast(evt.ClinicID, data)
	return nil
}

// ClientCount returns the number of connected clients for a clinic.
func (h *Hub) ClientCount(clinicID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[clinicID])
}

func (h *Hub) broadcast(clinicID string, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[clinicID] {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping slow websocket client", "clinic_id", clinicID)
			h.removeLocked(c)
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.clinicID] == nil {
		h.clients[c.clinicID] = make(map[*client]struct{})
	}
	h.clients[c.clinicID][c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	clients, ok := h.clients[c.clinicID]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.clients, c.clinicID)
	}
}

// readPump only watches for disconnects; clients don't send anything useful.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
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
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
