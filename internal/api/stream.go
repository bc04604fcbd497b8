package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stridefusion/pdrengine/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamHub fans a session's fused positions and environment updates out to
// its connected WebSocket clients. It satisfies fusion.EventPublisher.
type streamHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	log     *logrus.Logger
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newStreamHub(log *logrus.Logger) *streamHub {
	return &streamHub{clients: make(map[*streamClient]struct{}), log: log}
}

// PublishFused implements fusion.EventPublisher.
func (h *streamHub) PublishFused(fp types.FusedPosition) {
	h.broadcast(map[string]any{"type": "fused", "payload": fp})
}

// PublishEnvironment implements fusion.EventPublisher.
func (h *streamHub) PublishEnvironment(es types.EnvironmentState) {
	h.broadcast(map[string]any{"type": "environment", "payload": es})
}

func (h *streamHub) broadcast(msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.WithField("component", "api.stream").Warn("dropping stream frame for slow client")
		}
	}
}

func (h *streamHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithField("component", "api.stream").WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &streamClient{conn: conn, send: make(chan []byte, 32)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	h.readPump(client)
}

func (h *streamHub) readPump(c *streamClient) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *streamHub) writePump(c *streamClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *streamHub) removeClient(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
