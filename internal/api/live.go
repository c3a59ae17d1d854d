package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/eventtrack/internal/sink"
)

// LiveConfig bounds the websocket live feed.
type LiveConfig struct {
	MaxClients   int
	ClientBuffer int
	WriteWait    time.Duration
	PingPeriod   time.Duration
}

// DefaultLiveConfig returns a default configuration.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		MaxClients:   16,
		ClientBuffer: 32,
		WriteWait:    time.Second,
		PingPeriod:   30 * time.Second,
	}
}

// LiveStats counts live feed activity.
type LiveStats struct {
	Clients   int    `json:"clients"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

type liveClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// LiveHub streams every published output to websocket clients as JSON
// text messages. Slow clients lose messages rather than stall the loop.
type LiveHub struct {
	config   LiveConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*liveClient

	published atomic.Uint64
	dropped   atomic.Uint64
}

var _ sink.Sink = (*LiveHub)(nil)

// NewLiveHub creates a hub.
func NewLiveHub(cfg LiveConfig) *LiveHub {
	return &LiveHub{
		config:  cfg,
		clients: make(map[string]*liveClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Publish implements sink.Sink.
func (h *LiveHub) Publish(o sink.Output) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	h.published.Add(1)
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams until the client goes away.
func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	full := len(h.clients) >= h.config.MaxClients
	h.mu.Unlock()
	if full {
		http.Error(w, "too many live clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Live] upgrade failed: %v", err)
		return
	}
	c := &liveClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.config.ClientBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[Live] client %s connected from %s (%d total)", c.id, r.RemoteAddr, n)

	go h.readPump(c)
	h.writePump(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	conn.Close()
	log.Printf("[Live] client %s disconnected", c.id)
}

// readPump discards client messages and closes done when the peer goes.
func (h *LiveHub) readPump(c *liveClient) {
	defer close(c.done)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LiveHub) writePump(c *liveClient) {
	ping := time.NewTicker(h.config.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Stats returns hub counters.
func (h *LiveHub) Stats() LiveStats {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	return LiveStats{Clients: n, Published: h.published.Load(), Dropped: h.dropped.Load()}
}
