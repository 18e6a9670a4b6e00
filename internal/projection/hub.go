package projection

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"PerpIndexer/internal/core"
	"PerpIndexer/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamFrame is the JSON message pushed to websocket subscribers for each
// applied event.
type StreamFrame struct {
	Type        string   `json:"type"`
	LogID       string   `json:"logId"`
	Kind        string   `json:"kind"`
	OrderKey    uint64   `json:"orderKey"`
	BlockNumber uint64   `json:"blockNumber"`
	Timestamp   int64    `json:"timestamp"`
	Market      string   `json:"market,omitempty"`
	StateHash   string   `json:"stateHash"`
	Entities    []string `json:"entities"` // kind/id of every written row
}

// filter selects frames for one client. Empty sets match everything.
type filter struct {
	markets map[string]bool
	kinds   map[string]bool
}

func parseFilter(r *http.Request) filter {
	return filter{
		markets: csvSet(r.URL.Query().Get("market"), strings.ToLower),
		kinds:   csvSet(r.URL.Query().Get("kind"), nil),
	}
}

func csvSet(s string, norm func(string) string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if norm != nil {
			p = norm(p)
		}
		out[p] = true
	}
	return out
}

func (f filter) match(fr StreamFrame) bool {
	if len(f.kinds) > 0 && !f.kinds[fr.Kind] {
		return false
	}
	if len(f.markets) > 0 && !f.markets[strings.ToLower(fr.Market)] {
		return false
	}
	return true
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	filter filter
}

// Hub pushes applied events to websocket subscribers. It is a projection
// sink: frames are only produced for committed events. A subscriber whose
// buffer is full misses frames; it can resync from the query API.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewHub(logger zerolog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger.With().Str("component", "ws_hub").Logger(),
		metrics: metrics,
	}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Project(_ context.Context, res core.Result) error {
	if res.Event == nil {
		return nil
	}
	meta := res.Event.Meta()
	fr := StreamFrame{
		Type:        "applied",
		LogID:       res.LogID,
		Kind:        res.Kind.String(),
		OrderKey:    res.OrderKey,
		BlockNumber: meta.BlockNumber,
		Timestamp:   meta.TimestampMs(),
		Market:      res.Event.MarketAddress(),
		StateHash:   res.StateHash,
		Entities:    make([]string, 0, len(res.Entities)),
	}
	for _, e := range res.Entities {
		fr.Entities = append(fr.Entities, string(e.EntityKind())+"/"+e.EntityID())
	}
	data, err := json.Marshal(fr)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.filter.match(fr) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping frame for slow client")
		}
	}
	return nil
}

// ServeHTTP upgrades the request and registers the client. Optional query
// parameters market and kind take comma-separated filters.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize), filter: parseFilter(r)}
	h.add(c)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
	h.logger.Debug().Int("clients", n).Msg("client connected")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	if h.metrics != nil {
		h.metrics.StreamClients.Set(0)
	}
}

// readPump discards client input; it exists to process control frames and
// notice disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("unexpected close")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
