package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var errSendBufferFull = errors.New("send buffer full")

var (
	hubClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "notify",
		Name:      "hub_clients",
		Help:      "Connected notification websocket clients.",
	})

	hubDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "notify",
		Name:      "hub_dropped_clients_total",
		Help:      "Clients disconnected because they could not keep up.",
	})
)

func init() {
	prometheus.MustRegister(hubClients, hubDropped)
}

// HubConfig controls the runtime behaviour of the websocket hub.
type HubConfig struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	CheckOrigin       func(r *http.Request) bool
}

// Hub pushes notifications to connected UI clients over websocket. Clients
// only receive; anything they send is discarded.
type Hub struct {
	upgrader websocket.Upgrader
	cfg      HubConfig
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub with defaults for unset config.
func NewHub(logger zerolog.Logger, cfg HubConfig) *Hub {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		cfg:      cfg,
		logger:   logger.With().Str("component", "notify_hub").Logger(),
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and streams notifications until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		closed: make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go h.writeLoop(c)
	h.readLoop(c)
}

// Emit implements Sink. Slow clients are disconnected rather than blocking
// the caller.
func (h *Hub) Emit(evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("id", evt.ID).Msg("encode notification failed")
		return
	}

	h.mu.RLock()
	recipients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		if err := c.enqueue(payload); err != nil {
			hubDropped.Inc()
			h.logger.Warn().Err(err).Msg("notification client too slow; closing")
			c.close()
		}
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	hubClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	hubClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
	c.close()
}

func (h *Hub) readLoop(c *client) {
	tolerance := 2 * h.cfg.HeartbeatInterval
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(tolerance))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(tolerance))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Msg("notification client read failed")
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug().Err(err).Msg("notification write failed")
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), deadline)
			_ = c.conn.Close()
			return
		}
	}
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *client) enqueue(payload []byte) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
