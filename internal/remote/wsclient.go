package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/hermes-sync/internal/types"
)

// ErrDisconnected is returned for writes issued or in flight while the
// client has no connection.
var ErrDisconnected = errors.New("remote relay disconnected")

// WSClientConfig configures a WSClient.
type WSClientConfig struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

// WSClient is a Store backed by a websocket relay. It keeps one connection,
// redials with backoff and re-establishes every live subscription after a
// reconnect.
type WSClient struct {
	cfg    WSClientConfig
	logger zerolog.Logger
	seq    atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
	subs    map[string]*wsSubscription

	cancel context.CancelFunc
	done   chan struct{}
}

type wsSubscription struct {
	collection types.CollectionID
	feed       *feed
}

// NewWSClient constructs a client. Call Start to connect.
func NewWSClient(cfg WSClientConfig, logger zerolog.Logger) *WSClient {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &WSClient{
		cfg:     cfg,
		logger:  logger.With().Str("component", "remote_ws").Str("url", cfg.URL).Logger(),
		pending: make(map[string]chan frame),
		subs:    make(map[string]*wsSubscription),
		done:    make(chan struct{}),
	}
}

// Start maintains the connection until ctx is done or Close is called.
func (c *WSClient) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Close stops the client and waits for the connection loop to exit.
func (c *WSClient) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}

// Connected reports whether a connection is currently established.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WriteDocument implements Writer.
func (c *WSClient) WriteDocument(ctx context.Context, collection types.CollectionID, id types.DocumentID, patch types.Patch, correlation types.CorrelationID) (Ack, error) {
	ack, err := c.writeDocument(ctx, collection, id, patch, correlation)
	observeWrite("websocket", err)
	return ack, err
}

func (c *WSClient) writeDocument(ctx context.Context, collection types.CollectionID, id types.DocumentID, patch types.Patch, correlation types.CorrelationID) (Ack, error) {
	requestID := c.nextID()
	reply := make(chan frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Ack{}, ErrDisconnected
	}
	c.pending[requestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	req := frame{Type: frameWrite, RequestID: requestID, Collection: collection, ID: id, CorrelationID: correlation, Patch: &patch}
	if err := c.send(conn, req); err != nil {
		return Ack{}, fmt.Errorf("send write: %w", err)
	}

	select {
	case f := <-reply:
		switch {
		case f.Type == frameAck:
			return Ack{Version: f.Version, CorrelationID: correlation}, nil
		case f.Rejected:
			return Ack{}, fmt.Errorf("%w: %s", ErrRejected, f.Error)
		case f.Error == ErrDisconnected.Error():
			return Ack{}, ErrDisconnected
		default:
			return Ack{}, errors.New(f.Error)
		}
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// Subscribe implements Store. The subscription survives reconnects; the relay
// replays the collection each time, so consumers see repeats they must drop
// as stale.
func (c *WSClient) Subscribe(ctx context.Context, collection types.CollectionID) (<-chan types.Change, error) {
	requestID := c.nextID()
	sub := &wsSubscription{collection: collection, feed: newFeed(ctx)}

	c.mu.Lock()
	c.subs[requestID] = sub
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.send(conn, frame{Type: frameSubscribe, RequestID: requestID, Collection: collection}); err != nil {
			c.logger.Warn().Err(err).Str("collection", string(collection)).Msg("subscribe deferred to reconnect")
		}
	}

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, requestID)
		c.mu.Unlock()
	}()
	return sub.feed.out, nil
}

func (c *WSClient) run(ctx context.Context) {
	defer close(c.done)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err == nil {
			backoff = time.Second
			err = c.session(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		feedReconnects.WithLabelValues("websocket").Inc()
		c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("relay connection lost; retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (c *WSClient) session(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	subs := make(map[string]types.CollectionID, len(c.subs))
	for id, sub := range c.subs {
		subs[id] = sub.collection
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		for id, reply := range c.pending {
			reply <- frame{Type: frameNack, RequestID: id, Error: ErrDisconnected.Error()}
			delete(c.pending, id)
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.logger.Info().Int("subscriptions", len(subs)).Msg("relay connected")
	for id, collection := range subs {
		if err := c.send(conn, frame{Type: frameSubscribe, RequestID: id, Collection: collection}); err != nil {
			return err
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.route(f)
	}
}

func (c *WSClient) route(f frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f.Type {
	case frameAck, frameNack:
		if reply, ok := c.pending[f.RequestID]; ok {
			reply <- f
			delete(c.pending, f.RequestID)
			return
		}
		if sub, ok := c.subs[f.RequestID]; ok && f.Type == frameNack {
			c.logger.Warn().Str("collection", string(sub.collection)).Str("error", f.Error).Msg("relay refused subscription")
		}
	case frameChange:
		sub, ok := c.subs[f.RequestID]
		if !ok || f.Change == nil {
			return
		}
		feedChanges.WithLabelValues("websocket", string(sub.collection)).Inc()
		sub.feed.push(*f.Change)
	}
}

func (c *WSClient) send(conn *websocket.Conn, f frame) error {
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *WSClient) nextID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}
