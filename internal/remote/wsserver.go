package remote

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/hermes-sync/internal/types"
)

// WSHandlerConfig controls the relay's websocket sessions.
type WSHandlerConfig struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
}

// WSHandler exposes a Store to WSClient peers over websocket. Each session
// may hold any number of subscriptions and concurrent writes.
type WSHandler struct {
	store    Store
	upgrader websocket.Upgrader
	cfg      WSHandlerConfig
	logger   zerolog.Logger
}

// NewWSHandler constructs a relay for store.
func NewWSHandler(store Store, logger zerolog.Logger, cfg WSHandlerConfig) *WSHandler {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = feedBuffer
	}
	return &WSHandler{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "remote_relay").Logger(),
	}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &relaySession{
		handler: h,
		conn:    conn,
		out:     make(chan []byte, h.cfg.SendBuffer),
		ctx:     ctx,
	}
	go s.writeLoop()
	err = s.readLoop()
	cancel()
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.logger.Debug().Err(err).Msg("relay session ended")
	}
}

type relaySession struct {
	handler *WSHandler
	conn    *websocket.Conn
	out     chan []byte
	ctx     context.Context
}

func (s *relaySession) readLoop() error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := decodeFrame(data)
		if err != nil {
			s.handler.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch f.Type {
		case frameSubscribe:
			changes, err := s.handler.store.Subscribe(s.ctx, f.Collection)
			if err != nil {
				s.send(frame{Type: frameNack, RequestID: f.RequestID, Error: err.Error()})
				continue
			}
			go s.forward(f.RequestID, changes)
		case frameWrite:
			go s.write(f)
		default:
			s.handler.logger.Warn().Str("type", string(f.Type)).Msg("unexpected frame type")
		}
	}
}

func (s *relaySession) forward(requestID string, changes <-chan types.Change) {
	for change := range changes {
		if !s.send(frame{Type: frameChange, RequestID: requestID, Change: &change}) {
			return
		}
	}
}

func (s *relaySession) write(f frame) {
	if f.Patch == nil {
		s.send(frame{Type: frameNack, RequestID: f.RequestID, Error: "missing patch", Rejected: true})
		return
	}
	ack, err := s.handler.store.WriteDocument(s.ctx, f.Collection, f.ID, *f.Patch, f.CorrelationID)
	if err != nil {
		s.send(frame{Type: frameNack, RequestID: f.RequestID, Error: err.Error(), Rejected: errors.Is(err, ErrRejected)})
		return
	}
	s.send(frame{Type: frameAck, RequestID: f.RequestID, Version: ack.Version, CorrelationID: ack.CorrelationID})
}

func (s *relaySession) send(f frame) bool {
	payload, err := encodeFrame(f)
	if err != nil {
		s.handler.logger.Error().Err(err).Msg("encode frame failed")
		return true
	}
	select {
	case s.out <- payload:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *relaySession) writeLoop() {
	ticker := time.NewTicker(s.handler.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	timeout := s.handler.cfg.WriteTimeout
	for {
		select {
		case payload := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				return
			}
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(timeout))
			return
		}
	}
}
