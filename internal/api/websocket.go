package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/hub"
)

// Inbound frames are read only to service control frames.
const maxInboundMessage = 4096

// wsSubscriber adapts one WebSocket connection to hub.Subscriber. gorilla
// connections allow one concurrent writer, so every write takes writeMu.
type wsSubscriber struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ hub.Subscriber = (*wsSubscriber)(nil)

func newWSSubscriber(id string, conn *websocket.Conn, writeTimeout time.Duration) *wsSubscriber {
	return &wsSubscriber{
		id:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (s *wsSubscriber) ID() string { return s.id }

// Send writes one text frame. The write deadline comes from ctx.
func (s *wsSubscriber) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return errors.New("subscriber closed")
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.writeTimeout)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSubscriber) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// Close sends a best-effort close frame and releases the connection.
func (s *wsSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		// WriteControl may run concurrently with a blocked WriteMessage.
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		id = RequestID(r.Context())
	}
	sub := newWSSubscriber(id, conn, s.write)
	logger := s.logger.With(zap.String("subscriber_id", id), zap.String("remote_addr", r.RemoteAddr))

	if err := s.registry.Join(r.Context(), sub); err != nil {
		logger.Warn("subscriber join failed", zap.Error(err))
		_ = sub.Close()
		return
	}
	logger.Info("subscriber connected")

	go s.keepAlive(sub, logger)
	s.readUntilClosed(sub)

	s.registry.Leave(sub)
	_ = sub.Close()
	logger.Info("subscriber disconnected")
}

func (s *Server) keepAlive(sub *wsSubscriber, logger *zap.Logger) {
	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			if err := sub.ping(); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				s.registry.Leave(sub)
				return
			}
		}
	}
}

// readUntilClosed drains inbound frames so pong and close control frames are
// processed. Message content is ignored.
func (s *Server) readUntilClosed(sub *wsSubscriber) {
	conn := sub.conn
	conn.SetReadLimit(maxInboundMessage)
	wait := 2 * s.ping
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))
	}
}
