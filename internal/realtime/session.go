package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/memeline/memeline-backend/pkg/broker"
	"github.com/memeline/memeline-backend/pkg/logger"
)

// session is one authenticated websocket connection bound to its user's
// notification channel. The connection only ever receives; inbound frames
// are drained purely for close/pong detection.
type session struct {
	userID       uuid.UUID
	conn         *websocket.Conn
	subscription broker.Subscription
	logger       *logger.Logger

	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readPump(cancel)
	s.writePump(ctx)
}

// readPump drains inbound frames so close frames and pong timeouts are
// noticed, then tears the session down.
func (s *session) readPump(cancel context.CancelFunc) {
	defer cancel()

	s.conn.SetReadLimit(s.maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards broker payloads to the socket and keeps the connection
// alive with periodic pings.
func (s *session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.subscription.Close()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case payload, ok := <-s.subscription.Messages():
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
