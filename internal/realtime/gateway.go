// Package realtime terminates websocket connections and streams each user's
// live notifications from the broker. Delivery here is at-most-once; the
// durable history lives in the notification store.
package realtime

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/memeline/memeline-backend/pkg/auth"
	"github.com/memeline/memeline-backend/pkg/broker"
	"github.com/memeline/memeline-backend/pkg/config"
	"github.com/memeline/memeline-backend/pkg/logger"
)

// CloseInvalidCredentials is sent when the handshake carries a missing,
// malformed or expired token. Clients treat it as "re-authenticate", never
// "retry".
const CloseInvalidCredentials = 4401

// Gateway upgrades HTTP requests to websocket sessions.
type Gateway struct {
	jwtCfg   config.JWTConfig
	broker   broker.Subscriber
	logger   *logger.Logger
	upgrader websocket.Upgrader

	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
}

// NewGateway wires the realtime gateway.
func NewGateway(jwtCfg config.JWTConfig, subscriber broker.Subscriber, cfg config.RealtimeConfig, logg *logger.Logger) (*Gateway, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("broker subscriber required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.WriteWait <= 0 || cfg.PongWait <= 0 {
		return nil, fmt.Errorf("write and pong waits must be positive")
	}
	return &Gateway{
		jwtCfg: jwtCfg,
		broker: subscriber,
		logger: logg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients cannot set Authorization headers on websocket
			// handshakes, so origin checks are left to the edge proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeWait:      cfg.WriteWait,
		pongWait:       cfg.PongWait,
		pingPeriod:     cfg.PongWait * 9 / 10,
		maxMessageSize: cfg.MaxMessageSize,
	}, nil
}

// ServeHTTP upgrades the connection, authenticates the bearer credential and
// pins the session to the caller's own notification channel.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Warn(r.Context(), "websocket upgrade failed")
		return
	}

	userID, err := g.authenticate(r)
	if err != nil {
		g.logger.Warn(r.Context(), "websocket auth rejected")
		g.closeWith(conn, CloseInvalidCredentials, "invalid credentials")
		return
	}

	ctx := g.logger.WithUserID(r.Context(), userID.String())

	subscription, err := g.broker.Subscribe(ctx, userID)
	if err != nil {
		g.logger.Error(ctx, "broker subscribe failed", err)
		g.closeWith(conn, websocket.CloseInternalServerErr, "subscription unavailable")
		return
	}

	g.logger.Info(ctx, "realtime session opened")
	s := &session{
		userID:         userID,
		conn:           conn,
		subscription:   subscription,
		logger:         g.logger,
		writeWait:      g.writeWait,
		pongWait:       g.pongWait,
		pingPeriod:     g.pingPeriod,
		maxMessageSize: g.maxMessageSize,
	}
	s.run(ctx)
	g.logger.Info(ctx, "realtime session closed")
}

// authenticate extracts the bearer token from the Authorization header or,
// for browser clients, the token query parameter.
func (g *Gateway) authenticate(r *http.Request) (uuid.UUID, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return uuid.Nil, fmt.Errorf("missing credential")
	}

	claims, err := auth.ParseAccessToken(g.jwtCfg, token)
	if err != nil {
		return uuid.Nil, err
	}
	if claims.UserID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("token missing user id")
	}
	return claims.UserID, nil
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(g.writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
