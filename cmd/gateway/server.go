package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowforge/flowforge/common/bootstrap"
	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/redis"
	"github.com/flowforge/flowforge/common/repository"
)

// Close codes the gateway uses beyond the RFC 6455 set
const (
	closeAuthFailed   = 4001
	closeAccessDenied = 4003
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// browsers connect from the app origin; auth happens via JWT
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server owns the HTTP surface of the gateway
type Server struct {
	hub        *Hub
	redis      *redis.Client
	executions *repository.ExecutionRepository
	jwtSecret  string
	jwtIssuer  string
	log        *logger.Logger
}

func NewServer(components *bootstrap.Components, hub *Hub) *Server {
	return &Server{
		hub:        hub,
		redis:      components.Redis,
		executions: repository.NewExecutionRepository(components.DB),
		jwtSecret:  components.Config.Security.JWTSecret,
		jwtIssuer:  components.Config.Security.JWTIssuer,
		log:        components.Logger,
	}
}

// HandleWS upgrades the connection, authenticates it, and optionally
// subscribes to an initial execution passed as a query parameter.
// GET /ws?token=...&execution_id=...
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	userID, err := s.authenticate(r)
	if err != nil {
		s.closeWith(conn, closeAuthFailed, "authentication failed")
		return
	}

	client := NewClient(s.hub, s, conn, userID)

	if raw := r.URL.Query().Get("execution_id"); raw != "" {
		executionID, err := uuid.Parse(raw)
		if err != nil || !s.ownsExecution(userID, executionID) {
			s.closeWith(conn, closeAccessDenied, "access denied")
			return
		}
		s.hub.Subscribe(client, executionID.String())
	}

	s.hub.register <- client
	client.sendJSON(map[string]any{"type": "connected", "user_id": userID})

	go client.writePump()
	go client.readPump()
}

// authenticate accepts the JWT from the token query parameter or the
// Authorization header
func (s *Server) authenticate(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		header := r.Header.Get("Authorization")
		raw = strings.TrimPrefix(header, "Bearer ")
	}
	if raw == "" {
		return "", fmt.Errorf("no token supplied")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithIssuer(s.jwtIssuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// ownsExecution checks that the execution exists and belongs to the
// user before any of its events flow to this connection
func (s *Server) ownsExecution(userID string, executionID uuid.UUID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.executions.Get(ctx, userID, executionID)
	return err == nil
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// HandleHealth reports gateway liveness and connection counts
// GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","service":"gateway","connections":%d}`, s.hub.ConnectionCount())
}
