package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sandstonelabs/sandstone/internal/land"
	"github.com/sandstonelabs/sandstone/internal/transport"
)

// Authenticator extracts verified identity from the upgrade request.
// Returning nil means the connection proceeds as a guest.
type Authenticator func(r *http.Request) *land.AuthInfo

// Options configure the WebSocket server.
type Options struct {
	Router *transport.Router
	Realm  *land.Realm
	// Authenticate runs before the upgrade; nil means guests only.
	Authenticate Authenticator
	// BinaryFrames sends WebSocket binary frames instead of text ones.
	// Msgpack deployments need this.
	BinaryFrames  bool
	SendQueueSize int
	WriteTimeout  time.Duration
	Log           *slog.Logger
}

// Server hosts the /ws upgrade endpoint plus the read-only operational
// routes on one echo instance.
type Server struct {
	e    *echo.Echo
	opts Options
	up   websocket.Upgrader
	log  *slog.Logger
}

// New wires the routes and returns the server.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:    e,
		opts: opts,
		up: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy belongs to the proxy in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}

	e.GET("/ws", s.handleWS)
	e.GET("/healthz", s.handleHealth)
	e.GET("/lands", s.handleLands)
	return s
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start(addr string) error {
	s.log.Info("websocket server listening", "addr", addr)
	err := s.e.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) handleWS(c echo.Context) error {
	req := c.Request()

	var auth *land.AuthInfo
	if s.opts.Authenticate != nil {
		auth = s.opts.Authenticate(req)
	}

	ws, err := s.up.Upgrade(c.Response(), req, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "upgrade failed")
	}

	sessionID := land.SessionID(uuid.NewString())
	clientID := land.ClientID(clientKey(req))
	conn := newConn(ws, s.opts.SendQueueSize, s.opts.WriteTimeout, s.opts.BinaryFrames, s.log)

	if err := s.opts.Router.OnConnect(conn, sessionID, clientID, auth); err != nil {
		s.log.Error("registering connection", "error", err)
		_ = conn.Close()
		return nil
	}
	s.log.Debug("websocket session opened", "session", sessionID, "client", clientID)

	ctx := req.Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		s.opts.Router.OnMessage(ctx, sessionID, data)
	}
	s.opts.Router.OnDisconnect(context.WithoutCancel(ctx), sessionID)
	_ = conn.Close()
	return nil
}

// clientKey resolves the stable client identity for a connection: the
// X-Client-ID header, then the client_id query param, then a fresh UUID.
func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("client_id"); v != "" {
		return v
	}
	return uuid.NewString()
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.opts.Realm.HealthCheck(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "down", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLands(c echo.Context) error {
	out := map[string][]string{}
	for landType, ids := range s.opts.Realm.ListAllLands() {
		names := make([]string, len(ids))
		for i, id := range ids {
			names[i] = id.String()
		}
		out[landType] = names
	}
	return c.JSON(http.StatusOK, out)
}
