// Package relay is a reference server for the channel protocol and the
// upload endpoint. It keeps everything in memory except uploaded media.
package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

const localUser = "user_id"

// Config configures a Server.
type Config struct {
	Secret         string
	MediaDir       string
	PublicURL      string
	SendRate       float64
	SendBurst      int
	MaxPending     int
	SocketBuffer   int
	MaxUploadBytes int
	WriteTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MediaDir == "" {
		c.MediaDir = "media"
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 20
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1000
	}
	if c.SocketBuffer <= 0 {
		c.SocketBuffer = 256
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 64 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server routes channel frames between users and stores uploads.
type Server struct {
	cfg    Config
	app    *fiber.App
	hub    *Hub
	auth   *Auth
	logger *zap.Logger
}

// New creates the relay and its media directory.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.Secret == "" {
		return nil, fmt.Errorf("relay: empty jwt secret")
	}
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	s := &Server{
		cfg:    cfg,
		hub:    NewHub(cfg.MaxPending),
		auth:   NewAuth(cfg.Secret),
		logger: logger,
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             cfg.MaxUploadBytes,
	})
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	s.app.Get("/ws", s.requireAuth, websocket.New(s.serveSocket))
	s.app.Post("/upload", s.requireAuth, s.upload)
	s.app.Static("/media", s.cfg.MediaDir)
}

// requireAuth accepts the token from the Authorization header or the
// "token" query parameter.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	token := bearer(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		token = c.Query("token")
	}
	sub, err := s.auth.Verify(token)
	if err != nil {
		s.logger.Debug("rejected request", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
	}
	c.Locals(localUser, sub)
	return c.Next()
}

// Hub returns the routing table.
func (s *Server) Hub() *Hub { return s.hub }

// Auth returns the token signer.
func (s *Server) Auth() *Auth { return s.auth }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("relay listening", zap.String("addr", addr), zap.String("media", s.cfg.MediaDir))
	return s.app.Listen(addr)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown stops accepting connections and closes open sockets.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
