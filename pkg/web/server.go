// Package web serves the engine's HTTP API and the live output stream.
package web

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-facetrack/pkg/engine"
	"github.com/teslashibe/go-facetrack/pkg/hub"
	"github.com/teslashibe/go-facetrack/pkg/ingest"
	"github.com/teslashibe/go-facetrack/pkg/performance"
	"github.com/teslashibe/go-facetrack/pkg/protocol"
)

// Config configures the server
type Config struct {
	Addr      string `yaml:"addr"`       // Listen address, e.g. ":8080"
	StaticDir string `yaml:"static_dir"` // Dashboard files served at /, if set
	AccessLog bool   `yaml:"access_log"` // Log every request
	Version   string `yaml:"-"`
}

// DefaultConfig returns a server on port 8080
func DefaultConfig() Config {
	return Config{Addr: ":8080"}
}

// Server exposes one engine over HTTP and WebSocket
type Server struct {
	config Config
	app    *fiber.App
	engine *engine.Engine
	ingest *ingest.Hub
	output *hub.Hub
	logger *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithIngest mounts the capture client endpoints and pushes profile
// changes to those clients.
func WithIngest(h *ingest.Hub) Option {
	return func(s *Server) {
		s.ingest = h
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the fiber app for eng and subscribes to its output.
func NewServer(cfg Config, eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		config: cfg,
		engine: eng,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	s.output = hub.New("output", s.logger)

	app := fiber.New(fiber.Config{
		AppName:               "facetrack",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.AccessLog {
		app.Use(logger.New())
	}

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/profile", s.handleProfile)
	api.Get("/stats", s.handleStats)
	api.Get("/tracks", s.handleTracks)
	api.Get("/sessions", s.handleListSessions)
	api.Get("/sessions/current", s.handleCurrentSession)
	api.Get("/sessions/:id", s.handleGetSession)
	api.Get("/sessions/:id/tracks", s.handleSessionTracks)
	api.Post("/battery-saving", s.handleBatterySaving)
	api.Post("/visibility", s.handleVisibility)
	api.Post("/cleanup", s.handleCleanup)
	api.Post("/session/restart", s.handleRestartSession)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/output", websocket.New(s.handleOutputWS))

	if s.ingest != nil {
		s.ingest.RegisterRoutes(app)
		s.ingest.RegisterAPIRoutes(api)
		eng.OnProfileChange(func(c performance.Change) {
			s.ingest.PushProfile(c.To)
		})
	}

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	eng.Subscribe(s.broadcastOutput)

	s.app = app
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// OutputHub returns the hub streaming engine output
func (s *Server) OutputHub() *hub.Hub {
	return s.output
}

// Start runs the output hub and serves until Shutdown. The hub stops
// when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.output.Run(ctx)
	s.logger.Info("http server listening", "addr", s.config.Addr)
	return s.app.Listen(s.config.Addr)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) broadcastOutput(out engine.Output) {
	msg, err := outputMessage(out)
	if err == nil {
		err = s.output.BroadcastJSON(msg)
	}
	if err != nil {
		s.logger.Error("encode output", "error", err)
	}
}

func outputMessage(out engine.Output) (*protocol.Message, error) {
	msg, err := protocol.NewMessage(protocol.TypeOutput, out)
	if err != nil {
		return nil, err
	}
	msg.Seq = out.Seq
	return msg, nil
}
