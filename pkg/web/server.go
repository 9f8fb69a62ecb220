// Package web serves the relay's control API and live status stream.
package web

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-jointattention/internal/log"
	"github.com/teslashibe/go-jointattention/pkg/hub"
	"github.com/teslashibe/go-jointattention/pkg/memory"
	"github.com/teslashibe/go-jointattention/pkg/relay"
)

const shutdownTimeout = 5 * time.Second

// Relay is the part of the relay module the API drives.
type Relay interface {
	Status() relay.Status
	EnableTask(ctx context.Context, ip string, port int) error
	StartTask(ctx context.Context, todo string) error
	OnStateChange(fn func(relay.Status))
}

// Server is the HTTP front of one robot.
type Server struct {
	app    *fiber.App
	addr   string
	relay  Relay
	local  memory.Memory
	logger *slog.Logger

	statusHub *hub.Hub
	started   time.Time
}

// NewServer creates the server. local is the robot's own memory; touches
// posted to the API are raised on it.
func NewServer(addr string, r Relay, local memory.Memory) *Server {
	s := &Server{
		addr:      addr,
		relay:     r,
		local:     local,
		logger:    log.Component("web"),
		statusHub: hub.New("status"),
		started:   time.Now(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Joint Attention",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	app.Get("/health", s.handleHealth)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/enable", s.handleEnable)
	api.Post("/task/:todo", s.handleTask)
	api.Post("/touch", s.handleTouch)

	app.Use("/ws/status", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	r.OnStateChange(func(st relay.Status) {
		if err := s.statusHub.BroadcastJSON(st); err != nil {
			s.logger.Warn("status broadcast failed", "error", err)
		}
	})

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// MountMemory serves the memory bus on this server: the WebSocket endpoint
// for other modules and the inspection routes under /api/memory.
func (s *Server) MountMemory(ms *memory.Server) {
	ms.RegisterRoutes(s.app)
	ms.RegisterAPIRoutes(s.app.Group("/api"))
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.statusHub.Run(ctx)
	if err := s.statusHub.BroadcastJSON(s.relay.Status()); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			s.logger.Warn("shutdown failed", "error", err)
		}
	}()

	s.logger.Info("http listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// StatusHub returns the hub streaming relay status.
func (s *Server) StatusHub() *hub.Hub {
	return s.statusHub
}
