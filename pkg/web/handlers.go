package web

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-jointattention/internal/config"
	"github.com/teslashibe/go-jointattention/pkg/hub"
	"github.com/teslashibe/go-jointattention/pkg/memory"
	"github.com/teslashibe/go-jointattention/pkg/relay"
)

// EnableRequest is the body of POST /api/enable.
type EnableRequest struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	st := s.relay.Status()
	return c.JSON(fiber.Map{
		"status":    "ok",
		"state":     st.State,
		"connected": st.Connected,
		"viewers":   s.statusHub.ClientCount(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.relay.Status())
}

func (s *Server) handleEnable(c *fiber.Ctx) error {
	var req EnableRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body: " + err.Error()})
	}

	if err := s.relay.EnableTask(c.UserContext(), req.IP, req.Port); err != nil {
		return s.fail(c, err)
	}
	s.logger.Info("task enabled", "ip", req.IP, "port", req.Port)
	return c.JSON(s.relay.Status())
}

func (s *Server) handleTask(c *fiber.Ctx) error {
	todo := c.Params("todo")
	if err := s.relay.StartTask(c.UserContext(), todo); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(s.relay.Status())
}

// handleTouch raises the touch event on the local memory, as the head
// sensor would. The relay reacts asynchronously.
func (s *Server) handleTouch(c *fiber.Ctx) error {
	if err := s.local.RaiseEvent(c.UserContext(), relay.EventTactilTouched, memory.IntValue(1)); err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"raised": relay.EventTactilTouched})
}

// handleStatusWS streams a status snapshot on every relay transition.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	client := hub.NewClient(s.statusHub, c)
	if client == nil {
		return
	}
	client.Run()
}

// fail maps relay errors to HTTP statuses.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrInvalidRemote):
		code = fiber.StatusBadRequest
	case errors.Is(err, relay.ErrUnknownTask):
		code = fiber.StatusNotFound
	case errors.Is(err, relay.ErrSessionActive),
		errors.Is(err, relay.ErrNotArmed),
		errors.Is(err, relay.ErrNoSession):
		code = fiber.StatusConflict
	case errors.Is(err, relay.ErrNoRemote):
		code = fiber.StatusPreconditionFailed
	case errors.Is(err, relay.ErrClosed), errors.Is(err, memory.ErrClosed):
		code = fiber.StatusServiceUnavailable
	}
	if code == fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
