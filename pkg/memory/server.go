package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-jointattention/internal/log"
	"github.com/teslashibe/go-jointattention/pkg/protocol"
)

// requestTimeout bounds a single bus operation made on behalf of a peer.
const requestTimeout = 5 * time.Second

// subKey identifies a subscription.
type subKey struct {
	event      string
	subscriber string
}

// peerConn is the write side of a peer's connection.
type peerConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
}

// peer is a connected memory client.
type peer struct {
	ID        string
	Name      string
	Conn      peerConn
	Connected time.Time
	LastSeen  time.Time

	mu     sync.Mutex // serializes writes and guards LastSeen
	closed bool
}

// send writes a message to the peer. A peer that stops reading fails the
// write after writeWait instead of stalling its subscriber's deliveries.
func (p *peer) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

// markClosed stops further writes. The connection is released by fiber
// once the handler returns.
func (p *peer) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *peer) touch() {
	p.mu.Lock()
	p.LastSeen = time.Now()
	p.mu.Unlock()
}

// Server exposes a Bus to remote modules over WebSocket.
type Server struct {
	bus    *Bus
	logger *slog.Logger

	mu     sync.RWMutex
	peers  map[string]*peer
	owners map[subKey]string // subscription -> peer ID that created it

	// Stats
	requestsHandled atomic.Uint64
	requestsFailed  atomic.Uint64
	eventsForwarded atomic.Uint64
}

// NewServer creates a server for bus.
func NewServer(bus *Bus) *Server {
	return &Server{
		bus:    bus,
		logger: log.Component("memory-server").With("bus", bus.Name()),
		peers:  make(map[string]*peer),
		owners: make(map[subKey]string),
	}
}

// Bus returns the served bus.
func (s *Server) Bus() *Bus {
	return s.bus
}

// RegisterRoutes registers the WebSocket endpoint on a Fiber app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws/memory", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/memory", websocket.New(s.handlePeer))
	app.Get("/ws/memory/:name", websocket.New(s.handlePeer))
}

// handlePeer serves one WebSocket connection until it closes.
func (s *Server) handlePeer(c *websocket.Conn) {
	p := &peer{
		ID:        uuid.NewString(),
		Name:      c.Params("name"),
		Conn:      c,
		Connected: time.Now(),
		LastSeen:  time.Now(),
	}
	if p.Name == "" {
		p.Name = p.ID[:8]
	}

	s.mu.Lock()
	s.peers[p.ID] = p
	count := len(s.peers)
	s.mu.Unlock()

	logger := s.logger.With("peer", p.Name, "peer_id", p.ID)
	logger.Info("peer connected", "peers", count)

	defer func() {
		p.markClosed()
		dropped := s.dropPeer(p.ID)
		logger.Info("peer disconnected", "subscriptions_dropped", dropped)
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			logger.Debug("read ended", "error", err)
			return
		}
		p.touch()

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			logger.Warn("unparseable message", "error", err)
			continue
		}
		s.handleMessage(p, msg)
	}
}

// handleMessage processes one message from a peer.
func (s *Server) handleMessage(p *peer, msg *protocol.Message) {
	switch {
	case msg.Type == protocol.TypePing:
		ping, err := msg.GetPingData()
		if err != nil {
			return
		}
		pong, err := protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli())
		if err == nil {
			_ = p.send(pong)
		}

	case msg.Type.IsRequest():
		reply := s.handleRequest(p, msg)
		if err := p.send(reply); err != nil {
			s.logger.Warn("reply failed", "peer", p.Name, "error", err)
		}

	default:
		s.logger.Debug("ignoring message", "peer", p.Name, "type", msg.Type)
	}
}

// handleRequest executes a bus request and builds the result message.
func (s *Server) handleRequest(p *peer, msg *protocol.Message) *protocol.Message {
	req, err := msg.GetEventRequest()
	if err != nil {
		return s.fail(msg.ID, protocol.CodeBadRequest, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var value Value
	switch msg.Type {
	case protocol.TypeDeclare:
		err = s.bus.DeclareEvent(ctx, req.Event)
	case protocol.TypeRaise:
		err = s.bus.RaiseEventWithMessage(ctx, req.Event, Value(req.Value), req.Message)
	case protocol.TypeSubscribe:
		err = s.subscribe(ctx, p, req.Event, req.Subscriber)
	case protocol.TypeUnsubscribe:
		err = s.unsubscribe(ctx, p, req.Event, req.Subscriber)
	case protocol.TypeGet:
		value, err = s.bus.GetData(ctx, req.Event)
	case protocol.TypeInsert:
		err = s.bus.InsertData(ctx, req.Event, Value(req.Value))
	}
	if err != nil {
		return s.fail(msg.ID, errorCode(err), err)
	}

	s.requestsHandled.Add(1)
	reply, err := protocol.NewResultMessage(msg.ID, value.Raw())
	if err != nil {
		return s.fail(msg.ID, protocol.CodeInternal, err)
	}
	return reply
}

func (s *Server) fail(id, code string, err error) *protocol.Message {
	s.requestsFailed.Add(1)
	reply, mErr := protocol.NewErrorMessage(id, code, err)
	if mErr != nil {
		// ResultData always marshals; keep a usable reply regardless
		return &protocol.Message{Type: protocol.TypeResult, ID: id}
	}
	return reply
}

// subscribe forwards events of event to the peer under subscriber.
func (s *Server) subscribe(ctx context.Context, p *peer, event, subscriber string) error {
	handler := func(ev Event) {
		msg, err := protocol.NewEventMessage(subscriber, ev.Key, ev.Value.Raw(), ev.Message)
		if err != nil {
			return
		}
		if err := p.send(msg); err != nil {
			s.logger.Warn("event forward failed", "peer", p.Name, "event", ev.Key, "error", err)
			return
		}
		s.eventsForwarded.Add(1)
	}

	if err := s.bus.SubscribeToEvent(ctx, event, subscriber, handler); err != nil {
		return err
	}

	s.mu.Lock()
	s.owners[subKey{event, subscriber}] = p.ID
	s.mu.Unlock()
	return nil
}

func (s *Server) unsubscribe(ctx context.Context, p *peer, event, subscriber string) error {
	if err := s.bus.UnsubscribeToEvent(ctx, event, subscriber); err != nil {
		return err
	}

	key := subKey{event, subscriber}
	s.mu.Lock()
	if s.owners[key] == p.ID {
		delete(s.owners, key)
	}
	s.mu.Unlock()
	return nil
}

// dropPeer forgets a peer and removes the subscriptions it still owns.
func (s *Server) dropPeer(id string) int {
	s.mu.Lock()
	delete(s.peers, id)
	var owned []subKey
	for key, owner := range s.owners {
		if owner == id {
			owned = append(owned, key)
			delete(s.owners, key)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	dropped := 0
	for _, key := range owned {
		if err := s.bus.UnsubscribeToEvent(ctx, key.event, key.subscriber); err == nil {
			dropped++
		}
	}
	return dropped
}

// errorCode maps bus errors to protocol codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotSubscribed):
		return protocol.CodeNotSubscribed
	case errors.Is(err, ErrKeyNotFound):
		return protocol.CodeKeyNotFound
	case errors.Is(err, ErrClosed):
		return protocol.CodeClosed
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrNilHandler):
		return protocol.CodeBadRequest
	default:
		return protocol.CodeInternal
	}
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// PeerInfo contains info about a connected peer
type PeerInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// Peers returns info about all connected peers.
func (s *Server) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		p.mu.Lock()
		infos = append(infos, PeerInfo{
			ID:        p.ID,
			Name:      p.Name,
			Connected: p.Connected,
			LastSeen:  p.LastSeen,
		})
		p.mu.Unlock()
	}
	return infos
}

// ServerStats contains server and bus statistics
type ServerStats struct {
	BusStats
	Peers           int    `json:"peers"`
	RequestsHandled uint64 `json:"requests_handled"`
	RequestsFailed  uint64 `json:"requests_failed"`
	EventsForwarded uint64 `json:"events_forwarded"`
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		BusStats:        s.bus.Stats(),
		Peers:           s.PeerCount(),
		RequestsHandled: s.requestsHandled.Load(),
		RequestsFailed:  s.requestsFailed.Load(),
		EventsForwarded: s.eventsForwarded.Load(),
	}
}

// RegisterAPIRoutes registers inspection routes for the memory.
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	mem := api.Group("/memory")

	mem.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.Stats())
	})

	mem.Get("/events", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"events": s.bus.Events()})
	})

	mem.Get("/peers", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"peers": s.Peers(), "count": s.PeerCount()})
	})

	mem.Get("/data/:key", func(c *fiber.Ctx) error {
		v, err := s.bus.GetData(c.UserContext(), c.Params("key"))
		if errors.Is(err, ErrKeyNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"key": c.Params("key"), "value": v})
	})
}
