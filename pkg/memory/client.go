package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-jointattention/internal/log"
	"github.com/teslashibe/go-jointattention/pkg/protocol"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum message size allowed
	maxMessageSize = 64 * 1024
)

// RemoteError is a failure reported by the server that has no local sentinel.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote memory: %s (%s)", e.Message, e.Code)
}

// Client is a Memory living on another process or robot.
type Client struct {
	addr   string
	name   string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan *protocol.ResultData
	handlers map[subKey]Handler
	inboxes  map[string]*inbox // subscriber -> pending deliveries
	closed   bool
	err      error

	done chan struct{}
}

// Dial connects to the memory server at addr (host:port). name identifies
// this client in the server's logs.
func Dial(ctx context.Context, addr, name string) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws/memory"}
	if name != "" {
		u.Path += "/" + url.PathEscape(name)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial memory %s: %w", addr, err)
	}

	c := &Client{
		addr:     addr,
		name:     name,
		conn:     conn,
		logger:   log.Component("memory-client").With("remote", addr),
		pending:  make(map[string]chan *protocol.ResultData),
		handlers: make(map[subKey]Handler),
		inboxes:  make(map[string]*inbox),
		done:     make(chan struct{}),
	}

	go c.readPump()
	go c.pingPump()

	c.logger.Debug("connected")
	return c, nil
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// DeclareEvent implements Memory.
func (c *Client) DeclareEvent(ctx context.Context, name string) error {
	_, err := c.request(ctx, protocol.TypeDeclare, protocol.EventRequest{Event: name})
	return err
}

// RaiseEvent implements Memory.
func (c *Client) RaiseEvent(ctx context.Context, name string, value Value) error {
	return c.RaiseEventWithMessage(ctx, name, value, "")
}

// RaiseEventWithMessage implements Memory.
func (c *Client) RaiseEventWithMessage(ctx context.Context, name string, value Value, message string) error {
	_, err := c.request(ctx, protocol.TypeRaise, protocol.EventRequest{
		Event:   name,
		Value:   value.Raw(),
		Message: message,
	})
	return err
}

// SubscribeToEvent implements Memory. The handler is installed before the
// request is sent so no event raised right after the reply is missed.
func (c *Client) SubscribeToEvent(ctx context.Context, event, subscriber string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	key := subKey{event, subscriber}
	c.mu.Lock()
	prev, hadPrev := c.handlers[key]
	c.handlers[key] = h
	c.mu.Unlock()

	_, err := c.request(ctx, protocol.TypeSubscribe, protocol.EventRequest{Event: event, Subscriber: subscriber})
	if err != nil {
		c.mu.Lock()
		if hadPrev {
			c.handlers[key] = prev
		} else {
			delete(c.handlers, key)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// UnsubscribeToEvent implements Memory.
func (c *Client) UnsubscribeToEvent(ctx context.Context, event, subscriber string) error {
	_, err := c.request(ctx, protocol.TypeUnsubscribe, protocol.EventRequest{Event: event, Subscriber: subscriber})
	if err == nil || errors.Is(err, ErrNotSubscribed) {
		c.mu.Lock()
		delete(c.handlers, subKey{event, subscriber})
		c.mu.Unlock()
	}
	return err
}

// GetData implements Memory.
func (c *Client) GetData(ctx context.Context, key string) (Value, error) {
	res, err := c.request(ctx, protocol.TypeGet, protocol.EventRequest{Event: key})
	if err != nil {
		return nil, err
	}
	return Value(res.Value), nil
}

// InsertData implements Memory.
func (c *Client) InsertData(ctx context.Context, key string, value Value) error {
	_, err := c.request(ctx, protocol.TypeInsert, protocol.EventRequest{Event: key, Value: value.Raw()})
	return err
}

// Ping measures the round trip to the server.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	id := uuid.NewString()
	msg, err := protocol.NewPingMessage(id)
	if err != nil {
		return 0, err
	}

	ch := make(chan *protocol.ResultData, 1)
	c.mu.Lock()
	if c.closed || c.err != nil {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	start := time.Now()
	if err := c.write(msg); err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}

	select {
	case <-ch:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, fmt.Errorf("ping: %w", ctx.Err())
	case <-c.done:
		return 0, fmt.Errorf("ping: %w", ErrClosed)
	}
}

// Close closes the connection. The server drops this client's
// subscriptions when it sees the disconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// request sends a request and waits for its result.
func (c *Client) request(ctx context.Context, typ protocol.MessageType, req protocol.EventRequest) (*protocol.ResultData, error) {
	id := uuid.NewString()
	msg, err := protocol.NewRequest(typ, id, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.ResultData, 1)
	c.mu.Lock()
	if c.closed || c.err != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return nil, fmt.Errorf("%s %s: %w", typ, req.Event, err)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return nil, resultError(res)
		}
		return res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s %s: %w", typ, req.Event, ctx.Err())
	case <-c.done:
		return nil, fmt.Errorf("%s %s: %w", typ, req.Event, ErrClosed)
	}
}

// resultError maps a failed result to a sentinel where one exists.
func resultError(res *protocol.ResultData) error {
	switch res.Code {
	case protocol.CodeNotSubscribed:
		return fmt.Errorf("remote: %w", ErrNotSubscribed)
	case protocol.CodeKeyNotFound:
		return fmt.Errorf("remote: %w", ErrKeyNotFound)
	case protocol.CodeClosed:
		return fmt.Errorf("remote: %w", ErrClosed)
	}
	return &RemoteError{Code: res.Code, Message: res.Error}
}

// write serializes writes to the connection.
func (c *Client) write(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump routes results to waiting requests and events to handlers.
func (c *Client) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.closed {
				c.err = ErrClosed
			} else {
				c.err = fmt.Errorf("connection lost: %w", err)
				c.logger.Warn("connection lost", "error", err)
			}
			c.mu.Unlock()
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("unparseable message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeResult:
			res, err := msg.GetResultData()
			if err != nil {
				res = &protocol.ResultData{Error: err.Error(), Code: protocol.CodeBadRequest}
			}
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- res:
				default: // duplicate reply
				}
			}

		case protocol.TypeEvent:
			c.deliver(msg)

		case protocol.TypePong:
			pong, err := msg.GetPongData()
			if err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[pong.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- &protocol.ResultData{}:
				default:
				}
			}
		}
	}
}

// deliver queues an event for its handler. Handlers of one subscriber run
// in arrival order, away from readPump so they can make requests themselves.
func (c *Client) deliver(msg *protocol.Message) {
	ev, err := msg.GetEventData()
	if err != nil {
		c.logger.Warn("bad event", "error", err)
		return
	}

	c.mu.Lock()
	h, ok := c.handlers[subKey{ev.Key, ev.Subscriber}]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("event without handler", "event", ev.Key, "subscriber", ev.Subscriber)
		return
	}
	in, ok := c.inboxes[ev.Subscriber]
	if !ok {
		in = newInbox(c.dispatch)
		c.inboxes[ev.Subscriber] = in
	}
	c.mu.Unlock()

	in.push(delivery{h: h, ev: Event{Key: ev.Key, Value: Value(ev.Value), Message: ev.Message}})
}

func (c *Client) dispatch(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", d.ev.Key, "panic", r)
		}
	}()
	d.h(d.ev)
}

// pingPump keeps the connection alive with WebSocket pings.
func (c *Client) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
