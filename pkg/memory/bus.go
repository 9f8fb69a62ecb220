package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-jointattention/internal/log"
)

// Bus is the in-process memory and event bus of one robot.
//
// Each subscriber has an inbox: its handlers run one at a time, in raise
// order, on a goroutine of their own. No bus lock is held while a handler
// runs, so a handler may subscribe, unsubscribe or raise events itself.
// A handler that never returns stalls only its own subscriber.
type Bus struct {
	name   string
	logger *slog.Logger

	mu       sync.RWMutex
	declared map[string]time.Time
	data     map[string]Value
	subs     map[string]map[string]Handler // event -> subscriber -> handler
	inboxes  map[string]*inbox             // subscriber -> pending deliveries
	closed   bool

	inflight sync.WaitGroup

	// Stats
	eventsRaised    atomic.Uint64
	eventsDelivered atomic.Uint64
	handlerPanics   atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus(name string) *Bus {
	return &Bus{
		name:     name,
		logger:   log.Component("memory").With("bus", name),
		declared: make(map[string]time.Time),
		data:     make(map[string]Value),
		subs:     make(map[string]map[string]Handler),
		inboxes:  make(map[string]*inbox),
	}
}

// Name returns the bus name.
func (b *Bus) Name() string {
	return b.name
}

// DeclareEvent announces an event. Declaring twice is a no-op.
func (b *Bus) DeclareEvent(_ context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("declare: %w", ErrInvalidName)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.declared[name]; !ok {
		b.declared[name] = time.Now()
		b.logger.Debug("event declared", "event", name)
	}
	return nil
}

// RaiseEvent stores value and notifies the subscribers of name.
// Undeclared events are declared implicitly.
func (b *Bus) RaiseEvent(ctx context.Context, name string, value Value) error {
	return b.RaiseEventWithMessage(ctx, name, value, "")
}

// RaiseEventWithMessage stores value and notifies the subscribers of name
// with message attached.
func (b *Bus) RaiseEventWithMessage(_ context.Context, name string, value Value, message string) error {
	if name == "" {
		return fmt.Errorf("raise: %w", ErrInvalidName)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, ok := b.declared[name]; !ok {
		b.declared[name] = time.Now()
	}
	b.data[name] = value
	ev := Event{Key: name, Value: value, Message: message}
	subs := b.subs[name]
	count := len(subs)
	// Add before queueing so Wait cannot miss a delivery
	b.inflight.Add(count)
	for subscriber, h := range subs {
		b.inboxLocked(subscriber).push(delivery{h: h, ev: ev})
	}
	b.mu.Unlock()

	b.eventsRaised.Add(1)
	b.logger.Debug("event raised", "event", name, "value", value.String(), "subscribers", count)
	return nil
}

// inboxLocked returns the inbox of subscriber, creating it on first use.
func (b *Bus) inboxLocked(subscriber string) *inbox {
	in, ok := b.inboxes[subscriber]
	if !ok {
		in = newInbox(b.dispatch)
		b.inboxes[subscriber] = in
	}
	return in
}

func (b *Bus) dispatch(d delivery) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.logger.Error("event handler panicked", "event", d.ev.Key, "panic", r)
		}
	}()
	d.h(d.ev)
	b.eventsDelivered.Add(1)
}

// SubscribeToEvent registers h for event under subscriber, replacing any
// existing handler for the same pair.
func (b *Bus) SubscribeToEvent(_ context.Context, event, subscriber string, h Handler) error {
	if event == "" || subscriber == "" {
		return fmt.Errorf("subscribe: %w", ErrInvalidName)
	}
	if h == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	subs, ok := b.subs[event]
	if !ok {
		subs = make(map[string]Handler)
		b.subs[event] = subs
	}
	if _, replaced := subs[subscriber]; replaced {
		b.logger.Debug("subscription replaced", "event", event, "subscriber", subscriber)
	}
	subs[subscriber] = h
	return nil
}

// UnsubscribeToEvent removes the subscription of subscriber to event.
func (b *Bus) UnsubscribeToEvent(_ context.Context, event, subscriber string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	subs := b.subs[event]
	if _, ok := subs[subscriber]; !ok {
		return fmt.Errorf("%s/%s: %w", event, subscriber, ErrNotSubscribed)
	}
	delete(subs, subscriber)
	if len(subs) == 0 {
		delete(b.subs, event)
	}
	return nil
}

// GetData returns the value last stored under key.
func (b *Bus) GetData(_ context.Context, key string) (Value, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	v, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	return v, nil
}

// InsertData stores value under key.
func (b *Bus) InsertData(_ context.Context, key string, value Value) error {
	if key == "" {
		return fmt.Errorf("insert: %w", ErrInvalidName)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.data[key] = value
	return nil
}

// Close drops every subscription. Queued deliveries still run;
// use Wait to block until they are done.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.subs = make(map[string]map[string]Handler)
	return nil
}

// Wait blocks until all queued handlers have returned.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// IsSubscribed reports whether subscriber currently listens to event.
func (b *Bus) IsSubscribed(event, subscriber string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[event][subscriber]
	return ok
}

// Subscribers returns the sorted subscriber names of event.
func (b *Bus) Subscribers(event string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.subs[event]))
	for name := range b.subs[event] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EventInfo describes a declared event.
type EventInfo struct {
	Name        string    `json:"name"`
	Declared    time.Time `json:"declared"`
	Subscribers []string  `json:"subscribers"`
}

// Events returns all declared events sorted by name.
func (b *Bus) Events() []EventInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]EventInfo, 0, len(b.declared))
	for name, at := range b.declared {
		subs := make([]string, 0, len(b.subs[name]))
		for s := range b.subs[name] {
			subs = append(subs, s)
		}
		sort.Strings(subs)
		infos = append(infos, EventInfo{Name: name, Declared: at, Subscribers: subs})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// BusStats contains bus statistics
type BusStats struct {
	Events          int    `json:"events"`
	Subscriptions   int    `json:"subscriptions"`
	EventsRaised    uint64 `json:"events_raised"`
	EventsDelivered uint64 `json:"events_delivered"`
	HandlerPanics   uint64 `json:"handler_panics"`
	Pending         int    `json:"pending"`
}

// Stats returns bus statistics.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	events := len(b.declared)
	subscriptions := 0
	for _, subs := range b.subs {
		subscriptions += len(subs)
	}
	pending := 0
	for _, in := range b.inboxes {
		pending += in.len()
	}
	b.mu.RUnlock()

	return BusStats{
		Events:          events,
		Subscriptions:   subscriptions,
		EventsRaised:    b.eventsRaised.Load(),
		EventsDelivered: b.eventsDelivered.Load(),
		HandlerPanics:   b.handlerPanics.Load(),
		Pending:         pending,
	}
}
