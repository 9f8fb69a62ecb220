// Package relay implements the joint attention interface module.
//
// A touch on the robot's front tactile sensor starts a session: the module
// stops listening to the sensor, connects to the other robot's memory and
// waits for its logger to ask for the child to be called. Each CallChild
// plays a sound (and for calls by name, points at the other robot), then
// reports ChildCalled on the local memory. EndSession drops the remote
// subscriptions and re-arms the sensor.
//
// All callbacks are serialized by one mutex. Proxy failures are logged at
// the call site and never retried.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-jointattention/internal/config"
	"github.com/teslashibe/go-jointattention/internal/log"
	"github.com/teslashibe/go-jointattention/pkg/memory"
	"github.com/teslashibe/go-jointattention/pkg/robot"
)

// Event names.
const (
	EventTactilTouched = "FrontTactilTouched"
	EventStartSession  = "StartSession"
	EventChildCalled   = "ChildCalled"
	EventCallChild     = "CallChild"
	EventEndSession    = "EndSession"
)

// CallChild codes.
const (
	CallByName   = 1
	CallByPhrase = 2
)

// Dialer opens the memory of another robot.
type Dialer func(ctx context.Context, remote config.Remote, name string) (memory.Memory, error)

// DialWebSocket is the Dialer for memory servers reached over WebSocket.
func DialWebSocket(ctx context.Context, remote config.Remote, name string) (memory.Memory, error) {
	return memory.Dial(ctx, remote.Addr(), name)
}

// Options configures a Module.
type Options struct {
	// Name is the subscriber name used on both memories.
	Name string

	// RemoteConfig is the "<ip> <port>" file read on every touch.
	RemoteConfig string

	NameSound     string
	PhraseSound   string
	PointBehavior string

	// DialTimeout bounds the connection to the other robot.
	DialTimeout time.Duration

	// CallbackTimeout bounds one event callback.
	CallbackTimeout time.Duration
}

// OptionsFromConfig builds Options from the relay configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Name:            cfg.Name,
		RemoteConfig:    cfg.RemoteConfig,
		NameSound:       cfg.Sounds.Name,
		PhraseSound:     cfg.Sounds.Phrase,
		PointBehavior:   cfg.PointBehavior,
		DialTimeout:     cfg.DialTimeout,
		CallbackTimeout: 30 * time.Second,
	}
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = config.DefaultName
	}
	if o.PointBehavior == "" {
		o.PointBehavior = config.DefaultPointBehavior
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = config.DefaultDialTimeout
	}
	if o.CallbackTimeout <= 0 {
		o.CallbackTimeout = 30 * time.Second
	}
}

// Module is the interface module. Create it with New and call Init.
type Module struct {
	opts   Options
	local  memory.Memory
	robot  robot.Controller
	dial   Dialer
	logger *slog.Logger

	// mu serializes the callbacks and guards everything below it
	mu         sync.Mutex
	remoteAddr config.Remote
	remote     memory.Memory
	connected  config.Remote // endpoint remote is connected to
	state      State
	sessionID  string
	sessions   uint64
	calls      uint64
	lastCall   int
	lastCallAt time.Time
	closed     bool
	changed    bool

	obsMu    sync.RWMutex
	observer func(Status)
}

// New creates a module. local is this robot's memory, ctrl plays sounds and
// behaviors, dial opens the other robot's memory.
func New(opts Options, local memory.Memory, ctrl robot.Controller, dial Dialer) *Module {
	opts.setDefaults()
	if dial == nil {
		dial = DialWebSocket
	}
	return &Module{
		opts:   opts,
		local:  local,
		robot:  ctrl,
		dial:   dial,
		logger: log.Component("relay").With("module", opts.Name),
	}
}

// OnStateChange registers fn to receive a status snapshot after every
// state transition. fn runs without the module lock held.
func (m *Module) OnStateChange(fn func(Status)) {
	m.obsMu.Lock()
	m.observer = fn
	m.obsMu.Unlock()
}

// Init declares the events generated by the module and arms the tactile
// sensor.
func (m *Module) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlockAndNotify()
	if m.closed {
		return ErrClosed
	}

	var errs []error
	for _, name := range []string{EventStartSession, EventChildCalled} {
		if err := m.local.DeclareEvent(ctx, name); err != nil {
			m.logger.Error("declare event failed", "event", name, "error", err)
			errs = append(errs, err)
		}
	}

	if err := m.armLocked(ctx); err != nil {
		errs = append(errs, err)
	}

	m.logger.Debug("initialized", "state", m.state)
	return errors.Join(errs...)
}

// EnableTask records the other robot's endpoint, connects to it and arms the
// tactile sensor.
func (m *Module) EnableTask(ctx context.Context, ip string, port int) error {
	remote := config.Remote{IP: ip, Port: port}
	if err := remote.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.unlockAndNotify()
	if m.closed {
		return ErrClosed
	}
	if m.state.InSession() {
		return ErrSessionActive
	}

	m.remoteAddr = remote
	m.changed = true

	// A failed connection is retried on the next touch
	if err := m.connectLocked(ctx, remote); err != nil {
		m.logger.Error("connecting to the other robot failed", "remote", remote.Addr(), "error", err)
	}

	return m.armLocked(ctx)
}

// OnTactilTouched starts a session. It is the FrontTactilTouched callback.
func (m *Module) OnTactilTouched(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlockAndNotify()
	if m.closed {
		return ErrClosed
	}
	if m.state != StateArmed {
		m.logger.Debug("touch ignored", "state", m.state)
		return ErrNotArmed
	}

	if err := m.local.UnsubscribeToEvent(ctx, EventTactilTouched, m.opts.Name); err != nil {
		m.logger.Warn("unsubscribe failed", "event", EventTactilTouched, "error", err)
	}
	m.setStateLocked(StateDisabled)

	remote, err := m.resolveRemoteLocked()
	if err != nil {
		m.logger.Error("no remote endpoint", "error", err)
		return errors.Join(err, m.armLocked(ctx))
	}
	m.logger.Warn("connecting to the other robot", "remote", remote.Addr())

	if err := m.connectLocked(ctx, remote); err != nil {
		m.logger.Error("connecting to the other robot failed", "remote", remote.Addr(), "error", err)
		return errors.Join(err, m.armLocked(ctx))
	}

	// Events triggered by the other robot during the session
	if err := m.subscribeSessionLocked(ctx); err != nil {
		m.logger.Error("subscribing to session events failed", "error", err)
		m.unsubscribeSessionLocked(ctx)
		return errors.Join(err, m.armLocked(ctx))
	}

	m.sessions++
	m.sessionID = uuid.NewString()
	m.setStateLocked(StateAwaitingCall)
	m.logger.Info("session started", "session", m.sessionID, "remote", remote.Addr())

	if err := m.local.RaiseEvent(ctx, EventStartSession, memory.IntValue(1)); err != nil {
		m.logger.Error("raise failed", "event", EventStartSession, "error", err)
		return err
	}
	return nil
}

// CallChild reproduces a call. It is the CallChild callback: value 1 calls
// the child by name and points at the other robot, value 2 uses the special
// phrase. ChildCalled is raised locally with the same value in every case.
func (m *Module) CallChild(ctx context.Context, key string, value memory.Value, msg string) error {
	m.mu.Lock()
	defer m.unlockAndNotify()
	if m.closed {
		return ErrClosed
	}
	if !m.state.InSession() || m.remote == nil {
		m.logger.Debug("call ignored", "state", m.state, "value", value.String())
		return ErrNoSession
	}

	logger := m.logger.With("session", m.sessionID, "key", key)
	if msg != "" {
		logger = logger.With("msg", msg)
	}

	if err := m.remote.UnsubscribeToEvent(ctx, EventCallChild, m.opts.Name); err != nil {
		logger.Warn("unsubscribe failed", "event", EventCallChild, "error", err)
	}

	var errs []error
	code, err := value.Int()
	switch {
	case err != nil:
		logger.Warn("call with unreadable value", "value", value.String(), "error", err)
	case code == CallByName:
		logger.Debug("calling with name")
		if err := m.robot.PlayFile(ctx, m.opts.NameSound); err != nil {
			logger.Error("playing name failed", "file", m.opts.NameSound, "error", err)
			errs = append(errs, err)
		}
		if err := m.robot.RunBehavior(ctx, m.opts.PointBehavior); err != nil {
			logger.Error("pointing failed", "behavior", m.opts.PointBehavior, "error", err)
			errs = append(errs, err)
		}
	case code == CallByPhrase:
		logger.Debug("calling with special phrase")
		if err := m.robot.PlayFile(ctx, m.opts.PhraseSound); err != nil {
			logger.Error("playing phrase failed", "file", m.opts.PhraseSound, "error", err)
			errs = append(errs, err)
		}
	default:
		logger.Warn("unknown call code", "value", code)
	}

	m.calls++
	m.lastCall = code
	m.lastCallAt = time.Now()
	m.setStateLocked(StateAwaitingEnd)

	// Notify the logger on the other robot that the child was called
	if err := m.local.RaiseEvent(ctx, EventChildCalled, value); err != nil {
		logger.Error("raise failed", "event", EventChildCalled, "error", err)
		errs = append(errs, err)
	}

	if err := m.remote.SubscribeToEvent(ctx, EventCallChild, m.opts.Name, m.callHandler); err != nil {
		logger.Error("resubscribe failed", "event", EventCallChild, "error", err)
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// EndSession resets the module for a new session. It is the EndSession
// callback.
func (m *Module) EndSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlockAndNotify()
	if m.closed {
		return ErrClosed
	}
	if !m.state.InSession() {
		m.logger.Debug("end ignored", "state", m.state)
		return ErrNoSession
	}

	m.logger.Info("session ended", "session", m.sessionID, "calls", m.calls)
	m.unsubscribeSessionLocked(ctx)
	m.sessionID = ""
	m.setStateLocked(StateDisabled)

	if err := m.armLocked(ctx); err != nil {
		m.logger.Error("managing events while resetting failed", "error", err)
		return err
	}
	return nil
}

// StartTask runs a task by name: "enable" enables the task with the endpoint
// from the remote config file, "start" behaves as a touch, "end" ends the
// current session.
func (m *Module) StartTask(ctx context.Context, todo string) error {
	switch todo {
	case "enable":
		remote, err := config.ReadRemote(m.opts.RemoteConfig)
		if err != nil {
			return err
		}
		return m.EnableTask(ctx, remote.IP, remote.Port)
	case "start":
		return m.OnTactilTouched(ctx)
	case "end":
		return m.EndSession(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTask, todo)
	}
}

// Status returns a snapshot of the module.
func (m *Module) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Close drops all subscriptions and the remote connection.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.unlockAndNotify()
	if m.closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	defer cancel()

	if m.state == StateArmed {
		if err := m.local.UnsubscribeToEvent(ctx, EventTactilTouched, m.opts.Name); err != nil {
			m.logger.Debug("unsubscribe on close failed", "error", err)
		}
	}
	if m.state.InSession() {
		m.unsubscribeSessionLocked(ctx)
	}

	var err error
	if m.remote != nil {
		err = m.remote.Close()
		m.remote = nil
		m.connected = config.Remote{}
	}
	m.setStateLocked(StateDisabled)
	m.closed = true
	return err
}

// =============================================================================
// Event handlers
// =============================================================================

func (m *Module) callbackContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.opts.CallbackTimeout)
}

func (m *Module) touchHandler(memory.Event) {
	ctx, cancel := m.callbackContext()
	defer cancel()
	_ = m.OnTactilTouched(ctx)
}

func (m *Module) callHandler(ev memory.Event) {
	ctx, cancel := m.callbackContext()
	defer cancel()
	_ = m.CallChild(ctx, ev.Key, ev.Value, ev.Message)
}

func (m *Module) endHandler(memory.Event) {
	ctx, cancel := m.callbackContext()
	defer cancel()
	_ = m.EndSession(ctx)
}

// =============================================================================
// Helpers, all called with mu held
// =============================================================================

// armLocked subscribes to the tactile sensor.
func (m *Module) armLocked(ctx context.Context) error {
	if err := m.local.SubscribeToEvent(ctx, EventTactilTouched, m.opts.Name, m.touchHandler); err != nil {
		m.logger.Error("subscribe failed", "event", EventTactilTouched, "error", err)
		m.setStateLocked(StateDisabled)
		return err
	}
	m.setStateLocked(StateArmed)
	return nil
}

// resolveRemoteLocked reads the remote config file, falling back to the
// endpoint given to EnableTask.
func (m *Module) resolveRemoteLocked() (config.Remote, error) {
	if m.opts.RemoteConfig != "" {
		remote, err := config.ReadRemote(m.opts.RemoteConfig)
		if err == nil {
			if remote != m.remoteAddr {
				m.remoteAddr = remote
				m.changed = true
			}
			return remote, nil
		}
		if m.remoteAddr.IsZero() {
			return config.Remote{}, fmt.Errorf("%w: %v", ErrNoRemote, err)
		}
		m.logger.Warn("remote config unreadable, using enabled endpoint", "error", err)
	}
	if m.remoteAddr.IsZero() {
		return config.Remote{}, ErrNoRemote
	}
	return m.remoteAddr, nil
}

// connectLocked opens the remote memory, reusing a live connection to the
// same endpoint.
func (m *Module) connectLocked(ctx context.Context, remote config.Remote) error {
	if m.remote != nil && m.connected == remote && alive(m.remote) {
		return nil
	}
	if m.remote != nil {
		_ = m.remote.Close()
		m.remote = nil
		m.connected = config.Remote{}
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	mem, err := m.dial(dialCtx, remote, m.opts.Name)
	if err != nil {
		return err
	}
	m.remote = mem
	m.connected = remote
	m.changed = true

	if w, ok := mem.(interface{ Done() <-chan struct{} }); ok {
		go m.watchRemote(mem, w.Done())
	}
	return nil
}

// watchRemote forgets mem once its connection ends. A session running on
// it is abandoned and the tactile sensor re-armed.
func (m *Module) watchRemote(mem memory.Memory, done <-chan struct{}) {
	<-done

	m.mu.Lock()
	defer m.unlockAndNotify()
	if m.closed || m.remote != mem {
		return
	}

	m.logger.Warn("connection to the other robot lost", "remote", m.connected.Addr(), "state", m.state)
	_ = mem.Close()
	m.remote = nil
	m.connected = config.Remote{}
	m.changed = true

	if !m.state.InSession() {
		return
	}
	m.logger.Info("session abandoned", "session", m.sessionID, "calls", m.calls)
	m.sessionID = ""
	m.setStateLocked(StateDisabled)

	ctx, cancel := m.callbackContext()
	defer cancel()
	if err := m.armLocked(ctx); err != nil {
		m.logger.Error("re-arming after connection loss failed", "error", err)
	}
}

// alive reports whether a memory connection is still usable. Memories that
// cannot report it are assumed alive.
func alive(mem memory.Memory) bool {
	if c, ok := mem.(interface{ Err() error }); ok {
		return c.Err() == nil
	}
	return true
}

func (m *Module) subscribeSessionLocked(ctx context.Context) error {
	if err := m.remote.SubscribeToEvent(ctx, EventCallChild, m.opts.Name, m.callHandler); err != nil {
		return fmt.Errorf("subscribe %s: %w", EventCallChild, err)
	}
	if err := m.remote.SubscribeToEvent(ctx, EventEndSession, m.opts.Name, m.endHandler); err != nil {
		return fmt.Errorf("subscribe %s: %w", EventEndSession, err)
	}
	return nil
}

func (m *Module) unsubscribeSessionLocked(ctx context.Context) {
	if m.remote == nil {
		return
	}
	for _, event := range []string{EventEndSession, EventCallChild} {
		err := m.remote.UnsubscribeToEvent(ctx, event, m.opts.Name)
		if err != nil && !errors.Is(err, memory.ErrNotSubscribed) {
			m.logger.Warn("unsubscribe failed", "event", event, "error", err)
		}
	}
}

func (m *Module) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state", "from", m.state, "to", s)
	m.state = s
	m.changed = true
}

func (m *Module) statusLocked() Status {
	st := Status{
		Name:      m.opts.Name,
		State:     m.state,
		Connected: m.remote != nil && alive(m.remote),
		SessionID: m.sessionID,
		Sessions:  m.sessions,
		Calls:     m.calls,
		LastCall:  m.lastCall,
	}
	if !m.lastCallAt.IsZero() {
		at := m.lastCallAt
		st.LastCallAt = &at
	}
	if !m.remoteAddr.IsZero() {
		remote := m.remoteAddr
		st.Remote = &remote
	}
	return st
}

// unlockAndNotify releases mu and reports a state change to the observer.
func (m *Module) unlockAndNotify() {
	changed := m.changed
	m.changed = false
	st := m.statusLocked()
	m.mu.Unlock()

	if !changed {
		return
	}
	m.obsMu.RLock()
	fn := m.observer
	m.obsMu.RUnlock()
	if fn != nil {
		fn(st)
	}
}
