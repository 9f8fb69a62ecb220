// sessionsim plays the other robot of a joint attention session.
//
// It serves its own memory bus, connects to the peer's bus and, every time
// the peer raises StartSession, calls the child by name, then with the
// phrase, then ends the session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-jointattention/internal/config"
	"github.com/teslashibe/go-jointattention/internal/log"
	"github.com/teslashibe/go-jointattention/pkg/memory"
	"github.com/teslashibe/go-jointattention/pkg/relay"
)

const subscriber = "SessionSim"

type options struct {
	listen     string
	peer       config.Remote
	callDelay  time.Duration
	endDelay   time.Duration
	retryEvery time.Duration
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	listen := flag.String("listen", ":9560", "Address serving this robot's memory bus")
	peer := flag.String("peer", "127.0.0.1:9559", "Memory bus of the robot running the relay")
	callDelay := flag.Duration("call-delay", 2*time.Second, "Delay before each call")
	endDelay := flag.Duration("end-delay", 3*time.Second, "Delay before ending the session")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)

	remote, err := config.ParseRemoteAddr(*peer)
	if err != nil {
		return options{}, err
	}
	return options{
		listen:     *listen,
		peer:       remote,
		callDelay:  *callDelay,
		endDelay:   *endDelay,
		retryEvery: 2 * time.Second,
	}, nil
}

func run(ctx context.Context, opts options) error {
	bus := memory.NewBus("sessionsim")
	defer bus.Close()
	for _, ev := range []string{relay.EventCallChild, relay.EventEndSession} {
		if err := bus.DeclareEvent(ctx, ev); err != nil {
			return err
		}
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	srv := memory.NewServer(bus)
	srv.RegisterRoutes(app)
	srv.RegisterAPIRoutes(app.Group("/api"))

	listenErr := make(chan error, 1)
	go func() {
		log.Info("memory bus listening", "addr", opts.listen)
		listenErr <- app.Listen(opts.listen)
	}()
	defer app.Shutdown()

	peer, err := dialPeer(ctx, opts)
	if err != nil {
		return err
	}
	defer peer.Close()

	var busy atomic.Bool
	onStart := func(ev memory.Event) {
		if !busy.CompareAndSwap(false, true) {
			log.Warn("session already running, ignoring StartSession")
			return
		}
		go func() {
			defer busy.Store(false)
			playSession(ctx, bus, opts)
		}()
	}
	onCalled := func(ev memory.Event) {
		log.Info("peer called the child", "value", ev.Value.String())
	}

	if err := peer.SubscribeToEvent(ctx, relay.EventStartSession, subscriber, onStart); err != nil {
		return fmt.Errorf("subscribe %s: %w", relay.EventStartSession, err)
	}
	if err := peer.SubscribeToEvent(ctx, relay.EventChildCalled, subscriber, onCalled); err != nil {
		return fmt.Errorf("subscribe %s: %w", relay.EventChildCalled, err)
	}
	log.Info("waiting for sessions", "peer", opts.peer.Addr())

	select {
	case <-ctx.Done():
		return nil
	case err := <-listenErr:
		return err
	case <-peer.Done():
		return fmt.Errorf("peer connection lost: %w", peer.Err())
	}
}

// dialPeer connects to the peer's bus, retrying until it is reachable.
func dialPeer(ctx context.Context, opts options) (*memory.Client, error) {
	for {
		dialCtx, cancel := context.WithTimeout(ctx, config.DefaultDialTimeout)
		peer, err := memory.Dial(dialCtx, opts.peer.Addr(), subscriber)
		cancel()
		if err == nil {
			return peer, nil
		}
		log.Warn("peer not reachable", "peer", opts.peer.Addr(), "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.retryEvery):
		}
	}
}

// playSession raises the calls and the end of one session on bus.
func playSession(ctx context.Context, bus *memory.Bus, opts options) {
	steps := []struct {
		delay time.Duration
		event string
		value int
	}{
		{opts.callDelay, relay.EventCallChild, relay.CallByName},
		{opts.callDelay, relay.EventCallChild, relay.CallByPhrase},
		{opts.endDelay, relay.EventEndSession, 1},
	}

	log.Info("session started")
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return
		case <-time.After(step.delay):
		}
		if err := bus.RaiseEvent(ctx, step.event, memory.IntValue(step.value)); err != nil {
			log.Error("raise failed", "event", step.event, "error", err)
			return
		}
		log.Info("raised", "event", step.event, "value", step.value)
	}
}
