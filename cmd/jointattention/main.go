// jointattention runs the interface module of a robot taking part in a
// joint attention session with another robot.
//
// It serves the robot's memory bus to other modules, relays the other
// robot's calls to the child and exposes a small control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-jointattention/internal/config"
	"github.com/teslashibe/go-jointattention/internal/log"
	"github.com/teslashibe/go-jointattention/pkg/memory"
	"github.com/teslashibe/go-jointattention/pkg/relay"
	"github.com/teslashibe/go-jointattention/pkg/robot"
	"github.com/teslashibe/go-jointattention/pkg/web"
)

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	log.Init(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// parseFlags loads the configuration file and applies flags on top.
func parseFlags() (config.Config, error) {
	configPath := flag.String("config", "", "YAML configuration file")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	remote := flag.String("remote", "", "Enable the task with the other robot at ip:port")
	listen := flag.String("listen", "", "Memory bus address (overrides config)")
	httpAddr := flag.String("http", "", "Control API address, empty shares the memory bus address")
	robotIP := flag.String("robot-ip", "", "Robot IP address (overrides ROBOT_IP env var)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}

	if *debug {
		cfg.LogLevel = "debug"
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *robotIP != "" {
		cfg.RobotIP = *robotIP
	}
	if *remote != "" {
		r, err := config.ParseRemoteAddr(*remote)
		if err != nil {
			return cfg, err
		}
		cfg.Remote = &r
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	bus := memory.NewBus(cfg.Name)
	defer bus.Close()
	memServer := memory.NewServer(bus)

	ctrl := robot.NewHTTPController(config.RobotAPIURL(cfg.RobotIP))
	prepareRobot(ctx, ctrl, cfg)
	mod := relay.New(relay.OptionsFromConfig(cfg), bus, ctrl, relay.DialWebSocket)
	defer mod.Close()

	shared := cfg.HTTPAddr == "" || cfg.HTTPAddr == cfg.Listen
	apiAddr := cfg.HTTPAddr
	if shared {
		apiAddr = cfg.Listen
	}
	api := web.NewServer(apiAddr, mod, bus)

	if err := mod.Init(ctx); err != nil {
		return fmt.Errorf("init relay: %w", err)
	}
	if cfg.Remote != nil {
		if err := mod.EnableTask(ctx, cfg.Remote.IP, cfg.Remote.Port); err != nil {
			return fmt.Errorf("enable task: %w", err)
		}
	}

	log.Info("relay ready",
		"name", cfg.Name,
		"robot", cfg.RobotIP,
		"remote_config", cfg.RemoteConfig,
		"state", mod.Status().State)

	g, ctx := errgroup.WithContext(ctx)

	if shared {
		api.MountMemory(memServer)
	} else {
		memApp := fiber.New(fiber.Config{DisableStartupMessage: true})
		memServer.RegisterRoutes(memApp)
		memServer.RegisterAPIRoutes(memApp.Group("/api"))

		g.Go(func() error {
			go func() {
				<-ctx.Done()
				_ = memApp.Shutdown()
			}()
			log.Info("memory bus listening", "addr", cfg.Listen)
			return memApp.Listen(cfg.Listen)
		})
	}

	g.Go(func() error {
		return api.Start(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("shutting down")
	return err
}

// prepareRobot checks the robot API and applies the configured volume.
// Failures are logged only: the robot may come up after the relay.
func prepareRobot(ctx context.Context, ctrl *robot.HTTPController, cfg config.Config) {
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	status, err := ctrl.GetDaemonStatus(ctx)
	if err != nil {
		log.Warn("robot API unreachable", "url", ctrl.BaseURL, "error", err)
		return
	}
	log.Info("robot API reachable", "url", ctrl.BaseURL, "daemon", status)

	if cfg.Volume > 0 {
		if err := ctrl.SetVolume(ctx, cfg.Volume); err != nil {
			log.Warn("set volume failed", "volume", cfg.Volume, "error", err)
		}
	}
}
