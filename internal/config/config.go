// Package config provides configuration for the joint attention relay.
//
// Values come from defaults, then an optional YAML file, then environment
// variables. Command line flags are applied by the binaries on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultName          = "Interface"
	DefaultListen        = ":9559"
	DefaultHTTPAddr      = ":8090"
	DefaultRemoteConfig  = "/home/nao/naoqi/modules/config/remote.conf"
	DefaultRobotPort     = "8000"
	DefaultNameSound     = "/home/nao/naoqi/sounds/name.wav"
	DefaultPhraseSound   = "/home/nao/naoqi/sounds/phrase.wav"
	DefaultPointBehavior = "point"
	DefaultDialTimeout   = 5 * time.Second
)

// Sounds holds the audio files played when calling the child.
type Sounds struct {
	Name   string `yaml:"name" env:"NAME"`
	Phrase string `yaml:"phrase" env:"PHRASE"`
}

// Config is the relay configuration.
type Config struct {
	// Name is the module name, also used as the subscriber name on both buses.
	Name string `yaml:"name" env:"JA_NAME"`

	// Listen is the address of the local memory bus server.
	Listen string `yaml:"listen" env:"JA_LISTEN"`

	// HTTPAddr is the address of the status API. Empty shares Listen.
	HTTPAddr string `yaml:"http_addr" env:"JA_HTTP_ADDR"`

	// RemoteConfig is the path of the "<ip> <port>" file read on every touch.
	RemoteConfig string `yaml:"remote_config" env:"JA_REMOTE_CONFIG"`

	// Remote is an optional endpoint enabled at startup.
	Remote *Remote `yaml:"remote"`

	// RobotIP is the local robot whose HTTP API plays sounds and behaviors.
	RobotIP string `yaml:"robot_ip" env:"ROBOT_IP"`

	Sounds        Sounds        `yaml:"sounds" envPrefix:"JA_SOUND_"`
	PointBehavior string        `yaml:"point_behavior" env:"JA_POINT_BEHAVIOR"`
	DialTimeout   time.Duration `yaml:"dial_timeout" env:"JA_DIAL_TIMEOUT"`
	LogLevel      string        `yaml:"log_level" env:"JA_LOG_LEVEL"`

	// Volume is applied to the robot at startup, 0 leaves it unchanged.
	Volume int `yaml:"volume" env:"JA_VOLUME"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Name:         DefaultName,
		Listen:       DefaultListen,
		HTTPAddr:     DefaultHTTPAddr,
		RemoteConfig: DefaultRemoteConfig,
		RobotIP:      "127.0.0.1",
		Sounds: Sounds{
			Name:   DefaultNameSound,
			Phrase: DefaultPhraseSound,
		},
		PointBehavior: DefaultPointBehavior,
		DialTimeout:   DefaultDialTimeout,
		LogLevel:      "info",
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when empty or missing) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults only
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the fields that cannot fall back to a default.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("config: name is required")
	}
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("config: dial timeout must be positive, got %s", c.DialTimeout)
	}
	if c.Volume < 0 || c.Volume > 100 {
		return fmt.Errorf("config: volume must be within 0..100, got %d", c.Volume)
	}
	if c.Remote != nil {
		if err := c.Remote.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// RobotAPIURL returns the robot HTTP API URL.
func RobotAPIURL(robotIP string) string {
	return fmt.Sprintf("http://%s:%s", robotIP, DefaultRobotPort)
}

// RobotIP returns the robot IP from ROBOT_IP env var.
// Falls back to the provided default if not set.
func RobotIP(defaultIP string) string {
	if ip := os.Getenv("ROBOT_IP"); ip != "" {
		return ip
	}
	return defaultIP
}
