package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
)

// ErrInvalidRemote is returned when a remote endpoint cannot be parsed.
var ErrInvalidRemote = errors.New("invalid remote endpoint")

// Remote is the address of the other robot's memory bus.
type Remote struct {
	IP   string `json:"ip" yaml:"ip"`
	Port int    `json:"port" yaml:"port"`
}

// Addr returns the endpoint as host:port.
func (r Remote) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// IsZero reports whether no endpoint has been set.
func (r Remote) IsZero() bool {
	return r.IP == "" && r.Port == 0
}

// Validate checks that the endpoint is usable.
func (r Remote) Validate() error {
	if r.IP == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidRemote)
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidRemote, r.Port)
	}
	return nil
}

// ParseRemote reads a whitespace-delimited "<ip> <port>" pair.
// Anything after the port is ignored.
func ParseRemote(r io.Reader) (Remote, error) {
	var (
		remote Remote
		port   string
	)
	if _, err := fmt.Fscan(r, &remote.IP, &port); err != nil {
		return Remote{}, fmt.Errorf("%w: %v", ErrInvalidRemote, err)
	}

	p, err := strconv.Atoi(port)
	if err != nil {
		return Remote{}, fmt.Errorf("%w: port %q is not a number", ErrInvalidRemote, port)
	}
	remote.Port = p

	if err := remote.Validate(); err != nil {
		return Remote{}, err
	}
	return remote, nil
}

// ParseRemoteAddr parses a "host:port" string, as given on the command line.
func ParseRemoteAddr(addr string) (Remote, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Remote{}, fmt.Errorf("%w: %v", ErrInvalidRemote, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return Remote{}, fmt.Errorf("%w: port %q is not a number", ErrInvalidRemote, port)
	}
	remote := Remote{IP: host, Port: p}
	if err := remote.Validate(); err != nil {
		return Remote{}, err
	}
	return remote, nil
}

// ReadRemote reads the remote endpoint from a config file.
func ReadRemote(path string) (Remote, error) {
	f, err := os.Open(path)
	if err != nil {
		return Remote{}, fmt.Errorf("open remote config: %w", err)
	}
	defer f.Close()

	return ParseRemote(f)
}
