package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/hostbridge/internal/protocol/frame"
)

var ErrInvalidConfig = errors.New("server: invalid config")

// unix(7) sun_path limit, including the terminating NUL.
const maxSocketPath = 107

// Config configures the call socket, the reaper and the admin listener.
type Config struct {
	SocketPath string
	SocketMode os.FileMode
	MaxPayload uint32
	// MaxInflight bounds concurrently running calls per connection.
	MaxInflight int
	// ReadTimeout closes a connection that sends nothing for this long.
	// Zero keeps idle connections open.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ReapInterval is how often dead host processes are swept. Zero disables
	// the reaper.
	ReapInterval time.Duration
	// AdminAddr is the admin HTTP listen address; empty disables it.
	AdminAddr   string
	CORSOrigins []string
}

func DefaultConfig() Config {
	return Config{
		SocketPath:   "/run/hostbridge/bridge.sock",
		SocketMode:   0o660,
		MaxPayload:   frame.DefaultLimits().MaxPayloadBytes,
		MaxInflight:  16,
		ReadTimeout:  0,
		WriteTimeout: 5 * time.Second,
		ReapInterval: 30 * time.Second,
		AdminAddr:    "127.0.0.1:7090",
		CORSOrigins:  []string{"http://localhost:3000"},
	}
}

func (c Config) Validate() error {
	path := strings.TrimSpace(c.SocketPath)
	switch {
	case path == "":
		return fmt.Errorf("%w: socket_path is required", ErrInvalidConfig)
	case len(path) > maxSocketPath:
		return fmt.Errorf("%w: socket_path longer than %d bytes", ErrInvalidConfig, maxSocketPath)
	case c.SocketMode&^os.ModePerm != 0:
		return fmt.Errorf("%w: socket_mode %o has non-permission bits", ErrInvalidConfig, c.SocketMode)
	case c.MaxPayload == 0:
		return fmt.Errorf("%w: max_payload must be positive", ErrInvalidConfig)
	case c.MaxInflight <= 0:
		return fmt.Errorf("%w: max_inflight must be positive", ErrInvalidConfig)
	case c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ReapInterval < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) Limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: c.MaxPayload}
}
