// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/omochice/broadcast-chat/internal/chat"
	"go-simpler.org/env"
)

// Transport names accepted by TRANSPORT.
const (
	TransportHTTP = "http"
	TransportNet  = "net"
)

type Config struct {
	Addr      string `env:"ADDR" default:":3001"`
	Transport string `env:"TRANSPORT" default:"http"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	MessageLengthLimit int    `env:"MESSAGE_LENGTH_LIMIT" default:"1000"`
	ErrorThreshold     int    `env:"ERROR_THRESHOLD" default:"5"`
	LivenessProfile    string `env:"LIVENESS_PROFILE" default:"standard"`
	// SendBuffer is the per-session outbound queue. Broadcasts to a client
	// whose queue is full are dropped, so raise it for bursty rooms.
	SendBuffer   int           `env:"SEND_BUFFER" default:"16"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" default:"5s"`
	MaxReadBytes int64         `env:"MAX_READ_BYTES" default:"65536"`

	TokenSecret string `env:"TOKEN_SECRET"`
	StaticDir   string `env:"STATIC_DIR"`

	MaxConnections       int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP  int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionsPerSecond float64 `env:"CONNECTIONS_PER_SECOND" default:"10"`
	ConnectionBurst      int     `env:"CONNECTION_BURST" default:"20"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Liveness resolves LIVENESS_PROFILE. Load has already validated it.
func (c *Config) Liveness() chat.Liveness {
	l, _ := chat.LivenessProfile(c.LivenessProfile)
	return l
}

// AuthEnabled reports whether connections must present a token.
func (c *Config) AuthEnabled() bool {
	return c.TokenSecret != ""
}

func validate(cfg *Config) error {
	if cfg.Addr == "" {
		return errors.New("ADDR is required")
	}
	if cfg.Transport != TransportHTTP && cfg.Transport != TransportNet {
		return fmt.Errorf("TRANSPORT must be %q or %q, got %q", TransportHTTP, TransportNet, cfg.Transport)
	}
	if _, ok := chat.LivenessProfile(cfg.LivenessProfile); !ok {
		return fmt.Errorf("LIVENESS_PROFILE must be \"standard\" or \"fast\", got %q", cfg.LivenessProfile)
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"MESSAGE_LENGTH_LIMIT", int64(cfg.MessageLengthLimit)},
		{"ERROR_THRESHOLD", int64(cfg.ErrorThreshold)},
		{"SEND_BUFFER", int64(cfg.SendBuffer)},
		{"MAX_READ_BYTES", cfg.MaxReadBytes},
		{"MAX_CONNECTIONS", int64(cfg.MaxConnections)},
		{"MAX_CONNECTIONS_PER_IP", int64(cfg.MaxConnectionsPerIP)},
		{"CONNECTION_BURST", int64(cfg.ConnectionBurst)},
		{"WRITE_TIMEOUT", int64(cfg.WriteTimeout)},
		{"SHUTDOWN_TIMEOUT", int64(cfg.ShutdownTimeout)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if cfg.ConnectionsPerSecond <= 0 {
		return errors.New("CONNECTIONS_PER_SECOND must be positive")
	}

	return nil
}
