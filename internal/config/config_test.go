package config

import (
	"testing"
	"time"

	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":3001", cfg.Addr)
	assert.Equal(t, TransportHTTP, cfg.Transport)
	assert.Equal(t, 1000, cfg.MessageLengthLimit)
	assert.Equal(t, 5, cfg.ErrorThreshold)
	assert.Equal(t, "standard", cfg.LivenessProfile)
	assert.Equal(t, 16, cfg.SendBuffer)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	assert.Equal(t, int64(65536), cfg.MaxReadBytes)
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.Equal(t, 100, cfg.MaxConnectionsPerIP)
	assert.InDelta(t, 10.0, cfg.ConnectionsPerSecond, 0.001)
	assert.Equal(t, 20, cfg.ConnectionBurst)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.AuthEnabled())
	assert.Equal(t, chat.StandardLiveness, cfg.Liveness())
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("ADDR", "127.0.0.1:9090")
	t.Setenv("TRANSPORT", "net")
	t.Setenv("MESSAGE_LENGTH_LIMIT", "200")
	t.Setenv("LIVENESS_PROFILE", "fast")
	t.Setenv("WRITE_TIMEOUT", "250ms")
	t.Setenv("TOKEN_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr)
	assert.Equal(t, TransportNet, cfg.Transport)
	assert.Equal(t, 200, cfg.MessageLengthLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.WriteTimeout)
	assert.Equal(t, chat.FastLiveness, cfg.Liveness())
	assert.True(t, cfg.AuthEnabled())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"unknown transport", "TRANSPORT", "udp", `TRANSPORT must be "http" or "net", got "udp"`},
		{"unknown profile", "LIVENESS_PROFILE", "slow", `LIVENESS_PROFILE must be "standard" or "fast", got "slow"`},
		{"zero limit", "MESSAGE_LENGTH_LIMIT", "0", "MESSAGE_LENGTH_LIMIT must be positive"},
		{"negative threshold", "ERROR_THRESHOLD", "-1", "ERROR_THRESHOLD must be positive"},
		{"zero send buffer", "SEND_BUFFER", "0", "SEND_BUFFER must be positive"},
		{"zero rate", "CONNECTIONS_PER_SECOND", "0", "CONNECTIONS_PER_SECOND must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_MalformedDuration(t *testing.T) {
	t.Setenv("WRITE_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load environment variables")
}
