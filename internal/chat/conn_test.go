package chat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/omochice/broadcast-chat/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh      chan []byte
	readErrCh   chan error
	writtenMu   sync.Mutex
	written     [][]byte
	writeErr    error
	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   chat.CloseCode
	closeReason string
	remoteAddr  string
	subprotocol string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		readErrCh:  make(chan error, 1),
		closed:     make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-m.readErrCh:
		return nil, err
	case data, ok := <-m.readCh:
		if !ok {
			return nil, fmt.Errorf("mock read: %w", chat.ErrPeerClosed)
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close(code chat.CloseCode, reason string) error {
	m.closeOnce.Do(func() {
		m.writtenMu.Lock()
		m.closeCode = code
		m.closeReason = reason
		m.writtenMu.Unlock()
		close(m.closed)
	})
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) Subprotocol() string {
	return m.subprotocol
}

// send simulates the client sending a JSON payload.
func (m *mockConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	m.readCh <- data
}

// GetWritten returns the records written so far, decoded with the JSON codec.
func (m *mockConn) GetWritten(t *testing.T) []protocol.Message {
	t.Helper()
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()

	msgs := make([]protocol.Message, 0, len(m.written))
	for _, data := range m.written {
		msg, err := protocol.JSONCodec{}.Decode(data)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}

// waitForWritten blocks until at least n records were written.
func (m *mockConn) waitForWritten(t *testing.T, n int) []protocol.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		m.writtenMu.Lock()
		defer m.writtenMu.Unlock()
		return len(m.written) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d records", n)
	return m.GetWritten(t)
}

func (m *mockConn) waitClosed(t *testing.T) (chat.CloseCode, string) {
	t.Helper()
	select {
	case <-m.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return m.closeCode, m.closeReason
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
