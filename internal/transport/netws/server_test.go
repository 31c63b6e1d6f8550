package netws_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/broadcast-chat/internal/auth"
	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/omochice/broadcast-chat/internal/transport"
	"github.com/omochice/broadcast-chat/internal/transport/netws"
	"github.com/omochice/broadcast-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func startServer(t *testing.T, opts netws.Options) (*netws.Server, *chat.Registry) {
	t.Helper()
	registry := chat.NewRegistry()
	srv := netws.New("127.0.0.1:0", registry, opts)

	errs := make(chan error, 1)
	go func() { errs <- srv.Start() }()

	select {
	case <-srv.Ready():
	case err := <-errs:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, registry
}

func dial(t *testing.T, url string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeText(t *testing.T, c *websocket.Conn, text string) {
	t.Helper()
	data, err := json.Marshal(map[string]string{"text": text})
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, data))
}

func TestServer_Addr(t *testing.T) {
	srv, _ := startServer(t, netws.Options{})

	addr := srv.Addr()
	assert.NotEmpty(t, addr)
	assert.Contains(t, addr, ":")
}

func TestServer_WelcomeAndBroadcast(t *testing.T) {
	srv, registry := startServer(t, netws.Options{})
	url := "ws://" + srv.Addr()

	sender := dial(t, url, nil)
	assert.Equal(t, protocol.Welcome(), readMessage(t, sender))
	receiver := dial(t, url, nil)
	assert.Equal(t, protocol.Welcome(), readMessage(t, receiver))
	require.Eventually(t, func() bool { return registry.Len() == 2 }, time.Second, 5*time.Millisecond)

	writeText(t, sender, "Hello over gobwas")

	msg := readMessage(t, receiver)
	assert.Equal(t, protocol.KindMessage, msg.Type)
	assert.Equal(t, "Hello over gobwas", msg.Text)
	assert.True(t, strings.HasPrefix(msg.Sender, "127.0.0.1:"))
}

func TestServer_PeerCloseDeregisters(t *testing.T) {
	srv, registry := startServer(t, netws.Options{})

	c := dial(t, "ws://"+srv.Addr(), nil)
	readMessage(t, c)
	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool { return registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_ThresholdClosesWithPolicyViolation(t *testing.T) {
	srv, _ := startServer(t, netws.Options{Session: chat.SessionConfig{MessageLengthLimit: 10}})

	c := dial(t, "ws://"+srv.Addr(), nil)
	readMessage(t, c)

	for i := 1; i < chat.DefaultErrorThreshold; i++ {
		writeText(t, c, "this is far too long")
		assert.Equal(t, protocol.TooLong(10), readMessage(t, c))
	}
	writeText(t, c, "this is far too long")
	assert.Equal(t, protocol.ThresholdExceeded(), readMessage(t, c))

	_, _, err := c.Read(context.Background())
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestServer_ProtoSubprotocol(t *testing.T) {
	srv, _ := startServer(t, netws.Options{})

	c := dial(t, "ws://"+srv.Addr(), &websocket.DialOptions{Subprotocols: []string{protocol.SubprotocolProto}})
	assert.Equal(t, protocol.SubprotocolProto, c.Subprotocol())

	typ, data, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	msg, err := protocol.ProtoCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.Welcome(), msg)
}

func TestServer_TokenGate(t *testing.T) {
	issuer, err := auth.NewIssuer("test-secret", nil)
	require.NoError(t, err)
	srv, _ := startServer(t, netws.Options{Gate: &transport.Gate{Verifier: issuer}})
	url := "ws://" + srv.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := issuer.Issue("12")
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	c := dial(t, url, &websocket.DialOptions{HTTPHeader: header})
	assert.Equal(t, protocol.Welcome(), readMessage(t, c))

	q := dial(t, url+"/?token="+token, nil)
	assert.Equal(t, protocol.Welcome(), readMessage(t, q))
}

func TestServer_StopSendsGoingAway(t *testing.T) {
	srv, registry := startServer(t, netws.Options{})
	addr := srv.Addr()

	c := dial(t, "ws://"+addr, nil)
	readMessage(t, c)
	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	_, _, err := c.Read(context.Background())
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Equal(t, 0, registry.Len())

	_, _, err = websocket.Dial(ctx, "ws://"+addr, nil)
	assert.Error(t, err)
}

// rawClient speaks frames directly so a message can be split into
// continuation frames.
type rawClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dialRaw(t *testing.T, url string) *rawClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &rawClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *rawClient) writeFragmented(payload []byte, chunk int) error {
	op := ws.OpText
	for len(payload) > 0 {
		n := min(chunk, len(payload))
		part := append([]byte(nil), payload[:n]...)
		payload = payload[n:]
		frame := ws.NewFrame(op, len(payload) == 0, part)
		if err := ws.WriteFrame(c.conn, ws.MaskFrameInPlace(frame)); err != nil {
			return err
		}
		op = ws.OpContinuation
	}
	return nil
}

// readUntilClosed drains server frames until the connection ends. The
// server may drop the socket with input still unread, in which case a reset
// can arrive in place of the close frame.
func (c *rawClient) readUntilClosed(t *testing.T) error {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := wsutil.ReadServerText(c.rw); err != nil {
			var ne net.Error
			require.False(t, errors.As(err, &ne) && ne.Timeout(), "server kept the connection open")
			return err
		}
	}
}

func TestServer_ReadLimitCoversFragments(t *testing.T) {
	srv, registry := startServer(t, netws.Options{ReadLimit: 1024})
	url := "ws://" + srv.Addr()

	receiver := dial(t, url, nil)
	readMessage(t, receiver)
	sender := dialRaw(t, url)
	require.Eventually(t, func() bool { return registry.Len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sender.writeFragmented([]byte(`{"text":"split in three"}`), 10))
	msg := readMessage(t, receiver)
	assert.Equal(t, "split in three", msg.Text)

	oversized := []byte(`{"text":"hi"` + strings.Repeat(" ", 64*1024) + `}`)
	_ = sender.writeFragmented(oversized, 512)

	var closed wsutil.ClosedError
	if err := sender.readUntilClosed(t); errors.As(err, &closed) {
		assert.Equal(t, ws.StatusInternalServerError, closed.Code)
	}
	require.Eventually(t, func() bool { return registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := receiver.Read(ctx)
	assert.Error(t, err, "oversized message must not be broadcast")
}
