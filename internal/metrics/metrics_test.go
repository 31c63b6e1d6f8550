package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMetrics_SessionLifecycle(t *testing.T) {
	m := NewChatMetrics(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(chat.ReasonPeerClosed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Disconnects.WithLabelValues(chat.ReasonPeerClosed)))
}

func TestChatMetrics_RegistrationFailureKeepsGauge(t *testing.T) {
	m := NewChatMetrics(prometheus.NewRegistry())

	m.SessionClosed(chat.ReasonRegistrationFailed)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Disconnects.WithLabelValues(chat.ReasonRegistrationFailed)))
}

func TestChatMetrics_Broadcast(t *testing.T) {
	m := NewChatMetrics(prometheus.NewRegistry())

	m.MessageBroadcast(3)
	m.MessageBroadcast(0)
	m.DeliveryDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesBroadcast))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Deliveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedDeliveries))
}

func TestChatMetrics_Rejections(t *testing.T) {
	m := NewChatMetrics(prometheus.NewRegistry())

	m.ValidationFailed(chat.FailureTooLong)
	m.ValidationFailed(chat.FailureTooLong)
	m.ValidationFailed(chat.FailureMalformed)
	m.ConnectionRejected("rate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ValidationErrors.WithLabelValues(chat.FailureTooLong)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationErrors.WithLabelValues(chat.FailureMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectedConnections.WithLabelValues("rate")))
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware("/ws"))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/ws", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for _, path := range []string{"/healthz", "/healthz", "/ws"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/healthz", "200")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestsTotal))
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	m := NewChatMetrics(reg)
	m.SessionOpened()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), "broadcast_chat_active_connections 1")
	assert.Contains(t, string(body), "go_goroutines")
}
