package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type gatewayHarness struct {
	bus *bus.MemoryEventBus
	gw  *Gateway
	ts  *httptest.Server
}

func setupGateway(t *testing.T) *gatewayHarness {
	t.Helper()
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	gw := New(memBus, log)
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(gw.Stop)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	gw.Mount(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &gatewayHarness{bus: memBus, gw: gw, ts: ts}
}

func (h *gatewayHarness) dial(t *testing.T) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorillaws.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	// The write pump batches queued frames newline-separated; the first
	// line is always a complete frame.
	line := data
	if idx := strings.IndexByte(string(data), '\n'); idx >= 0 {
		line = data[:idx]
	}
	var frame Frame
	require.NoError(t, json.Unmarshal(line, &frame))
	return frame
}

func TestGatewayRelaysBusEvents(t *testing.T) {
	h := setupGateway(t)
	conn := h.dial(t)

	require.Eventually(t, func() bool {
		return h.gw.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	err := h.bus.Publish(ctx, events.BuildAgentStateSubject("alice"),
		bus.NewEvent(events.AgentStateChanged, "supervisor", map[string]interface{}{
			"agent": "alice",
			"from":  "initializing",
			"to":    "idle",
		}))
	require.NoError(t, err)

	frame := readFrame(t, conn)
	assert.Equal(t, events.AgentStateChanged, frame.Type)
	assert.Equal(t, "alice", frame.Data["agent"])
	assert.Equal(t, "idle", frame.Data["to"])
	assert.False(t, frame.TS.IsZero())
}

func TestGatewayRelaysAllSubjectGroups(t *testing.T) {
	h := setupGateway(t)
	conn := h.dial(t)

	require.Eventually(t, func() bool {
		return h.gw.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	published := []struct {
		subject   string
		eventType string
	}{
		{events.BuildMessageQueuedSubject("bob"), events.MessageQueued},
		{events.ReminderSent, events.ReminderSent},
		{events.BuildAnomalySubject("bob"), events.AnomalyDetected},
	}
	for _, p := range published {
		require.NoError(t, h.bus.Publish(ctx, p.subject,
			bus.NewEvent(p.eventType, "test", map[string]interface{}{"agent": "bob"})))
	}

	var got []string
	for len(got) < len(published) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		for _, line := range strings.Split(string(data), "\n") {
			if line == "" {
				continue
			}
			var frame Frame
			require.NoError(t, json.Unmarshal([]byte(line), &frame))
			got = append(got, frame.Type)
		}
	}
	assert.Equal(t, []string{events.MessageQueued, events.ReminderSent, events.AnomalyDetected}, got)
}

func TestGatewayIgnoresUnrelatedSubjects(t *testing.T) {
	h := setupGateway(t)
	conn := h.dial(t)

	require.Eventually(t, func() bool {
		return h.gw.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, h.bus.Publish(ctx, events.SupervisorStarted,
		bus.NewEvent(events.SupervisorStarted, "supervisor", nil)))
	require.NoError(t, h.bus.Publish(ctx, events.BuildMessageDeliveredSubject("alice"),
		bus.NewEvent(events.MessageDelivered, "delivery", map[string]interface{}{"to": "alice"})))

	// The first frame through must be the delivery, not the supervisor
	// lifecycle event, as supervisor.> is not relayed.
	frame := readFrame(t, conn)
	assert.Equal(t, events.MessageDelivered, frame.Type)
}

func TestGatewayDiscardsObserverFrames(t *testing.T) {
	h := setupGateway(t)
	conn := h.dial(t)

	require.Eventually(t, func() bool {
		return h.gw.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Observer input carries no meaning; the connection must survive it.
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte(`{"action":"subscribe"}`)))

	ctx := context.Background()
	require.NoError(t, h.bus.Publish(ctx, events.BuildMessageQueuedSubject("alice"),
		bus.NewEvent(events.MessageQueued, "delivery", map[string]interface{}{"to": "alice"})))

	frame := readFrame(t, conn)
	assert.Equal(t, events.MessageQueued, frame.Type)
	assert.Equal(t, 1, h.gw.Hub().ClientCount())
}

func TestGatewayClientDisconnect(t *testing.T) {
	h := setupGateway(t)
	conn := h.dial(t)

	require.Eventually(t, func() bool {
		return h.gw.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return h.gw.Hub().ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayStopClosesObservers(t *testing.T) {
	h := setupGateway(t)
	conn := h.dial(t)

	require.Eventually(t, func() bool {
		return h.gw.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.gw.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Stop is idempotent.
	h.gw.Stop()
}
