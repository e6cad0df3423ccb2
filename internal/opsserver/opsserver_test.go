package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-orc/orc/internal/archive"
	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/contextreg"
	"github.com/claude-orc/orc/internal/mailbox"
	"github.com/claude-orc/orc/internal/statemon"
	"github.com/claude-orc/orc/internal/supervisor"
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

type fakeRoster struct {
	agents []supervisor.Agent
}

func (f *fakeRoster) Agents() []supervisor.Agent { return f.agents }

type sentMessage struct {
	to, from, body string
	priority       mailbox.Priority
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeMessenger) SendMessageToAgent(ctx context.Context, to, from, body string, priority mailbox.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to: to, from: from, body: body, priority: priority})
	return nil
}

type fakeContexts struct {
	contexts []*contextreg.TeamContext
	err      error
}

func (f *fakeContexts) List() ([]*contextreg.TeamContext, error) { return f.contexts, f.err }

type fakeMessageLog struct {
	messages []archive.Message
	err      error
	gotLimit int
}

func (f *fakeMessageLog) RecentMessages(ctx context.Context, limit int) ([]archive.Message, error) {
	f.gotLimit = limit
	return f.messages, f.err
}

func testDeps(t *testing.T) (Deps, *fakeMessenger) {
	t.Helper()
	log := newTestLogger(t)
	messenger := &fakeMessenger{}
	deps := Deps{
		Roster: &fakeRoster{agents: []supervisor.Agent{
			{Name: "alice", Role: "lead", Model: "sonnet", PaneIndex: 0, TranscriptID: "t-alice"},
			{Name: "bob", Model: "sonnet", PaneIndex: 1},
		}},
		States:   statemon.NewMonitor(nil, log),
		Mailbox:  mailbox.New(log),
		Delivery: messenger,
		Contexts: &fakeContexts{},
	}
	return deps, messenger
}

func callReq(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func TestListAgentsTool(t *testing.T) {
	t.Run("lists the roster in pane order", func(t *testing.T) {
		deps, _ := testDeps(t)
		res, err := listAgentsHandler(deps)(context.Background(), callReq("orc_list_agents", nil))
		require.NoError(t, err)
		require.False(t, res.IsError)

		var rows []agentRow
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rows))
		require.Len(t, rows, 2)
		assert.Equal(t, "alice", rows[0].Name)
		assert.Equal(t, "lead", rows[0].Role)
		assert.Equal(t, 0, rows[0].Pane)
		assert.Equal(t, "t-alice", rows[0].TranscriptID)
		assert.Equal(t, "bob", rows[1].Name)
		assert.Equal(t, 1, rows[1].Pane)
	})

	t.Run("empty roster", func(t *testing.T) {
		deps, _ := testDeps(t)
		deps.Roster = &fakeRoster{}
		res, err := listAgentsHandler(deps)(context.Background(), callReq("orc_list_agents", nil))
		require.NoError(t, err)
		assert.Equal(t, "No agents registered", resultText(t, res))
	})
}

func TestTeamStatusTool(t *testing.T) {
	deps, _ := testDeps(t)
	deps.States.Register("alice")
	deps.Mailbox.Append("alice", mailbox.Message{From: "bob", To: "alice", Body: "hi"})
	deps.Mailbox.Append("alice", mailbox.Message{From: "bob", To: "alice", Body: "again"})

	res, err := teamStatusHandler(deps)(context.Background(), callReq("orc_team_status", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var rows []statusRow
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rows))
	require.Len(t, rows, 2)

	assert.Equal(t, "alice", rows[0].Agent)
	assert.Equal(t, string(statemon.StateInitializing), rows[0].State)
	assert.Equal(t, 2, rows[0].PendingMessages)

	// bob was never observed, so his state is reported unknown.
	assert.Equal(t, "bob", rows[1].Agent)
	assert.Equal(t, string(statemon.StateUnknown), rows[1].State)
	assert.Equal(t, 0, rows[1].PendingMessages)
}

func TestSendMessageTool(t *testing.T) {
	log := newTestLogger(t)

	t.Run("sends as operator", func(t *testing.T) {
		deps, messenger := testDeps(t)
		res, err := sendMessageHandler(deps, log)(context.Background(), callReq("orc_send_message", map[string]interface{}{
			"agent":   "alice",
			"message": "status report please",
		}))
		require.NoError(t, err)
		require.False(t, res.IsError)
		assert.Equal(t, "Message sent to alice", resultText(t, res))

		require.Len(t, messenger.sent, 1)
		assert.Equal(t, "alice", messenger.sent[0].to)
		assert.Equal(t, "operator", messenger.sent[0].from)
		assert.Equal(t, "status report please", messenger.sent[0].body)
		assert.Equal(t, mailbox.PriorityNormal, messenger.sent[0].priority)
	})

	t.Run("high priority", func(t *testing.T) {
		deps, messenger := testDeps(t)
		res, err := sendMessageHandler(deps, log)(context.Background(), callReq("orc_send_message", map[string]interface{}{
			"agent":    "bob",
			"message":  "stop what you are doing",
			"priority": "high",
		}))
		require.NoError(t, err)
		require.False(t, res.IsError)
		require.Len(t, messenger.sent, 1)
		assert.Equal(t, mailbox.PriorityHigh, messenger.sent[0].priority)
	})

	t.Run("missing agent is a tool error", func(t *testing.T) {
		deps, messenger := testDeps(t)
		res, err := sendMessageHandler(deps, log)(context.Background(), callReq("orc_send_message", map[string]interface{}{
			"message": "hi",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Empty(t, messenger.sent)
	})

	t.Run("delivery failure is a tool error", func(t *testing.T) {
		deps, messenger := testDeps(t)
		messenger.err = errors.New("unknown agent: mallory")
		res, err := sendMessageHandler(deps, log)(context.Background(), callReq("orc_send_message", map[string]interface{}{
			"agent":   "mallory",
			"message": "hi",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestListContextsTool(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Contexts = &fakeContexts{contexts: []*contextreg.TeamContext{
		{
			ContextName: "sprint-review",
			TmuxSession: "orc-sprint-review",
			CreatedAt:   time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
			Agents: []contextreg.AgentInfo{
				{Name: "alice"}, {Name: "bob"},
			},
		},
	}}

	res, err := listContextsHandler(deps)(context.Background(), callReq("orc_list_contexts", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var rows []contextRow
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "sprint-review", rows[0].ContextName)
	assert.Equal(t, "orc-sprint-review", rows[0].TmuxSession)
	assert.Equal(t, 2, rows[0].Agents)
}

func TestRecentAnomaliesTool(t *testing.T) {
	deps, _ := testDeps(t)
	history := deps.States.History()
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		history.Add(statemon.AnomalyRecord{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			AgentName: "alice",
			Type:      statemon.AnomalyIncompleteBox,
		})
	}
	history.Add(statemon.AnomalyRecord{
		Timestamp: base.Add(10 * time.Second),
		AgentName: "bob",
		Type:      statemon.AnomalyMultipleInputBoxes,
	})

	t.Run("filters by agent", func(t *testing.T) {
		res, err := recentAnomaliesHandler(deps)(context.Background(), callReq("orc_recent_anomalies", map[string]interface{}{
			"agent": "bob",
		}))
		require.NoError(t, err)
		var records []statemon.AnomalyRecord
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &records))
		require.Len(t, records, 1)
		assert.Equal(t, statemon.AnomalyMultipleInputBoxes, records[0].Type)
	})

	t.Run("keeps the newest records under the limit", func(t *testing.T) {
		res, err := recentAnomaliesHandler(deps)(context.Background(), callReq("orc_recent_anomalies", map[string]interface{}{
			"limit": float64(3),
		}))
		require.NoError(t, err)
		var records []statemon.AnomalyRecord
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &records))
		require.Len(t, records, 3)
		assert.Equal(t, "bob", records[2].AgentName)
	})

	t.Run("empty history", func(t *testing.T) {
		fresh, _ := testDeps(t)
		res, err := recentAnomaliesHandler(fresh)(context.Background(), callReq("orc_recent_anomalies", nil))
		require.NoError(t, err)
		assert.Equal(t, "No anomalies recorded", resultText(t, res))
	})
}

func TestRecentMessagesTool(t *testing.T) {
	t.Run("archive disabled", func(t *testing.T) {
		deps, _ := testDeps(t)
		res, err := recentMessagesHandler(deps)(context.Background(), callReq("orc_recent_messages", nil))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("returns archived rows with the default limit", func(t *testing.T) {
		deps, _ := testDeps(t)
		msgLog := &fakeMessageLog{messages: []archive.Message{
			{ID: "m1", Sender: "alice", Recipient: "bob", Body: "done", Kind: archive.KindMessage},
		}}
		deps.Archive = msgLog

		res, err := recentMessagesHandler(deps)(context.Background(), callReq("orc_recent_messages", nil))
		require.NoError(t, err)
		require.False(t, res.IsError)
		assert.Equal(t, defaultRecentLimit, msgLog.gotLimit)

		var rows []archive.Message
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rows))
		require.Len(t, rows, 1)
		assert.Equal(t, "alice", rows[0].Sender)
	})
}

func TestServerStartStop(t *testing.T) {
	deps, _ := testDeps(t)
	srv := New(config.OpsConfig{Enabled: true, Port: 0}, deps, newTestLogger(t))

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))
	require.NotZero(t, srv.Port())

	// The listener must be accepting before Start returns.
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(stopCtx))

	// Stop again is a no-op.
	require.NoError(t, srv.Stop(stopCtx))
}
