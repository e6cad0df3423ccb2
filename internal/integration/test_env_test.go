// Package integration drives the assembled messaging pipeline end to end:
// the real broker HTTP surface, the observer gateway and the delivery
// engine, with only the tmux pane transport faked out.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/claude-orc/orc/internal/broker"
	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/common/portutil"
	"github.com/claude-orc/orc/internal/delivery"
	"github.com/claude-orc/orc/internal/events/bus"
	"github.com/claude-orc/orc/internal/gateway"
	"github.com/claude-orc/orc/internal/mailbox"
	"github.com/claude-orc/orc/internal/statemon"
	"github.com/claude-orc/orc/pkg/jsonrpc"
)

// fakePanes records every line injected into a pane in place of tmux.
type fakePanes struct {
	mu    sync.Mutex
	sent  map[int][]string // SendToPane lines (submitted with Enter)
	typed map[int][]string // TypeInPane text (left in the input)
}

func newFakePanes() *fakePanes {
	return &fakePanes{sent: make(map[int][]string), typed: make(map[int][]string)}
}

func (f *fakePanes) SendToPane(_ context.Context, pane int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[pane] = append(f.sent[pane], text)
	return nil
}

func (f *fakePanes) TypeInPane(_ context.Context, pane int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed[pane] = append(f.typed[pane], text)
	return nil
}

func (f *fakePanes) sentLines(pane int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[pane]...)
}

func (f *fakePanes) typedLines(pane int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.typed[pane]...)
}

// fakeRoster maps agent names to panes, standing in for the supervisor.
type fakeRoster struct {
	panes map[string]int
}

func (r *fakeRoster) PaneForAgent(name string) (int, bool) {
	pane, ok := r.panes[name]
	return pane, ok
}

func (r *fakeRoster) RegisteredAgents() []string {
	names := make([]string, 0, len(r.panes))
	for name := range r.panes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fakeStates serves the monitor's view of each agent from a plain map.
type fakeStates struct {
	mu     sync.Mutex
	status map[string]statemon.AgentStatus
}

func newFakeStates() *fakeStates {
	return &fakeStates{status: make(map[string]statemon.AgentStatus)}
}

func (s *fakeStates) set(name string, state statemon.AgentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name] = statemon.AgentStatus{State: state, LastStateUpdate: time.Now()}
}

func (s *fakeStates) GetStatus(name string) (statemon.AgentStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	return st, ok
}

func (s *fakeStates) IncrMessagesSentWhileBusy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[name]
	st.MessagesSentWhileBusy++
	s.status[name] = st
}

// testEnv is one assembled pipeline: three registered agents, a started
// broker with the gateway mounted, and direct handles on the fakes.
type testEnv struct {
	logger  *logger.Logger
	bus     *bus.MemoryEventBus
	box     *mailbox.Mailbox
	panes   *fakePanes
	roster  *fakeRoster
	states  *fakeStates
	engine  *delivery.Engine
	broker  *broker.Server
	gateway *gateway.Gateway
	baseURL string

	nextID atomic.Int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	box := mailbox.New(log)
	panes := newFakePanes()
	roster := &fakeRoster{panes: map[string]int{"alice": 1, "bob": 2, "carol": 3}}
	states := newFakeStates()
	for _, name := range roster.RegisteredAgents() {
		states.set(name, statemon.StateIdle)
	}

	engine := delivery.NewEngine(delivery.Config{NotificationGap: time.Millisecond}, panes, box, roster, states, eventBus, log)
	tools := broker.NewToolHandler(engine, box, roster, eventBus, log)

	port, err := portutil.AllocatePort()
	require.NoError(t, err)
	srv := broker.NewServer(config.BrokerConfig{Host: "127.0.0.1", Port: port, PortAttempts: 50}, tools, log)

	gw := gateway.New(eventBus, log)
	gw.Mount(srv.Router())
	require.NoError(t, gw.Start(context.Background()))

	require.NoError(t, srv.Start())

	env := &testEnv{
		logger:  log,
		bus:     eventBus,
		box:     box,
		panes:   panes,
		roster:  roster,
		states:  states,
		engine:  engine,
		broker:  srv,
		gateway: gw,
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", srv.Port()),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		gw.Stop()
		eventBus.Close()
	})
	return env
}

// rpc posts one JSON-RPC request on the agent's endpoint and decodes the
// response envelope.
func (env *testEnv) rpc(t *testing.T, agent, method string, params interface{}) *jsonrpc.Response {
	t.Helper()

	payload := map[string]interface{}{
		"jsonrpc": jsonrpc.Version,
		"id":      env.nextID.Add(1),
		"method":  method,
	}
	if params != nil {
		payload["params"] = params
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("%s/mcp/%s", env.baseURL, agent), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out jsonrpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

// callTool runs tools/call for the agent and re-decodes the result into
// the broker's ToolResult shape.
func (env *testEnv) callTool(t *testing.T, agent, tool string, args map[string]interface{}) broker.ToolResult {
	t.Helper()

	resp := env.rpc(t, agent, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
	require.Nil(t, resp.Error, "tools/call %s returned a protocol error", tool)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result broker.ToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	return result
}

func resultText(result broker.ToolResult) string {
	parts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n")
}

func asMap(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	m, ok := v.(map[string]interface{})
	require.True(t, ok, "expected a JSON object, got %T", v)
	return m
}
