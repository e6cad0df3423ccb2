package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-orc/orc/internal/archive"
	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/contextreg"
	"github.com/claude-orc/orc/internal/events/bus"
	"github.com/claude-orc/orc/internal/forkdetect"
	"github.com/claude-orc/orc/internal/layout"
	"github.com/claude-orc/orc/internal/statemon"
)

const (
	idlePane = "╭─╮\n│ > │\n╰─╯"
	busyPane = "✳ Cogitating…\n\n╭─╮\n│ > │\n╰─╯"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type paneWrite struct {
	pane int
	text string
}

// fakeTerminal is a scripted Terminal. Every mutation is recorded; pane
// captures are whatever the test last staged.
type fakeTerminal struct {
	mu          sync.Mutex
	session     string
	exists      bool
	createErr   error
	sendErr     error
	created     []int
	killed      int
	sent        []paneWrite
	typed       []paneWrite
	titles      map[int][]string
	annotations map[int]map[string]string
	captures    map[int]string
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		session:     "orc-demo",
		titles:      make(map[int][]string),
		annotations: make(map[int]map[string]string),
		captures:    make(map[int]string),
	}
}

func (f *fakeTerminal) SessionName() string { return f.session }

func (f *fakeTerminal) SessionExists(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists
}

func (f *fakeTerminal) CreateSession(_ context.Context, numPanes int, _ bool, _ layout.Layout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, numPanes)
	f.exists = true
	return nil
}

func (f *fakeTerminal) SendToPane(_ context.Context, pane int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, paneWrite{pane: pane, text: text})
	return nil
}

func (f *fakeTerminal) TypeInPane(_ context.Context, pane int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, paneWrite{pane: pane, text: text})
	return nil
}

func (f *fakeTerminal) CapturePane(_ context.Context, pane int, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[pane], nil
}

func (f *fakeTerminal) SetPaneTitle(_ context.Context, pane int, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[pane] = append(f.titles[pane], title)
	return nil
}

func (f *fakeTerminal) SetPaneAnnotation(_ context.Context, pane int, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.annotations[pane] == nil {
		f.annotations[pane] = make(map[string]string)
	}
	f.annotations[pane][key] = value
	return nil
}

func (f *fakeTerminal) KillSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	f.exists = false
	return nil
}

func (f *fakeTerminal) setCapture(pane int, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures[pane] = text
}

func (f *fakeTerminal) sentTexts(pane int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.sent {
		if w.pane == pane {
			out = append(out, w.text)
		}
	}
	return out
}

func (f *fakeTerminal) paneContains(pane int, substr string) bool {
	for _, text := range f.sentTexts(pane) {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

func (f *fakeTerminal) lastTitle(pane int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	titles := f.titles[pane]
	if len(titles) == 0 {
		return ""
	}
	return titles[len(titles)-1]
}

func (f *fakeTerminal) annotation(pane int, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.annotations[pane][key]
}

func (f *fakeTerminal) sessionsKilled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeTerminal) sessionsCreated() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.created...)
}

// eventSink collects bus events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (es *eventSink) handler(_ context.Context, event *bus.Event) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.events = append(es.events, event)
	return nil
}

func (es *eventSink) byType(eventType string) []*bus.Event {
	es.mu.Lock()
	defer es.mu.Unlock()
	var out []*bus.Event
	for _, e := range es.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// testRig wires a supervisor against a fake terminal, a real in-memory
// bus, archive and registry, and a launch command builder that plays the
// launcher's part: it reports a transcript id and creates the transcript
// file the supervisor will tail.
type testRig struct {
	sup      *Supervisor
	term     *fakeTerminal
	bus      *bus.MemoryEventBus
	store    *archive.Store
	registry *contextreg.Registry
	detector *forkdetect.Detector

	contextName string
	workDir     string
	scratchRoot string
	launcher    string
	proxy       string

	launchMu sync.Mutex
	launches map[string]LaunchSpec
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	log := newTestLogger(t)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	store, err := archive.Open(config.ArchiveConfig{Enabled: true, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := contextreg.NewRegistry(config.RegistryConfig{
		Path: filepath.Join(t.TempDir(), "team_contexts.json"),
	}, nil, log)

	detector := forkdetect.NewDetector(forkdetect.Config{ProjectsRoot: t.TempDir()}, log)

	toolsDir := t.TempDir()
	launcher := filepath.Join(toolsDir, "launch-agent.sh")
	require.NoError(t, os.WriteFile(launcher, []byte("#!/bin/sh\n"), 0o755))
	proxy := filepath.Join(toolsDir, "mcp_proxy.py")
	require.NoError(t, os.WriteFile(proxy, []byte("# proxy\n"), 0o644))

	rig := &testRig{
		term:        newFakeTerminal(),
		bus:         memBus,
		store:       store,
		registry:    registry,
		detector:    detector,
		contextName: "demo",
		workDir:     t.TempDir(),
		scratchRoot: t.TempDir(),
		launcher:    launcher,
		proxy:       proxy,
		launches:    make(map[string]LaunchSpec),
	}

	cfg := Config{
		ContextName:       rig.contextName,
		WorkingDir:        rig.workDir,
		PollInterval:      15 * time.Millisecond,
		StateInterval:     15 * time.Millisecond,
		InterruptCooldown: 250 * time.Millisecond,
		Stabilization:     time.Millisecond,
		IDFileWait:        200 * time.Millisecond,
		LauncherPath:      launcher,
		ProxyScript:       proxy,
		DefaultModel:      "sonnet",
		ScratchRoot:       rig.scratchRoot,
		BuildLaunchCommand: func(launcherPath string, spec LaunchSpec) string {
			return rig.playLauncher(spec)
		},
	}

	sup, err := New(cfg, Deps{
		Terminal: rig.term,
		EventBus: memBus,
		Archive:  store,
		Registry: registry,
		Detector: detector,
		Logger:   log,
	})
	require.NoError(t, err)
	rig.sup = sup
	t.Cleanup(sup.Stop)
	return rig
}

// playLauncher stands in for the launcher script: it records the spec,
// writes the id file with the transcript id the "child" chose, and
// creates the transcript file so the monitor binds immediately. Fresh
// launches pick a new id; resumed ones keep the one they were given.
func (rig *testRig) playLauncher(spec LaunchSpec) string {
	rig.launchMu.Lock()
	rig.launches[spec.AgentName] = spec
	rig.launchMu.Unlock()

	actual := "real-" + spec.AgentName
	if spec.Resume {
		actual = spec.TranscriptID
	}
	_ = os.WriteFile(spec.IDFile, []byte(actual+"\n"), 0o644)

	dir := rig.detector.TranscriptDir(rig.contextName, spec.AgentName, spec.WorkingDir)
	_ = os.MkdirAll(dir, 0o755)
	path := filepath.Join(dir, actual+".jsonl")
	if _, err := os.Stat(path); err != nil {
		_ = os.WriteFile(path, nil, 0o644)
	}
	return "launch " + spec.AgentName
}

func (rig *testRig) launchSpec(t *testing.T, agent string) LaunchSpec {
	t.Helper()
	rig.launchMu.Lock()
	defer rig.launchMu.Unlock()
	spec, ok := rig.launches[agent]
	require.True(t, ok, "no launch recorded for %s", agent)
	return spec
}

func (rig *testRig) register(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, rig.sup.Register(AgentSpec{
			Name:         name,
			TranscriptID: "placeholder-" + name,
			SystemPrompt: "You are " + name + ".",
		}))
	}
}

func (rig *testRig) start(t *testing.T, names ...string) {
	t.Helper()
	rig.register(t, names...)
	require.NoError(t, rig.sup.Start(context.Background(), 8767))
}

func (rig *testRig) agent(t *testing.T, name string) Agent {
	t.Helper()
	for _, a := range rig.sup.Agents() {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("agent %s not registered", name)
	return Agent{}
}

var recSeq int64

func transcriptRecord(kind, text string) string {
	n := atomic.AddInt64(&recSeq, 1)
	var content interface{} = text
	if kind == "assistant" {
		content = []map[string]string{{"type": "text", "text": text}}
	}
	rec := map[string]interface{}{
		"uuid":      fmt.Sprintf("u-%d", n),
		"sessionId": "s-test",
		"type":      kind,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"message":   map[string]interface{}{"content": content},
	}
	data, _ := json.Marshal(rec)
	return string(data) + "\n"
}

func (rig *testRig) appendTranscript(t *testing.T, agent, record string) {
	t.Helper()
	path := rig.agent(t, agent).TranscriptPath
	require.NotEmpty(t, path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(record)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestRegister(t *testing.T) {
	t.Run("assigns pane indexes in registration order", func(t *testing.T) {
		rig := newTestRig(t)
		rig.register(t, "alice", "bob")

		assert.Equal(t, []string{"alice", "bob"}, rig.sup.RegisteredAgents())
		pane, ok := rig.sup.PaneForAgent("bob")
		require.True(t, ok)
		assert.Equal(t, 1, pane)

		alice := rig.agent(t, "alice")
		assert.Equal(t, "sonnet", alice.Model, "default model fills empty specs")
		assert.Equal(t, rig.workDir, alice.WorkingDir, "default working dir fills empty specs")
	})

	t.Run("publishes agent.registered", func(t *testing.T) {
		rig := newTestRig(t)
		registered := &eventSink{}
		_, err := rig.bus.Subscribe("agent.registered", registered.handler)
		require.NoError(t, err)

		require.NoError(t, rig.sup.Register(AgentSpec{Name: "alice", Role: "dev"}))

		evs := registered.byType("agent.registered")
		require.Len(t, evs, 1)
		assert.Equal(t, "alice", evs[0].Data["agent"])
		assert.Equal(t, "dev", evs[0].Data["role"])
		assert.Equal(t, 0, evs[0].Data["pane"])
	})

	t.Run("rejects duplicate names case-insensitively", func(t *testing.T) {
		rig := newTestRig(t)
		require.NoError(t, rig.sup.Register(AgentSpec{Name: "Dev"}))
		assert.ErrorIs(t, rig.sup.Register(AgentSpec{Name: "dev"}), ErrAgentExists)
	})

	t.Run("rejects blank names", func(t *testing.T) {
		rig := newTestRig(t)
		assert.Error(t, rig.sup.Register(AgentSpec{Name: "  "}))
	})

	t.Run("closes once the supervisor is running", func(t *testing.T) {
		rig := newTestRig(t)
		rig.start(t, "alice")
		assert.ErrorIs(t, rig.sup.Register(AgentSpec{Name: "late"}), ErrAlreadyRunning)
	})
}

func TestStartLaunchesAgents(t *testing.T) {
	rig := newTestRig(t)
	started := &eventSink{}
	_, err := rig.bus.Subscribe("supervisor.started", started.handler)
	require.NoError(t, err)
	agentsUp := &eventSink{}
	_, err = rig.bus.Subscribe("agent.started", agentsUp.handler)
	require.NoError(t, err)

	rig.start(t, "alice", "bob")

	t.Run("creates one session sized to the roster", func(t *testing.T) {
		assert.Equal(t, []int{2}, rig.term.sessionsCreated())
	})

	t.Run("hands the launcher everything it needs", func(t *testing.T) {
		spec := rig.launchSpec(t, "alice")
		assert.Equal(t, "placeholder-alice", spec.TranscriptID)
		assert.Equal(t, "demo", spec.Context)
		assert.Equal(t, "sonnet", spec.Model)
		assert.False(t, spec.Resume)

		prompt, err := os.ReadFile(spec.PromptFile)
		require.NoError(t, err)
		assert.Equal(t, "You are alice.", string(prompt))
	})

	t.Run("writes the MCP proxy config the agent CLI expects", func(t *testing.T) {
		spec := rig.launchSpec(t, "alice")
		require.NotEmpty(t, spec.MCPConfigPath)

		data, err := os.ReadFile(spec.MCPConfigPath)
		require.NoError(t, err)
		var catalog struct {
			Servers map[string]struct {
				Command string            `json:"command"`
				Args    []string          `json:"args"`
				Env     map[string]string `json:"env"`
			} `json:"mcpServers"`
		}
		require.NoError(t, json.Unmarshal(data, &catalog))
		orch, ok := catalog.Servers["orchestrator"]
		require.True(t, ok)
		assert.Equal(t, "python3", orch.Command)

		scratch := filepath.Dir(filepath.Dir(spec.IDFile))
		require.Len(t, orch.Args, 1)
		assert.Equal(t, filepath.Join(scratch, "bin", "mcp_proxy.py"), orch.Args[0])
		assert.Equal(t, "alice", orch.Env["AGENT_NAME"])
		assert.Equal(t, "http://localhost:8767", orch.Env["ORCHESTRATOR_URL"])
	})

	t.Run("adopts the transcript id the launcher reports", func(t *testing.T) {
		alice := rig.agent(t, "alice")
		assert.Equal(t, "real-alice", alice.TranscriptID)

		wantDir := rig.detector.TranscriptDir("demo", "alice", rig.workDir)
		assert.Equal(t, filepath.Join(wantDir, "real-alice.jsonl"), alice.TranscriptPath)
		_, err := os.Stat(alice.TranscriptPath)
		assert.NoError(t, err)
	})

	t.Run("annotates each pane with its agent", func(t *testing.T) {
		assert.Equal(t, "alice", rig.term.annotation(0, "agent_name"))
		assert.Equal(t, "bob", rig.term.annotation(1, "agent_name"))
	})

	t.Run("sends every agent a one-line init message", func(t *testing.T) {
		assert.True(t, rig.term.paneContains(0, `[ORC] You are agent "alice" in team context "demo"`))
		assert.True(t, rig.term.paneContains(1, `[ORC] You are agent "bob" in team context "demo"`))
	})

	t.Run("publishes supervisor.started", func(t *testing.T) {
		evs := started.byType("supervisor.started")
		require.Len(t, evs, 1)
		assert.Equal(t, 2, evs[0].Data["agents"])
		assert.Equal(t, 8767, evs[0].Data["mcp_port"])
	})

	t.Run("publishes agent.started per agent in pane order", func(t *testing.T) {
		evs := agentsUp.byType("agent.started")
		require.Len(t, evs, 2)
		assert.Equal(t, "alice", evs[0].Data["agent"])
		assert.Equal(t, 0, evs[0].Data["pane"])
		assert.Equal(t, "real-alice", evs[0].Data["transcript_id"])
		assert.Equal(t, "bob", evs[1].Data["agent"])
		assert.Equal(t, 1, evs[1].Data["pane"])
	})

	t.Run("refuses a second start", func(t *testing.T) {
		assert.ErrorIs(t, rig.sup.Start(context.Background(), 8767), ErrAlreadyRunning)
	})
}

func TestStartValidation(t *testing.T) {
	t.Run("fails with an empty roster", func(t *testing.T) {
		rig := newTestRig(t)
		assert.ErrorIs(t, rig.sup.Start(context.Background(), 0), ErrNoAgents)
	})

	t.Run("fails when the launcher script is missing", func(t *testing.T) {
		rig := newTestRig(t)
		rig.register(t, "alice")
		require.NoError(t, os.Remove(rig.launcher))

		err := rig.sup.Start(context.Background(), 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "launcher script not found")
		assert.False(t, rig.sup.Running())
		assert.Empty(t, rig.term.sessionsCreated())
	})

	t.Run("fails when the proxy is missing and a port was given", func(t *testing.T) {
		rig := newTestRig(t)
		rig.register(t, "alice")
		require.NoError(t, os.Remove(rig.proxy))

		err := rig.sup.Start(context.Background(), 8767)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "proxy script not found")
	})

	t.Run("skips the proxy entirely when the broker is off", func(t *testing.T) {
		rig := newTestRig(t)
		require.NoError(t, os.Remove(rig.proxy))
		rig.register(t, "alice")

		require.NoError(t, rig.sup.Start(context.Background(), 0))
		assert.Empty(t, rig.launchSpec(t, "alice").MCPConfigPath)
	})

	t.Run("a failed launch kills the session and removes the scratch tree", func(t *testing.T) {
		rig := newTestRig(t)
		rig.register(t, "alice")
		rig.term.sendErr = errors.New("pane gone")

		err := rig.sup.Start(context.Background(), 8767)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "launch alice")

		assert.False(t, rig.sup.Running())
		assert.Equal(t, 1, rig.term.sessionsKilled())
		entries, readErr := os.ReadDir(rig.scratchRoot)
		require.NoError(t, readErr)
		assert.Empty(t, entries, "scratch directory should be removed")
		_, tracked := rig.sup.States().GetStatus("alice")
		assert.False(t, tracked, "state monitor should forget unwound agents")

		// The roster survives so the embedder can fix the cause and retry.
		assert.Equal(t, []string{"alice"}, rig.sup.RegisteredAgents())
	})
}

func TestStatePolling(t *testing.T) {
	rig := newTestRig(t)
	states := &eventSink{}
	_, err := rig.bus.Subscribe("agent.state.changed.*", states.handler)
	require.NoError(t, err)

	rig.start(t, "alice")
	rig.term.setCapture(0, idlePane)

	require.Eventually(t, func() bool {
		status, ok := rig.sup.States().GetStatus("alice")
		return ok && status.State == statemon.StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("renders the pane title from state", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return rig.term.lastTitle(0) == "○ alice [idle]"
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, "idle", rig.term.annotation(0, "agent_state"))
	})

	t.Run("publishes state changes with agent, from and to", func(t *testing.T) {
		evs := states.byType("agent.state.changed")
		require.NotEmpty(t, evs)
		last := evs[len(evs)-1]
		assert.Equal(t, "alice", last.Data["agent"])
		assert.Equal(t, "idle", last.Data["to"])
		assert.NotEmpty(t, last.Data["from"])
	})

	t.Run("badges the title with unread mail", func(t *testing.T) {
		rig.sup.Mailbox().Append("alice", queuedMessage("bob", "ping", "hello"))
		require.Eventually(t, func() bool {
			return rig.term.lastTitle(0) == "○ alice [idle] ✉1"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("tracks the pane back to busy", func(t *testing.T) {
		rig.term.setCapture(0, busyPane)
		require.Eventually(t, func() bool {
			return strings.HasPrefix(rig.term.lastTitle(0), "● alice [busy]")
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestStopCleansUp(t *testing.T) {
	rig := newTestRig(t)
	stopped := &eventSink{}
	_, err := rig.bus.Subscribe("supervisor.stopped", stopped.handler)
	require.NoError(t, err)
	agentsDown := &eventSink{}
	_, err = rig.bus.Subscribe("agent.stopped", agentsDown.handler)
	require.NoError(t, err)

	rig.start(t, "alice", "bob")
	rig.sup.Mailbox().Append("alice", queuedMessage("bob", "x", "y"))

	rig.sup.Stop()

	assert.False(t, rig.sup.Running())
	assert.Equal(t, 1, rig.term.sessionsKilled())
	assert.Empty(t, rig.sup.RegisteredAgents())
	assert.Equal(t, 0, rig.sup.Mailbox().Count("alice"))
	_, tracked := rig.sup.States().GetStatus("alice")
	assert.False(t, tracked)

	entries, readErr := os.ReadDir(rig.scratchRoot)
	require.NoError(t, readErr)
	assert.Empty(t, entries)

	require.Len(t, stopped.byType("supervisor.stopped"), 1)

	downs := agentsDown.byType("agent.stopped")
	require.Len(t, downs, 2)
	assert.Equal(t, "alice", downs[0].Data["agent"])
	assert.Equal(t, "bob", downs[1].Data["agent"])

	t.Run("a second stop is a no-op", func(t *testing.T) {
		rig.sup.Stop()
		assert.Equal(t, 1, rig.term.sessionsKilled())
		assert.Len(t, agentsDown.byType("agent.stopped"), 2)
	})
}

func TestWaitForAgentIdle(t *testing.T) {
	t.Run("returns once the agent settles", func(t *testing.T) {
		rig := newTestRig(t)
		rig.start(t, "alice")
		rig.term.setCapture(0, idlePane)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		assert.NoError(t, rig.sup.WaitForAgentIdle(ctx, "alice"))
	})

	t.Run("times out while the agent stays busy", func(t *testing.T) {
		rig := newTestRig(t)
		rig.sup.cfg.IdleWaitTimeout = 150 * time.Millisecond
		rig.start(t, "alice")
		rig.term.setCapture(0, busyPane)

		err := rig.sup.WaitForAgentIdle(context.Background(), "alice")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not idle after")
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		rig := newTestRig(t)
		rig.start(t, "alice")
		rig.term.setCapture(0, busyPane)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, rig.sup.WaitForAgentIdle(ctx, "alice"), context.DeadlineExceeded)
	})
}

func TestDefaultLaunchCommand(t *testing.T) {
	t.Run("renders the full launcher invocation", func(t *testing.T) {
		cmd := DefaultLaunchCommand("/opt/orc/launch-agent.sh", LaunchSpec{
			AgentName:     "dev",
			TranscriptID:  "tx-1",
			PromptFile:    "/tmp/dev.txt",
			IDFile:        "/tmp/dev.id",
			MCPConfigPath: "/tmp/dev.json",
			Model:         "sonnet",
			Context:       "demo",
			Role:          "builder",
			WorkingDir:    "/repo",
		})
		want := "cd '/repo' && '/opt/orc/launch-agent.sh' 'dev' 'tx-1' '/tmp/dev.txt'" +
			" --id-file '/tmp/dev.id' --mcp-config '/tmp/dev.json'" +
			" --model 'sonnet' --context 'demo' --role 'builder'"
		assert.Equal(t, want, cmd)
	})

	t.Run("adds the resume flag and drops empty options", func(t *testing.T) {
		cmd := DefaultLaunchCommand("launch.sh", LaunchSpec{
			AgentName:    "dev",
			TranscriptID: "tx-1",
			PromptFile:   "p.txt",
			IDFile:       "dev.id",
			Resume:       true,
		})
		assert.Equal(t, "'launch.sh' 'dev' 'tx-1' 'p.txt' --id-file 'dev.id' --resume", cmd)
	})

	t.Run("quotes embedded single quotes", func(t *testing.T) {
		cmd := DefaultLaunchCommand("launch.sh", LaunchSpec{
			AgentName:    "o'brien",
			TranscriptID: "tx",
			PromptFile:   "p",
			IDFile:       "i",
		})
		assert.Contains(t, cmd, `'o'\''brien'`)
	})
}
