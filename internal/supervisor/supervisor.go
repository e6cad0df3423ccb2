// Package supervisor runs a team of LLM agents inside one tmux session.
// It launches each agent into its own pane, tails their transcripts for
// embedded orchestration commands, classifies pane state from periodic
// captures, and routes messages between agents through the mailbox and
// the delivery engine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/archive"
	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/contextreg"
	"github.com/claude-orc/orc/internal/delivery"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/events/bus"
	"github.com/claude-orc/orc/internal/forkdetect"
	"github.com/claude-orc/orc/internal/layout"
	"github.com/claude-orc/orc/internal/mailbox"
	"github.com/claude-orc/orc/internal/statemon"
	"github.com/claude-orc/orc/internal/transcript"
)

var (
	// ErrAgentExists means Register was called with a name already taken.
	ErrAgentExists = errors.New("agent already registered")

	// ErrUnknownAgent means the named agent is not registered.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNoAgents means Start was called on an empty roster.
	ErrNoAgents = errors.New("no agents registered")

	// ErrAlreadyRunning means Start or Register was called after Start.
	ErrAlreadyRunning = errors.New("supervisor already running")
)

// Defaults for the poll cadence and launch timing knobs.
const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultStateInterval     = 500 * time.Millisecond
	DefaultInterruptCooldown = 2 * time.Second
	DefaultStabilization     = 3 * time.Second
	DefaultIdleWaitTimeout   = 30 * time.Second

	// MaxStabilization caps the post-launch settling sleep so a
	// misconfigured value cannot stall startup.
	MaxStabilization = 5 * time.Second

	// defaultHistoryLimit is the scrollback window handed to the pane
	// capture; the state classifier only looks at the recent tail.
	defaultHistoryLimit = 50

	workerJoinTimeout = 5 * time.Second
)

// Terminal is the multiplexer surface the supervisor drives. tmux.Adapter
// implements it; tests substitute a scripted fake.
type Terminal interface {
	SessionName() string
	SessionExists(ctx context.Context) bool
	CreateSession(ctx context.Context, numPanes int, force bool, lay layout.Layout) error
	SendToPane(ctx context.Context, pane int, text string) error
	TypeInPane(ctx context.Context, pane int, text string) error
	CapturePane(ctx context.Context, pane int, historyLimit int) (string, error)
	SetPaneTitle(ctx context.Context, pane int, title string) error
	SetPaneAnnotation(ctx context.Context, pane int, key, value string) error
	KillSession(ctx context.Context) error
}

// AgentSpec is the registration payload for one agent.
type AgentSpec struct {
	Name         string
	TranscriptID string
	SystemPrompt string
	WorkingDir   string
	Role         string
	Model        string
}

// Agent is one registered member of the team. Snapshots returned by
// Agents and lookupAgent are copies; the live records stay under the
// supervisor's agents lock.
type Agent struct {
	Name         string
	Role         string
	Model        string
	TranscriptID string
	SystemPrompt string
	WorkingDir   string
	PaneIndex    int
	LastActive   time.Time

	// TranscriptPath is where the agent's transcript is expected once
	// the launcher has reported the real transcript id.
	TranscriptPath string

	monitor *transcript.Monitor
}

// LaunchCommandBuilder renders the one-line pane command that starts an
// agent. The default builder speaks the stock launcher contract; embedders
// substitute their own for exotic launchers.
type LaunchCommandBuilder func(launcherPath string, spec LaunchSpec) string

// Config carries the supervisor's tuning and launch wiring.
type Config struct {
	// ContextName names the team context this run belongs to.
	ContextName string

	// WorkingDir is the default working directory for agents that do
	// not set their own.
	WorkingDir string

	// Layout shapes the pane arrangement of the created session.
	Layout layout.Layout

	// Force replaces an existing session with the same name on Start.
	Force bool

	PollInterval      time.Duration
	StateInterval     time.Duration
	InterruptCooldown time.Duration
	Stabilization     time.Duration
	IdleWaitTimeout   time.Duration

	// LauncherPath is the launcher script run inside each pane.
	LauncherPath string

	// ProxyScript is the MCP stdio proxy copied into the run's scratch
	// directory when a broker port is given to Start.
	ProxyScript string

	// DefaultModel is used for agents whose spec leaves Model empty.
	DefaultModel string

	// ScratchRoot hosts the per-run scratch directory. Empty means the
	// system temp dir.
	ScratchRoot string

	// HistoryLimit is the pane capture window in scrollback lines.
	HistoryLimit int

	// IDFileWait bounds the per-agent wait for the launcher's
	// transcript id handoff. Zero means two seconds.
	IDFileWait time.Duration

	// BuildLaunchCommand overrides the launcher invocation. Nil means
	// DefaultLaunchCommand.
	BuildLaunchCommand LaunchCommandBuilder
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StateInterval <= 0 {
		c.StateInterval = DefaultStateInterval
	}
	if c.InterruptCooldown <= 0 {
		c.InterruptCooldown = DefaultInterruptCooldown
	}
	if c.Stabilization <= 0 {
		c.Stabilization = DefaultStabilization
	}
	if c.Stabilization > MaxStabilization {
		c.Stabilization = MaxStabilization
	}
	if c.IdleWaitTimeout <= 0 {
		c.IdleWaitTimeout = DefaultIdleWaitTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.BuildLaunchCommand == nil {
		c.BuildLaunchCommand = DefaultLaunchCommand
	}
}

// ConfigFromApp maps the application-level supervisor settings onto a
// runtime Config. Context, layout and scratch settings stay with the
// caller.
func ConfigFromApp(app config.SupervisorConfig) Config {
	return Config{
		PollInterval:      time.Duration(app.PollIntervalMs) * time.Millisecond,
		StateInterval:     time.Duration(app.StateIntervalMs) * time.Millisecond,
		InterruptCooldown: time.Duration(app.InterruptCooldownMs) * time.Millisecond,
		Stabilization:     time.Duration(app.StabilizationMs) * time.Millisecond,
		IdleWaitTimeout:   time.Duration(app.IdleWaitTimeoutMs) * time.Millisecond,
		LauncherPath:      app.LauncherPath,
		ProxyScript:       app.ProxyScript,
		DefaultModel:      app.DefaultModel,
	}
}

// Deps are the supervisor's collaborators. Terminal is required. A nil
// EventBus, Archive or Registry disables the matching feature; a nil
// Detector is replaced with one using the stock transcript layout.
type Deps struct {
	Terminal Terminal
	EventBus bus.EventBus
	Archive  *archive.Store
	Registry *contextreg.Registry
	Detector *forkdetect.Detector
	Logger   *logger.Logger
}

// Supervisor owns the session lifecycle and the agent roster.
//
// Lock order: agentsMu before interruptMu; the mailbox and delivery locks
// are leaves and are never held while taking either.
type Supervisor struct {
	cfg      Config
	terminal Terminal
	eventBus bus.EventBus
	archive  *archive.Store
	registry *contextreg.Registry
	detector *forkdetect.Detector
	logger   *logger.Logger

	box    *mailbox.Mailbox
	states *statemon.Monitor
	engine *delivery.Engine

	agentsMu   sync.Mutex
	agents     map[string]*Agent
	order      []string
	running    bool
	resumeMode bool
	scratch    string
	stopCh     chan struct{}

	interruptMu sync.Mutex
	interrupts  map[string]time.Time

	titleMu sync.Mutex
	titles  map[string]string

	wg sync.WaitGroup
}

// New wires a supervisor and its owned subsystems: the state monitor, the
// mailbox and the delivery engine. State changes observed by the monitor
// are republished on the event bus.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Terminal == nil {
		return nil, errors.New("supervisor: terminal adapter is required")
	}
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	cfg.applyDefaults()

	detector := deps.Detector
	if detector == nil {
		detector = forkdetect.NewDetector(forkdetect.Config{}, log)
	}

	s := &Supervisor{
		cfg:        cfg,
		terminal:   deps.Terminal,
		eventBus:   deps.EventBus,
		archive:    deps.Archive,
		registry:   deps.Registry,
		detector:   detector,
		logger:     log.WithComponent("supervisor"),
		agents:     make(map[string]*Agent),
		interrupts: make(map[string]time.Time),
		titles:     make(map[string]string),
	}

	history := statemon.NewAnomalyHistory(statemon.HistoryConfig{})
	s.states = statemon.NewMonitor(history, log)
	s.states.OnStateChange(s.publishStateChange)
	s.states.OnAnomaly(s.publishAnomaly)
	s.box = mailbox.New(log)
	s.engine = delivery.NewEngine(delivery.Config{Archive: deps.Archive}, deps.Terminal, s.box, s, s.states, deps.EventBus, log)
	return s, nil
}

// Mailbox exposes the supervisor's mailbox for broker wiring.
func (s *Supervisor) Mailbox() *mailbox.Mailbox { return s.box }

// States exposes the pane state monitor.
func (s *Supervisor) States() *statemon.Monitor { return s.states }

// Delivery exposes the pane delivery engine for broker wiring.
func (s *Supervisor) Delivery() *delivery.Engine { return s.engine }

// Register adds an agent to the roster with the next free pane index.
// Names must be unique, case-insensitively, and registration closes once
// the supervisor is running.
func (s *Supervisor) Register(spec AgentSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return errors.New("supervisor: agent name must not be empty")
	}

	s.agentsMu.Lock()
	if s.running {
		s.agentsMu.Unlock()
		return fmt.Errorf("%w: cannot register %q", ErrAlreadyRunning, spec.Name)
	}
	for _, existing := range s.order {
		if strings.EqualFold(existing, spec.Name) {
			s.agentsMu.Unlock()
			return fmt.Errorf("%w: %s", ErrAgentExists, spec.Name)
		}
	}

	model := spec.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	workingDir := spec.WorkingDir
	if workingDir == "" {
		workingDir = s.cfg.WorkingDir
	}
	pane := len(s.order)
	s.agents[spec.Name] = &Agent{
		Name:         spec.Name,
		Role:         spec.Role,
		Model:        model,
		TranscriptID: spec.TranscriptID,
		SystemPrompt: spec.SystemPrompt,
		WorkingDir:   workingDir,
		PaneIndex:    pane,
	}
	s.order = append(s.order, spec.Name)
	s.agentsMu.Unlock()

	s.publish(context.Background(), events.AgentRegistered, events.AgentRegistered, map[string]interface{}{
		"agent": spec.Name,
		"role":  spec.Role,
		"pane":  pane,
	})
	s.logger.Debug("agent registered",
		zap.String("agent", spec.Name),
		zap.Int("pane", pane))
	return nil
}

// RegisterAgent is the positional form of Register.
func (s *Supervisor) RegisterAgent(name, transcriptID, systemPrompt, workingDir string) error {
	return s.Register(AgentSpec{
		Name:         name,
		TranscriptID: transcriptID,
		SystemPrompt: systemPrompt,
		WorkingDir:   workingDir,
	})
}

// PaneForAgent resolves a registered agent to its pane index.
func (s *Supervisor) PaneForAgent(name string) (int, bool) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	a, ok := s.agents[name]
	if !ok {
		return 0, false
	}
	return a.PaneIndex, true
}

// RegisteredAgents returns the roster names in pane order.
func (s *Supervisor) RegisteredAgents() []string {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Agents returns a snapshot of the roster in pane order.
func (s *Supervisor) Agents() []Agent {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	out := make([]Agent, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.agents[name])
	}
	return out
}

// Running reports whether Start has completed and Stop has not run.
func (s *Supervisor) Running() bool {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	return s.running
}

// ContextName returns the team context this supervisor runs under. Resume
// fills it from the registry record when the config left it empty.
func (s *Supervisor) ContextName() string {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	return s.cfg.ContextName
}

// lookupAgent finds an agent by exact name first, then case-insensitively.
// The returned value is a copy.
func (s *Supervisor) lookupAgent(name string) (Agent, bool) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	if a, ok := s.agents[name]; ok {
		return *a, true
	}
	for _, a := range s.agents {
		if strings.EqualFold(a.Name, name) {
			return *a, true
		}
	}
	return Agent{}, false
}

func (s *Supervisor) touchLastActive(name string) {
	s.agentsMu.Lock()
	if a, ok := s.agents[name]; ok {
		a.LastActive = time.Now()
	}
	s.agentsMu.Unlock()
}

// AdoptTranscript switches a running agent onto a new transcript file in
// the same directory, rebinding its monitor. The fork watcher calls this
// when a restart moved the agent's conversation to a descendant
// transcript.
func (s *Supervisor) AdoptTranscript(agentName, transcriptID string) error {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	a, ok := s.agents[agentName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentName)
	}
	old := a.TranscriptID
	a.TranscriptID = transcriptID
	a.TranscriptPath = filepath.Join(filepath.Dir(a.TranscriptPath), transcriptID+".jsonl")
	a.monitor = transcript.NewMonitor(a.TranscriptPath, agentName, transcriptID, s.logger)
	s.logger.Info("monitor rebound to forked transcript",
		zap.String("agent", agentName),
		zap.String("old", old),
		zap.String("new", transcriptID))
	return nil
}

// WaitForAgentIdle blocks until the agent's observed state is idle, the
// configured idle-wait timeout passes, or ctx is canceled.
func (s *Supervisor) WaitForAgentIdle(ctx context.Context, agent string) error {
	deadline := time.NewTimer(s.cfg.IdleWaitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if status, ok := s.states.GetStatus(agent); ok && status.State == statemon.StateIdle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("agent %s not idle after %s", agent, s.cfg.IdleWaitTimeout)
		case <-tick.C:
		}
	}
}

// Stop shuts the supervisor down. Poll workers are signaled and joined
// with a bounded wait, the session is killed, and per-agent state is
// cleared. Teardown problems are logged, never raised; cleanup always
// runs to the end.
func (s *Supervisor) Stop() {
	s.agentsMu.Lock()
	if !s.running {
		s.agentsMu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	s.stopCh = nil
	scratch := s.scratch
	s.scratch = ""
	s.agentsMu.Unlock()

	close(stopCh)
	if !s.joinWorkers(workerJoinTimeout) {
		s.logger.Warn("poll workers did not exit in time",
			zap.Duration("timeout", workerJoinTimeout))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.terminal.KillSession(ctx); err != nil {
		s.logger.Warn("session teardown failed", zap.Error(err))
	}
	removeScratch(scratch, s.logger)

	s.agentsMu.Lock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	for _, name := range names {
		s.states.Unregister(name)
	}
	s.agents = make(map[string]*Agent)
	s.order = nil
	s.agentsMu.Unlock()

	s.box.Clear()

	s.interruptMu.Lock()
	s.interrupts = make(map[string]time.Time)
	s.interruptMu.Unlock()

	s.titleMu.Lock()
	s.titles = make(map[string]string)
	s.titleMu.Unlock()

	for _, name := range names {
		s.publish(context.Background(), events.AgentStopped, events.AgentStopped, map[string]interface{}{
			"agent": name,
		})
	}
	s.publish(context.Background(), events.SupervisorStopped, events.SupervisorStopped, map[string]interface{}{
		"session": s.terminal.SessionName(),
	})
	s.logger.Info("supervisor stopped", zap.String("session", s.terminal.SessionName()))
}

func (s *Supervisor) joinWorkers(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Supervisor) publishStateChange(agent string, from, to statemon.AgentState) {
	s.publish(context.Background(), events.BuildAgentStateSubject(agent), events.AgentStateChanged, map[string]interface{}{
		"agent": agent,
		"from":  string(from),
		"to":    string(to),
	})
}

func (s *Supervisor) publishAnomaly(record statemon.AnomalyRecord) {
	s.publish(context.Background(), events.BuildAnomalySubject(record.AgentName), events.AnomalyDetected, map[string]interface{}{
		"agent": record.AgentName,
		"type":  string(record.Type),
		"line":  record.LineNumber,
		"state": string(record.PaneState),
	})
}

func (s *Supervisor) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "supervisor", data)); err != nil {
		s.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
