package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/statemon"
	"github.com/claude-orc/orc/internal/transcript"
)

const (
	// defaultIDFileWait is how long a launch waits for the launcher to
	// report the transcript id it actually chose.
	defaultIDFileWait = 2 * time.Second

	idFilePollTick = 50 * time.Millisecond

	// monitorBindRetries x monitorBindDelay bounds the wait for a
	// transcript file to appear before the monitor is bound anyway.
	monitorBindRetries = 5
	monitorBindDelay   = 200 * time.Millisecond
)

// LaunchSpec carries everything the launcher script needs for one agent.
type LaunchSpec struct {
	AgentName     string
	TranscriptID  string
	PromptFile    string
	IDFile        string
	MCPConfigPath string // empty when the broker is not running
	Resume        bool
	Model         string
	Context       string
	Role          string
	WorkingDir    string
}

// DefaultLaunchCommand renders the stock launcher invocation:
//
//	launch-agent.sh <name> <transcript-id> <prompt-file> --id-file <path>
//	    [--mcp-config <path>] [--resume] [--model <m>] [--context <c>] [--role <r>]
//
// The launcher writes the transcript id it actually chose to --id-file;
// the supervisor polls that file after sending the command. A non-empty
// WorkingDir is entered before the launcher runs.
func DefaultLaunchCommand(launcherPath string, spec LaunchSpec) string {
	parts := make([]string, 0, 16)
	if spec.WorkingDir != "" {
		parts = append(parts, "cd", shellQuote(spec.WorkingDir), "&&")
	}
	parts = append(parts,
		shellQuote(launcherPath),
		shellQuote(spec.AgentName),
		shellQuote(spec.TranscriptID),
		shellQuote(spec.PromptFile),
		"--id-file", shellQuote(spec.IDFile),
	)
	if spec.MCPConfigPath != "" {
		parts = append(parts, "--mcp-config", shellQuote(spec.MCPConfigPath))
	}
	if spec.Resume {
		parts = append(parts, "--resume")
	}
	if spec.Model != "" {
		parts = append(parts, "--model", shellQuote(spec.Model))
	}
	if spec.Context != "" {
		parts = append(parts, "--context", shellQuote(spec.Context))
	}
	if spec.Role != "" {
		parts = append(parts, "--role", shellQuote(spec.Role))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes s for the pane shell, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Start creates the session, launches every registered agent into its own
// pane and spawns the transcript and state poll workers. mcpPort > 0
// additionally writes per-agent MCP proxy configs pointing the agents'
// orchestrator tools at the broker on that port. A failed start undoes
// everything it created: the session is killed, the scratch directory is
// removed and no workers are left behind.
func (s *Supervisor) Start(ctx context.Context, mcpPort int) error {
	s.agentsMu.Lock()
	if s.running {
		s.agentsMu.Unlock()
		return ErrAlreadyRunning
	}
	if len(s.order) == 0 {
		s.agentsMu.Unlock()
		return ErrNoAgents
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	resume := s.resumeMode
	roster := make([]*Agent, 0, len(s.order))
	for _, name := range s.order {
		roster = append(roster, s.agents[name])
	}
	s.agentsMu.Unlock()

	if err := s.validateLaunchInputs(mcpPort); err != nil {
		s.unwindStart("", false)
		return err
	}

	scratch, proxyPath, err := s.prepareScratch(mcpPort > 0)
	if err != nil {
		s.unwindStart("", false)
		return err
	}
	s.agentsMu.Lock()
	s.scratch = scratch
	s.agentsMu.Unlock()

	if err := s.terminal.CreateSession(ctx, len(roster), s.cfg.Force, s.cfg.Layout); err != nil {
		s.unwindStart(scratch, false)
		return fmt.Errorf("create session: %w", err)
	}

	for _, agent := range roster {
		if err := s.launchAgent(ctx, agent, scratch, proxyPath, mcpPort, resume); err != nil {
			s.unwindStart(scratch, true)
			return fmt.Errorf("launch %s: %w", agent.Name, err)
		}
	}

	for _, agent := range roster {
		line := initMessage(agent.Name, s.cfg.ContextName)
		if err := s.terminal.SendToPane(ctx, agent.PaneIndex, line); err != nil {
			s.logger.Warn("init message failed", zap.String("agent", agent.Name), zap.Error(err))
		}
	}

	select {
	case <-time.After(s.cfg.Stabilization):
	case <-ctx.Done():
		s.unwindStart(scratch, true)
		return ctx.Err()
	}

	for _, agent := range roster {
		s.bindMonitor(agent)
	}

	s.wg.Add(2)
	go s.transcriptPollLoop(stopCh)
	go s.statePollLoop(stopCh)

	s.publish(ctx, events.SupervisorStarted, events.SupervisorStarted, map[string]interface{}{
		"session":  s.terminal.SessionName(),
		"agents":   len(roster),
		"mcp_port": mcpPort,
	})
	s.logger.Info("supervisor started",
		zap.String("session", s.terminal.SessionName()),
		zap.Int("agents", len(roster)),
		zap.Int("mcp_port", mcpPort),
		zap.Bool("resume", resume))
	return nil
}

func (s *Supervisor) validateLaunchInputs(mcpPort int) error {
	if _, err := os.Stat(s.cfg.LauncherPath); err != nil {
		return fmt.Errorf("launcher script not found at %s: %w", s.cfg.LauncherPath, err)
	}
	if mcpPort > 0 {
		if _, err := os.Stat(s.cfg.ProxyScript); err != nil {
			return fmt.Errorf("mcp proxy script not found at %s: %w", s.cfg.ProxyScript, err)
		}
	}
	return nil
}

// prepareScratch creates the per-run scratch tree: bin/ holds the MCP
// proxy copy, mcp_configs/ the per-agent configs, prompts/ each agent's
// system prompt, ids/ the launcher's transcript id handoffs.
func (s *Supervisor) prepareScratch(withProxy bool) (string, string, error) {
	root := s.cfg.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}
	scratch, err := os.MkdirTemp(root, "orc-run-*")
	if err != nil {
		return "", "", fmt.Errorf("create scratch directory: %w", err)
	}
	for _, sub := range []string{"bin", "mcp_configs", "prompts", "ids"} {
		if err := os.MkdirAll(filepath.Join(scratch, sub), 0o755); err != nil {
			return "", "", fmt.Errorf("create scratch directory: %w", err)
		}
	}
	proxyPath := ""
	if withProxy {
		proxyPath = filepath.Join(scratch, "bin", filepath.Base(s.cfg.ProxyScript))
		if err := copyFile(s.cfg.ProxyScript, proxyPath, 0o755); err != nil {
			return "", "", fmt.Errorf("install proxy script: %w", err)
		}
	}
	return scratch, proxyPath, nil
}

func (s *Supervisor) launchAgent(ctx context.Context, a *Agent, scratch, proxyPath string, mcpPort int, resume bool) error {
	s.states.Register(a.Name)

	if err := s.terminal.SetPaneTitle(ctx, a.PaneIndex, paneTitle(a.Name, statemon.StateInitializing, 0)); err != nil {
		s.logger.Warn("pane title failed", zap.String("agent", a.Name), zap.Error(err))
	}

	promptFile := filepath.Join(scratch, "prompts", a.Name+".txt")
	if err := os.WriteFile(promptFile, []byte(a.SystemPrompt), 0o644); err != nil {
		return fmt.Errorf("write prompt file: %w", err)
	}

	mcpConfig := ""
	if mcpPort > 0 {
		mcpConfig = filepath.Join(scratch, "mcp_configs", a.Name+".json")
		if err := writeMCPConfig(mcpConfig, proxyPath, a.Name, mcpPort); err != nil {
			return fmt.Errorf("write mcp config: %w", err)
		}
	}

	idFile := filepath.Join(scratch, "ids", a.Name+".id")
	command := s.cfg.BuildLaunchCommand(s.cfg.LauncherPath, LaunchSpec{
		AgentName:     a.Name,
		TranscriptID:  a.TranscriptID,
		PromptFile:    promptFile,
		IDFile:        idFile,
		MCPConfigPath: mcpConfig,
		Resume:        resume,
		Model:         a.Model,
		Context:       s.cfg.ContextName,
		Role:          a.Role,
		WorkingDir:    a.WorkingDir,
	})
	if err := s.terminal.SendToPane(ctx, a.PaneIndex, command); err != nil {
		return fmt.Errorf("send launch command: %w", err)
	}

	if id, err := readIDFile(ctx, idFile, s.idFileWait()); err != nil {
		s.logger.Warn("launcher did not report a transcript id, keeping placeholder",
			zap.String("agent", a.Name),
			zap.String("placeholder", a.TranscriptID),
			zap.Error(err))
	} else if id != a.TranscriptID {
		s.logger.Info("launcher chose transcript id",
			zap.String("agent", a.Name),
			zap.String("placeholder", a.TranscriptID),
			zap.String("transcript_id", id))
		s.agentsMu.Lock()
		a.TranscriptID = id
		s.agentsMu.Unlock()
	}

	if err := s.terminal.SetPaneAnnotation(ctx, a.PaneIndex, "agent_name", a.Name); err != nil {
		s.logger.Warn("pane annotation failed", zap.String("agent", a.Name), zap.Error(err))
	}

	s.agentsMu.Lock()
	dir := s.detector.TranscriptDir(s.cfg.ContextName, a.Name, a.WorkingDir)
	a.TranscriptPath = filepath.Join(dir, a.TranscriptID+".jsonl")
	transcriptID := a.TranscriptID
	s.agentsMu.Unlock()

	s.publish(ctx, events.AgentStarted, events.AgentStarted, map[string]interface{}{
		"agent":         a.Name,
		"pane":          a.PaneIndex,
		"transcript_id": transcriptID,
	})
	return nil
}

func (s *Supervisor) idFileWait() time.Duration {
	if s.cfg.IDFileWait > 0 {
		return s.cfg.IDFileWait
	}
	return defaultIDFileWait
}

// readIDFile polls for the transcript id file the launcher writes, giving
// the child a moment to come up.
func readIDFile(ctx context.Context, path string, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id, nil
			}
			err = errors.New("id file empty")
		}
		if time.Now().After(deadline) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(idFilePollTick):
		}
	}
}

// mcpServerEntry is one server in the agent CLI's MCP catalog file.
type mcpServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// writeMCPConfig writes the per-agent proxy wiring file, shaped exactly
// the way the agent CLI reads its MCP server catalog. The proxy learns
// who it speaks for and where the broker lives from its environment.
func writeMCPConfig(path, proxyPath, agentName string, port int) error {
	catalog := map[string]map[string]mcpServerEntry{
		"mcpServers": {
			"orchestrator": {
				Command: "python3",
				Args:    []string{proxyPath},
				Env: map[string]string{
					"AGENT_NAME":       agentName,
					"ORCHESTRATOR_URL": fmt.Sprintf("http://localhost:%d", port),
				},
			},
		},
	}
	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func initMessage(agentName, contextName string) string {
	return fmt.Sprintf("[ORC] You are agent %q in team context %q. Coordinate through your orchestrator tools; check_messages reads your mailbox.", agentName, contextName)
}

// bindMonitor attaches the transcript monitor once the agent's transcript
// file shows up. A file that has not appeared yet still gets a monitor;
// the poll loop tolerates missing files and keeps retrying.
func (s *Supervisor) bindMonitor(a *Agent) {
	s.agentsMu.Lock()
	path := a.TranscriptPath
	name := a.Name
	id := a.TranscriptID
	s.agentsMu.Unlock()

	present := false
	for i := 0; i < monitorBindRetries; i++ {
		if _, err := os.Stat(path); err == nil {
			present = true
			break
		}
		time.Sleep(monitorBindDelay)
	}
	if !present {
		s.logger.Warn("transcript file not present yet, monitor will keep retrying",
			zap.String("agent", name),
			zap.String("path", path))
	}

	mon := transcript.NewMonitor(path, name, id, s.logger)
	s.agentsMu.Lock()
	a.monitor = mon
	s.agentsMu.Unlock()
}

// unwindStart reverses a partially completed Start. killSession is false
// when the failure happened before the session was created.
func (s *Supervisor) unwindStart(scratch string, killSession bool) {
	if killSession {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.terminal.KillSession(ctx); err != nil {
			s.logger.Warn("unwind: session kill failed", zap.Error(err))
		}
	}
	removeScratch(scratch, s.logger)

	s.agentsMu.Lock()
	s.running = false
	s.stopCh = nil
	s.scratch = ""
	for _, a := range s.agents {
		a.monitor = nil
	}
	names := make([]string, len(s.order))
	copy(names, s.order)
	s.agentsMu.Unlock()

	for _, name := range names {
		s.states.Unregister(name)
	}
}

func removeScratch(path string, log *logger.Logger) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		log.Warn("scratch cleanup failed", zap.String("path", path), zap.Error(err))
	}
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, perm)
}
