// Package tmux provides a narrow, deterministic adapter around the tmux
// binary: session creation with a planned pane layout, literal keystroke
// injection, pane capture, pane titles and annotations, and session
// teardown. Everything else about tmux is deliberately out of reach.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/layout"
)

var (
	// ErrCommandFailed wraps any tmux invocation that exited non-zero.
	ErrCommandFailed = errors.New("tmux command failed")

	// ErrSessionExists is returned by CreateSession when the session is
	// already present and force was not requested.
	ErrSessionExists = errors.New("tmux session already exists")
)

// minEnterDelay is the floor for the pause between injecting literal text
// and injecting Enter. Sending both in one burst races the child process's
// input tokenizer and the Enter gets swallowed.
const minEnterDelay = 50 * time.Millisecond

// defaultCommandTimeout bounds a single tmux invocation.
const defaultCommandTimeout = 10 * time.Second

// Runner executes one tmux command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// Config holds adapter settings.
type Config struct {
	// SessionName is the tmux session the adapter owns.
	SessionName string

	// CommandTimeout bounds each tmux invocation. Zero means the default.
	CommandTimeout time.Duration

	// EnterDelay is the pause between literal text and Enter. Values under
	// the 50ms floor are raised to it.
	EnterDelay time.Duration
}

// PaneInfo describes one pane of the owned session.
type PaneInfo struct {
	Index  int
	Title  string
	Active bool
}

// Adapter drives a single tmux session.
type Adapter struct {
	sessionName string
	enterDelay  time.Duration
	logger      *logger.Logger
	runner      Runner
}

// NewAdapter creates an adapter bound to cfg.SessionName.
func NewAdapter(cfg Config, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	delay := cfg.EnterDelay
	if delay < minEnterDelay {
		delay = minEnterDelay
	}
	return &Adapter{
		sessionName: cfg.SessionName,
		enterDelay:  delay,
		logger:      log.WithComponent("tmux"),
		runner:      &execRunner{timeout: timeout},
	}
}

// SessionName returns the session the adapter owns.
func (a *Adapter) SessionName() string {
	return a.sessionName
}

// SessionExists reports whether the owned session is currently alive.
func (a *Adapter) SessionExists(ctx context.Context) bool {
	_, err := a.runner.Run(ctx, "has-session", "-t", a.sessionName)
	return err == nil
}

// CreateSession creates the owned session with numPanes panes arranged per
// the given layout. An existing session fails the call unless force is set,
// in which case it is killed and recreated. Sessions hosting five or more
// panes are created with a 120x40 size floor so the smallest pane still fits
// an agent prompt box.
func (a *Adapter) CreateSession(ctx context.Context, numPanes int, force bool, lay layout.Layout) error {
	plan, err := lay.Plan(numPanes)
	if err != nil {
		return fmt.Errorf("plan layout: %w", err)
	}

	if a.SessionExists(ctx) {
		if !force {
			return fmt.Errorf("%w: %s", ErrSessionExists, a.sessionName)
		}
		if err := a.KillSession(ctx); err != nil {
			return fmt.Errorf("kill existing session: %w", err)
		}
	}

	args := []string{"new-session", "-d", "-s", a.sessionName}
	if numPanes >= 5 {
		args = append(args, "-x", "120", "-y", "40")
	}
	if _, err := a.runner.Run(ctx, args...); err != nil {
		a.logger.Error("Failed to create session",
			zap.String("session", a.sessionName),
			zap.Error(err))
		return err
	}

	for i, op := range plan.Splits {
		splitArgs := []string{"split-window", "-t", a.paneTarget(op.TargetPane)}
		switch op.Direction {
		case layout.DirVertical:
			splitArgs = append(splitArgs, "-v")
		default:
			splitArgs = append(splitArgs, "-h")
		}
		if op.SizePct > 0 {
			splitArgs = append(splitArgs, "-p", strconv.Itoa(op.SizePct))
		}
		if _, err := a.runner.Run(ctx, splitArgs...); err != nil {
			a.logger.Error("Failed to split pane",
				zap.Int("split", i),
				zap.Int("target", op.TargetPane),
				zap.Error(err))
			return err
		}
	}

	if plan.LayoutName != "" {
		if _, err := a.runner.Run(ctx, "select-layout", "-t", a.sessionName, plan.LayoutName); err != nil {
			return err
		}
	}

	if err := a.configureSession(ctx); err != nil {
		return err
	}
	if err := a.bindShortcuts(ctx, numPanes, plan.Shortcuts); err != nil {
		return err
	}

	a.logger.Info("Created session",
		zap.String("session", a.sessionName),
		zap.Int("panes", numPanes),
		zap.String("layout", string(lay.Kind)))
	return nil
}

// configureSession turns on the pane chrome the supervisor relies on:
// visible titles, mouse selection, and a uniform border. tmux has no
// per-pane border color, so state is carried in the titles and the border
// stays one color for every pane, active or not.
func (a *Adapter) configureSession(ctx context.Context) error {
	settings := [][]string{
		{"set-option", "-t", a.sessionName, "pane-border-status", "top"},
		{"set-option", "-t", a.sessionName, "pane-border-format", " #{pane_index}: #{pane_title} "},
		{"set-option", "-t", a.sessionName, "pane-border-style", "fg=blue"},
		{"set-option", "-t", a.sessionName, "pane-active-border-style", "fg=blue"},
		{"set-option", "-t", a.sessionName, "mouse", "on"},
	}
	for _, args := range settings {
		if _, err := a.runner.Run(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

// bindShortcuts installs pane-switching accelerators: the planner's keys
// (F1..F3, M-1..M-9) on the root table plus prefix+digit for every pane.
func (a *Adapter) bindShortcuts(ctx context.Context, numPanes int, shortcuts map[string]int) error {
	keys := make([]string, 0, len(shortcuts))
	for key := range shortcuts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		target := a.paneTarget(shortcuts[key])
		if _, err := a.runner.Run(ctx, "bind-key", "-n", key, "select-pane", "-t", target); err != nil {
			return err
		}
	}

	for i := 0; i < numPanes && i < 10; i++ {
		digit := strconv.Itoa(i)
		if _, err := a.runner.Run(ctx, "bind-key", digit, "select-pane", "-t", a.paneTarget(i)); err != nil {
			return err
		}
	}
	return nil
}

// SendToPane injects text literally, waits for the input tokenizer to
// settle, then injects Enter. The two keystroke batches are separate tmux
// invocations; mixing the literal flag with a named key corrupts both.
func (a *Adapter) SendToPane(ctx context.Context, pane int, text string) error {
	if err := a.TypeInPane(ctx, pane, text); err != nil {
		return err
	}
	time.Sleep(a.enterDelay)
	if _, err := a.runner.Run(ctx, "send-keys", "-t", a.paneTarget(pane), "Enter"); err != nil {
		a.logger.Error("Failed to send Enter",
			zap.Int("pane", pane),
			zap.Error(err))
		return err
	}
	return nil
}

// TypeInPane injects text literally without a trailing Enter.
func (a *Adapter) TypeInPane(ctx context.Context, pane int, text string) error {
	if _, err := a.runner.Run(ctx, "send-keys", "-t", a.paneTarget(pane), "-l", "--", text); err != nil {
		a.logger.Error("Failed to type into pane",
			zap.Int("pane", pane),
			zap.Error(err))
		return err
	}
	return nil
}

// CapturePane returns the pane's visible content. A non-zero historyLimit
// additionally captures that many lines of scrollback above the screen.
func (a *Adapter) CapturePane(ctx context.Context, pane int, historyLimit int) (string, error) {
	args := []string{"capture-pane", "-t", a.paneTarget(pane), "-p"}
	if historyLimit > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", historyLimit))
	}
	out, err := a.runner.Run(ctx, args...)
	if err != nil {
		a.logger.Error("Failed to capture pane",
			zap.Int("pane", pane),
			zap.Error(err))
		return "", err
	}
	return out, nil
}

// SetPaneTitle sets the user-visible title shown in the pane border.
func (a *Adapter) SetPaneTitle(ctx context.Context, pane int, title string) error {
	_, err := a.runner.Run(ctx, "select-pane", "-t", a.paneTarget(pane), "-T", title)
	return err
}

// SetPaneAnnotation stores a key/value pair as a pane user option
// (@key value), readable by other tooling inspecting the session.
func (a *Adapter) SetPaneAnnotation(ctx context.Context, pane int, key, value string) error {
	_, err := a.runner.Run(ctx, "set-option", "-p", "-t", a.paneTarget(pane), "@"+key, value)
	return err
}

// ListPanes enumerates the session's panes in index order.
func (a *Adapter) ListPanes(ctx context.Context) ([]PaneInfo, error) {
	out, err := a.runner.Run(ctx, "list-panes", "-t", a.sessionName,
		"-F", "#{pane_index}|#{pane_active}|#{pane_title}")
	if err != nil {
		return nil, err
	}

	var panes []PaneInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		index, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		panes = append(panes, PaneInfo{
			Index:  index,
			Active: parts[1] == "1",
			Title:  parts[2],
		})
	}
	sort.Slice(panes, func(i, j int) bool { return panes[i].Index < panes[j].Index })
	return panes, nil
}

// KillSession force-destroys the owned session.
func (a *Adapter) KillSession(ctx context.Context) error {
	if _, err := a.runner.Run(ctx, "kill-session", "-t", a.sessionName); err != nil {
		return err
	}
	a.logger.Info("Killed session", zap.String("session", a.sessionName))
	return nil
}

func (a *Adapter) paneTarget(pane int) string {
	return fmt.Sprintf("%s.%d", a.sessionName, pane)
}

// execRunner shells out to the tmux binary.
type execRunner struct {
	timeout time.Duration
}

func (r *execRunner) Run(ctx context.Context, args ...string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "tmux", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: tmux %s: %s",
			ErrCommandFailed, strings.Join(args, " "), strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
