package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/statemon"
	"github.com/claude-orc/orc/internal/transcript"
)

// transcriptPollLoop tails every agent transcript on the poll interval,
// extracting embedded orchestration commands and dispatching them.
func (s *Supervisor) transcriptPollLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.pollTranscripts(context.Background())
		}
	}
}

type queuedCommand struct {
	owner string
	cmd   transcript.Command
}

// pollTranscripts runs one tick: gather new commands from every monitor,
// then dispatch them in arrival order. Gathering completes before any
// dispatch so a handler's pane injections cannot reorder the batch.
func (s *Supervisor) pollTranscripts(ctx context.Context) {
	type tailer struct {
		name    string
		monitor *transcript.Monitor
	}
	s.agentsMu.Lock()
	tailers := make([]tailer, 0, len(s.order))
	for _, name := range s.order {
		if mon := s.agents[name].monitor; mon != nil {
			tailers = append(tailers, tailer{name: name, monitor: mon})
		}
	}
	s.agentsMu.Unlock()

	var queue []queuedCommand
	for _, tl := range tailers {
		messages, err := tl.monitor.GetNewMessages()
		if err != nil {
			if errors.Is(err, transcript.ErrTranscriptNotFound) {
				s.logger.Debug("transcript not present yet", zap.String("agent", tl.name))
			} else {
				s.logger.Warn("transcript read failed", zap.String("agent", tl.name), zap.Error(err))
			}
			continue
		}
		yielded := false
		for _, msg := range messages {
			// Commands are honored only from the agent's own output.
			// A delivered message quoting a command tag echoes into
			// the recipient's user turns and must not re-dispatch.
			if msg.Kind != transcript.KindAssistant {
				continue
			}
			for _, cmd := range transcript.ExtractCommands(msg.Content, tl.name) {
				queue = append(queue, queuedCommand{owner: tl.name, cmd: cmd})
				yielded = true
			}
		}
		if yielded {
			s.touchLastActive(tl.name)
		}
	}

	for _, qc := range queue {
		s.dispatchCommand(ctx, qc.owner, qc.cmd)
	}
}

// statePollLoop captures every pane on the state interval, classifies it,
// refreshes the pane title and runs the reminder pass.
func (s *Supervisor) statePollLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.pollStates(context.Background())
		}
	}
}

func (s *Supervisor) pollStates(ctx context.Context) {
	type member struct {
		name string
		pane int
	}
	s.agentsMu.Lock()
	members := make([]member, 0, len(s.order))
	for _, name := range s.order {
		members = append(members, member{name: name, pane: s.agents[name].PaneIndex})
	}
	s.agentsMu.Unlock()

	for _, m := range members {
		text, err := s.terminal.CapturePane(ctx, m.pane, s.cfg.HistoryLimit)
		if err != nil {
			s.logger.Debug("pane capture failed", zap.String("agent", m.name), zap.Error(err))
			continue
		}
		state := s.states.Observe(m.name, text)
		pending := s.box.Count(m.name)
		s.states.SetPendingMessages(m.name, pending)
		s.refreshPaneTitle(ctx, m.name, m.pane, state, pending)
	}

	s.engine.CheckAndDeliverPendingReminders(ctx)
}

// refreshPaneTitle pushes the rendered title and the agent_state
// annotation to tmux, skipping panes whose title has not changed since
// the last tick.
func (s *Supervisor) refreshPaneTitle(ctx context.Context, name string, pane int, state statemon.AgentState, pending int) {
	title := paneTitle(name, state, pending)
	s.titleMu.Lock()
	unchanged := s.titles[name] == title
	if !unchanged {
		s.titles[name] = title
	}
	s.titleMu.Unlock()
	if unchanged {
		return
	}

	if err := s.terminal.SetPaneTitle(ctx, pane, title); err != nil {
		s.logger.Debug("pane title update failed", zap.String("agent", name), zap.Error(err))
	}
	if err := s.terminal.SetPaneAnnotation(ctx, pane, "agent_state", string(state)); err != nil {
		s.logger.Debug("pane annotation update failed", zap.String("agent", name), zap.Error(err))
	}
}

// paneTitle renders the border title: a state glyph, the agent's name,
// the state word and an unread-mail badge. Pane borders stay one color
// for every pane, so the title carries all per-agent state.
func paneTitle(name string, state statemon.AgentState, pending int) string {
	title := fmt.Sprintf("%s %s [%s]", stateGlyph(state), name, state)
	if pending > 0 {
		title += fmt.Sprintf(" ✉%d", pending)
	}
	return title
}

func stateGlyph(state statemon.AgentState) string {
	switch state {
	case statemon.StateIdle:
		return "○"
	case statemon.StateBusy:
		return "●"
	case statemon.StateWriting:
		return "◐"
	case statemon.StateInitializing:
		return "◌"
	case statemon.StateError:
		return "!"
	case statemon.StateQuit:
		return "✗"
	default:
		return "?"
	}
}
