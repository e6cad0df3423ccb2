package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/contextreg"
)

// Resume rebuilds the roster from a stored team context. The registry
// record is validated, each member's transcript id is re-resolved through
// the fork detector so restarts that forked the conversation are followed
// to the live descendant, and the members are registered ready for Start.
// Launches after a Resume pass the launcher its resume flag so each child
// continues its prior conversation. Resume never guesses: an unresolvable
// transcript fails the whole call.
func (s *Supervisor) Resume(ctx context.Context, contextName string) error {
	if s.registry == nil {
		return errors.New("supervisor: no context registry configured")
	}
	if s.Running() {
		return ErrAlreadyRunning
	}

	tc, err := s.registry.Resume(ctx, contextName)
	if err != nil {
		return err
	}
	if s.terminal.SessionExists(ctx) && !s.cfg.Force {
		return fmt.Errorf("session %q already exists; stop it or resume with force", s.terminal.SessionName())
	}

	// Stored pane order is restored by registering in pane order.
	members := append([]contextreg.AgentInfo(nil), tc.Agents...)
	sort.Slice(members, func(i, j int) bool { return members[i].PaneIndex < members[j].PaneIndex })

	for _, member := range members {
		dir := s.detector.TranscriptDir(contextName, member.Name, tc.WorkingDir)
		current, err := s.detector.Resolve(dir, member.TranscriptID)
		if err != nil {
			return fmt.Errorf("resolve transcript for %s: %w", member.Name, err)
		}
		if current != member.TranscriptID {
			if err := s.registry.SetAgentTranscript(ctx, contextName, member.Name, current); err != nil {
				return fmt.Errorf("record transcript for %s: %w", member.Name, err)
			}
			s.logger.Info("transcript advanced across restart",
				zap.String("agent", member.Name),
				zap.String("old", member.TranscriptID),
				zap.String("new", current))
		}
		if err := s.Register(AgentSpec{
			Name:         member.Name,
			TranscriptID: current,
			Role:         member.Role,
			Model:        member.Model,
			WorkingDir:   tc.WorkingDir,
		}); err != nil {
			return err
		}
	}

	s.agentsMu.Lock()
	s.resumeMode = true
	if s.cfg.ContextName == "" {
		s.cfg.ContextName = contextName
	}
	s.agentsMu.Unlock()

	s.logger.Info("context resumed",
		zap.String("context", contextName),
		zap.Int("agents", len(members)))
	return nil
}
