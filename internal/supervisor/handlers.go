package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/archive"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/mailbox"
	"github.com/claude-orc/orc/internal/statemon"
	"github.com/claude-orc/orc/internal/transcript"
)

const (
	commandListAgents    = "list_agents"
	commandMailboxCheck  = "mailbox_check"
	commandContextStatus = "context_status"
)

const (
	// contextBytesPerLine turns a transcript's byte size into the rough
	// line estimate reported by context_status.
	contextBytesPerLine = 100

	// contextWarnLines is the estimate above which context_status warns
	// that the conversation is getting long.
	contextWarnLines = 10000
)

// dispatchCommand routes one extracted command to its handler. Unknown
// command names are logged and dropped; a malformed command must never
// stall the poll loop.
func (s *Supervisor) dispatchCommand(ctx context.Context, owner string, cmd transcript.Command) {
	switch cmd.Name {
	case transcript.CommandSendMessage:
		s.handleSendMessage(ctx, owner, cmd)
	case commandListAgents:
		s.handleListAgents(ctx, owner)
	case commandMailboxCheck:
		s.handleMailboxCheck(ctx, owner)
	case commandContextStatus:
		s.handleContextStatus(ctx, owner)
	default:
		s.logger.Warn("unknown transcript command",
			zap.String("agent", owner),
			zap.String("command", cmd.Name))
	}
}

// handleSendMessage normalizes and routes one send_message command. The
// timestamp is assigned here; sender-supplied clocks are not trusted.
// High-priority mail interrupts the recipient's pane directly when the
// per-recipient cooldown has elapsed, and falls back to the mailbox path
// otherwise.
func (s *Supervisor) handleSendMessage(ctx context.Context, owner string, cmd transcript.Command) {
	if strings.TrimSpace(cmd.To) == "" {
		s.logger.Warn("send_message without recipient", zap.String("agent", owner))
		return
	}
	recipient, ok := s.lookupAgent(cmd.To)
	if !ok {
		s.logger.Warn("send_message to unknown agent",
			zap.String("agent", owner),
			zap.String("to", cmd.To))
		return
	}

	from := cmd.From
	if from == "" {
		from = owner
	}
	msg := mailbox.Message{
		From:      from,
		To:        recipient.Name,
		Title:     cmd.Title,
		Body:      cmd.Content,
		Priority:  mailbox.ParsePriority(cmd.Priority),
		Timestamp: time.Now().UTC(),
	}

	if msg.Priority == mailbox.PriorityHigh && s.takeInterruptSlot(recipient.Name) {
		s.deliverInterrupt(ctx, recipient.Name, msg)
		return
	}
	s.deliverToMailbox(ctx, recipient.Name, msg)
}

// takeInterruptSlot reports whether an interrupt may fire for the
// recipient now, recording the attempt when it may. One interrupt per
// recipient per cooldown window.
func (s *Supervisor) takeInterruptSlot(recipient string) bool {
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	if last, ok := s.interrupts[recipient]; ok && time.Since(last) < s.cfg.InterruptCooldown {
		return false
	}
	s.interrupts[recipient] = time.Now()
	return true
}

func (s *Supervisor) deliverInterrupt(ctx context.Context, recipient string, msg mailbox.Message) {
	line := fmt.Sprintf("[INTERRUPT FROM: %s] %s", msg.From, interruptText(msg))
	if err := s.engine.SendCommandToAgent(ctx, recipient, line); err != nil {
		s.logger.Warn("interrupt injection failed, falling back to mailbox",
			zap.String("agent", recipient),
			zap.Error(err))
		s.deliverToMailbox(ctx, recipient, msg)
		return
	}
	s.recordMessage(ctx, msg, archive.KindInterrupt)
	s.publish(ctx, events.InterruptSent, events.InterruptSent, map[string]interface{}{
		"from":  msg.From,
		"to":    recipient,
		"title": msg.Title,
	})
	s.logger.Info("interrupt delivered",
		zap.String("from", msg.From),
		zap.String("to", recipient))
}

func interruptText(msg mailbox.Message) string {
	if msg.Title != "" {
		return msg.Title
	}
	return msg.Body
}

func (s *Supervisor) deliverToMailbox(ctx context.Context, recipient string, msg mailbox.Message) {
	s.box.Append(recipient, msg)
	if status, ok := s.states.GetStatus(recipient); ok && status.State == statemon.StateBusy {
		s.states.IncrMessagesSentWhileBusy(recipient)
	}
	s.recordMessage(ctx, msg, archive.KindMessage)
	s.publish(ctx, events.BuildMessageQueuedSubject(recipient), events.MessageQueued, map[string]interface{}{
		"from":     msg.From,
		"to":       recipient,
		"priority": string(msg.Priority),
	})

	line := fmt.Sprintf("[MAILBOX NOTIFICATION] You have a new message from %s - Title: %s", msg.From, msg.Title)
	if err := s.engine.NotifyAgent(ctx, recipient, line); err != nil {
		s.logger.Warn("mailbox notification failed, message stays queued",
			zap.String("agent", recipient),
			zap.Error(err))
	}
}

func (s *Supervisor) recordMessage(ctx context.Context, msg mailbox.Message, kind string) {
	if s.archive == nil {
		return
	}
	err := s.archive.RecordMessage(ctx, archive.Message{
		TS:        msg.Timestamp,
		Sender:    msg.From,
		Recipient: msg.To,
		Title:     msg.Title,
		Body:      msg.Body,
		Priority:  string(msg.Priority),
		Kind:      kind,
	})
	if err != nil {
		s.logger.Warn("archive write failed", zap.Error(err))
	}
}

// agentListing is the JSON shape list_agents emits, one entry per agent.
type agentListing struct {
	Name         string `json:"name"`
	TranscriptID string `json:"transcriptId"`
	PaneIndex    int    `json:"paneIndex"`
	LastActive   string `json:"lastActive,omitempty"`
	MailboxCount int    `json:"mailboxCount"`
}

func (s *Supervisor) handleListAgents(ctx context.Context, caller string) {
	agents := s.Agents()
	listing := make([]agentListing, 0, len(agents))
	for _, a := range agents {
		entry := agentListing{
			Name:         a.Name,
			TranscriptID: a.TranscriptID,
			PaneIndex:    a.PaneIndex,
			MailboxCount: s.box.Count(a.Name),
		}
		if !a.LastActive.IsZero() {
			entry.LastActive = a.LastActive.UTC().Format(time.RFC3339)
		}
		listing = append(listing, entry)
	}
	payload, err := json.Marshal(listing)
	if err != nil {
		s.logger.Warn("list_agents encode failed", zap.Error(err))
		return
	}
	s.respond(ctx, caller, commandListAgents, string(payload))
}

func (s *Supervisor) handleMailboxCheck(ctx context.Context, caller string) {
	messages := s.box.Drain(caller)
	s.states.SetPendingMessages(caller, 0)
	s.respond(ctx, caller, "mailbox", mailbox.Render(messages))
}

func (s *Supervisor) handleContextStatus(ctx context.Context, caller string) {
	agent, ok := s.lookupAgent(caller)
	if !ok {
		return
	}
	info, err := os.Stat(agent.TranscriptPath)
	if err != nil {
		s.respond(ctx, caller, commandContextStatus,
			fmt.Sprintf("transcript %s not found", agent.TranscriptID))
		return
	}
	size := info.Size()
	estLines := size / contextBytesPerLine
	body := fmt.Sprintf("transcript %s: %d bytes, ~%d lines", agent.TranscriptID, size, estLines)
	if estLines > contextWarnLines {
		body += fmt.Sprintf(" (WARNING: above %d lines, consider compacting)", contextWarnLines)
	}
	s.respond(ctx, caller, commandContextStatus, body)
}

// respond injects an [ORC RESPONSE: …] line into the caller's pane.
func (s *Supervisor) respond(ctx context.Context, caller, kind, body string) {
	text := fmt.Sprintf("[ORC RESPONSE: %s] %s", kind, body)
	if err := s.engine.SendCommandToAgent(ctx, caller, text); err != nil {
		s.logger.Warn("response injection failed",
			zap.String("agent", caller),
			zap.String("kind", kind),
			zap.Error(err))
	}
}
