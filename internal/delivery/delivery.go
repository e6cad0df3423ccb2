// Package delivery sequences keystroke injections into agent panes.
// Notifications, reminders and raw command passthroughs all funnel through
// one lock so concurrent broker calls can never interleave inside a pane.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/claude-orc/orc/internal/archive"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/events/bus"
	"github.com/claude-orc/orc/internal/mailbox"
	"github.com/claude-orc/orc/internal/statemon"
	"github.com/claude-orc/orc/internal/tracing"
)

// ErrUnknownAgent is returned when the recipient is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// DefaultNotificationGap is the minimum spacing between notification lines
// injected into the same agent's pane.
const DefaultNotificationGap = 200 * time.Millisecond

// PaneSender is the slice of the terminal adapter the engine needs.
type PaneSender interface {
	SendToPane(ctx context.Context, pane int, text string) error
	TypeInPane(ctx context.Context, pane int, text string) error
}

// AgentLookup resolves registered agents to panes.
type AgentLookup interface {
	PaneForAgent(name string) (int, bool)
	RegisteredAgents() []string
}

// StateTracker exposes the monitor's view of each agent and the counter
// for mail that arrived while its recipient was busy.
type StateTracker interface {
	GetStatus(agentName string) (statemon.AgentStatus, bool)
	IncrMessagesSentWhileBusy(agentName string)
}

// Config holds delivery tuning.
type Config struct {
	// NotificationGap is the per-agent minimum spacing between
	// notification injections. Zero means DefaultNotificationGap.
	NotificationGap time.Duration

	// Archive, when set, receives one row per routed message. Writes
	// are best effort; a failed write never blocks delivery.
	Archive *archive.Store
}

// Engine delivers in-band text to agent panes. The delivery lock is a
// leaf: it is never held together with any other lock in the system, and
// the enforced gap sleeps happen under it on purpose, since spacing the
// injections is exactly what the serialization is for.
type Engine struct {
	deliveryMu sync.Mutex
	limiters   map[string]*rate.Limiter
	gap        time.Duration

	panes    PaneSender
	mailbox  *mailbox.Mailbox
	agents   AgentLookup
	states   StateTracker
	eventBus bus.EventBus
	archive  *archive.Store
	logger   *logger.Logger
}

// NewEngine creates a delivery engine. eventBus may be nil when the
// embedder runs without one.
func NewEngine(cfg Config, panes PaneSender, box *mailbox.Mailbox, agents AgentLookup, states StateTracker, eventBus bus.EventBus, log *logger.Logger) *Engine {
	if cfg.NotificationGap <= 0 {
		cfg.NotificationGap = DefaultNotificationGap
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		limiters: make(map[string]*rate.Limiter),
		gap:      cfg.NotificationGap,
		panes:    panes,
		mailbox:  box,
		agents:   agents,
		states:   states,
		eventBus: eventBus,
		archive:  cfg.Archive,
		logger:   log.WithComponent("delivery"),
	}
}

// SendMessageToAgent appends a message to the recipient's mailbox and
// injects a one-line notification into their pane. The append always
// happens; a failed injection is logged and left for the reminder path,
// so the message is never lost.
func (e *Engine) SendMessageToAgent(ctx context.Context, to, from, body string, priority mailbox.Priority) error {
	pane, ok := e.agents.PaneForAgent(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, to)
	}

	msg := mailbox.Message{
		From:      from,
		To:        to,
		Body:      body,
		Priority:  priority,
		Timestamp: time.Now(),
	}
	e.mailbox.Append(to, msg)
	e.countIfBusy(to)
	e.record(ctx, archive.Message{
		TS:        msg.Timestamp,
		Sender:    from,
		Recipient: to,
		Body:      body,
		Priority:  string(priority),
		Kind:      archive.KindMessage,
	})
	e.publish(ctx, events.BuildMessageQueuedSubject(to), events.MessageQueued, map[string]interface{}{
		"from":     from,
		"to":       to,
		"priority": string(priority),
	})

	notification := fmt.Sprintf("[MESSAGE] You have a new message from %s. Check it when convenient using 'check_messages'.", from)
	if err := e.notifyPane(ctx, to, pane, notification); err != nil {
		e.logger.Warn("notification injection failed, message stays queued",
			zap.String("agent", to), zap.Error(err))
		return nil
	}
	e.publish(ctx, events.BuildMessageDeliveredSubject(to), events.MessageDelivered, map[string]interface{}{
		"from": from,
		"to":   to,
	})
	return nil
}

// BroadcastFromAgent appends body, prefixed "[BROADCAST]", to every
// registered mailbox except the sender's own. Recipients are not notified
// directly; idle ones are picked up by the reminder pass. Returns the
// number of mailboxes reached.
func (e *Engine) BroadcastFromAgent(ctx context.Context, from, body string) int {
	now := time.Now()
	count := 0
	for _, name := range e.agents.RegisteredAgents() {
		if name == from {
			continue
		}
		e.mailbox.Append(name, mailbox.Message{
			From:      from,
			To:        name,
			Body:      "[BROADCAST] " + body,
			Priority:  mailbox.PriorityNormal,
			Timestamp: now,
		})
		e.countIfBusy(name)
		count++
	}
	e.record(ctx, archive.Message{
		TS:        now,
		Sender:    from,
		Recipient: "*",
		Body:      body,
		Kind:      archive.KindBroadcast,
	})
	return count
}

// CheckAndDeliverPendingReminders nudges every idle agent that has unread
// mail and has not been reminded since its mailbox last changed. Agents
// with empty mailboxes get their reminder latch cleared.
func (e *Engine) CheckAndDeliverPendingReminders(ctx context.Context) {
	for _, name := range e.agents.RegisteredAgents() {
		count := e.mailbox.Count(name)
		if count == 0 {
			e.mailbox.SetReminderSent(name, false)
			continue
		}

		status, ok := e.states.GetStatus(name)
		if !ok || status.State != statemon.StateIdle {
			continue
		}
		if e.mailbox.ReminderSent(name) {
			continue
		}
		pane, ok := e.agents.PaneForAgent(name)
		if !ok {
			continue
		}

		reminder := fmt.Sprintf("[MESSAGE] Reminder: You have %d unread message(s). Use 'check_messages' to read them.", count)
		if err := e.notifyPane(ctx, name, pane, reminder); err != nil {
			e.logger.Warn("reminder injection failed", zap.String("agent", name), zap.Error(err))
			continue
		}
		e.mailbox.SetReminderSent(name, true)
		e.publish(ctx, events.ReminderSent, events.ReminderSent, map[string]interface{}{
			"agent":   name,
			"pending": count,
		})
	}
}

// NotifyAgent injects one notification line into the agent's pane, paced
// by the recipient's limiter like any other notification. The caller owns
// the line's content; mailbox bookkeeping stays with the caller too.
func (e *Engine) NotifyAgent(ctx context.Context, agent, line string) error {
	pane, ok := e.agents.PaneForAgent(agent)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	return e.notifyPane(ctx, agent, pane, line)
}

// SendTextToAgentInput types text into the agent's pane without Enter.
func (e *Engine) SendTextToAgentInput(ctx context.Context, agent, text string) error {
	pane, ok := e.agents.PaneForAgent(agent)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	e.deliveryMu.Lock()
	defer e.deliveryMu.Unlock()
	return e.panes.TypeInPane(ctx, pane, text)
}

// SendCommandToAgent sends a full line (text plus Enter) to the agent's
// pane.
func (e *Engine) SendCommandToAgent(ctx context.Context, agent, command string) error {
	pane, ok := e.agents.PaneForAgent(agent)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	e.deliveryMu.Lock()
	defer e.deliveryMu.Unlock()
	return e.panes.SendToPane(ctx, pane, command)
}

// notifyPane injects one notification line, honoring the per-agent gap.
func (e *Engine) notifyPane(ctx context.Context, agent string, pane int, text string) error {
	e.deliveryMu.Lock()
	defer e.deliveryMu.Unlock()

	limiter, ok := e.limiters[agent]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(e.gap), 1)
		e.limiters[agent] = limiter
	}
	reservation := limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			reservation.Cancel()
			return ctx.Err()
		}
	}
	tracing.TraceInjection(ctx, agent, "notification")
	return e.panes.SendToPane(ctx, pane, text)
}

// countIfBusy bumps the recipient's busy-mail counter when the mailbox
// append happened while they were busy.
func (e *Engine) countIfBusy(agent string) {
	if status, ok := e.states.GetStatus(agent); ok && status.State == statemon.StateBusy {
		e.states.IncrMessagesSentWhileBusy(agent)
	}
}

func (e *Engine) record(ctx context.Context, m archive.Message) {
	if e.archive == nil {
		return
	}
	if err := e.archive.RecordMessage(ctx, m); err != nil {
		e.logger.Warn("archive write failed", zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if e.eventBus == nil {
		return
	}
	if err := e.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "delivery", data)); err != nil {
		e.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
