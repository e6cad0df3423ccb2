// Package mailbox holds per-agent message queues for the orchestrator.
// Every operation serializes under one lock so the broker, the delivery
// engine and the supervisor observe a single linear history per queue.
package mailbox

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
)

// Priority of a message. High priority is advisory; it changes how the
// supervisor notifies, not how the mailbox stores.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps free-form input to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	if strings.EqualFold(strings.TrimSpace(s), string(PriorityHigh)) {
		return PriorityHigh
	}
	return PriorityNormal
}

// Message is an immutable mailbox entry.
type Message struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title,omitempty"`
}

// Mailbox maps agent names to ordered message queues. The reminder latch
// lives here too: it is coupled to mailbox writes (any append clears it)
// and needs the same lock.
type Mailbox struct {
	mu        sync.Mutex
	queues    map[string][]Message
	reminders map[string]bool
	logger    *logger.Logger
}

// New creates an empty Mailbox.
func New(log *logger.Logger) *Mailbox {
	if log == nil {
		log = logger.Default()
	}
	return &Mailbox{
		queues:    make(map[string][]Message),
		reminders: make(map[string]bool),
		logger:    log.WithComponent("mailbox"),
	}
}

// Append adds a message to an agent's queue and clears the agent's
// reminder latch, since the queue contents just changed.
func (m *Mailbox) Append(agent string, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[agent] = append(m.queues[agent], msg)
	m.reminders[agent] = false
	m.logger.Debug("message queued",
		zap.String("agent", agent),
		zap.String("from", msg.From),
		zap.Int("pending", len(m.queues[agent])))
}

// Drain removes and returns an agent's queued messages in append order.
func (m *Mailbox) Drain(agent string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.queues[agent]
	delete(m.queues, agent)
	return queue
}

// DrainLimit removes and returns up to n messages from an agent's queue,
// leaving the remainder queued in order. n <= 0 drains everything. The
// second return value is the number of messages still waiting, and the
// reminder latch is re-armed so leftovers can trigger a fresh reminder.
func (m *Mailbox) DrainLimit(agent string, n int) ([]Message, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.queues[agent]
	if len(queue) == 0 {
		return nil, 0
	}
	m.reminders[agent] = false
	if n <= 0 || n >= len(queue) {
		delete(m.queues, agent)
		return queue, 0
	}
	rest := append([]Message(nil), queue[n:]...)
	m.queues[agent] = rest
	return queue[:n], len(rest)
}

// Count returns how many messages wait for an agent.
func (m *Mailbox) Count(agent string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[agent])
}

// HasPending reports whether an agent's queue is non-empty.
func (m *Mailbox) HasPending(agent string) bool {
	return m.Count(agent) > 0
}

// ReminderSent reports whether a reminder has been issued since the
// agent's last mailbox write.
func (m *Mailbox) ReminderSent(agent string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reminders[agent]
}

// SetReminderSent latches or clears the per-agent reminder flag.
func (m *Mailbox) SetReminderSent(agent string, sent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders[agent] = sent
}

// Names returns the agents with pending messages, sorted.
func (m *Mailbox) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name, queue := range m.queues {
		if len(queue) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Clear wipes every queue and latch. Used on supervisor stop.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string][]Message)
	m.reminders = make(map[string]bool)
}

// Render formats drained messages for in-band display in an agent's pane.
func Render(messages []Message) string {
	if len(messages) == 0 {
		return "No new messages"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d message(s):\n", len(messages))
	for i, msg := range messages {
		fmt.Fprintf(&b, "%d. From: %s", i+1, msg.From)
		if msg.Title != "" {
			fmt.Fprintf(&b, " - %s", msg.Title)
		}
		if msg.Priority == PriorityHigh {
			b.WriteString(" [HIGH]")
		}
		fmt.Fprintf(&b, " (%s)\n   %s\n", msg.Timestamp.Format("15:04:05"), msg.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}
