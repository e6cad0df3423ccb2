package archive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/events/bus"
)

// Recorder mirrors bus traffic into the archive. It covers the event-only
// flows: agent state changes and reminder nudges. Direct sends, broadcasts
// and interrupts are archived at the call site through Store.RecordMessage,
// where the full message body is still in hand; bus events carry metadata
// only.
type Recorder struct {
	store    *Store
	eventBus bus.EventBus
	logger   *logger.Logger
	subs     []bus.Subscription
}

// NewRecorder creates a recorder over store. Call Start once to subscribe.
func NewRecorder(store *Store, eventBus bus.EventBus, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Default()
	}
	return &Recorder{
		store:    store,
		eventBus: eventBus,
		logger:   log.WithComponent("archive"),
	}
}

// Start subscribes to the subjects the recorder archives.
func (r *Recorder) Start() error {
	handlers := map[string]bus.EventHandler{
		events.BuildAgentStateWildcardSubject(): r.onStateChanged,
		events.ReminderSent:                     r.onReminder,
	}
	for subject, handler := range handlers {
		sub, err := r.eventBus.Subscribe(subject, handler)
		if err != nil {
			r.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

// Stop drops the recorder's subscriptions. The store stays open.
func (r *Recorder) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Recorder) onStateChanged(ctx context.Context, event *bus.Event) error {
	agent := stringField(event.Data, "agent")
	to := stringField(event.Data, "to")
	if agent == "" || to == "" {
		r.logger.Debug("state change event missing agent or target state",
			zap.String("event_id", event.ID))
		return nil
	}
	return r.store.RecordTransition(ctx, agent, stringField(event.Data, "from"), to)
}

func (r *Recorder) onReminder(ctx context.Context, event *bus.Event) error {
	agent := stringField(event.Data, "agent")
	if agent == "" {
		r.logger.Debug("reminder event missing agent", zap.String("event_id", event.ID))
		return nil
	}
	return r.store.RecordMessage(ctx, Message{
		TS:        event.Timestamp,
		Sender:    "system",
		Recipient: agent,
		Title:     "Unread mailbox reminder",
		Body:      fmt.Sprintf("%d unread message(s)", intField(event.Data, "pending")),
		Kind:      KindReminder,
	})
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// intField tolerates the number types a bus event carries: native ints
// in-process, float64 after a JSON round trip over NATS.
func intField(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
