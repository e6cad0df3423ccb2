package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(config.ArchiveConfig{Enabled: true, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestStoreRecordAndQueryMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordMessage(ctx, Message{
		TS: base, Sender: "lead", Recipient: "dev",
		Title: "kickoff", Body: "start with the parser", Priority: "normal", Kind: KindMessage,
	}))
	require.NoError(t, store.RecordMessage(ctx, Message{
		TS: base.Add(time.Second), Sender: "dev", Recipient: "lead",
		Title: "done", Body: "parser is in", Priority: "high", Kind: KindMessage,
	}))
	require.NoError(t, store.RecordMessage(ctx, Message{
		TS: base.Add(2 * time.Second), Sender: "lead", Recipient: "*",
		Title: "standup", Body: "sync in five", Kind: KindBroadcast,
	}))

	t.Run("returns newest first", func(t *testing.T) {
		msgs, err := store.RecentMessages(ctx, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "standup", msgs[0].Title)
		assert.Equal(t, "done", msgs[1].Title)
		assert.Equal(t, "kickoff", msgs[2].Title)
	})

	t.Run("round-trips every field", func(t *testing.T) {
		msgs, err := store.RecentMessages(ctx, 3)
		require.NoError(t, err)
		m := msgs[1]
		assert.NotEmpty(t, m.ID)
		assert.True(t, m.TS.Equal(base.Add(time.Second)), "ts %v", m.TS)
		assert.Equal(t, "dev", m.Sender)
		assert.Equal(t, "lead", m.Recipient)
		assert.Equal(t, "done", m.Title)
		assert.Equal(t, "parser is in", m.Body)
		assert.Equal(t, "high", m.Priority)
		assert.Equal(t, KindMessage, m.Kind)
	})

	t.Run("fills defaults for empty fields", func(t *testing.T) {
		bare := newTestStore(t)
		require.NoError(t, bare.RecordMessage(ctx, Message{Sender: "ops", Recipient: "dev"}))

		msgs, err := bare.RecentMessages(ctx, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.NotEmpty(t, msgs[0].ID)
		assert.False(t, msgs[0].TS.IsZero())
		assert.Equal(t, "normal", msgs[0].Priority)
		assert.Equal(t, KindMessage, msgs[0].Kind)
	})
}

func TestStoreRecentMessagesHonorsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	titles := []string{"one", "two", "three", "four", "five"}
	for i, title := range titles {
		require.NoError(t, store.RecordMessage(ctx, Message{
			TS: base.Add(time.Duration(i) * time.Second), Sender: "lead", Recipient: "dev", Title: title,
		}))
	}

	msgs, err := store.RecentMessages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "five", msgs[0].Title)
	assert.Equal(t, "four", msgs[1].Title)
}

func TestStoreRecordAndQueryTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordTransition(ctx, "alice", "initializing", "idle"))
	require.NoError(t, store.RecordTransition(ctx, "alice", "idle", "busy"))
	require.NoError(t, store.RecordTransition(ctx, "bob", "idle", "busy"))

	t.Run("filters by agent, newest first", func(t *testing.T) {
		trs, err := store.RecentTransitions(ctx, "alice", 0)
		require.NoError(t, err)
		require.Len(t, trs, 2)
		assert.Equal(t, "busy", trs[0].ToState)
		assert.Equal(t, "idle", trs[0].FromState)
		assert.Equal(t, "idle", trs[1].ToState)
		for _, tr := range trs {
			assert.Equal(t, "alice", tr.Agent)
			assert.NotEmpty(t, tr.ID)
			assert.False(t, tr.TS.IsZero())
		}
	})

	t.Run("empty agent returns every transition", func(t *testing.T) {
		trs, err := store.RecentTransitions(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, trs, 3)
	})

	t.Run("unknown agent returns nothing", func(t *testing.T) {
		trs, err := store.RecentTransitions(ctx, "mallory", 0)
		require.NoError(t, err)
		assert.Empty(t, trs)
	})
}

func TestStoreRecentTransitionsHonorsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	states := []string{"idle", "busy", "writing", "idle"}
	from := "initializing"
	for _, to := range states {
		require.NoError(t, store.RecordTransition(ctx, "alice", from, to))
		from = to
	}

	trs, err := store.RecentTransitions(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, trs, 2)
	assert.Equal(t, "idle", trs[0].ToState)
	assert.Equal(t, "writing", trs[1].ToState)
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "archive.db")

	store, err := Open(config.ArchiveConfig{Enabled: true, Path: path})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.RecordMessage(ctx, Message{Sender: "lead", Recipient: "dev", Title: "persisted"}))
	require.NoError(t, store.Close())

	_, err = os.Stat(path)
	require.NoError(t, err, "database file should exist")

	reopened, err := Open(config.ArchiveConfig{Enabled: true, Path: path})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, reopened.Close())
	}()

	msgs, err := reopened.RecentMessages(ctx, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persisted", msgs[0].Title)
}

func TestRecorderArchivesStateChanges(t *testing.T) {
	store := newTestStore(t)
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)

	rec := NewRecorder(store, memBus, log)
	require.NoError(t, rec.Start())
	defer rec.Stop()

	ctx := context.Background()
	event := bus.NewEvent(events.AgentStateChanged, "supervisor", map[string]interface{}{
		"agent": "alice",
		"from":  "idle",
		"to":    "busy",
	})
	require.NoError(t, memBus.Publish(ctx, events.BuildAgentStateSubject("alice"), event))

	trs, err := store.RecentTransitions(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, "idle", trs[0].FromState)
	assert.Equal(t, "busy", trs[0].ToState)
}

func TestRecorderArchivesReminders(t *testing.T) {
	store := newTestStore(t)
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)

	rec := NewRecorder(store, memBus, log)
	require.NoError(t, rec.Start())
	defer rec.Stop()

	ctx := context.Background()
	event := bus.NewEvent(events.ReminderSent, "delivery", map[string]interface{}{
		"agent":   "bob",
		"pending": 2,
	})
	require.NoError(t, memBus.Publish(ctx, events.ReminderSent, event))

	msgs, err := store.RecentMessages(ctx, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindReminder, msgs[0].Kind)
	assert.Equal(t, "system", msgs[0].Sender)
	assert.Equal(t, "bob", msgs[0].Recipient)
	assert.Equal(t, "2 unread message(s)", msgs[0].Body)
}

func TestRecorderIgnoresMalformedEvents(t *testing.T) {
	store := newTestStore(t)
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)

	rec := NewRecorder(store, memBus, log)
	require.NoError(t, rec.Start())
	defer rec.Stop()

	ctx := context.Background()
	noAgent := bus.NewEvent(events.AgentStateChanged, "supervisor", map[string]interface{}{"to": "busy"})
	require.NoError(t, memBus.Publish(ctx, events.BuildAgentStateSubject("ghost"), noAgent))
	noTarget := bus.NewEvent(events.ReminderSent, "delivery", map[string]interface{}{"pending": 1})
	require.NoError(t, memBus.Publish(ctx, events.ReminderSent, noTarget))

	trs, err := store.RecentTransitions(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, trs)
	msgs, err := store.RecentMessages(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRecorderStopUnsubscribes(t *testing.T) {
	store := newTestStore(t)
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)

	rec := NewRecorder(store, memBus, log)
	require.NoError(t, rec.Start())

	ctx := context.Background()
	first := bus.NewEvent(events.AgentStateChanged, "supervisor", map[string]interface{}{
		"agent": "alice", "from": "idle", "to": "busy",
	})
	require.NoError(t, memBus.Publish(ctx, events.BuildAgentStateSubject("alice"), first))

	rec.Stop()

	second := bus.NewEvent(events.AgentStateChanged, "supervisor", map[string]interface{}{
		"agent": "alice", "from": "busy", "to": "idle",
	})
	require.NoError(t, memBus.Publish(ctx, events.BuildAgentStateSubject("alice"), second))

	trs, err := store.RecentTransitions(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, "busy", trs[0].ToState)
}
