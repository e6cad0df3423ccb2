// Package archive persists a durable audit trail of message traffic and
// agent state transitions. Mailboxes stay in memory; the archive is a
// write-behind observer that operator tooling queries to answer what
// happened while nobody was watching the panes.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/claude-orc/orc/internal/common/config"
)

// Kinds of archived messages.
const (
	KindMessage   = "message"   // direct agent-to-agent send
	KindBroadcast = "broadcast" // fan-out to every registered agent
	KindInterrupt = "interrupt" // high-priority paste into a pane
	KindReminder  = "reminder"  // unread-mailbox nudge
)

// DefaultRecentLimit bounds Recent* queries when the caller passes no limit.
const DefaultRecentLimit = 50

const busyTimeout = 5 * time.Second

// Message is one archived send, broadcast, interrupt or reminder.
type Message struct {
	ID        string    `json:"id" db:"id"`
	TS        time.Time `json:"ts" db:"ts"`
	Sender    string    `json:"sender" db:"sender"`
	Recipient string    `json:"recipient" db:"recipient"`
	Title     string    `json:"title" db:"title"`
	Body      string    `json:"body" db:"body"`
	Priority  string    `json:"priority" db:"priority"`
	Kind      string    `json:"kind" db:"kind"`
}

// Transition is one archived agent state change.
type Transition struct {
	ID        string    `json:"id" db:"id"`
	TS        time.Time `json:"ts" db:"ts"`
	Agent     string    `json:"agent" db:"agent"`
	FromState string    `json:"fromState" db:"from_state"`
	ToState   string    `json:"toState" db:"to_state"`
}

// Store is the SQLite-backed archive. A single write connection serializes
// inserts; rows are tiny and transactions short, so callers treat writes
// as cheap and synchronous.
type Store struct {
	db *sqlx.DB
}

// Open opens the archive database at cfg.Path, creating the file and its
// parent directory when missing. An empty path falls back to
// ~/.claude-orc/archive.db; ":memory:" opens a throwaway in-memory store.
func Open(cfg config.ArchiveConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve archive path: %w", err)
		}
		path = filepath.Join(home, ".claude-orc", "archive.db")
	}

	dsn := path
	if !isMemoryPath(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("prepare archive directory: %w", err)
			}
		}
		// busy_timeout waits briefly on locks instead of failing with
		// SQLITE_BUSY; WAL lets any future readers proceed alongside
		// the writer.
		dsn = fmt.Sprintf(
			"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			path, int(busyTimeout/time.Millisecond),
		)
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	// Single writer connection. This also pins :memory: databases, which
	// evaporate when their connection is recycled.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("close archive after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("initialize archive schema: %w", err)
	}
	return s, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

const createTablesSQL = `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		ts TIMESTAMP NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		kind TEXT NOT NULL DEFAULT 'message'
	);
	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);

	CREATE TABLE IF NOT EXISTS transitions (
		id TEXT PRIMARY KEY,
		ts TIMESTAMP NOT NULL,
		agent TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_agent_ts ON transitions(agent, ts);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(createTablesSQL)
	return err
}

// RecordMessage archives one message. Empty ID, timestamp, priority and
// kind fields are filled with a fresh UUID, the current time, "normal"
// and KindMessage.
func (s *Store) RecordMessage(ctx context.Context, m Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.TS.IsZero() {
		m.TS = time.Now()
	}
	// Stored timestamps must share one offset or the ts ordering in
	// RecentMessages stops being chronological.
	m.TS = m.TS.UTC()
	if m.Priority == "" {
		m.Priority = "normal"
	}
	if m.Kind == "" {
		m.Kind = KindMessage
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, ts, sender, recipient, title, body, priority, kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TS, m.Sender, m.Recipient, m.Title, m.Body, m.Priority, m.Kind)
	if err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	return nil
}

// RecordTransition archives one agent state change at the current time.
func (s *Store) RecordTransition(ctx context.Context, agent, fromState, toState string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (id, ts, agent, from_state, to_state)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), time.Now().UTC(), agent, fromState, toState)
	if err != nil {
		return fmt.Errorf("archive transition: %w", err)
	}
	return nil
}

// RecentMessages returns the newest archived messages, newest first.
// A limit of zero or less means DefaultRecentLimit.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	// rowid breaks timestamp ties in insert order.
	var rows []Message
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, ts, sender, recipient, title, body, priority, kind
		FROM messages
		ORDER BY ts DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	return rows, nil
}

// RecentTransitions returns the newest state changes, newest first. An
// empty agent name returns transitions across every agent.
func (s *Store) RecentTransitions(ctx context.Context, agent string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	var rows []Transition
	var err error
	if agent == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, ts, agent, from_state, to_state
			FROM transitions
			ORDER BY ts DESC, rowid DESC
			LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, ts, agent, from_state, to_state
			FROM transitions
			WHERE agent = ?
			ORDER BY ts DESC, rowid DESC
			LIMIT ?`, agent, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query recent transitions: %w", err)
	}
	return rows, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
