// Package transcript tails the append-only JSONL transcript files that
// agent processes write, turning raw records into messages and extracting
// the orchestration commands agents embed in their output.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
)

// ErrTranscriptNotFound is returned while the transcript file has not yet
// been created (or has been moved). Callers retry on the next poll.
var ErrTranscriptNotFound = errors.New("transcript file not found")

// Kind discriminates transcript records.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindSystem    Kind = "system"
)

// Message is one parsed transcript record.
type Message struct {
	UUID         string
	TranscriptID string
	Kind         Kind
	Timestamp    time.Time
	Content      string
	Raw          json.RawMessage
}

// Monitor tails one agent's transcript file. It remembers the byte offset
// of the last fully parsed line and the set of UUIDs already yielded, so
// repeated polls return each record at most once, in file order.
type Monitor struct {
	path         string
	agentName    string
	transcriptID string

	mu           sync.Mutex
	lastPosition int64
	seen         map[string]struct{}

	logger *logger.Logger
}

// NewMonitor creates a monitor for the given transcript file.
func NewMonitor(path, agentName, transcriptID string, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.Default()
	}
	return &Monitor{
		path:         path,
		agentName:    agentName,
		transcriptID: transcriptID,
		seen:         make(map[string]struct{}),
		logger:       log.WithComponent("transcript").WithAgent(agentName),
	}
}

// Path returns the transcript file path being tailed.
func (m *Monitor) Path() string { return m.path }

// AgentName returns the owning agent.
func (m *Monitor) AgentName() string { return m.agentName }

// TranscriptID returns the transcript id the monitor was bound to.
func (m *Monitor) TranscriptID() string { return m.transcriptID }

// LastPosition returns the byte offset of the last fully consumed line.
func (m *Monitor) LastPosition() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPosition
}

// GetNewMessages reads records appended since the previous call, preserving
// file order and skipping UUIDs that were already yielded. A trailing line
// without a newline is left for the next poll; the position only advances
// past complete lines.
func (m *Monitor) GetNewMessages() ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTranscriptNotFound, m.path)
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := file.Seek(m.lastPosition, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek transcript: %w", err)
	}

	reader := bufio.NewReader(file)
	var messages []Message
	pos := m.lastPosition

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial trailing line (or a read error): leave it in place
			// and pick it up once it is complete.
			break
		}
		pos += int64(len(line))

		msg, ok := m.parseLine(line)
		if !ok {
			continue
		}
		if _, dup := m.seen[msg.UUID]; dup {
			continue
		}
		m.seen[msg.UUID] = struct{}{}
		messages = append(messages, msg)
	}

	m.lastPosition = pos
	return messages, nil
}

// Reset clears the file position and the dedup set so the whole transcript
// is replayed on the next call. Test hook only.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPosition = 0
	m.seen = make(map[string]struct{})
}

type rawRecord struct {
	UUID      string          `json:"uuid"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type rawMessage struct {
	Content json.RawMessage `json:"content"`
}

func (m *Monitor) parseLine(line string) (Message, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Message{}, false
	}

	var rec rawRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		m.logger.Debug("Skipping malformed transcript line", zap.Error(err))
		return Message{}, false
	}
	if rec.UUID == "" {
		return Message{}, false
	}

	kind := Kind(rec.Type)
	switch kind {
	case KindUser, KindAssistant, KindSystem:
	default:
		return Message{}, false
	}

	content := extractContent(kind, rec.Message)
	if strings.TrimSpace(content) == "" {
		return Message{}, false
	}

	return Message{
		UUID:         rec.UUID,
		TranscriptID: rec.SessionID,
		Kind:         kind,
		Timestamp:    parseTimestamp(rec.Timestamp),
		Content:      content,
		Raw:          json.RawMessage(trimmed),
	}, true
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts
	}
	return time.Time{}
}

// extractContent renders the record's message body as text.
//
// user: a string is taken verbatim; a list is rendered element by element,
// with tool results becoming "[Tool Result: X]". assistant: text blocks are
// concatenated. system: the content string, if present.
func extractContent(kind Kind, raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	if len(msg.Content) == 0 {
		return ""
	}

	switch kind {
	case KindUser:
		return renderUserContent(msg.Content)
	case KindAssistant:
		return renderAssistantContent(msg.Content)
	case KindSystem:
		var text string
		if err := json.Unmarshal(msg.Content, &text); err == nil {
			return text
		}
		return ""
	}
	return ""
}

func renderUserContent(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		var block struct {
			Type    string          `json:"type"`
			Text    string          `json:"text"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(item, &block); err != nil {
			continue
		}
		switch block.Type {
		case "tool_result":
			parts = append(parts, fmt.Sprintf("[Tool Result: %s]", stringify(block.Content)))
		case "text":
			parts = append(parts, block.Text)
		default:
			parts = append(parts, stringify(item))
		}
	}
	return strings.Join(parts, "\n")
}

func renderAssistantContent(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// stringify renders an arbitrary JSON value as plain text: strings lose
// their quotes, everything else keeps its compact JSON form.
func stringify(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(raw))
}
