package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// transcriptWriter appends session records to a JSONL file, one JSON object
// per line, in the same shape real agent transcripts use.
type transcriptWriter struct {
	f       *os.File
	session string
}

type transcriptRecord struct {
	UUID      string                 `json:"uuid"`
	SessionID string                 `json:"sessionId"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Message   map[string]interface{} `json:"message"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newTranscriptWriter(path, session string) (*transcriptWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &transcriptWriter{f: f, session: session}, nil
}

func (t *transcriptWriter) user(content string) error {
	return t.append("user", map[string]interface{}{
		"role":    "user",
		"content": content,
	})
}

// assistant writes the text as a single text block, the array form real
// assistant records use.
func (t *transcriptWriter) assistant(text string) error {
	return t.append("assistant", map[string]interface{}{
		"role":    "assistant",
		"content": []textBlock{{Type: "text", Text: text}},
	})
}

func (t *transcriptWriter) system(content string) error {
	return t.append("system", map[string]interface{}{
		"content": content,
	})
}

func (t *transcriptWriter) append(kind string, message map[string]interface{}) error {
	rec := transcriptRecord{
		UUID:      uuid.NewString(),
		SessionID: t.session,
		Type:      kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Message:   message,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = t.f.Write(data)
	return err
}

func (t *transcriptWriter) Close() error {
	return t.f.Close()
}
