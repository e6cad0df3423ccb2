// Package forkdetect resolves which transcript file is currently active
// for an agent. A resumed agent may continue its conversation in a new
// JSONL file whose early records still carry the previous session id;
// this package follows that trail instead of trusting the stored id
// forever.
package forkdetect

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
)

var (
	// ErrNoTranscripts means the agent's transcript directory holds no
	// JSONL files at all.
	ErrNoTranscripts = errors.New("no transcript files found")

	// ErrUnresolved means the stored transcript id is stale and no newer
	// file descends from it. Callers must not guess a replacement.
	ErrUnresolved = errors.New("transcript id not found and no descendant located")
)

const (
	defaultEarlyLines   = 10
	defaultSettleDelay  = 500 * time.Millisecond
	defaultPollInterval = 30 * time.Second

	// Transcript records can carry whole tool outputs on one line.
	maxLineBytes = 4 * 1024 * 1024
)

// Config tunes the detector and its watcher.
type Config struct {
	// ProjectsRoot is where per-agent transcript directories live.
	// Empty means ~/.claude/projects.
	ProjectsRoot string

	// Mode is "auto", "inotify", or "poll". Auto tries inotify first.
	Mode string

	// SettleDelay is how long to wait after a filesystem event before
	// re-running the resolver, letting in-flight writes finish.
	SettleDelay time.Duration

	// PollInterval is the fallback re-check cadence.
	PollInterval time.Duration

	// EarlyLines bounds how many leading records are parsed for the
	// descendant check.
	EarlyLines int
}

func (c *Config) applyDefaults() {
	if c.ProjectsRoot == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.ProjectsRoot = filepath.Join(home, ".claude", "projects")
		}
	}
	if c.Mode == "" {
		c.Mode = "auto"
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.EarlyLines <= 0 {
		c.EarlyLines = defaultEarlyLines
	}
}

// Detector resolves stored transcript ids against the filesystem.
type Detector struct {
	cfg    Config
	logger *logger.Logger
}

// NewDetector builds a detector, filling config defaults.
func NewDetector(cfg Config, log *logger.Logger) *Detector {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &Detector{cfg: cfg, logger: log.WithComponent("forkdetect")}
}

// ProjectDirName builds the transcript directory name for a context,
// agent, and working directory.
func ProjectDirName(contextName, agentName, workingDir string) string {
	return "ccbox-" + contextName + "-" + sanitizeAgent(agentName) + "-" + escapeWorkingDir(workingDir)
}

// TranscriptDir returns the absolute transcript directory for the triple.
func (d *Detector) TranscriptDir(contextName, agentName, workingDir string) string {
	return filepath.Join(d.cfg.ProjectsRoot, ProjectDirName(contextName, agentName, workingDir))
}

func sanitizeAgent(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// escapeWorkingDir turns path separators into dashes. The leading dash
// that a rooted path would produce is stripped so the segment never
// starts with a separator artifact.
func escapeWorkingDir(dir string) string {
	escaped := strings.ReplaceAll(dir, "/", "-")
	return strings.TrimPrefix(escaped, "-")
}

type transcriptFile struct {
	path  string
	stem  string
	mtime time.Time
}

func listTranscripts(dir string) ([]transcriptFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]transcriptFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, transcriptFile{
			path:  filepath.Join(dir, entry.Name()),
			stem:  strings.TrimSuffix(entry.Name(), ".jsonl"),
			mtime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
	return files, nil
}

// Resolve walks the directory's transcripts newest to oldest. The stored
// id is still current when it owns the newest file. Otherwise the first
// newer file whose early session ids include the stored id is the new
// active transcript. A newest file that neither is nor descends from the
// stored id is an error; the caller decides what to do, the detector
// never fabricates an id.
func (d *Detector) Resolve(dir, storedID string) (string, error) {
	files, err := listTranscripts(dir)
	if err != nil {
		return "", fmt.Errorf("list transcripts in %s: %w", dir, err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoTranscripts, dir)
	}
	if files[0].stem == storedID {
		return storedID, nil
	}

	for _, f := range files {
		if f.stem == storedID {
			// Files past this point are older than the stored
			// transcript and cannot descend from it.
			break
		}
		ids := d.earlySessionIDs(f.path)
		for _, id := range ids {
			if id == storedID {
				d.logger.Info("transcript fork resolved",
					zap.String("old", storedID),
					zap.String("new", f.stem),
					zap.Int("session_ids", len(ids)))
				return f.stem, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnresolved, storedID)
}

// earlySessionIDs returns the distinct session ids seen across the
// file's leading records, in first-seen order. Unparseable lines are
// skipped.
func (d *Detector) earlySessionIDs(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		d.logger.Debug("cannot open transcript", zap.String("path", path), zap.Error(err))
		return nil
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var ids []string
	seen := make(map[string]struct{})
	for i := 0; i < d.cfg.EarlyLines && scanner.Scan(); i++ {
		var rec struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.SessionID == "" {
			continue
		}
		if _, dup := seen[rec.SessionID]; dup {
			continue
		}
		seen[rec.SessionID] = struct{}{}
		ids = append(ids, rec.SessionID)
	}
	if err := scanner.Err(); err != nil {
		d.logger.Debug("transcript scan stopped early", zap.String("path", path), zap.Error(err))
	}
	return ids
}
