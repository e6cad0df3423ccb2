// Package contextreg persists team contexts, the durable records tying
// agent rosters to their tmux session and transcript ids. The store is a
// single JSON file keyed by context name; every operation reads it fresh
// and writes it back atomically, so short-lived CLI invocations and a
// running supervisor see each other's changes.
package contextreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/events/bus"
)

var (
	// ErrContextExists means Create was called with a name already in use.
	ErrContextExists = errors.New("context already exists")

	// ErrContextNotFound means no record is stored under the given name.
	ErrContextNotFound = errors.New("context not found")

	// ErrUnknownField means Update was handed a field it does not manage.
	ErrUnknownField = errors.New("unknown field")

	// ErrIncompleteContext means a stored record is missing data Resume
	// needs, such as the tmux session name or an agent's transcript id.
	ErrIncompleteContext = errors.New("context record is incomplete")
)

// AgentInfo is one member of a team context.
type AgentInfo struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	Model        string `json:"model"`
	PaneIndex    int    `json:"paneIndex"`
	TranscriptID string `json:"transcriptId"`
}

// TeamContext is the durable record for one named team.
type TeamContext struct {
	ContextName        string                 `json:"contextName"`
	TmuxSession        string                 `json:"tmuxSession"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
	WorkingDir         string                 `json:"workingDir"`
	Agents             []AgentInfo            `json:"agents"`
	OrchestratorConfig map[string]interface{} `json:"orchestratorConfig,omitempty"`

	// Fields written by other tools ride along across rewrites.
	extra map[string]json.RawMessage
}

// teamContextJSON carries the known fields for (un)marshaling.
type teamContextJSON struct {
	ContextName        string                 `json:"contextName"`
	TmuxSession        string                 `json:"tmuxSession"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
	WorkingDir         string                 `json:"workingDir"`
	Agents             []AgentInfo            `json:"agents"`
	OrchestratorConfig map[string]interface{} `json:"orchestratorConfig,omitempty"`
}

var knownContextFields = []string{
	"contextName", "tmuxSession", "createdAt", "updatedAt",
	"workingDir", "agents", "orchestratorConfig",
}

// UnmarshalJSON keeps unknown keys so they survive the next rewrite.
func (tc *TeamContext) UnmarshalJSON(data []byte) error {
	var known teamContextJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownContextFields {
		delete(raw, k)
	}
	*tc = TeamContext{
		ContextName:        known.ContextName,
		TmuxSession:        known.TmuxSession,
		CreatedAt:          known.CreatedAt,
		UpdatedAt:          known.UpdatedAt,
		WorkingDir:         known.WorkingDir,
		Agents:             known.Agents,
		OrchestratorConfig: known.OrchestratorConfig,
	}
	if len(raw) > 0 {
		tc.extra = raw
	}
	return nil
}

// MarshalJSON writes the known fields over any preserved unknown keys.
func (tc TeamContext) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(tc.extra)+len(knownContextFields))
	for k, v := range tc.extra {
		out[k] = v
	}
	known, err := json.Marshal(teamContextJSON{
		ContextName:        tc.ContextName,
		TmuxSession:        tc.TmuxSession,
		CreatedAt:          tc.CreatedAt,
		UpdatedAt:          tc.UpdatedAt,
		WorkingDir:         tc.WorkingDir,
		Agents:             tc.Agents,
		OrchestratorConfig: tc.OrchestratorConfig,
	})
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// Registry is the file-backed context store. All operations serialize on
// one mutex and rewrite the whole file through a temp-file rename.
type Registry struct {
	path     string
	eventBus bus.EventBus
	logger   *logger.Logger

	mu sync.Mutex
}

// NewRegistry builds a registry over the configured path. The event bus
// may be nil.
func NewRegistry(cfg config.RegistryConfig, eventBus bus.EventBus, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	path := cfg.Path
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".claude-orc", "team_contexts.json")
		}
	}
	return &Registry{
		path:     path,
		eventBus: eventBus,
		logger:   log.WithComponent("contextreg"),
	}
}

// Path returns the backing file location.
func (r *Registry) Path() string {
	return r.path
}

// Create stores a new context. The name must be unset in the registry;
// CreatedAt and UpdatedAt are stamped here.
func (r *Registry) Create(ctx context.Context, tc TeamContext) (*TeamContext, error) {
	if tc.ContextName == "" {
		return nil, fmt.Errorf("context name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	contexts := r.load()
	if _, dup := contexts[tc.ContextName]; dup {
		return nil, fmt.Errorf("%w: %s", ErrContextExists, tc.ContextName)
	}

	now := time.Now().UTC()
	tc.CreatedAt = now
	tc.UpdatedAt = now
	contexts[tc.ContextName] = &tc
	if err := r.save(contexts); err != nil {
		return nil, err
	}

	r.logger.Info("context created",
		zap.String("context", tc.ContextName),
		zap.Int("agents", len(tc.Agents)))
	r.publish(ctx, events.ContextCreated, &tc)
	return &tc, nil
}

// Get returns the stored record for a name.
func (r *Registry) Get(name string) (*TeamContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, ok := r.load()[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	return tc, nil
}

// List returns every stored context sorted by name.
func (r *Registry) List() ([]*TeamContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contexts := r.load()
	out := make([]*TeamContext, 0, len(contexts))
	for _, tc := range contexts {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContextName < out[j].ContextName })
	return out, nil
}

// Update applies a partial update. Only tmuxSession, workingDir, agents,
// and orchestratorConfig may change; any other key is refused, including
// the immutable contextName and timestamps.
func (r *Registry) Update(ctx context.Context, name string, fields map[string]interface{}) (*TeamContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contexts := r.load()
	tc, ok := contexts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}

	// An empty update is a no-op: nothing changed, so nothing is written
	// and updatedAt keeps its value.
	if len(fields) == 0 {
		return tc, nil
	}

	for key, value := range fields {
		switch key {
		case "tmuxSession":
			s, err := stringField(key, value)
			if err != nil {
				return nil, err
			}
			tc.TmuxSession = s
		case "workingDir":
			s, err := stringField(key, value)
			if err != nil {
				return nil, err
			}
			tc.WorkingDir = s
		case "agents":
			var agents []AgentInfo
			if err := reencode(value, &agents); err != nil {
				return nil, fmt.Errorf("field agents: %w", err)
			}
			tc.Agents = agents
		case "orchestratorConfig":
			var cfg map[string]interface{}
			if err := reencode(value, &cfg); err != nil {
				return nil, fmt.Errorf("field orchestratorConfig: %w", err)
			}
			tc.OrchestratorConfig = cfg
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, key)
		}
	}

	tc.UpdatedAt = time.Now().UTC()
	if err := r.save(contexts); err != nil {
		return nil, err
	}

	r.publish(ctx, events.ContextUpdated, tc)
	return tc, nil
}

// SetAgentTranscript records a new transcript id for one member. This is
// the fork-handler path, so it is a first-class operation rather than a
// map-based Update.
func (r *Registry) SetAgentTranscript(ctx context.Context, name, agentName, transcriptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	contexts := r.load()
	tc, ok := contexts[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}

	found := false
	for i := range tc.Agents {
		if tc.Agents[i].Name == agentName {
			tc.Agents[i].TranscriptID = transcriptID
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("agent %q is not a member of context %s", agentName, name)
	}

	tc.UpdatedAt = time.Now().UTC()
	if err := r.save(contexts); err != nil {
		return err
	}

	r.logger.Info("agent transcript updated",
		zap.String("context", name),
		zap.String("agent", agentName),
		zap.String("transcript", transcriptID))
	r.publish(ctx, events.ContextUpdated, tc)
	return nil
}

// Delete removes a context record.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	contexts := r.load()
	tc, ok := contexts[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	delete(contexts, name)
	if err := r.save(contexts); err != nil {
		return err
	}

	r.logger.Info("context deleted", zap.String("context", name))
	r.publish(ctx, events.ContextDeleted, tc)
	return nil
}

// Resume returns a context after checking the record carries everything a
// restart needs: a tmux session name, at least one agent, and a name and
// transcript id on every agent. Whether the session and transcripts still
// exist on this machine is the supervisor's check, not the store's.
func (r *Registry) Resume(ctx context.Context, name string) (*TeamContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, ok := r.load()[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}

	if tc.TmuxSession == "" {
		return nil, fmt.Errorf("%w: %s has no tmux session", ErrIncompleteContext, name)
	}
	if len(tc.Agents) == 0 {
		return nil, fmt.Errorf("%w: %s has no agents", ErrIncompleteContext, name)
	}
	for _, a := range tc.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("%w: %s has an unnamed agent", ErrIncompleteContext, name)
		}
		if a.TranscriptID == "" {
			return nil, fmt.Errorf("%w: agent %s in %s has no transcript id", ErrIncompleteContext, a.Name, name)
		}
	}

	r.publish(ctx, events.ContextResumed, tc)
	return tc, nil
}

// load reads the whole file. A missing file is an empty registry; a
// corrupt one is treated as empty with a warning, per the read-tolerance
// contract.
func (r *Registry) load() map[string]*TeamContext {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("cannot read context registry, treating as empty",
				zap.String("path", r.path), zap.Error(err))
		}
		return make(map[string]*TeamContext)
	}

	contexts := make(map[string]*TeamContext)
	if err := json.Unmarshal(data, &contexts); err != nil {
		r.logger.Warn("context registry file is corrupt, treating as empty",
			zap.String("path", r.path), zap.Error(err))
		return make(map[string]*TeamContext)
	}
	return contexts
}

// save rewrites the file atomically: temp file in the same directory,
// sync, then rename over the target.
func (r *Registry) save(contexts map[string]*TeamContext) error {
	data, err := json.MarshalIndent(contexts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "team_contexts-*.tmp")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write context registry: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync context registry: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close context registry: %w", err)
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("replace context registry: %w", err)
	}
	cleanup = false
	return nil
}

func (r *Registry) publish(ctx context.Context, eventType string, tc *TeamContext) {
	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"context":     tc.ContextName,
		"tmuxSession": tc.TmuxSession,
		"agents":      len(tc.Agents),
	}
	if err := r.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "contextreg", data)); err != nil {
		r.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func stringField(key string, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("field %s: expected string, got %T", key, value)
	}
	return s, nil
}

// reencode converts loosely typed update values (typed slices or parsed
// JSON shapes) through a JSON round-trip.
func reencode(value interface{}, target interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
