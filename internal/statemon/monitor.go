package statemon

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
)

// StateChangeCallback is invoked after a stored state transition, with the
// monitor lock released.
type StateChangeCallback func(agentName string, from, to AgentState)

// AnomalyCallback is invoked once per recorded anomaly, with the monitor
// lock released.
type AnomalyCallback func(record AnomalyRecord)

type agentEntry struct {
	status   AgentStatus
	observed bool
}

// Monitor tracks per-agent status across repeated pane observations. It
// owns no goroutines; the supervisor's poll loop drives Observe.
type Monitor struct {
	mu               sync.Mutex
	detector         *Detector
	agents           map[string]*agentEntry
	callbacks        []StateChangeCallback
	anomalyCallbacks []AnomalyCallback
	history          *AnomalyHistory
	logger           *logger.Logger
}

// NewMonitor creates a Monitor backed by the given anomaly history.
func NewMonitor(history *AnomalyHistory, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.Default()
	}
	if history == nil {
		history = NewAnomalyHistory(DefaultHistoryConfig())
	}
	return &Monitor{
		detector: NewDetector(),
		agents:   make(map[string]*agentEntry),
		history:  history,
		logger:   log.WithComponent("statemon"),
	}
}

// Register seeds an agent's status as Initializing. Registering an existing
// agent is a no-op.
func (m *Monitor) Register(agentName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerLocked(agentName, time.Now())
}

func (m *Monitor) registerLocked(agentName string, now time.Time) *agentEntry {
	if entry, ok := m.agents[agentName]; ok {
		return entry
	}
	entry := &agentEntry{
		status: AgentStatus{
			State:              StateInitializing,
			LastStateUpdate:    now,
			InitializationTime: now,
		},
	}
	m.agents[agentName] = entry
	m.logger.Debug("registered agent for state monitoring", zap.String("agent", agentName))
	return entry
}

// Unregister drops an agent's status. Its anomaly records stay.
func (m *Monitor) Unregister(agentName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentName)
}

// OnStateChange registers a callback for stored state transitions.
func (m *Monitor) OnStateChange(cb StateChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// OnAnomaly registers a callback for recorded anomalies.
func (m *Monitor) OnAnomaly(cb AnomalyCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalyCallbacks = append(m.anomalyCallbacks, cb)
}

// Observe classifies a pane capture for an agent and updates its stored
// status. The first observation of an agent always stores Initializing,
// whatever the classifier says; later observations update freely. Anomalies
// found in the capture are recorded independently of the classification.
// Returns the stored state.
func (m *Monitor) Observe(agentName string, paneText string) AgentState {
	lines := strings.Split(paneText, "\n")
	now := time.Now()

	m.mu.Lock()
	entry := m.registerLocked(agentName, now)
	age := now.Sub(entry.status.InitializationTime)
	firstObservation := !entry.observed
	m.mu.Unlock()

	detected := m.detector.DetectState(lines, age)
	anomalies := m.detector.DetectAnomalies(agentName, lines, detected)
	m.history.AddAll(anomalies)
	for _, a := range anomalies {
		m.logger.Warn("pane anomaly detected",
			zap.String("agent", a.AgentName),
			zap.String("type", string(a.Type)),
			zap.Int("line", a.LineNumber))
	}

	stored := detected
	if firstObservation {
		stored = StateInitializing
	}

	m.mu.Lock()
	entry = m.registerLocked(agentName, now)
	entry.observed = true
	from := entry.status.State
	changed := from != stored
	if changed {
		entry.status.State = stored
		entry.status.LastStateUpdate = now
	}
	var callbacks []StateChangeCallback
	if changed {
		callbacks = make([]StateChangeCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
	}
	var anomalyCBs []AnomalyCallback
	if len(anomalies) > 0 {
		anomalyCBs = make([]AnomalyCallback, len(m.anomalyCallbacks))
		copy(anomalyCBs, m.anomalyCallbacks)
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info("agent state changed",
			zap.String("agent", agentName),
			zap.String("from", string(from)),
			zap.String("to", string(stored)))
		for _, cb := range callbacks {
			cb(agentName, from, stored)
		}
	}
	for _, record := range anomalies {
		for _, cb := range anomalyCBs {
			cb(record)
		}
	}
	return stored
}

// GetStatus returns a copy of an agent's status.
func (m *Monitor) GetStatus(agentName string) (AgentStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[agentName]
	if !ok {
		return AgentStatus{}, false
	}
	return entry.status, true
}

// AllStatuses returns a copy of every tracked agent's status.
func (m *Monitor) AllStatuses() map[string]AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]AgentStatus, len(m.agents))
	for name, entry := range m.agents {
		out[name] = entry.status
	}
	return out
}

// SetPendingMessages records how many undelivered messages wait for the
// agent.
func (m *Monitor) SetPendingMessages(agentName string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.agents[agentName]; ok {
		entry.status.PendingMessages = count
	}
}

// IncrMessagesSentWhileBusy counts a notification issued while the agent
// was busy.
func (m *Monitor) IncrMessagesSentWhileBusy(agentName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.agents[agentName]; ok {
		entry.status.MessagesSentWhileBusy++
	}
}

// History exposes the anomaly store for queries and export.
func (m *Monitor) History() *AnomalyHistory {
	return m.history
}
