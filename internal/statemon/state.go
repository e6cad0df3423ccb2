// Package statemon infers what an agent process is doing from nothing but
// its captured pane text. The classifier is structural: it finds the prompt
// box, the spinner line, and the blank separator the agent UI always draws,
// rather than trusting any single magic string.
package statemon

import "time"

// AgentState is the inferred state of one agent pane.
type AgentState string

const (
	StateIdle         AgentState = "idle"
	StateBusy         AgentState = "busy"
	StateWriting      AgentState = "writing"
	StateError        AgentState = "error"
	StateQuit         AgentState = "quit"
	StateInitializing AgentState = "initializing"
	StateUnknown      AgentState = "unknown"
)

// AgentStatus is the tracked status of one registered agent.
type AgentStatus struct {
	State                 AgentState `json:"state"`
	LastStateUpdate       time.Time  `json:"lastStateUpdate"`
	InitializationTime    time.Time  `json:"initializationTime"`
	PendingMessages       int        `json:"pendingMessages"`
	MessagesSentWhileBusy int        `json:"messagesSentWhileBusy"`
}
