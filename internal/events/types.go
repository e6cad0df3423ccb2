// Package events provides event types and utilities for the orc event system.
package events

// Event types for agent lifecycle
const (
	AgentRegistered = "agent.registered"
	AgentStarted    = "agent.started"
	AgentStopped    = "agent.stopped"
)

// Event types for agent state transitions
const (
	AgentStateChanged = "agent.state.changed" // Pane state moved between idle/busy/writing/etc.
)

// Event types for messaging
const (
	MessageQueued    = "message.queued"    // Message appended to an agent mailbox
	MessageDelivered = "message.delivered" // Notification line sent to a pane
	MessageBroadcast = "message.broadcast" // Broadcast fan-out completed
	ReminderSent     = "reminder.sent"     // Unread-mailbox reminder sent to a pane
	InterruptSent    = "interrupt.sent"    // High-priority message pasted directly into a pane
)

// Event types for terminal anomalies
const (
	AnomalyDetected = "anomaly.detected"
)

// Event types for the supervisor lifecycle
const (
	SupervisorStarted = "supervisor.started"
	SupervisorStopped = "supervisor.stopped"
)

// Event types for transcripts
const (
	TranscriptForked = "transcript.forked" // Session fork resolved to a new transcript file
)

// Event types for team contexts
const (
	ContextCreated = "context.created"
	ContextUpdated = "context.updated"
	ContextDeleted = "context.deleted"
	ContextResumed = "context.resumed"
)

// BuildAgentStateSubject creates a state change subject for a specific agent
func BuildAgentStateSubject(agentName string) string {
	return AgentStateChanged + "." + agentName
}

// BuildAgentStateWildcardSubject creates a wildcard subscription for all agent state changes
func BuildAgentStateWildcardSubject() string {
	return AgentStateChanged + ".*"
}

// BuildMessageQueuedSubject creates a queued-message subject for a specific agent
func BuildMessageQueuedSubject(agentName string) string {
	return MessageQueued + "." + agentName
}

// BuildMessageQueuedWildcardSubject creates a wildcard subscription for all queued messages
func BuildMessageQueuedWildcardSubject() string {
	return MessageQueued + ".*"
}

// BuildMessageDeliveredSubject creates a delivery subject for a specific agent
func BuildMessageDeliveredSubject(agentName string) string {
	return MessageDelivered + "." + agentName
}

// BuildMessageDeliveredWildcardSubject creates a wildcard subscription for all deliveries
func BuildMessageDeliveredWildcardSubject() string {
	return MessageDelivered + ".*"
}

// BuildAnomalySubject creates an anomaly subject for a specific agent
func BuildAnomalySubject(agentName string) string {
	return AnomalyDetected + "." + agentName
}

// BuildAnomalyWildcardSubject creates a wildcard subscription for all anomaly events
func BuildAnomalyWildcardSubject() string {
	return AnomalyDetected + ".*"
}
