package schema

// Event type names on the execution stream wire.
const (
	EventMessage      = "message"
	EventContentDelta = "content_delta"
	EventToolCall     = "tool_call"
	EventFinish       = "finish"
	EventStatusChange = "status_change"
	EventError        = "error"
	EventFullSync     = "full_sync"

	EventBackendComplete = "backend_complete"
	EventBackendTimeout  = "backend_timeout"
	EventBackendError    = "backend_error"

	EventSynthesisStart    = "synthesis_start"
	EventSynthesisDelta    = "synthesis_delta"
	EventSynthesisComplete = "synthesis_complete"
	EventSynthesisError    = "synthesis_error"

	EventNodeStart    = "node_start"
	EventNodeComplete = "node_complete"
	EventNodeFailed   = "node_failed"
	EventNodeSkipped  = "node_skipped"

	EventExecutionComplete = "execution_complete"
)

// SessionStatus drives the "busy" indicator of a session.
type SessionStatus string

const (
	SessionStreaming  SessionStatus = "streaming"
	SessionProcessing SessionStatus = "processing"
	SessionIdle       SessionStatus = "idle"
	SessionError      SessionStatus = "error"
)

// ExecutionStatus is the lifecycle state of a whole execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// NodeState is the derived execution state of one graph node.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeRunning   NodeState = "running"
	NodeCompleted NodeState = "completed"
	NodeFailed    NodeState = "failed"
	NodeSkipped   NodeState = "skipped"
)

// ConnectionStatus is the visibility state of a live stream, kept apart from
// ExecutionStatus so "failed" and "can no longer see" never collapse.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionReconnecting ConnectionStatus = "reconnecting"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)
