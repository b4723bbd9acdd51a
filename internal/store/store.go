// Package store persists graph documents, executions and the per-execution
// event log the gateway replays from.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Graphs
	SaveGraph(ctx context.Context, rec *GraphRecord) error
	GetGraph(ctx context.Context, id string) (*GraphRecord, error)
	ListGraphs(ctx context.Context, filter GraphFilter) ([]*GraphRecord, error)
	DeleteGraph(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecutionStatus(ctx context.Context, id string, status schema.ExecutionStatus, errMsg string) error
	SaveSnapshot(ctx context.Context, id string, nodes map[string]schema.NodeState, throughSeq int64) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	OldestSeq(ctx context.Context, executionID string) (int64, error)
	LatestSeq(ctx context.Context, executionID string) (int64, error)
	TruncateEvents(ctx context.Context, executionID string, before int64) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}

// GraphRecord is a stored graph document.
type GraphRecord struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Kind      schema.GraphKind `json:"kind"`
	Graph     *schema.Graph    `json:"graph"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// GraphFilter narrows ListGraphs.
type GraphFilter struct {
	Kind   schema.GraphKind `json:"kind,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// Execution is one run of a graph.
type Execution struct {
	ID      string                 `json:"id"`
	GraphID string                 `json:"graph_id,omitempty"`
	Status  schema.ExecutionStatus `json:"status"`
	LastSeq int64                  `json:"last_seq"`
	Error   string                 `json:"error,omitempty"`
	// Snapshot is the node projection through SnapshotSeq. Events up to
	// SnapshotSeq may already be truncated from the log.
	Snapshot    map[string]schema.NodeState `json:"snapshot,omitempty"`
	SnapshotSeq int64                       `json:"snapshot_seq,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
}

// Event is one entry of an execution's event log. Seq is assigned on append.
type Event struct {
	ExecutionID string          `json:"execution_id"`
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ValidExecutionTransitions defines allowed execution status transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range ValidExecutionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether an execution status can no longer change.
func IsTerminal(s schema.ExecutionStatus) bool {
	_, known := ValidExecutionTransitions[s]
	return known && len(ValidExecutionTransitions[s]) == 0
}
