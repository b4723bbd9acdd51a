package schema

// BackendStatus is the per-backend lifecycle in multi-backend mode.
type BackendStatus string

const (
	BackendStreaming BackendStatus = "streaming"
	BackendComplete  BackendStatus = "complete"
	BackendError     BackendStatus = "error"
	BackendTimeout   BackendStatus = "timeout"
)

// Terminal reports whether the status can no longer change.
func (s BackendStatus) Terminal() bool {
	return s == BackendComplete || s == BackendError || s == BackendTimeout
}

// BackendResponse accumulates one backend's output for a dispatched action.
type BackendResponse struct {
	BackendID string        `json:"backend_id"`
	Content   string        `json:"content"`
	Status    BackendStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// SynthesisStatus is the lifecycle of compound-mode synthesis.
type SynthesisStatus string

const (
	SynthesisWaiting   SynthesisStatus = "waiting"
	SynthesisStreaming SynthesisStatus = "streaming"
	SynthesisComplete  SynthesisStatus = "complete"
	SynthesisError     SynthesisStatus = "error"
)

// SynthesisState tracks the primary backend combining its siblings' outputs.
type SynthesisState struct {
	Status               SynthesisStatus `json:"status"`
	PrimaryBackend       string          `json:"primary_backend,omitempty"`
	Content              string          `json:"content"`
	ContributingBackends []string        `json:"contributing_backends,omitempty"`
	Error                string          `json:"error,omitempty"`
}

// CoordinatorState is a consistent snapshot of one dispatched action.
type CoordinatorState struct {
	DispatchID           string                     `json:"dispatch_id"`
	Active               bool                       `json:"active"`
	BackendListFinalized bool                       `json:"backend_list_finalized"`
	Backends             map[string]BackendResponse `json:"backends"`
	Order                []string                   `json:"order"`
	Synthesis            *SynthesisState            `json:"synthesis,omitempty"`
}
