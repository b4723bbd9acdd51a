package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Event is one decoded execution event. The set of implementations is closed:
// consumers switch over it through Handler, so adding a variant is a
// compile-time change for every handler.
type Event interface {
	// Type is the wire name, e.g. "node_start".
	Type() string
	// Seq is the ordering cursor; 0 means unordered.
	Seq() int64
	// Accept calls the Handler method for the concrete variant.
	Accept(h Handler)

	withSeq(seq int64) Event
}

// Handler receives decoded events, one method per variant.
type Handler interface {
	OnMessage(*MessageEvent)
	OnContentDelta(*ContentDeltaEvent)
	OnToolCall(*ToolCallEvent)
	OnFinish(*FinishEvent)
	OnStatusChange(*StatusChangeEvent)
	OnError(*ErrorEvent)
	OnFullSync(*FullSyncEvent)
	OnBackendComplete(*BackendCompleteEvent)
	OnBackendTimeout(*BackendTimeoutEvent)
	OnBackendError(*BackendErrorEvent)
	OnSynthesisStart(*SynthesisStartEvent)
	OnSynthesisDelta(*SynthesisDeltaEvent)
	OnSynthesisComplete(*SynthesisCompleteEvent)
	OnSynthesisError(*SynthesisErrorEvent)
	OnNodeStart(*NodeStartEvent)
	OnNodeComplete(*NodeCompleteEvent)
	OnNodeFailed(*NodeFailedEvent)
	OnNodeSkipped(*NodeSkippedEvent)
	OnExecutionComplete(*ExecutionCompleteEvent)
}

// Sequence carries the ordering cursor. It is not part of the JSON payload;
// transports carry it out of band (SSE id, WebSocket envelope seq).
type Sequence struct {
	N int64 `json:"-"`
}

func (s Sequence) Seq() int64 { return s.N }

// Message is one complete conversational turn.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
	Backend   string `json:"backend,omitempty"`
}

type MessageEvent struct {
	Sequence
	Message
}

type ContentDeltaEvent struct {
	Sequence
	Content string `json:"content"`
	Backend string `json:"backend,omitempty"`
}

type ToolCallEvent struct {
	Sequence
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

type FinishEvent struct {
	Sequence
	Content string `json:"content,omitempty"`
	Backend string `json:"backend,omitempty"`
}

type StatusChangeEvent struct {
	Sequence
	Status schema.SessionStatus `json:"status"`
}

type ErrorEvent struct {
	Sequence
	Message string `json:"message"`
}

// FullSyncEvent is an authoritative snapshot that replaces local state.
type FullSyncEvent struct {
	Sequence
	Messages []Message                   `json:"messages"`
	Nodes    map[string]schema.NodeState `json:"nodes"`
}

// BackendSignal is the payload shared by the per-backend terminal events.
type BackendSignal struct {
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

type BackendCompleteEvent struct {
	Sequence
	BackendSignal
}

type BackendTimeoutEvent struct {
	Sequence
	BackendSignal
}

type BackendErrorEvent struct {
	Sequence
	BackendSignal
}

// Synthesis is the payload shared by compound-mode synthesis events.
type Synthesis struct {
	PrimaryBackend    string   `json:"primary_backend"`
	BackendsCollected []string `json:"backends_collected,omitempty"`
	Text              string   `json:"text,omitempty"`
	Error             string   `json:"error,omitempty"`
}

type SynthesisStartEvent struct {
	Sequence
	Synthesis
}

type SynthesisDeltaEvent struct {
	Sequence
	Synthesis
}

type SynthesisCompleteEvent struct {
	Sequence
	Synthesis
}

type SynthesisErrorEvent struct {
	Sequence
	Synthesis
}

// NodeProgress is the payload shared by workflow node lifecycle events.
type NodeProgress struct {
	NodeID string          `json:"node_id"`
	Error  string          `json:"error,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

type NodeStartEvent struct {
	Sequence
	NodeProgress
}

type NodeCompleteEvent struct {
	Sequence
	NodeProgress
}

type NodeFailedEvent struct {
	Sequence
	NodeProgress
}

type NodeSkippedEvent struct {
	Sequence
	NodeProgress
}

type ExecutionCompleteEvent struct {
	Sequence
	Status schema.ExecutionStatus `json:"status"`
}

func (*MessageEvent) Type() string           { return schema.EventMessage }
func (*ContentDeltaEvent) Type() string      { return schema.EventContentDelta }
func (*ToolCallEvent) Type() string          { return schema.EventToolCall }
func (*FinishEvent) Type() string            { return schema.EventFinish }
func (*StatusChangeEvent) Type() string      { return schema.EventStatusChange }
func (*ErrorEvent) Type() string             { return schema.EventError }
func (*FullSyncEvent) Type() string          { return schema.EventFullSync }
func (*BackendCompleteEvent) Type() string   { return schema.EventBackendComplete }
func (*BackendTimeoutEvent) Type() string    { return schema.EventBackendTimeout }
func (*BackendErrorEvent) Type() string      { return schema.EventBackendError }
func (*SynthesisStartEvent) Type() string    { return schema.EventSynthesisStart }
func (*SynthesisDeltaEvent) Type() string    { return schema.EventSynthesisDelta }
func (*SynthesisCompleteEvent) Type() string { return schema.EventSynthesisComplete }
func (*SynthesisErrorEvent) Type() string    { return schema.EventSynthesisError }
func (*NodeStartEvent) Type() string         { return schema.EventNodeStart }
func (*NodeCompleteEvent) Type() string      { return schema.EventNodeComplete }
func (*NodeFailedEvent) Type() string        { return schema.EventNodeFailed }
func (*NodeSkippedEvent) Type() string       { return schema.EventNodeSkipped }
func (*ExecutionCompleteEvent) Type() string { return schema.EventExecutionComplete }

func (e *MessageEvent) Accept(h Handler)           { h.OnMessage(e) }
func (e *ContentDeltaEvent) Accept(h Handler)      { h.OnContentDelta(e) }
func (e *ToolCallEvent) Accept(h Handler)          { h.OnToolCall(e) }
func (e *FinishEvent) Accept(h Handler)            { h.OnFinish(e) }
func (e *StatusChangeEvent) Accept(h Handler)      { h.OnStatusChange(e) }
func (e *ErrorEvent) Accept(h Handler)             { h.OnError(e) }
func (e *FullSyncEvent) Accept(h Handler)          { h.OnFullSync(e) }
func (e *BackendCompleteEvent) Accept(h Handler)   { h.OnBackendComplete(e) }
func (e *BackendTimeoutEvent) Accept(h Handler)    { h.OnBackendTimeout(e) }
func (e *BackendErrorEvent) Accept(h Handler)      { h.OnBackendError(e) }
func (e *SynthesisStartEvent) Accept(h Handler)    { h.OnSynthesisStart(e) }
func (e *SynthesisDeltaEvent) Accept(h Handler)    { h.OnSynthesisDelta(e) }
func (e *SynthesisCompleteEvent) Accept(h Handler) { h.OnSynthesisComplete(e) }
func (e *SynthesisErrorEvent) Accept(h Handler)    { h.OnSynthesisError(e) }
func (e *NodeStartEvent) Accept(h Handler)         { h.OnNodeStart(e) }
func (e *NodeCompleteEvent) Accept(h Handler)      { h.OnNodeComplete(e) }
func (e *NodeFailedEvent) Accept(h Handler)        { h.OnNodeFailed(e) }
func (e *NodeSkippedEvent) Accept(h Handler)       { h.OnNodeSkipped(e) }
func (e *ExecutionCompleteEvent) Accept(h Handler) { h.OnExecutionComplete(e) }

func (e *MessageEvent) withSeq(n int64) Event           { e.N = n; return e }
func (e *ContentDeltaEvent) withSeq(n int64) Event      { e.N = n; return e }
func (e *ToolCallEvent) withSeq(n int64) Event          { e.N = n; return e }
func (e *FinishEvent) withSeq(n int64) Event            { e.N = n; return e }
func (e *StatusChangeEvent) withSeq(n int64) Event      { e.N = n; return e }
func (e *ErrorEvent) withSeq(n int64) Event             { e.N = n; return e }
func (e *FullSyncEvent) withSeq(n int64) Event          { e.N = n; return e }
func (e *BackendCompleteEvent) withSeq(n int64) Event   { e.N = n; return e }
func (e *BackendTimeoutEvent) withSeq(n int64) Event    { e.N = n; return e }
func (e *BackendErrorEvent) withSeq(n int64) Event      { e.N = n; return e }
func (e *SynthesisStartEvent) withSeq(n int64) Event    { e.N = n; return e }
func (e *SynthesisDeltaEvent) withSeq(n int64) Event    { e.N = n; return e }
func (e *SynthesisCompleteEvent) withSeq(n int64) Event { e.N = n; return e }
func (e *SynthesisErrorEvent) withSeq(n int64) Event    { e.N = n; return e }
func (e *NodeStartEvent) withSeq(n int64) Event         { e.N = n; return e }
func (e *NodeCompleteEvent) withSeq(n int64) Event      { e.N = n; return e }
func (e *NodeFailedEvent) withSeq(n int64) Event        { e.N = n; return e }
func (e *NodeSkippedEvent) withSeq(n int64) Event       { e.N = n; return e }
func (e *ExecutionCompleteEvent) withSeq(n int64) Event { e.N = n; return e }

var eventFactories = map[string]func() Event{
	schema.EventMessage:           func() Event { return &MessageEvent{} },
	schema.EventContentDelta:      func() Event { return &ContentDeltaEvent{} },
	schema.EventToolCall:          func() Event { return &ToolCallEvent{} },
	schema.EventFinish:            func() Event { return &FinishEvent{} },
	schema.EventStatusChange:      func() Event { return &StatusChangeEvent{} },
	schema.EventError:             func() Event { return &ErrorEvent{} },
	schema.EventFullSync:          func() Event { return &FullSyncEvent{} },
	schema.EventBackendComplete:   func() Event { return &BackendCompleteEvent{} },
	schema.EventBackendTimeout:    func() Event { return &BackendTimeoutEvent{} },
	schema.EventBackendError:      func() Event { return &BackendErrorEvent{} },
	schema.EventSynthesisStart:    func() Event { return &SynthesisStartEvent{} },
	schema.EventSynthesisDelta:    func() Event { return &SynthesisDeltaEvent{} },
	schema.EventSynthesisComplete: func() Event { return &SynthesisCompleteEvent{} },
	schema.EventSynthesisError:    func() Event { return &SynthesisErrorEvent{} },
	schema.EventNodeStart:         func() Event { return &NodeStartEvent{} },
	schema.EventNodeComplete:      func() Event { return &NodeCompleteEvent{} },
	schema.EventNodeFailed:        func() Event { return &NodeFailedEvent{} },
	schema.EventNodeSkipped:       func() Event { return &NodeSkippedEvent{} },
	schema.EventExecutionComplete: func() Event { return &ExecutionCompleteEvent{} },
}

// KnownEventType reports whether Decode understands the wire name.
func KnownEventType(eventType string) bool {
	_, ok := eventFactories[eventType]
	return ok
}

// Decode builds the typed event for a wire frame.
func Decode(eventType string, seq int64, data []byte) (Event, error) {
	factory, ok := eventFactories[eventType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeProtocol, "unknown event type %q", eventType)
	}
	ev := factory()
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProtocol, "malformed %s payload", eventType).WithCause(err)
	}
	return ev.withSeq(seq), nil
}

// Encode returns the wire name and JSON payload of an event.
func Encode(ev Event) (string, json.RawMessage, error) {
	if ev == nil {
		return "", nil, fmt.Errorf("encode: nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return ev.Type(), data, nil
}

// WithSeq returns ev stamped with seq. The event is modified in place.
func WithSeq(ev Event, seq int64) Event {
	return ev.withSeq(seq)
}

// BaseHandler ignores every event. Embed it to handle a subset of variants.
type BaseHandler struct{}

func (BaseHandler) OnMessage(*MessageEvent)                     {}
func (BaseHandler) OnContentDelta(*ContentDeltaEvent)           {}
func (BaseHandler) OnToolCall(*ToolCallEvent)                   {}
func (BaseHandler) OnFinish(*FinishEvent)                       {}
func (BaseHandler) OnStatusChange(*StatusChangeEvent)           {}
func (BaseHandler) OnError(*ErrorEvent)                         {}
func (BaseHandler) OnFullSync(*FullSyncEvent)                   {}
func (BaseHandler) OnBackendComplete(*BackendCompleteEvent)     {}
func (BaseHandler) OnBackendTimeout(*BackendTimeoutEvent)       {}
func (BaseHandler) OnBackendError(*BackendErrorEvent)           {}
func (BaseHandler) OnSynthesisStart(*SynthesisStartEvent)       {}
func (BaseHandler) OnSynthesisDelta(*SynthesisDeltaEvent)       {}
func (BaseHandler) OnSynthesisComplete(*SynthesisCompleteEvent) {}
func (BaseHandler) OnSynthesisError(*SynthesisErrorEvent)       {}
func (BaseHandler) OnNodeStart(*NodeStartEvent)                 {}
func (BaseHandler) OnNodeComplete(*NodeCompleteEvent)           {}
func (BaseHandler) OnNodeFailed(*NodeFailedEvent)               {}
func (BaseHandler) OnNodeSkipped(*NodeSkippedEvent)             {}
func (BaseHandler) OnExecutionComplete(*ExecutionCompleteEvent) {}

// HandlerFunc adapts a function to Handler by routing every variant to it.
type HandlerFunc func(Event)

func (f HandlerFunc) OnMessage(e *MessageEvent)                     { f(e) }
func (f HandlerFunc) OnContentDelta(e *ContentDeltaEvent)           { f(e) }
func (f HandlerFunc) OnToolCall(e *ToolCallEvent)                   { f(e) }
func (f HandlerFunc) OnFinish(e *FinishEvent)                       { f(e) }
func (f HandlerFunc) OnStatusChange(e *StatusChangeEvent)           { f(e) }
func (f HandlerFunc) OnError(e *ErrorEvent)                         { f(e) }
func (f HandlerFunc) OnFullSync(e *FullSyncEvent)                   { f(e) }
func (f HandlerFunc) OnBackendComplete(e *BackendCompleteEvent)     { f(e) }
func (f HandlerFunc) OnBackendTimeout(e *BackendTimeoutEvent)       { f(e) }
func (f HandlerFunc) OnBackendError(e *BackendErrorEvent)           { f(e) }
func (f HandlerFunc) OnSynthesisStart(e *SynthesisStartEvent)       { f(e) }
func (f HandlerFunc) OnSynthesisDelta(e *SynthesisDeltaEvent)       { f(e) }
func (f HandlerFunc) OnSynthesisComplete(e *SynthesisCompleteEvent) { f(e) }
func (f HandlerFunc) OnSynthesisError(e *SynthesisErrorEvent)       { f(e) }
func (f HandlerFunc) OnNodeStart(e *NodeStartEvent)                 { f(e) }
func (f HandlerFunc) OnNodeComplete(e *NodeCompleteEvent)           { f(e) }
func (f HandlerFunc) OnNodeFailed(e *NodeFailedEvent)               { f(e) }
func (f HandlerFunc) OnNodeSkipped(e *NodeSkippedEvent)             { f(e) }
func (f HandlerFunc) OnExecutionComplete(e *ExecutionCompleteEvent) { f(e) }
