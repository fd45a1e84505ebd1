// Package ipc implements the message boundary between the authoritative
// process and view processes: the wire envelope, the four message
// families IpcHandler demultiplexes (spec.md §4.8), and the Transport
// abstraction a concrete channel (Redis pub/sub, or an in-memory
// channel for tests) implements.
package ipc

import "encoding/json"

// Kind identifies one of the message families IpcHandler demultiplexes.
type Kind string

const (
	KindDispatch               Kind = "dispatch"
	KindDispatchBatch          Kind = "dispatch-batch"
	KindRegisterThunk          Kind = "register-thunk"
	KindCompleteThunk          Kind = "complete-thunk"
	KindThunkState             Kind = "thunk-state"
	KindStateUpdate            Kind = "state-update"
	KindStateUpdateAck         Kind = "state-update-ack"
	KindGetState               Kind = "get-state"
	KindGetWindowSubscriptions Kind = "get-window-subscriptions"
	KindGetThunkState          Kind = "get-thunk-state"

	// Reply/ack kinds. These ride the same envelope shape as their
	// request counterpart above; they're distinct Kind values rather
	// than overloads so a view's receive loop can switch on Kind alone.
	KindDispatchAck                 Kind = "dispatch-ack"
	KindRegisterThunkAck            Kind = "register-thunk-ack"
	KindGetStateReply               Kind = "get-state-reply"
	KindGetWindowSubscriptionsReply Kind = "get-window-subscriptions-reply"
	KindGetThunkStateReply          Kind = "get-thunk-state-reply"
)

// Envelope is the wire format every ipc payload takes: a tagged object
// {kind, seq, body}. Body is opaque to the transport; only IpcHandler on
// either end interprets it, keyed by Kind.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Seq  uint64          `json:"seq"`
	Body json.RawMessage `json:"body"`
}

// NewEnvelope marshals body and assigns kind; seq is filled in by the
// sender's Sequencer immediately before transmission.
func NewEnvelope(kind Kind, body interface{}) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Body: raw}, nil
}

// Decode unmarshals the envelope body into dst.
func (e Envelope) Decode(dst interface{}) error {
	return json.Unmarshal(e.Body, dst)
}

// DispatchBody is the body of a dispatch / dispatch-batch message.
type DispatchBody struct {
	Actions []DispatchAction `json:"actions"`
}

// DispatchAction is the serialisable shell of action.Action crossing the
// wire: Payload has already been run through action.Sanitize.
type DispatchAction struct {
	Type                string      `json:"type"`
	Payload             interface{} `json:"payload,omitempty"`
	ID                  string      `json:"id"`
	SourceViewID        int64       `json:"source_view_id"`
	ParentThunkID       string      `json:"parent_thunk_id,omitempty"`
	BypassThunkLock     bool        `json:"bypass_thunk_lock,omitempty"`
	BypassAccessControl bool        `json:"bypass_access_control,omitempty"`
	Keys                []string    `json:"keys,omitempty"`
	Priority            bool        `json:"priority,omitempty"`
	TraceID             string      `json:"trace_id,omitempty"`
	ParentSpanID        string      `json:"parent_span_id,omitempty"`
}

// DispatchAckBody acknowledges a single dispatched action, resolving or
// rejecting the view's pending-action entry.
type DispatchAckBody struct {
	ActionID string      `json:"action_id"`
	Version  int64       `json:"version"`
	Error    *WireError  `json:"error,omitempty"`
}

// RegisterThunkBody requests that ThunkManager register a new thunk.
type RegisterThunkBody struct {
	ThunkID             string `json:"thunk_id"`
	SourceViewID        int64  `json:"source_view_id"`
	ParentID            string `json:"parent_id,omitempty"`
	BypassThunkLock     bool   `json:"bypass_thunk_lock,omitempty"`
	BypassAccessControl bool   `json:"bypass_access_control,omitempty"`
	TraceID             string `json:"trace_id,omitempty"`
	ParentSpanID        string `json:"parent_span_id,omitempty"`
}

// RegisterThunkAckBody confirms thunk registration, or carries the
// refusal error.
type RegisterThunkAckBody struct {
	ThunkID string     `json:"thunk_id"`
	RootID  string     `json:"root_id,omitempty"`
	Error   *WireError `json:"error,omitempty"`
}

// CompleteThunkBody reports a thunk's user function outcome.
type CompleteThunkBody struct {
	ThunkID string      `json:"thunk_id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *WireError  `json:"error,omitempty"`
}

// ThunkStateBody is a compact snapshot of active thunk ids/state/parents
// the authoritative side broadcasts on thunk lifecycle transitions.
type ThunkStateBody struct {
	ThunkID  string             `json:"thunk_id"`
	RootID   string             `json:"root_id"`
	ParentID string             `json:"parent_id,omitempty"`
	State    string             `json:"state"`
	Progress *ThunkProgressBody `json:"progress,omitempty"`
	Error    *WireError         `json:"error,omitempty"`

	// FullyComplete distinguishes a terminal-state broadcast (the thunk
	// reached completed/failed, but its actions or state updates may
	// still be draining) from the later, final broadcast sent once the
	// thunk has actually been garbage collected. A view's complete-thunk
	// wait (spec.md §4.1) only resolves on the latter.
	FullyComplete bool `json:"fully_complete,omitempty"`
}

// ThunkProgressBody is the wire form of action.ThunkProgress.
type ThunkProgressBody struct {
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	StepName    string `json:"step_name,omitempty"`
	Message     string `json:"message,omitempty"`
}

// StateUpdateBody pushes a sliced state snapshot to one view.
type StateUpdateBody struct {
	UpdateID           string      `json:"update_id"`
	OriginatingThunkID string      `json:"originating_thunk_id,omitempty"`
	Version            int64       `json:"version"`
	Slice              interface{} `json:"slice"`
}

// StateUpdateAckBody acknowledges a state-update has been applied to
// the sender's LocalMirror.
type StateUpdateAckBody struct {
	UpdateID string `json:"update_id"`
	ViewID   int64  `json:"view_id"`
}

// GetStateBody / GetStateReplyBody implement the get-state
// administrative query.
type GetStateBody struct{}

type GetStateReplyBody struct {
	Slice   interface{} `json:"slice"`
	Version int64       `json:"version"`
}

// GetWindowSubscriptionsReplyBody answers get-window-subscriptions.
type GetWindowSubscriptionsReplyBody struct {
	Wildcard bool     `json:"wildcard"`
	Keys     []string `json:"keys,omitempty"`
}

// GetThunkStateBody requests the current state of one thunk.
type GetThunkStateBody struct {
	ThunkID string `json:"thunk_id"`
}

// GetThunkStateReplyBody answers get-thunk-state.
type GetThunkStateReplyBody struct {
	ThunkID string `json:"thunk_id"`
	State   string `json:"state"`
	RootID  string `json:"root_id"`
}

// WireError is the serialised form of the error taxonomy (spec.md §7):
// name, message, timestamp, and structured context, reconstituted on
// the receiving side.
type WireError struct {
	Kind      string      `json:"kind"`
	Message   string      `json:"message"`
	Timestamp int64       `json:"timestamp"`
	Context   interface{} `json:"context,omitempty"`
}
