// Package action defines the wire-level data model shared by the
// authoritative and view sides: Action envelopes, Thunk records, and the
// sanitisation contract applied to every payload that crosses the ipc
// boundary.
//
// The shapes here are grounded on gomind's core.Task / core.TaskStatus /
// core.TaskProgress async-task system: an Action is the unit of work a
// TaskHandler used to process, and a Thunk is the long-running, possibly
// suspending operation a Task represented — generalised from "one HTTP
// request, one background job" to "one user function that may dispatch
// an arbitrary number of actions across arbitrary suspensions".
package action

import (
	"time"

	"github.com/google/uuid"
)

// Action is an envelope carrying a named request to transform state.
// Type, Payload, Keys, BypassThunkLock and BypassAccessControl are
// supplied by caller code; everything else is assigned by the engine at
// the dispatch boundary and must never be set by user code directly.
type Action struct {
	// Type is a namespaced dot-or-colon identifier, e.g. "COUNTER:INCREMENT".
	Type string `json:"type"`

	// Payload is any serialisable value; sanitised per Sanitize before it
	// crosses the ipc boundary.
	Payload interface{} `json:"payload,omitempty"`

	// ID is unique across the whole system, assigned at the dispatch
	// boundary.
	ID string `json:"id"`

	// SourceViewID identifies the view process this action originated
	// from. Zero for actions originating on the authoritative side
	// itself (MainThunkProcessor).
	SourceViewID int64 `json:"source_view_id"`

	// ParentThunkID is set when this action was dispatched from inside a
	// thunk's user function.
	ParentThunkID string `json:"parent_thunk_id,omitempty"`

	// BypassThunkLock lets an action run even while a foreign thunk
	// holds the scheduler lock (§4.2 rule 3).
	BypassThunkLock bool `json:"bypass_thunk_lock,omitempty"`

	// BypassAccessControl skips the subscription check in
	// SubscriptionManager (§4.5).
	BypassAccessControl bool `json:"bypass_access_control,omitempty"`

	// Keys are the state keys this action is declared to touch. Drives
	// the non-overlapping-keys fast path (§4.2 rule 4) and access
	// control (§4.5).
	Keys []string `json:"keys,omitempty"`

	// Priority actions force an immediate ActionBatcher flush (§4.6)
	// instead of waiting for the batch window or size threshold.
	Priority bool `json:"priority,omitempty"`

	// TraceID / ParentSpanID preserve the distributed trace across the
	// ipc boundary the way gomind's core.Task does, restored on the
	// authoritative side with a linked span.
	TraceID      string `json:"trace_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// Control action types. Subscription changes are "mediated by control
// actions" (spec.md §3): a view requests a subscription change by
// dispatching one of these through the normal Dispatch path so it is
// admitted by the same inbound message sequence as every other action,
// but the authoritative IpcHandler intercepts it before it reaches the
// scheduler (it never mutates state, so it has no business occupying a
// scheduler slot) and applies it atomically relative to the next state
// update, per the SubscriptionManager's atomicity requirement.
const (
	ControlSubscribeType   = "__control__:subscribe"
	ControlUnsubscribeType = "__control__:unsubscribe"
)

// SubscriptionPayload is the payload of a ControlSubscribeType /
// ControlUnsubscribeType action: either the wildcard or an explicit key
// set.
type SubscriptionPayload struct {
	Wildcard bool     `json:"wildcard,omitempty"`
	Keys     []string `json:"keys,omitempty"`
}

// NewAction builds an Action with a freshly assigned ID. Callers set the
// remaining boundary fields (SourceViewID, ParentThunkID, ...) after
// construction; ViewDispatcher and MainThunkProcessor are the only
// callers that should invoke this.
func NewAction(actionType string, payload interface{}) *Action {
	return &Action{
		Type:    actionType,
		Payload: payload,
		ID:      uuid.NewString(),
	}
}

// QueuedAction is an entry in the authoritative ActionScheduler's FIFO.
// OnComplete is invoked exactly once, with either a resulting state
// version or an error, when the action's execution (or rejection)
// settles.
type QueuedAction struct {
	Action     *Action
	ReceivedAt time.Time
	OnComplete func(version int64, err error)
}

// StateUpdate is the record produced by ActionExecutor for each view
// that must observe a state change, and acknowledged by that view when
// its LocalMirror has applied the corresponding slice.
type StateUpdate struct {
	UpdateID           string          `json:"update_id"`
	OriginatingThunkID string          `json:"originating_thunk_id,omitempty"`
	ViewID             int64           `json:"view_id"`
	Version            int64           `json:"version"`
	Slice              interface{}     `json:"slice"`
	ExpectedAckers      map[int64]struct{} `json:"-"`
	CreatedAt          time.Time       `json:"-"`
}

// NewStateUpdate builds a StateUpdate with a fresh UpdateID and the
// current monotonic-ish timestamp.
func NewStateUpdate(viewID int64, version int64, slice interface{}, originatingThunkID string) *StateUpdate {
	return &StateUpdate{
		UpdateID:           uuid.NewString(),
		OriginatingThunkID: originatingThunkID,
		ViewID:             viewID,
		Version:            version,
		Slice:              slice,
		CreatedAt:          time.Now(),
	}
}
