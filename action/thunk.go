package action

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ThunkState is the lifecycle state of a Thunk. Transitions are
// monotonic: Pending -> Executing -> (Completed | Failed); the only
// skip permitted is Pending -> Failed on registration refusal.
type ThunkState string

const (
	ThunkPending   ThunkState = "pending"
	ThunkExecuting ThunkState = "executing"
	ThunkCompleted ThunkState = "completed"
	ThunkFailed    ThunkState = "failed"
)

// IsTerminal reports whether s is Completed or Failed.
func (s ThunkState) IsTerminal() bool {
	return s == ThunkCompleted || s == ThunkFailed
}

// ThunkSource identifies which side registered a thunk; the scheduler's
// lock discipline is identical either way (spec §4.7).
type ThunkSource string

const (
	SourceView          ThunkSource = "view"
	SourceAuthoritative ThunkSource = "authoritative"
)

// GetStateFunc returns the caller's current view of state: the
// LocalMirror snapshot on the view side, the live StateManager state on
// the authoritative side.
type GetStateFunc func() interface{}

// DispatchFunc is the inner dispatch bound to a thunk's user function:
// identical in shape to the outer dispatch, except every action and
// nested thunk it routes is tagged with this thunk as parent.
type DispatchFunc func(ctx context.Context, input interface{}) (interface{}, error)

// ThunkFunc is a user-supplied function that may read state and dispatch
// actions across arbitrary suspensions. Its enclosed actions must not
// interleave with foreign actions until the thunk's root completes.
type ThunkFunc func(ctx context.Context, getState GetStateFunc, dispatch DispatchFunc) (interface{}, error)

// ThunkProgress is an incremental progress snapshot a thunk may report
// while executing, piggybacked onto the next thunk-state broadcast.
// Supplemental to the spec's explicit state machine (SPEC_FULL.md §C),
// grounded on gomind's core.TaskProgress.
type ThunkProgress struct {
	CurrentStep int     `json:"current_step"`
	TotalSteps  int     `json:"total_steps"`
	StepName    string  `json:"step_name"`
	Message     string  `json:"message,omitempty"`
}

// Thunk is a long-running composite operation: a user function that,
// across arbitrary suspensions, dispatches actions that must be applied
// contiguously within its tree.
type Thunk struct {
	ID       string      `json:"id"`
	SourceViewID int64   `json:"source_view_id"`
	ParentID string      `json:"parent_id,omitempty"`
	Source   ThunkSource `json:"source"`
	State    ThunkState  `json:"state"`

	BypassThunkLock     bool `json:"bypass_thunk_lock,omitempty"`
	BypassAccessControl bool `json:"bypass_access_control,omitempty"`

	// RootID is derived: the transitive parent root. A thunk without a
	// parent is its own root.
	RootID string `json:"root_id"`

	// Children holds child thunk ids; populated as nested thunks are
	// registered under this one.
	Children map[string]struct{} `json:"-"`

	// PendingActions holds ids of actions this thunk has dispatched and
	// not yet seen executed.
	PendingActions map[string]struct{} `json:"-"`

	// PendingUpdates maps update-id to the set of view ids that have
	// not yet acknowledged the resulting state update.
	PendingUpdates map[string]map[int64]struct{} `json:"-"`

	Result   interface{} `json:"result,omitempty"`
	Error    *ThunkError `json:"error,omitempty"`
	Progress *ThunkProgress `json:"progress,omitempty"`

	Fn ThunkFunc `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TraceID      string `json:"trace_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// NewThunk builds a pending Thunk with a fresh id. If parent is nil, the
// thunk is its own root; otherwise RootID is inherited from parent and
// the thunk is registered as parent's child by the caller (ThunkManager).
func NewThunk(fn ThunkFunc, source ThunkSource, sourceViewID int64, parent *Thunk) *Thunk {
	id := uuid.NewString()
	t := &Thunk{
		ID:             id,
		SourceViewID:   sourceViewID,
		Source:         source,
		State:          ThunkPending,
		Children:       make(map[string]struct{}),
		PendingActions: make(map[string]struct{}),
		PendingUpdates: make(map[string]map[int64]struct{}),
		Fn:             fn,
		CreatedAt:      time.Now(),
	}
	if parent != nil {
		t.ParentID = parent.ID
		t.RootID = parent.RootID
	} else {
		t.RootID = id
	}
	return t
}

// IsRoot reports whether t has no parent.
func (t *Thunk) IsRoot() bool {
	return t.ParentID == ""
}

// FullyComplete reports whether t is eligible for garbage collection:
// terminal state, no pending actions, no pending updates, and (per
// ThunkManager's post-order walk) every child already removed from the
// graph is implied by the caller no longer holding a reference to it.
func (t *Thunk) FullyComplete() bool {
	return t.State.IsTerminal() && len(t.PendingActions) == 0 && len(t.PendingUpdates) == 0
}

// Typed thunk/action error codes (SPEC_FULL.md §C), the domain's
// analogue of gomind's TaskErrorCode* constants.
const (
	ThunkErrorTimeout            = "THUNK_TIMEOUT"
	ThunkErrorCancelled          = "THUNK_CANCELLED"
	ThunkErrorExecutionError     = "THUNK_EXECUTION_ERROR"
	ThunkErrorPanic              = "THUNK_PANIC"
	ThunkErrorProtocolViolation  = "THUNK_PROTOCOL_VIOLATION"
)

// ThunkError is the structured failure a Thunk resolves with. It
// round-trips across the ipc boundary as plain data (see Sanitize).
type ThunkError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *ThunkError) Error() string {
	if e.Details != "" {
		return e.Code + ": " + e.Message + " (" + e.Details + ")"
	}
	return e.Code + ": " + e.Message
}

// NewThunkError builds a ThunkError from a code and a Go error.
func NewThunkError(code, message string, err error) *ThunkError {
	te := &ThunkError{Code: code, Message: message}
	if err != nil {
		te.Details = err.Error()
	}
	return te
}
