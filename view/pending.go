// Grounded on authority/update_store.go's correlation-map shape (an id
// keyed to the set of outstanding ackers) but inverted: here each
// outstanding id is keyed to the single local caller waiting on its
// settlement, the view-side half of spec.md §4.1's "records a
// pending-action entry keyed by id".
package view

import (
	"context"
	"sync"

	"github.com/itsneelabh/bridge/core"
)

// actionResult is what a dispatch-ack settles a pending action with.
type actionResult struct {
	version int64
	err     error
}

// PendingActionRegistry correlates outbound action/thunk ids with the
// local caller awaiting their settlement. It is the view process's only
// mutable bookkeeping besides LocalMirror and the batcher's buffer
// (spec.md §4: "the view process exclusively owns... its Pending-action
// registry").
type PendingActionRegistry struct {
	mu          sync.Mutex
	actions     map[string]chan actionResult
	thunkAcks   map[string]chan actionResult
	thunkDone   map[string]chan actionResult
	maxInFlight int
}

// NewPendingActionRegistry builds a registry. maxInFlight bounds the
// number of simultaneously outstanding actions/thunks before Register
// refuses with core.ErrRegistrySaturated; 0 means unbounded.
func NewPendingActionRegistry(maxInFlight int) *PendingActionRegistry {
	return &PendingActionRegistry{
		actions:     make(map[string]chan actionResult),
		thunkAcks:   make(map[string]chan actionResult),
		thunkDone:   make(map[string]chan actionResult),
		maxInFlight: maxInFlight,
	}
}

// RegisterAction records a waiter for actionID's dispatch-ack.
func (r *PendingActionRegistry) RegisterAction(actionID string) error {
	return r.register(r.actions, actionID)
}

// RegisterThunkAck records a waiter for thunkID's register-thunk-ack.
func (r *PendingActionRegistry) RegisterThunkAck(thunkID string) error {
	return r.register(r.thunkAcks, thunkID)
}

// RegisterThunkDone records a waiter for thunkID's fully-complete
// thunk-state broadcast.
func (r *PendingActionRegistry) RegisterThunkDone(thunkID string) error {
	return r.register(r.thunkDone, thunkID)
}

func (r *PendingActionRegistry) register(set map[string]chan actionResult, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxInFlight > 0 && len(r.actions)+len(r.thunkAcks)+len(r.thunkDone) >= r.maxInFlight {
		return core.NewEngineError(core.KindResourceManagement, "PendingActionRegistry.register",
			"too many in-flight actions/thunks", core.ErrRegistrySaturated, core.ErrorContext{ActionID: id})
	}
	set[id] = make(chan actionResult, 1)
	return nil
}

// ResolveAction settles actionID's waiter, if any.
func (r *PendingActionRegistry) ResolveAction(actionID string, version int64, err error) {
	r.resolve(r.actions, actionID, version, err)
}

// ResolveThunkAck settles thunkID's register-thunk-ack waiter, if any.
func (r *PendingActionRegistry) ResolveThunkAck(thunkID string, version int64, err error) {
	r.resolve(r.thunkAcks, thunkID, version, err)
}

// ResolveThunkDone settles thunkID's fully-complete waiter, if any.
func (r *PendingActionRegistry) ResolveThunkDone(thunkID string, err error) {
	r.resolve(r.thunkDone, thunkID, 0, err)
}

func (r *PendingActionRegistry) resolve(set map[string]chan actionResult, id string, version int64, err error) {
	r.mu.Lock()
	ch, ok := set[id]
	if ok {
		delete(set, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ch <- actionResult{version: version, err: err}
}

// WaitAction blocks until actionID settles or ctx is cancelled.
func (r *PendingActionRegistry) WaitAction(ctx context.Context, actionID string) (int64, error) {
	return r.wait(ctx, r.actions, actionID)
}

// WaitThunkAck blocks until thunkID's registration settles.
func (r *PendingActionRegistry) WaitThunkAck(ctx context.Context, thunkID string) (int64, error) {
	return r.wait(ctx, r.thunkAcks, thunkID)
}

// WaitThunkDone blocks until thunkID reports fully complete.
func (r *PendingActionRegistry) WaitThunkDone(ctx context.Context, thunkID string) error {
	_, err := r.wait(ctx, r.thunkDone, thunkID)
	return err
}

func (r *PendingActionRegistry) wait(ctx context.Context, set map[string]chan actionResult, id string) (int64, error) {
	r.mu.Lock()
	ch, ok := set[id]
	r.mu.Unlock()
	if !ok {
		return 0, core.NewEngineError(core.KindResourceManagement, "PendingActionRegistry.wait",
			"no waiter registered", core.ErrNotFound, core.ErrorContext{ActionID: id})
	}
	select {
	case res := <-ch:
		return res.version, res.err
	case <-ctx.Done():
		r.mu.Lock()
		delete(set, id)
		r.mu.Unlock()
		return 0, ctx.Err()
	}
}

// Abandon discards every outstanding waiter with core.ErrViewGone,
// used when the transport disconnects and no ack will ever arrive.
func (r *PendingActionRegistry) Abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.actions {
		ch <- actionResult{err: core.ErrViewGone}
		delete(r.actions, id)
	}
	for id, ch := range r.thunkAcks {
		ch <- actionResult{err: core.ErrViewGone}
		delete(r.thunkAcks, id)
	}
	for id, ch := range r.thunkDone {
		ch <- actionResult{err: core.ErrViewGone}
		delete(r.thunkDone, id)
	}
}
