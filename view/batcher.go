// Grounded on authority/scheduler.go's guarded re-scan-loop idiom (a
// single-threaded cooperative state machine driven by a mutex and a
// timer instead of a goroutine per action), adapted to spec.md §4.6's
// batching rule: flush on size, on window elapse, or on a priority
// action, whichever comes first.
package view

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/bridge/core"
	"github.com/itsneelabh/bridge/ipc"
)

// ActionBatcher collects outbound action envelopes (never thunk control
// messages, which bypass batching entirely per spec.md §4.1) and emits
// them as a single dispatch-batch message once the window elapses, the
// size threshold is hit, or a priority action arrives.
type ActionBatcher struct {
	windowMs     int
	maxBatchSize int
	send         func(actions []ipc.DispatchAction)
	logger       core.Logger

	mu      sync.Mutex
	buf     []ipc.DispatchAction
	timer   *time.Timer
	stopped bool
}

// NewActionBatcher builds a batcher. send is invoked with one batch's
// worth of actions, in enqueue order, whenever a flush condition fires.
func NewActionBatcher(windowMs, maxBatchSize int, send func(actions []ipc.DispatchAction), logger core.Logger) *ActionBatcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 10
	}
	if windowMs <= 0 {
		windowMs = 16
	}
	return &ActionBatcher{windowMs: windowMs, maxBatchSize: maxBatchSize, send: send, logger: logger}
}

// Enqueue adds wa to the pending batch. It flushes immediately if wa is
// a priority action, or if the batch has reached its configured maximum
// size; otherwise it starts (or leaves running) the window timer that
// will flush the batch once it elapses.
func (b *ActionBatcher) Enqueue(wa ipc.DispatchAction) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, wa)
	first := len(b.buf) == 1
	full := len(b.buf) >= b.maxBatchSize
	priority := wa.Priority

	if full || priority {
		batch := b.drainLocked()
		b.mu.Unlock()
		b.recordFlush(batch)
		b.send(batch)
		return
	}
	if first {
		b.timer = time.AfterFunc(time.Duration(b.windowMs)*time.Millisecond, b.onTimer)
	}
	b.mu.Unlock()
}

func (b *ActionBatcher) onTimer() {
	b.mu.Lock()
	if b.stopped || len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.drainLocked()
	b.mu.Unlock()
	b.recordFlush(batch)
	b.send(batch)
}

// recordFlush reports the size of a just-drained batch through
// core.MetricsRegistry, so ActionBatcher.flush - spec.md's three
// triggers (size/window/priority) - has observable batching-efficiency
// data regardless of which trigger fired.
func (b *ActionBatcher) recordFlush(batch []ipc.DispatchAction) {
	if reg := core.GetGlobalMetricsRegistry(); reg != nil {
		reg.Histogram("batcher.flush.batch_size", float64(len(batch)))
	}
}

// drainLocked empties buf and cancels any pending timer. Caller must
// hold mu.
func (b *ActionBatcher) drainLocked() []ipc.DispatchAction {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.buf
	b.buf = nil
	return batch
}

// Flush forces immediate delivery of whatever is currently buffered, if
// anything. Used on graceful shutdown so no dispatch is silently
// dropped waiting out a window that will never complete.
func (b *ActionBatcher) Flush() {
	b.mu.Lock()
	if b.stopped || len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.drainLocked()
	b.mu.Unlock()
	b.recordFlush(batch)
	b.send(batch)
}

// Stop flushes any remaining buffer and disables further enqueues.
func (b *ActionBatcher) Stop(ctx context.Context) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	batch := b.drainLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.recordFlush(batch)
		b.send(batch)
	}
}
