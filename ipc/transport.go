package ipc

import (
	"context"
	"sync/atomic"
)

// Transport delivers Envelopes between exactly two logical endpoints: a
// view and the authoritative process. Implementations must preserve
// message boundaries and FIFO order per direction (spec.md §6); they
// need not be reliable across process restarts (Non-goals).
type Transport interface {
	// Send transmits env to the peer. Returns core.ErrTransportClosed if
	// the transport has been closed, core.ErrSendFailed on a transient
	// send failure.
	Send(ctx context.Context, env Envelope) error

	// Receive blocks until an Envelope arrives or ctx is cancelled.
	Receive(ctx context.Context) (Envelope, error)

	// Close releases the transport's resources. Receive calls blocked
	// on it return core.ErrTransportClosed.
	Close() error
}

// Sequencer assigns monotonic per-direction sequence numbers to
// outgoing envelopes and validates that incoming envelopes arrive in
// sequence, per spec.md §4.8 ("every message carries a monotonic
// sequence number per direction").
type Sequencer struct {
	outSeq uint64
	inSeq  uint64
}

// NextOutbound stamps env with the next outbound sequence number.
func (s *Sequencer) NextOutbound(env Envelope) Envelope {
	env.Seq = atomic.AddUint64(&s.outSeq, 1)
	return env
}

// ValidateInbound reports whether env arrived in sequence. The first
// message accepted establishes the baseline; gaps are reported so the
// caller can surface core.ErrSequenceGap rather than silently
// reordering state relative to earlier dispatch-acks.
func (s *Sequencer) ValidateInbound(env Envelope) bool {
	expected := atomic.LoadUint64(&s.inSeq) + 1
	if env.Seq != expected {
		return false
	}
	atomic.StoreUint64(&s.inSeq, env.Seq)
	return true
}
