package ipc

import (
	"context"
	"sync"

	"github.com/itsneelabh/bridge/core"
)

// InMemoryTransport is a goroutine/channel-backed Transport connecting
// two endpoints sharing process memory, used by unit tests and the
// in-process example. It plays the same role gomind's core.MockDiscovery
// plays for core.RedisDiscovery: a drop-in stand-in that exercises the
// same interface without an external dependency.
//
// Close closes only this end's outbound channel: the peer's Receive then
// returns core.ErrTransportClosed, while a Receive blocked on the closed
// end itself returns only when its context ends or the peer closes.
type InMemoryTransport struct {
	mu      sync.Mutex
	closed  bool
	recvCh  chan Envelope
	sendCh  chan Envelope
}

// NewInMemoryLink builds a connected pair of InMemoryTransports: sending
// on one delivers to the other, in each direction.
func NewInMemoryLink(bufferSize int) (a, b *InMemoryTransport) {
	abToBa := make(chan Envelope, bufferSize)
	baToAb := make(chan Envelope, bufferSize)
	a = &InMemoryTransport{recvCh: baToAb, sendCh: abToBa}
	b = &InMemoryTransport{recvCh: abToBa, sendCh: baToAb}
	return a, b
}

func (t *InMemoryTransport) Send(ctx context.Context, env Envelope) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return core.NewEngineError(core.KindIpcCommunication, "InMemoryTransport.Send",
			"transport closed", core.ErrTransportClosed, core.ErrorContext{})
	}
	select {
	case t.sendCh <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *InMemoryTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-t.recvCh:
		if !ok {
			return Envelope{}, core.NewEngineError(core.KindIpcCommunication, "InMemoryTransport.Receive",
				"transport closed", core.ErrTransportClosed, core.ErrorContext{})
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.sendCh)
	return nil
}
