package view

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/bridge/ipc"
)

func collectBatches() (func(actions []ipc.DispatchAction), func() [][]ipc.DispatchAction) {
	var mu sync.Mutex
	var got [][]ipc.DispatchAction
	send := func(actions []ipc.DispatchAction) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, actions)
	}
	read := func() [][]ipc.DispatchAction {
		mu.Lock()
		defer mu.Unlock()
		out := make([][]ipc.DispatchAction, len(got))
		copy(out, got)
		return out
	}
	return send, read
}

func TestActionBatcher_FlushesOnWindow(t *testing.T) {
	send, read := collectBatches()
	b := NewActionBatcher(10, 50, send, nil)

	b.Enqueue(ipc.DispatchAction{ID: "1"})
	b.Enqueue(ipc.DispatchAction{ID: "2"})

	require.Eventually(t, func() bool { return len(read()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, read()[0], 2)
}

func TestActionBatcher_FlushesOnMaxSize(t *testing.T) {
	send, read := collectBatches()
	b := NewActionBatcher(10_000, 2, send, nil)

	b.Enqueue(ipc.DispatchAction{ID: "1"})
	b.Enqueue(ipc.DispatchAction{ID: "2"})

	require.Eventually(t, func() bool { return len(read()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, read()[0], 2)
}

func TestActionBatcher_FlushesImmediatelyOnPriority(t *testing.T) {
	send, read := collectBatches()
	b := NewActionBatcher(10_000, 50, send, nil)

	b.Enqueue(ipc.DispatchAction{ID: "1"})
	b.Enqueue(ipc.DispatchAction{ID: "2", Priority: true})

	require.Eventually(t, func() bool { return len(read()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, read()[0], 2)
}

func TestActionBatcher_PreservesInsertionOrder(t *testing.T) {
	send, read := collectBatches()
	b := NewActionBatcher(10_000, 3, send, nil)

	b.Enqueue(ipc.DispatchAction{ID: "a"})
	b.Enqueue(ipc.DispatchAction{ID: "b"})
	b.Enqueue(ipc.DispatchAction{ID: "c"})

	require.Eventually(t, func() bool { return len(read()) == 1 }, time.Second, 5*time.Millisecond)
	batch := read()[0]
	assert.Equal(t, []string{"a", "b", "c"}, []string{batch[0].ID, batch[1].ID, batch[2].ID})
}

func TestActionBatcher_StopFlushesRemainder(t *testing.T) {
	send, read := collectBatches()
	b := NewActionBatcher(10_000, 50, send, nil)

	b.Enqueue(ipc.DispatchAction{ID: "1"})
	b.Stop(context.Background())

	assert.Len(t, read(), 1)
	assert.Len(t, read()[0], 1)
}
