// Adapted from gomind's core.MemoryStore (core/memory_store.go, now
// removed): a mutex-guarded map keyed by id, holding a CreatedAt
// timestamp per entry so a periodic sweep can expire stale ones. Here
// the entries are in-flight state updates instead of cached tool
// results, and expiry runs through ThunkManager.CleanupExpiredUpdates
// rather than simply being dropped.
package authority

import (
	"sync"
	"time"

	"github.com/itsneelabh/bridge/action"
)

// UpdateStore holds every state update still awaiting acknowledgement
// from at least one view.
type UpdateStore struct {
	mu      sync.Mutex
	updates map[string]*action.StateUpdate
}

// NewUpdateStore returns an empty store.
func NewUpdateStore() *UpdateStore {
	return &UpdateStore{updates: make(map[string]*action.StateUpdate)}
}

// Track records a freshly produced update.
func (s *UpdateStore) Track(u *action.StateUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[u.UpdateID] = u
}

// Acknowledge removes viewID from the update's expected-acker set and
// drops the record once every acker has responded. Returns ok=false if
// updateID is unknown.
func (s *UpdateStore) Acknowledge(updateID string, viewID int64) (fullyAcked bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, present := s.updates[updateID]
	if !present {
		return false, false
	}
	delete(u.ExpectedAckers, viewID)
	if len(u.ExpectedAckers) == 0 {
		delete(s.updates, updateID)
		return true, true
	}
	return false, true
}

// ExpireOlderThan removes and returns the ids of every update created
// before the cutoff, for callers to feed into
// ThunkManager.CleanupExpiredUpdates.
func (s *UpdateStore) ExpireOlderThan(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, u := range s.updates {
		if u.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(s.updates, id)
		}
	}
	return expired
}

// DropView removes viewID from every tracked update's acker set,
// returning the ids of updates that became fully acked as a result.
func (s *UpdateStore) DropView(viewID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var completed []string
	for id, u := range s.updates {
		if _, present := u.ExpectedAckers[viewID]; !present {
			continue
		}
		delete(u.ExpectedAckers, viewID)
		if len(u.ExpectedAckers) == 0 {
			completed = append(completed, id)
			delete(s.updates, id)
		}
	}
	return completed
}
