// Package store keeps recent WAL snapshots per target in process memory.
package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/walwatch/walwatch/internal/model"
)

// DefaultCapacity holds 24 hours of snapshots at a 30 second interval.
const DefaultCapacity = 2880

// ErrOutOfOrder is returned by Put for a snapshot not newer than the latest one.
var ErrOutOfOrder = errors.New("snapshot is not newer than the latest stored snapshot")

// SnapshotStore is a bounded per-target history. Stored snapshots are never
// modified; readers may share the returned pointers.
type SnapshotStore struct {
	mu       sync.RWMutex
	series   map[string]*series
	capacity int
}

// New creates a store keeping at most capacity snapshots per target.
func New(capacity int) *SnapshotStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SnapshotStore{
		series:   make(map[string]*series),
		capacity: capacity,
	}
}

// Capacity returns the per-target history bound.
func (s *SnapshotStore) Capacity() int {
	return s.capacity
}

// Put appends snap to its target's history, evicting the oldest entry when full.
func (s *SnapshotStore) Put(snap *model.WalSnapshot) error {
	if snap == nil || snap.TargetID == "" {
		return fmt.Errorf("store: snapshot without target")
	}
	return s.seriesFor(snap.TargetID, true).put(snap)
}

// Latest returns the most recent snapshot for targetID.
func (s *SnapshotStore) Latest(targetID string) (*model.WalSnapshot, bool) {
	sr := s.seriesFor(targetID, false)
	if sr == nil {
		return nil, false
	}
	snap := sr.latest.Load()
	return snap, snap != nil
}

// History returns up to limit snapshots for targetID, most recent last.
// A limit of zero or less returns everything retained.
func (s *SnapshotStore) History(targetID string, limit int) []*model.WalSnapshot {
	sr := s.seriesFor(targetID, false)
	if sr == nil {
		return nil
	}
	return sr.history(limit)
}

// Len returns the number of snapshots retained for targetID.
func (s *SnapshotStore) Len(targetID string) int {
	sr := s.seriesFor(targetID, false)
	if sr == nil {
		return 0
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.size
}

// Remove drops all history for targetID.
func (s *SnapshotStore) Remove(targetID string) {
	s.mu.Lock()
	delete(s.series, targetID)
	s.mu.Unlock()
}

// Targets returns the IDs that have at least one snapshot.
func (s *SnapshotStore) Targets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.series))
	for id := range s.series {
		ids = append(ids, id)
	}
	return ids
}

func (s *SnapshotStore) seriesFor(targetID string, create bool) *series {
	s.mu.RLock()
	sr, ok := s.series[targetID]
	s.mu.RUnlock()
	if ok || !create {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[targetID]; !ok {
		sr = &series{buf: make([]*model.WalSnapshot, s.capacity)}
		s.series[targetID] = sr
	}
	return sr
}

// series is a fixed-size ring. head is the index of the oldest entry.
type series struct {
	mu     sync.RWMutex
	buf    []*model.WalSnapshot
	head   int
	size   int
	latest atomic.Pointer[model.WalSnapshot]
}

func (sr *series) put(snap *model.WalSnapshot) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if last := sr.latest.Load(); last != nil && !snap.CollectedAt.After(last.CollectedAt) {
		return fmt.Errorf("%w: %s at %s, latest %s", ErrOutOfOrder, snap.TargetID,
			snap.CollectedAt.Format("15:04:05.000000"), last.CollectedAt.Format("15:04:05.000000"))
	}

	if sr.size < len(sr.buf) {
		sr.buf[(sr.head+sr.size)%len(sr.buf)] = snap
		sr.size++
	} else {
		sr.buf[sr.head] = snap
		sr.head = (sr.head + 1) % len(sr.buf)
	}
	sr.latest.Store(snap)
	return nil
}

func (sr *series) history(limit int) []*model.WalSnapshot {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	n := sr.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*model.WalSnapshot, n)
	start := sr.head + sr.size - n
	for i := range n {
		out[i] = sr.buf[(start+i)%len(sr.buf)]
	}
	return out
}
