// Package state owns the single authoritative fold of the replicated event
// log and exposes it to many concurrent readers without ever handing out a
// partially-applied view (spec.md §5 "Shared-resource policy").
//
// This generalizes the teacher's "single-threaded authoritative simulation;
// all state must be accessed only from the world loop goroutine" rule
// (voxelcraft.ai's internal/sim/world) from an exclusive-owning-goroutine
// model to an atomic-snapshot-swap model: this system has several
// concurrent reader tasks (combat sender, capture controller, HTTP
// handlers) rather than one single-threaded tick loop, so the write side is
// a dedicated apply loop and readers take a lock-free atomic snapshot.
package state

import (
	"sync/atomic"

	"hexwar/internal/events"
)

// Store holds the current folded State behind an atomic pointer. Exactly
// one goroutine (the consensus FSM's apply callback) calls Advance; any
// number of goroutines may call Snapshot concurrently.
type Store struct {
	cur atomic.Pointer[events.State]
}

// New returns a Store initialized to the empty state.
func New() *Store {
	s := &Store{}
	init := events.NewState()
	s.cur.Store(&init)
	return s
}

// Snapshot returns the current state. The returned value is never mutated
// in place; callers may read it freely without additional locking.
func (s *Store) Snapshot() events.State {
	return *s.cur.Load()
}

// Restore replaces the current state wholesale, used when the consensus
// layer installs a snapshot on a lagging follower (internal/consensus's
// FSM.Restore). Bypasses the normal Apply fold since the snapshot already
// represents a validated, folded state.
func (s *Store) Restore(snap events.State) {
	s.cur.Store(&snap)
}

// Advance folds one more committed event on top of the current snapshot
// and publishes the result. Must be called from a single goroutine only
// (the consensus layer's FSM.Apply, in commit order) — see spec.md §5
// "Game state: single-writer (the apply loop) / many-reader."
func (s *Store) Advance(index uint64, env events.Envelope) (events.State, error) {
	cur := s.Snapshot()
	next, err := events.Apply(cur, env)
	if err != nil {
		return cur, err
	}
	next.LastApplied = index
	s.cur.Store(&next)
	return next, nil
}
