package consensus

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"hexwar/internal/events"
	"hexwar/internal/hexgrid"
	"hexwar/internal/state"
)

// Applied is delivered to every local subscriber once per committed entry,
// in commit order (spec.md §4.1 "subscribe_applied").
type Applied struct {
	Index uint64
	Event events.Envelope
}

// FSM folds committed log entries through events.Apply into the shared
// state.Store and fans out notifications to local subscribers. It
// implements raft.FSM.
//
// Grounded on internal/persistence/snapshot.SnapshotV1's gob encoding in the
// teacher repo, reused here for raft snapshot/restore rather than
// cross-restart resume (restart persistence remains a Non-goal per spec.md
// §1). The snapshot written here is a bare gob stream of snapshotState,
// with no header, length prefix or compression.
type FSM struct {
	store *state.Store

	mu   sync.Mutex
	subs []chan Applied
}

func NewFSM(store *state.Store) *FSM {
	return &FSM{store: store}
}

// Subscribe registers a new channel that receives every future Applied
// notification. The channel is buffered; a slow subscriber that falls
// behind has notifications dropped rather than blocking the apply loop —
// subscribers needing a durable record should read state.Store.Snapshot()
// instead of relying on never missing a delta.
func (f *FSM) Subscribe() <-chan Applied {
	ch := make(chan Applied, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *FSM) notify(a Applied) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- a:
		default:
		}
	}
}

// Apply is invoked by raft, in commit order, exactly once per committed
// log entry on every voting member. A return value of error here is a
// determinism violation per spec.md §7 and must be treated as fatal by the
// caller — this implementation panics, matching that requirement, since
// raft's own Apply signature has no error return (only a FSM-defined
// response value).
func (f *FSM) Apply(l *raft.Log) interface{} {
	var env events.Envelope
	if err := json.Unmarshal(l.Data, &env); err != nil {
		panic(fmt.Sprintf("consensus: determinism violation decoding committed entry %d: %v", l.Index, err))
	}
	next, err := f.store.Advance(l.Index, env)
	if err != nil {
		panic(fmt.Sprintf("consensus: determinism violation applying committed entry %d (%s): %v", l.Index, env.Kind, err))
	}
	f.notify(Applied{Index: l.Index, Event: env})
	return next
}

// Snapshot captures the current folded state for raft's log-compaction
// snapshotting. Not used for cross-restart resume (Non-goal), only to let
// raft truncate its log and let lagging followers catch up via
// InstallSnapshot instead of replaying from index 0.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	snap := f.store.Snapshot()
	return &fsmSnapshot{state: snap}, nil
}

// Restore replaces the current state wholesale from a snapshot stream,
// used when a follower is too far behind to catch up by replay.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap snapshotState
	if err := gob.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("consensus: decode snapshot: %w", err)
	}
	f.store.Restore(snap.toEvents())
	return nil
}

type fsmSnapshot struct {
	state events.State
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	enc := gob.NewEncoder(sink)
	if err := enc.Encode(fromEvents(s.state)); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// snapshotState is a gob-friendly mirror of events.State (maps keyed by a
// struct with exported fields gob-encode fine, but we keep an explicit type
// here so the wire shape is decoupled from internal field renames).
type snapshotState struct {
	Players     []events.Player
	Nodes       []events.Node
	Metrics     []metricEntry
	GameOver    bool
	WinnerID    *uint64
	LastApplied uint64
}

type metricEntry struct {
	Coord   [2]int
	Metrics events.NodeMetrics
}

func fromEvents(s events.State) snapshotState {
	out := snapshotState{GameOver: s.GameOver, WinnerID: s.WinnerID, LastApplied: s.LastApplied}
	for _, p := range s.Players {
		out.Players = append(out.Players, p)
	}
	for _, n := range s.Nodes {
		out.Nodes = append(out.Nodes, n)
	}
	for c, m := range s.Metrics {
		out.Metrics = append(out.Metrics, metricEntry{Coord: [2]int{c.Q, c.R}, Metrics: m})
	}
	return out
}

func (s snapshotState) toEvents() events.State {
	out := events.NewState()
	out.GameOver = s.GameOver
	out.WinnerID = s.WinnerID
	out.LastApplied = s.LastApplied
	for _, p := range s.Players {
		out.Players[p.PlayerID] = p
	}
	for _, n := range s.Nodes {
		out.Nodes[n.Coord] = n
	}
	for _, m := range s.Metrics {
		out.Metrics[hexgrid.Coord{Q: m.Coord[0], R: m.Coord[1]}] = m.Metrics
	}
	return out
}
