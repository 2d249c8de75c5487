package events

import "hexwar/internal/hexgrid"

// NodeKind discriminates a Node between a player's single high-capacity
// capital and an ordinary seized hex (spec.md §3).
type NodeKind string

const (
	KindCapital NodeKind = "CAPITAL"
	KindRegular NodeKind = "REGULAR"
)

// Player is one participant's identity and capital pointer (spec.md §3).
// player_id is assigned once at PlayerJoin and never reused.
type Player struct {
	PlayerID        uint64
	Name            string
	CapitalCoord    hexgrid.Coord
	Alive           bool
	ControlEndpoint string
}

// Node is one hex's combat/ownership state (spec.md §3).
type Node struct {
	Coord    hexgrid.Coord
	OwnerID  uint64 // 0 == unowned
	Kind     NodeKind
	Target   Target
	Ready    bool
	Endpoint string

	// TargetSetAt is the event timestamp of the SetNodeTarget that most
	// recently wrote Target. It is the "current attack episode" start
	// used by the capture controller's tie-break rule (spec.md §4.4
	// rule 5) — not part of the state machine's own invariants, just
	// data the leader-local controller reads.
	TargetSetAt int64
}

// NodeMetrics is the latest self-reported measurement for a coordinate
// (spec.md §3); overwritten wholesale by each MetricsReport.
type NodeMetrics struct {
	BandwidthIn uint64
	PacketLoss  float32
	ReportedAt  int64
}

// State is the entire authoritative, replicated fold of the committed log.
// It is produced only by Apply and must never be mutated in place by
// callers; see internal/state for the snapshot/swap discipline that
// enforces this across goroutines.
type State struct {
	Players     map[uint64]Player
	Nodes       map[hexgrid.Coord]Node
	Metrics     map[hexgrid.Coord]NodeMetrics
	GameOver    bool
	WinnerID    *uint64
	LastApplied uint64
}

// NewState returns an empty initial fold, the zero value of spec.md's
// event-sourced state before any event has been applied.
func NewState() State {
	return State{
		Players: make(map[uint64]Player),
		Nodes:   make(map[hexgrid.Coord]Node),
		Metrics: make(map[hexgrid.Coord]NodeMetrics),
	}
}

// Clone deep-copies the maps so a reader's snapshot can never be mutated by
// the next Apply. Called exactly once per applied event, on the write side.
func (s State) Clone() State {
	out := State{
		Players:     make(map[uint64]Player, len(s.Players)),
		Nodes:       make(map[hexgrid.Coord]Node, len(s.Nodes)),
		Metrics:     make(map[hexgrid.Coord]NodeMetrics, len(s.Metrics)),
		GameOver:    s.GameOver,
		WinnerID:    s.WinnerID,
		LastApplied: s.LastApplied,
	}
	for k, v := range s.Players {
		out.Players[k] = v
	}
	for k, v := range s.Nodes {
		out.Nodes[k] = v
	}
	for k, v := range s.Metrics {
		out.Metrics[k] = v
	}
	return out
}

// AliveCount returns the number of players whose Alive flag is still set
// (spec.md §4.4 rule 6, §8 invariant 1).
func (s State) AliveCount() int {
	n := 0
	for _, p := range s.Players {
		if p.Alive {
			n++
		}
	}
	return n
}
