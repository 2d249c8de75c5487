// Package events defines the replicated event taxonomy of spec.md §3 and
// the pure state fold of spec.md §4.2. Every mutation to game state flows
// through Apply; nothing else is permitted to mutate state.
package events

import (
	"encoding/json"
	"fmt"

	"hexwar/internal/hexgrid"
)

// Kind discriminates the event union. Mirrors the BaseMessage-with-Type-field
// envelope idiom the command-surface protocol already uses.
type Kind string

const (
	KindPlayerJoin      Kind = "PLAYER_JOIN"
	KindSetNodeTarget   Kind = "SET_NODE_TARGET"
	KindMetricsReport   Kind = "METRICS_REPORT"
	KindNodeInitStarted Kind = "NODE_INIT_STARTED"
	KindNodeInitComplete Kind = "NODE_INIT_COMPLETE"
	KindNodeCaptured    Kind = "NODE_CAPTURED"
	KindGameOver        Kind = "GAME_OVER"
)

// TargetKind discriminates a Node's attack target (spec.md §3).
type TargetKind string

const (
	TargetNone   TargetKind = ""
	TargetHex    TargetKind = "HEX"
	TargetPlayer TargetKind = "PLAYER"
)

// Target names what a node is attacking: nothing, a hex, or (reserved for
// future use, per the Player variant in spec.md §3) a player directly.
type Target struct {
	Kind   TargetKind    `json:"kind,omitempty"`
	Hex    *hexgrid.Coord `json:"hex,omitempty"`
	Player uint64        `json:"player,omitempty"`
}

// Envelope is the tagged-union wrapper every event is transmitted as,
// following internal/protocol's BaseMessage decode-the-type-then-the-body
// idiom.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Encode wraps a concrete event into an Envelope ready for replication.
func Encode(kind Kind, body any) (Envelope, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Envelope{Kind: kind, Body: b}, nil
}

// PlayerJoin is emitted once per player, at join time (spec.md §3/§4.2.1).
type PlayerJoin struct {
	PlayerID          uint64        `json:"player_id"`
	Name              string        `json:"name"`
	CapitalCoord      hexgrid.Coord `json:"capital_coord"`
	Endpoint          string        `json:"endpoint"`
	IsControlEndpoint bool          `json:"is_control_endpoint"`
	TS                int64         `json:"ts"`
}

// SetNodeTarget reassigns (or clears) a node's attack target.
type SetNodeTarget struct {
	NodeCoord hexgrid.Coord `json:"node_coord"`
	Target    Target        `json:"target"`
	TS        int64         `json:"ts"`
}

// MetricsReport overwrites the NodeMetrics entry for a coordinate.
type MetricsReport struct {
	NodeCoord   hexgrid.Coord `json:"node_coord"`
	BandwidthIn uint64        `json:"bandwidth_in"`
	PacketLoss  float32       `json:"packet_loss"`
	TS          int64         `json:"ts"`
}

// NodeInitStarted places a not-yet-ready placeholder node (spec.md §4.2.4).
type NodeInitStarted struct {
	NodeCoord hexgrid.Coord `json:"node_coord"`
	OwnerID   uint64        `json:"owner_id"`
	TS        int64         `json:"ts"`
}

// NodeInitComplete fills in the endpoint of a placeholder (spec.md §4.2.5).
type NodeInitComplete struct {
	NodeCoord hexgrid.Coord `json:"node_coord"`
	Endpoint  string        `json:"endpoint"`
	TS        int64         `json:"ts"`
}

// NodeCaptured transfers ownership of a node (spec.md §4.2.6).
type NodeCaptured struct {
	NodeCoord   hexgrid.Coord `json:"node_coord"`
	NewOwnerID  uint64        `json:"new_owner_id"`
	TS          int64         `json:"ts"`
}

// GameOver is terminal; at most one is ever applied (spec.md §4.2.7).
type GameOver struct {
	WinnerID *uint64 `json:"winner_id,omitempty"`
	TS       int64   `json:"ts"`
}
