// Package consensus wraps github.com/hashicorp/raft behind the contract
// spec.md §4.1 describes: a linearisable Append, leader queries, and a
// local applied-event subscription. hashicorp/raft is the off-the-shelf
// consensus dependency spec.md §2 explicitly scopes out of this
// reimplementation; it is not present in any example repo's go.mod (no
// pack repo implements distributed consensus), so it is named here rather
// than grounded, per the out-of-pack-dependency rule.
package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"hexwar/internal/events"
	"hexwar/internal/state"
)

// ErrNotLeader is returned by Append when called against a non-leader
// member. Callers should redirect to LeaderHint (spec.md §4.7, §7).
var ErrNotLeader = errors.New("consensus: not the leader")

// NotLeaderError carries the current leader hint, if known.
type NotLeaderError struct {
	Hint string // raft server ID of the current leader, "" if unknown
}

func (e *NotLeaderError) Error() string { return "consensus: not the leader" }
func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }

// Node is one agent's voting (or learner) membership in the replicated
// log, plus the folded state it produces.
type Node struct {
	ID    string
	Raft  *raft.Raft
	FSM   *FSM
	Store *state.Store

	registry *Registry
	trans    *raft.NetworkTransport
}

// Config configures a new consensus Node.
type Config struct {
	NodeID    string
	BindAddr  string // host:port raft will listen on for AppendEntries/RequestVote
	DataDir   string // per-process ephemeral dir for the raft log/stable store; never read back across a fresh process (Non-goal: cross-restart persistence)
	Bootstrap bool   // true only for the very first node of a new game
}

// New starts a raft node. Pass Bootstrap=true exactly once per game, for
// the first agent; every later agent joins via Join against an existing
// member, per spec.md §4.1's learner-then-voter handshake.
func New(cfg Config, store *state.Store) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("consensus: data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	// Bounded randomised election timeout per spec.md §4.1 (typical
	// 150-300ms); raft's defaults (1s) are generous for WAN, but this
	// system's agents are co-located compute tasks on the same cluster
	// network, so we tighten to the spec's figures.
	raftCfg.HeartbeatTimeout = 150 * time.Millisecond
	raftCfg.ElectionTimeout = 300 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond

	fsm := NewFSM(store)

	boltPath := filepath.Join(cfg.DataDir, "raft.db")
	boltStore, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		return nil, fmt.Errorf("consensus: bolt store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("consensus: resolve bind addr: %w", err)
	}
	trans, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: tcp transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, boltStore, boltStore, snapshots, trans)
	if err != nil {
		return nil, fmt.Errorf("consensus: new raft: %w", err)
	}

	if cfg.Bootstrap {
		bootCfg := raft.Configuration{
			Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: trans.LocalAddr(),
			}},
		}
		if f := r.BootstrapCluster(bootCfg); f.Error() != nil {
			return nil, fmt.Errorf("consensus: bootstrap: %w", f.Error())
		}
	}

	n := &Node{
		ID:       cfg.NodeID,
		Raft:     r,
		FSM:      fsm,
		Store:    store,
		registry: NewRegistry(),
		trans:    trans,
	}
	n.registry.Set(cfg.NodeID, string(trans.LocalAddr()))
	return n, nil
}

// Append submits an event for replication and blocks until it is
// committed (majority-acknowledged), per spec.md §4.1. Only the leader
// accepts writes.
func (n *Node) Append(env events.Envelope) (uint64, error) {
	if n.Raft.State() != raft.Leader {
		return 0, &NotLeaderError{Hint: n.leaderHintID()}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("consensus: marshal event: %w", err)
	}
	f := n.Raft.Apply(b, 5*time.Second)
	if err := f.Error(); err != nil {
		// Indeterminate outcome per spec.md §5 "Cancellation & timeouts":
		// the caller must re-check state rather than assume failure.
		return 0, fmt.Errorf("consensus: apply: %w", err)
	}
	return f.Index(), nil
}

// IsLeader reports whether this node currently believes it is the leader.
func (n *Node) IsLeader() bool { return n.Raft.State() == raft.Leader }

// LeaderHint returns the current leader's node ID, if known, so a caller
// rejected by a follower can redirect (spec.md §4.7).
func (n *Node) LeaderHint() (string, bool) {
	hint := n.leaderHintID()
	return hint, hint != ""
}

func (n *Node) leaderHintID() string {
	_, id := n.Raft.LeaderWithID()
	return string(id)
}

// CurrentTerm returns the raft term, surfaced on /status per spec.md §6.
func (n *Node) CurrentTerm() uint64 {
	stats := n.Raft.Stats()
	var term uint64
	_, _ = fmt.Sscanf(stats["term"], "%d", &term)
	return term
}

// AppliedIndex is the index of the last committed entry this node has
// folded into its local state, surfaced on /status per spec.md §6.
func (n *Node) AppliedIndex() uint64 {
	return n.Store.Snapshot().LastApplied
}

// Join admits a new agent into the cluster via the learner-then-voter
// handshake spec.md §4.1 requires: the joining agent starts as a
// non-voter so it is never required for quorum until it has caught up,
// then is promoted. Must be called against the current leader.
func (n *Node) Join(nodeID, addr string) error {
	if !n.IsLeader() {
		return &NotLeaderError{Hint: n.leaderHintID()}
	}
	if f := n.Raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second); f.Error() != nil {
		return fmt.Errorf("consensus: add nonvoter: %w", f.Error())
	}
	n.registry.Set(nodeID, addr)
	return nil
}

// Promote upgrades a caught-up non-voter to full voting membership. A
// caller (typically the joining agent itself, once its applied index is
// within a small delta of the leader's) drives the timing; this package
// does not do it automatically to avoid promoting a learner that is still
// far behind. The address comes from the registry entry Join recorded, so
// the caller only has to name the node being promoted.
func (n *Node) Promote(nodeID string) error {
	if !n.IsLeader() {
		return &NotLeaderError{Hint: n.leaderHintID()}
	}
	addr, ok := n.registry.Lookup(nodeID)
	if !ok {
		return fmt.Errorf("consensus: promote %s: no known address (was it ever joined?)", nodeID)
	}
	if f := n.Raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second); f.Error() != nil {
		return fmt.Errorf("consensus: add voter: %w", f.Error())
	}
	return nil
}

// Leave removes a departing agent from the membership configuration.
func (n *Node) Leave(nodeID string) error {
	if !n.IsLeader() {
		return &NotLeaderError{Hint: n.leaderHintID()}
	}
	if f := n.Raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second); f.Error() != nil {
		return fmt.Errorf("consensus: remove server: %w", f.Error())
	}
	n.registry.Delete(nodeID)
	return nil
}

// Shutdown releases the raft instance and its transport.
func (n *Node) Shutdown() error {
	if f := n.Raft.Shutdown(); f.Error() != nil {
		return f.Error()
	}
	return n.trans.Close()
}
