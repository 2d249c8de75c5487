package consensus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"hexwar/internal/events"
	"hexwar/internal/hexgrid"
	"hexwar/internal/state"
)

// newSingleNodeRaft builds a one-voter raft cluster entirely in memory
// (raft.NewInmemStore / raft.NewInmemTransport), so the consensus contract
// can be exercised without binding real sockets or touching disk.
func newSingleNodeRaft(t *testing.T) (*raft.Raft, *FSM) {
	t.Helper()

	store := state.New()
	fsm := NewFSM(store)

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID("node-1")
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.CommitTimeout = 5 * time.Millisecond

	_, trans := raft.NewInmemTransport("node-1")
	logStore := raft.NewInmemStore()
	snaps := raft.NewInmemSnapshotStore()

	r, err := raft.NewRaft(cfg, fsm, logStore, logStore, snaps, trans)
	if err != nil {
		t.Fatalf("new raft: %v", err)
	}
	bootCfg := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: trans.LocalAddr()}}}
	if f := r.BootstrapCluster(bootCfg); f.Error() != nil {
		t.Fatalf("bootstrap: %v", f.Error())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == raft.Leader {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r.State() != raft.Leader {
		t.Fatalf("single node never became leader: %v", r.State())
	}

	return r, fsm
}

func TestFSMAppliesCommittedEntryAndNotifiesSubscribers(t *testing.T) {
	r, fsm := newSingleNodeRaft(t)
	defer func() { _ = r.Shutdown().Error() }()

	sub := fsm.Subscribe()

	env, err := events.Encode(events.KindPlayerJoin, events.PlayerJoin{
		PlayerID: 1, CapitalCoord: hexgrid.Coord{Q: 0, R: 0}, IsControlEndpoint: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	f := r.Apply(b, time.Second)
	if err := f.Error(); err != nil {
		t.Fatalf("apply: %v", err)
	}

	select {
	case got := <-sub:
		if got.Event.Kind != events.KindPlayerJoin {
			t.Fatalf("notified kind = %s, want PLAYER_JOIN", got.Event.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber notification")
	}

	snap := fsm.store.Snapshot()
	if _, ok := snap.Players[1]; !ok {
		t.Fatalf("player 1 not present in folded state after commit")
	}
}
