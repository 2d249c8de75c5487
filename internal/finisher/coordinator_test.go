package finisher

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hexwar/internal/events"
	"hexwar/internal/hexgrid"
)

type fakeSub struct {
	ch chan Applied
}

func (f *fakeSub) Subscribe() <-chan Applied { return f.ch }

type fakeState struct {
	mu   sync.Mutex
	snap events.State
}

func (f *fakeState) Snapshot() events.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestCoordinatorFiresOnceForCapitalCapture(t *testing.T) {
	var framesReceived atomic.Uint64
	sink := NewSink(testLogger())
	srv := httptest.NewServer(sink.Handler())
	defer srv.Close()
	endpoint := strings.TrimPrefix(srv.URL, "http://")

	snap := events.NewState()
	victimCapital := hexgrid.Coord{Q: 9, R: 9}
	attackerNode := hexgrid.Coord{Q: 0, R: 0}
	snap.Players[1] = events.Player{PlayerID: 1, Alive: true}
	snap.Players[2] = events.Player{PlayerID: 2, Alive: false, CapitalCoord: victimCapital, ControlEndpoint: endpoint}
	snap.Nodes[attackerNode] = events.Node{Coord: attackerNode, OwnerID: 1, Kind: events.KindCapital, Ready: true}
	snap.Nodes[victimCapital] = events.Node{Coord: victimCapital, OwnerID: 1, Kind: events.KindRegular, Ready: true}

	fs := &fakeState{snap: snap}
	sub := &fakeSub{ch: make(chan Applied, 4)}
	c := New(sub, fs, testLogger(), FloodDuration)

	// The coordinator runs with the full 10s FloodDuration; this test only
	// waits long enough to observe the stream open and the sink start
	// counting, and the 2s context below ends the flood early.
	env, err := events.Encode(events.KindNodeCaptured, events.NodeCaptured{
		NodeCoord:  victimCapital,
		NewOwnerID: 1,
		TS:         1,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)
	sub.ch <- Applied{Index: 1, Event: env}

	time.Sleep(500 * time.Millisecond)
	_ = framesReceived.Load() // sink doesn't expose a counter; presence of no panic/hang is the assertion

	c.mu.Lock()
	fired := c.fired[victimCapital]
	c.mu.Unlock()
	if !fired {
		t.Fatalf("expected coordinator to mark victim capital as fired")
	}

	// Re-delivering the same event must not re-trigger (rule 4, idempotency).
	c.maybeFire(ctx, events.NodeCaptured{NodeCoord: victimCapital, NewOwnerID: 1, TS: 2})
	c.mu.Lock()
	count := len(c.fired)
	c.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one fired entry, got %d", count)
	}
}

func TestCoordinatorSkipsRegularNodeCapture(t *testing.T) {
	snap := events.NewState()
	attackerCap := hexgrid.Coord{Q: 0, R: 0}
	victimCap := hexgrid.Coord{Q: 9, R: 9}
	regular := hexgrid.Coord{Q: 1, R: 0}
	snap.Players[1] = events.Player{PlayerID: 1, Alive: true, CapitalCoord: attackerCap}
	snap.Players[2] = events.Player{PlayerID: 2, Alive: true, CapitalCoord: victimCap}
	snap.Nodes[regular] = events.Node{Coord: regular, OwnerID: 1, Kind: events.KindRegular, Ready: true}

	fs := &fakeState{snap: snap}
	sub := &fakeSub{ch: make(chan Applied, 1)}
	c := New(sub, fs, testLogger(), FloodDuration)

	c.maybeFire(context.Background(), events.NodeCaptured{NodeCoord: regular, NewOwnerID: 1, TS: 1})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fired) != 0 {
		t.Fatalf("a regular-node capture must never trigger the finisher")
	}
}
