package state

import (
	"sync"
	"testing"

	"hexwar/internal/events"
	"hexwar/internal/hexgrid"
)

func TestAdvanceSetsLastApplied(t *testing.T) {
	s := New()
	env, err := events.Encode(events.KindPlayerJoin, events.PlayerJoin{
		PlayerID: 1, CapitalCoord: hexgrid.Coord{Q: 0, R: 0}, IsControlEndpoint: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	next, err := s.Advance(7, env)
	if err != nil {
		t.Fatal(err)
	}
	if next.LastApplied != 7 {
		t.Fatalf("LastApplied = %d, want 7", next.LastApplied)
	}
	if s.Snapshot().LastApplied != 7 {
		t.Fatalf("Snapshot not updated after Advance")
	}
}

func TestSnapshotNeverPartial(t *testing.T) {
	// Concurrent readers must only ever observe a state with a consistent
	// player/capital pairing, never a torn write (spec.md §5).
	s := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			select {
			case <-stop:
				return
			default:
			}
			snap := s.Snapshot()
			for _, n := range snap.Nodes {
				if n.Kind != events.KindCapital {
					continue
				}
				if _, ok := snap.Players[n.OwnerID]; !ok {
					t.Errorf("observed capital %v with no owning player in same snapshot", n.Coord)
				}
			}
		}
	}()

	for i := uint64(1); i <= 20; i++ {
		env, _ := events.Encode(events.KindPlayerJoin, events.PlayerJoin{
			PlayerID: i, CapitalCoord: hexgrid.Coord{Q: int(i), R: 0}, IsControlEndpoint: true,
		})
		if _, err := s.Advance(i, env); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
}
