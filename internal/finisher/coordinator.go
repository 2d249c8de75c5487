package finisher

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hexwar/internal/events"
	"hexwar/internal/hexgrid"
)

// FloodDuration is spec.md §4.6 rule 2's default per-stream wall-clock
// flood window; New takes it as an explicit parameter so a process can
// override it via config.Config.
const FloodDuration = 10 * time.Second

// Subscription is the subset of consensus.FSM the coordinator needs: a feed
// of every committed event in apply order.
type Subscription interface {
	Subscribe() <-chan Applied
}

// Applied mirrors consensus.Applied without importing the consensus
// package, keeping finisher's dependency graph a leaf.
type Applied struct {
	Index uint64
	Event events.Envelope
}

// StateReader is the subset of state.Store the coordinator needs to learn
// the victim's endpoint and the new owner's current nodes.
type StateReader interface {
	Snapshot() events.State
}

// Coordinator watches the committed log for capital captures and drives the
// many-to-one finishing flood of spec.md §4.6. It is idempotent per
// victim-capital-loss episode (rule 4): each NodeCoord triggers at most one
// flood wave, tracked by victim coordinate for the lifetime of the process.
type Coordinator struct {
	sub           Subscription
	state         StateReader
	log           *log.Logger
	floodDuration time.Duration

	mu     sync.Mutex
	fired  map[hexgrid.Coord]bool
	dialer *websocket.Dialer
}

func New(sub Subscription, state StateReader, logger *log.Logger, floodDuration time.Duration) *Coordinator {
	return &Coordinator{
		sub:           sub,
		state:         state,
		log:           logger,
		floodDuration: floodDuration,
		fired:         make(map[hexgrid.Coord]bool),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// Run drains the subscription until ctx is cancelled, launching a flood
// wave for each capital-capture it observes for the first time.
func (c *Coordinator) Run(ctx context.Context) {
	ch := c.sub.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			if a.Event.Kind != events.KindNodeCaptured {
				continue
			}
			var e events.NodeCaptured
			if err := json.Unmarshal(a.Event.Body, &e); err != nil {
				continue
			}
			c.maybeFire(ctx, e)
		}
	}
}

func (c *Coordinator) maybeFire(ctx context.Context, e events.NodeCaptured) {
	snap := c.state.Snapshot()
	_, ok := snap.Nodes[e.NodeCoord]
	if !ok {
		return
	}
	victim, ok := findVictimPlayer(snap, e.NodeCoord)
	if !ok || victim.Alive {
		// Not a capital capture (victim's capital coord doesn't match, or
		// the owner is still alive) — regular-node captures never trigger
		// the finishing attack (spec.md §4.6 "captured node was a capital").
		return
	}

	// A capital-capture episode is identified by the victim's capital
	// coordinate. By the time we observe this event, applyNodeCaptured has
	// already demoted the node to Regular, so we can't re-derive "was it a
	// capital" from current state alone — idempotency is keyed on the
	// event's own NodeCoord, which only ever fires once per actual capture
	// (a capital coordinate is fixed for a player's whole game, so it can't
	// be re-captured as a capital a second time).
	c.mu.Lock()
	if c.fired[e.NodeCoord] {
		c.mu.Unlock()
		return
	}
	c.fired[e.NodeCoord] = true
	c.mu.Unlock()

	attackers := nodesOwnedBy(snap, e.NewOwnerID)
	c.log.Printf("finisher: capital %v captured by player %d, launching %d-stream flood at %s",
		e.NodeCoord, e.NewOwnerID, len(attackers), victim.ControlEndpoint)

	for _, from := range attackers {
		go c.flood(ctx, from, victim.ControlEndpoint)
	}
}

func findVictimPlayer(snap events.State, capturedCoord hexgrid.Coord) (events.Player, bool) {
	for _, p := range snap.Players {
		if p.CapitalCoord == capturedCoord {
			return p, true
		}
	}
	return events.Player{}, false
}

func nodesOwnedBy(snap events.State, ownerID uint64) []hexgrid.Coord {
	var out []hexgrid.Coord
	for coord, n := range snap.Nodes {
		if n.OwnerID == ownerID && n.Ready {
			out = append(out, coord)
		}
	}
	return out
}

// flood opens one stream to endpoint and writes FrameSize frames
// continuously until FloodDuration elapses, then closes (spec.md §4.6
// rules 1-2). Transport faults are logged and the task ends; per spec.md
// §7 a finisher stream error is never fatal.
func (c *Coordinator) flood(ctx context.Context, from hexgrid.Coord, endpoint string) {
	if endpoint == "" {
		return
	}
	url := "ws://" + endpoint + "/finisher"
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.log.Printf("finisher: %v: dial %s failed: %v", from, endpoint, err)
		return
	}
	defer conn.Close()

	frame := make([]byte, FrameSize)
	deadline := time.Now().Add(c.floodDuration)
	var sent uint64
	for time.Now().Before(deadline) {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			c.log.Printf("finisher: %v: write to %s failed after %d frames: %v", from, endpoint, sent, err)
			return
		}
		sent++
	}
	c.log.Printf("finisher: %v: flood of %s complete, sent %d frames", from, endpoint, sent)
}
