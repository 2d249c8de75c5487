// Package capture implements the leader-only capture decision loop of
// spec.md §4.4: it watches loss reports against attacked targets and,
// once a target has been overloaded continuously for OVERLOAD_DURATION,
// appends a NodeCaptured event transferring ownership.
//
// Grounded on voxelcraft.ai's internal/sim/world.systemDirector: a
// tick-driven, deterministic periodic task reading state and deciding
// whether to emit an event, adapted from a single-threaded per-tick call
// to a standalone goroutine loop since this system's capture controller
// only runs conditionally (while is_leader()) rather than every tick of a
// single sim loop.
package capture

import (
	"context"
	"log"
	"sort"
	"time"

	"hexwar/internal/events"
	"hexwar/internal/hexgrid"
)

// OverloadThreshold, OverloadDuration and TickPeriod are spec.md §4.4's
// fixed constants, used as config.Defaults() and by tests; New takes them
// as explicit parameters so a process can override them per config.Config.
const (
	OverloadThreshold = 0.20
	OverloadDuration  = 5 * time.Second
	TickPeriod        = 1 * time.Second
)

// Appender is the subset of consensus.Node the controller needs: append an
// event while leader, and know whether it still is the leader.
type Appender interface {
	Append(env events.Envelope) (uint64, error)
	IsLeader() bool
}

// StateReader is the subset of state.Store the controller needs.
type StateReader interface {
	Snapshot() events.State
}

// Controller is leader-local, non-replicated state: an OverloadTracker
// keyed by target coordinate. It is rebuilt from scratch on every leader
// handoff (spec.md §4.4, §9 "Leader-only local state") — this is
// deliberate; do not try to persist or replicate it.
type Controller struct {
	appender Appender
	state    StateReader
	log      *log.Logger

	threshold  float64
	duration   time.Duration
	tickPeriod time.Duration

	overloadStart map[hexgrid.Coord]time.Time
}

// New builds a Controller tuned by threshold/duration/tick, which callers
// normally source from config.Config so spec.md §4.4's fixed constants
// (OverloadThreshold, OverloadDuration, TickPeriod) remain the defaults but
// stay overridable per-process.
func New(appender Appender, state StateReader, logger *log.Logger, threshold float64, duration, tick time.Duration) *Controller {
	return &Controller{
		appender:      appender,
		state:         state,
		log:           logger,
		threshold:     threshold,
		duration:      duration,
		tickPeriod:    tick,
		overloadStart: make(map[hexgrid.Coord]time.Time),
	}
}

// Run ticks every tickPeriod until ctx is cancelled. Non-leaders skip the
// body of every tick entirely (spec.md §4.4 "Non-leaders skip this loop
// entirely").
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.appender.IsLeader() {
			// A fresh leader rebuilds from scratch; dropping our tracker
			// here costs us nothing since we weren't leader a moment ago
			// either.
			c.overloadStart = make(map[hexgrid.Coord]time.Time)
			continue
		}
		c.tick(time.Now())
	}
}

func (c *Controller) tick(now time.Time) {
	snap := c.state.Snapshot()
	if snap.GameOver {
		return
	}

	// Group attackers by the target they're currently attacking (rule 1).
	attackersByTarget := map[hexgrid.Coord][]hexgrid.Coord{}
	for coord, n := range snap.Nodes {
		if n.Target.Kind != events.TargetHex || n.Target.Hex == nil {
			continue
		}
		target := *n.Target.Hex
		tn, ok := snap.Nodes[target]
		if !ok || !tn.Ready {
			continue // unfinished node: silently no-op (spec.md §4.5)
		}
		attackersByTarget[target] = append(attackersByTarget[target], coord)
	}

	for target, attackers := range attackersByTarget {
		metrics, ok := snap.Metrics[target]
		loss := float32(0)
		if ok {
			loss = metrics.PacketLoss
		}

		if loss >= float32(c.threshold) {
			if _, running := c.overloadStart[target]; !running {
				c.overloadStart[target] = now
			}
		} else {
			delete(c.overloadStart, target)
			continue
		}

		started, running := c.overloadStart[target]
		if !running {
			continue
		}

		winner := c.tieBreakWinner(target, attackers, snap)

		if now.Sub(started) >= c.duration {
			c.capture(target, winner, snap)
			delete(c.overloadStart, target)
		}
	}

	// Targets no longer being attacked by anyone lose their tracker too
	// (an attacker switching target mid-overload resets progress, per
	// spec.md §8 "Boundary cases").
	for target := range c.overloadStart {
		if len(attackersByTarget[target]) == 0 {
			delete(c.overloadStart, target)
		}
	}
}

// tieBreakWinner implements spec.md §4.4 rule 5: earliest SetNodeTarget
// timestamp for the current attack episode, then smallest coordinate
// lexicographically.
func (c *Controller) tieBreakWinner(target hexgrid.Coord, attackers []hexgrid.Coord, snap events.State) hexgrid.Coord {
	if len(attackers) == 1 {
		return attackers[0]
	}
	type candidate struct {
		coord hexgrid.Coord
		ts    int64
	}
	cands := make([]candidate, 0, len(attackers))
	for _, a := range attackers {
		cands = append(cands, candidate{coord: a, ts: snap.Nodes[a].TargetSetAt})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].ts != cands[j].ts {
			return cands[i].ts < cands[j].ts
		}
		return cands[i].coord.Less(cands[j].coord)
	})
	_ = target
	return cands[0].coord
}

func (c *Controller) capture(target, winner hexgrid.Coord, snap events.State) {
	newOwner := snap.Nodes[winner].OwnerID
	env, err := events.Encode(events.KindNodeCaptured, events.NodeCaptured{
		NodeCoord:  target,
		NewOwnerID: newOwner,
		TS:         time.Now().UnixMilli(),
	})
	if err != nil {
		c.log.Printf("capture: encode NodeCaptured: %v", err)
		return
	}
	if _, err := c.appender.Append(env); err != nil {
		// Leadership may have just changed; the new leader's controller
		// will pick this target back up on its next tick from a fresh
		// tracker, per spec.md §4.4.
		c.log.Printf("capture: append NodeCaptured for %v: %v", target, err)
		return
	}
	c.log.Printf("capture: %v captured by player %d", target, newOwner)

	c.maybeGameOver(snap, target, newOwner)
}

// maybeGameOver implements spec.md §4.4 rule 6: after any capture,
// recompute alive-player count and append GameOver if <= 1 remain. Uses
// the pre-capture snapshot to project the post-capture alive set, since
// the capture we just appended has not necessarily been folded into our
// local state yet (asynchronous replication). The check runs only here,
// right after a capture append; tick does not re-check the alive count on
// its own, so a failed GameOver append is not retried until another capture.
func (c *Controller) maybeGameOver(snap events.State, target hexgrid.Coord, newOwner uint64) {
	victimID := snap.Nodes[target].OwnerID
	aliveAfter := 0
	var sole uint64
	for id, p := range snap.Players {
		alive := p.Alive
		if id == victimID && p.CapitalCoord == target {
			alive = false
		}
		if alive {
			aliveAfter++
			sole = id
		}
	}
	if aliveAfter > 1 {
		return
	}
	var winner *uint64
	if aliveAfter == 1 {
		w := sole
		winner = &w
	}
	env, err := events.Encode(events.KindGameOver, events.GameOver{WinnerID: winner, TS: time.Now().UnixMilli()})
	if err != nil {
		c.log.Printf("capture: encode GameOver: %v", err)
		return
	}
	if _, err := c.appender.Append(env); err != nil {
		c.log.Printf("capture: append GameOver: %v", err)
	}
}
