package provision

import (
	"context"
	"log"
	"time"

	"hexwar/internal/errkind"
	"hexwar/internal/events"
	"hexwar/internal/hexgrid"
	"hexwar/internal/ids"
)

// MaxAttempts and RetryBackoff bound the "best-effort with bounded retry"
// call to the spawner (spec.md §4.5 rule 2).
const (
	MaxAttempts  = 3
	RetryBackoff = 500 * time.Millisecond
)

// Appender is the subset of consensus.Node the bridge needs.
type Appender interface {
	Append(env events.Envelope) (uint64, error)
}

// Bridge drives the lazy-provisioning sequence: NodeInitStarted, spawn with
// retry, and on permanent failure a compensating SetNodeTarget{None} plus a
// surfaced *errkind.Error.
type Bridge struct {
	appender Appender
	spawner  *SpawnerClient
	gameID   string
	log      *log.Logger
}

func New(appender Appender, spawner *SpawnerClient, gameID string, logger *log.Logger) *Bridge {
	return &Bridge{appender: appender, spawner: spawner, gameID: gameID, log: logger}
}

// ProvisionRegular implements spec.md §4.5: called by the command surface
// when a SetNodeTarget names a hex with no Node entry whatsoever. attacker
// is the node that will begin flooding once ready; target is the empty hex;
// ownerID is the attacker's owning player, who will own the new node once
// it completes init.
func (b *Bridge) ProvisionRegular(ctx context.Context, attacker, target hexgrid.Coord, ownerID uint64) error {
	env, err := events.Encode(events.KindNodeInitStarted, events.NodeInitStarted{
		NodeCoord: target,
		OwnerID:   ownerID,
		TS:        time.Now().UnixMilli(),
	})
	if err != nil {
		return errkind.New(errkind.Internal, err.Error())
	}
	if _, err := b.appender.Append(env); err != nil {
		return errkind.New(errkind.NotLeader, err.Error())
	}

	endpoint, err := b.spawnWithRetry(ctx, SpawnRequest{
		Kind:          KindRegular,
		GameID:        b.gameID,
		OwnerID:       ownerID,
		IntendedCoord: &Coord{Q: target.Q, R: target.R},
	})
	if err != nil {
		b.log.Printf("provision: spawn for %v permanently failed: %v", target, err)
		b.compensate(attacker)
		return errkind.New(errkind.ProvisionFailed, err.Error())
	}

	completeEnv, err := events.Encode(events.KindNodeInitComplete, events.NodeInitComplete{
		NodeCoord: target,
		Endpoint:  endpoint,
		TS:        time.Now().UnixMilli(),
	})
	if err != nil {
		return errkind.New(errkind.Internal, err.Error())
	}
	if _, err := b.appender.Append(completeEnv); err != nil {
		// Leadership may have turned over between the spawn call and now;
		// the new leader never asked for this spawn and has no knowledge
		// of it. Nothing more we can do here — the placeholder stays
		// not-ready forever for this target, matching the "silently
		// no-op until ready=true" rule in spec.md §4.5.
		b.log.Printf("provision: append NodeInitComplete for %v: %v", target, err)
		return errkind.New(errkind.NotLeader, err.Error())
	}
	return nil
}

// ProvisionCapital requests a capital agent at join time (spec.md §6
// "The core invokes spawn during join (for capitals)"). It does not go
// through the NodeInitStarted/NodeInitComplete placeholder dance: the
// capital's Node entry is created synchronously by applyPlayerJoin, so this
// is purely the external side-effect of getting the agent running.
func (b *Bridge) ProvisionCapital(ctx context.Context, coord hexgrid.Coord, ownerID uint64) (string, error) {
	endpoint, err := b.spawnWithRetry(ctx, SpawnRequest{
		Kind:          KindCapital,
		GameID:        b.gameID,
		OwnerID:       ownerID,
		IntendedCoord: &Coord{Q: coord.Q, R: coord.R},
	})
	if err != nil {
		return "", errkind.New(errkind.ProvisionFailed, err.Error())
	}
	return endpoint, nil
}

// StopAll invokes stop_all(game_id) (spec.md §6). cmd/node calls it once,
// during process shutdown; nothing calls it when a GameOver is applied.
func (b *Bridge) StopAll(ctx context.Context) error {
	if err := b.spawner.StopAll(ctx, b.gameID); err != nil {
		return errkind.New(errkind.ProvisionFailed, err.Error())
	}
	return nil
}

func (b *Bridge) spawnWithRetry(ctx context.Context, req SpawnRequest) (string, error) {
	// Tags every attempt of this spawn call end to end for log correlation
	// only; it is never part of replicated state.
	correlationID := ids.NewCorrelationID()

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		resp, err := b.spawner.Spawn(ctx, req)
		if err == nil {
			b.log.Printf("provision[%s]: spawn succeeded on attempt %d/%d", correlationID, attempt, MaxAttempts)
			return resp.Endpoint, nil
		}
		lastErr = err
		b.log.Printf("provision[%s]: spawn attempt %d/%d failed: %v", correlationID, attempt, MaxAttempts, err)
		if attempt < MaxAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(RetryBackoff):
			}
		}
	}
	return "", lastErr
}

func (b *Bridge) compensate(attacker hexgrid.Coord) {
	env, err := events.Encode(events.KindSetNodeTarget, events.SetNodeTarget{
		NodeCoord: attacker,
		Target:    events.Target{Kind: events.TargetNone},
		TS:        time.Now().UnixMilli(),
	})
	if err != nil {
		b.log.Printf("provision: encode compensating SetNodeTarget for %v: %v", attacker, err)
		return
	}
	if _, err := b.appender.Append(env); err != nil {
		b.log.Printf("provision: append compensating SetNodeTarget for %v: %v", attacker, err)
	}
}
