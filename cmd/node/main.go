package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hexwar/internal/capture"
	"hexwar/internal/combat"
	"hexwar/internal/config"
	"hexwar/internal/consensus"
	"hexwar/internal/eventlog"
	"hexwar/internal/events"
	"hexwar/internal/finisher"
	"hexwar/internal/hexgrid"
	"hexwar/internal/ids"
	"hexwar/internal/provision"
	"hexwar/internal/registry"
	"hexwar/internal/state"
	transporthttp "hexwar/internal/transport/http"
)

func main() {
	var (
		configPath = flag.String("config", "./config.yaml", "path to agent config YAML")
		bootstrap  = flag.Bool("bootstrap", false, "bootstrap a new raft cluster as this game's first agent")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.NodeID == "" {
		// No fixed operator-assigned identity in the config file: mint a
		// fresh raft server ID for this process lifetime (spec.md §4.1
		// membership handshake needs a unique ID per joining agent, not a
		// stable one across restarts, since restart persistence is a
		// Non-goal).
		cfg.NodeID = ids.NewNodeID()
	}

	logger := log.New(os.Stdout, "["+cfg.NodeID+"] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signalContext()
	defer cancel()

	store := state.New()
	node, err := consensus.New(consensus.Config{
		NodeID:    cfg.NodeID,
		BindAddr:  cfg.BindAddr,
		DataDir:   cfg.DataDir,
		Bootstrap: *bootstrap,
	}, store)
	if err != nil {
		logger.Fatalf("consensus: %v", err)
	}
	defer func() {
		if err := node.Shutdown(); err != nil {
			logger.Printf("consensus shutdown: %v", err)
		}
	}()

	if cfg.RegistryURL != "" {
		reg, err := registry.New(cfg.RegistryURL)
		if err != nil {
			logger.Fatalf("registry: %v", err)
		}
		peer, err := reg.Register(ctx, cfg.NodeID, cfg.BindAddr, cfg.GameID)
		if err != nil {
			logger.Printf("registry: register: %v", err)
		} else if peer != nil {
			// Advisory only (spec.md §6 "the core treats it as advisory"):
			// admitting this agent into the raft configuration is the
			// existing leader's job (AddNonvoter must be called against
			// it), not something this process can do to itself.
			logger.Printf("registry: discovered existing peer %s at %s; ask it to join this agent", peer.AgentID, peer.Endpoint)
		}
	}

	spawner, err := provision.NewSpawnerClient(cfg.SpawnerURL)
	if err != nil {
		logger.Fatalf("provision: %v", err)
	}
	bridge := provision.New(node, spawner, cfg.GameID, logger)
	sink := finisher.NewSink(logger)

	coordinator := finisher.New(fsmSubscription{node.FSM}, store, logger, cfg.FinisherFloodDuration())
	go coordinator.Run(ctx)

	audit := eventlog.NewAuditMirror(filepath.Join(cfg.DataDir, "audit"))
	defer audit.Close()
	go mirrorAppliedEvents(ctx, node.FSM, audit, logger)

	captureCtl := capture.New(node, store, logger, cfg.OverloadThreshold, cfg.OverloadDuration(), cfg.CaptureTickPeriod())
	go captureCtl.Run(ctx)

	if !cfg.ControlEndpoint {
		self := hexgrid.Coord{Q: cfg.CoordQ, R: cfg.CoordR}
		recv, err := combat.Listen(cfg.CombatAddr, logger, cfg.AckInterval())
		if err != nil {
			logger.Fatalf("combat: listen %s: %v", cfg.CombatAddr, err)
		}
		defer recv.Close()

		go combat.SelfReporter(ctx, recv, logger, cfg.MetricsReportInterval(), func(r combat.Report) {
			env, err := events.Encode(events.KindMetricsReport, events.MetricsReport{
				NodeCoord:   self,
				BandwidthIn: r.BandwidthIn,
				PacketLoss:  r.PacketLoss,
				TS:          time.Now().UnixMilli(),
			})
			if err != nil {
				logger.Printf("combat: encode self-report: %v", err)
				return
			}
			if _, err := node.Append(env); err != nil {
				// Only the leader's fold feeds the capture controller;
				// a follower's self-report is simply dropped and retried
				// next interval (spec.md §7 "not-leader... never fatal").
				logger.Printf("combat: append self-report: %v", err)
			}
		})

		go runAttackLoop(ctx, self, store, logger, cfg.AckInterval())
	}

	srv := transporthttp.NewServer(node, store, bridge, sink, cfg.GameID, cfg.UpdatesStreamInterval(), logger)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = httpSrv.Shutdown(sctx)
		_ = bridge.StopAll(sctx)
	}()

	logger.Printf("listening on %s (raft %s, combat %s)", cfg.HTTPAddr, cfg.BindAddr, cfg.CombatAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// fsmSubscription adapts consensus.FSM's Subscribe to finisher.Subscription
// so finisher never imports consensus directly.
type fsmSubscription struct {
	fsm *consensus.FSM
}

func (s fsmSubscription) Subscribe() <-chan finisher.Applied {
	in := s.fsm.Subscribe()
	out := make(chan finisher.Applied, 64)
	go func() {
		defer close(out)
		for a := range in {
			out <- finisher.Applied{Index: a.Index, Event: a.Event}
		}
	}()
	return out
}

// mirrorAppliedEvents drains the FSM's applied-event feed to a local
// compressed JSONL file, purely for operator postmortem (never read back
// into authoritative state). A mirror write failure is logged and never
// affects the running agent.
func mirrorAppliedEvents(ctx context.Context, fsm *consensus.FSM, audit *eventlog.AuditMirror, logger *log.Logger) {
	ch := fsm.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			err := audit.Write(eventlog.Entry{
				Index:      a.Index,
				Kind:       string(a.Event.Kind),
				Body:       a.Event.Body,
				MirroredAt: time.Now(),
			})
			if err != nil {
				logger.Printf("eventlog: mirror write: %v", err)
			}
		}
	}
}

// attackPollInterval bounds how quickly this node reacts to its own
// SetNodeTarget changing; it is an implementation poll, not a spec.md
// constant, so it is kept well under the 1s capture tick.
const attackPollInterval = 200 * time.Millisecond

// runAttackLoop keeps at most one combat.Sender running, aimed at this
// node's current target, for as long as that target has a ready endpoint
// (spec.md §4.2 rule 4 "placeholder nodes... have no outbound attack
// traffic"). It restarts the Sender whenever the target or its endpoint
// changes and stops it outright when the target clears.
func runAttackLoop(ctx context.Context, self hexgrid.Coord, store *state.Store, logger *log.Logger, ackInterval time.Duration) {
	ticker := time.NewTicker(attackPollInterval)
	defer ticker.Stop()

	var current *combat.Sender
	var currentEndpoint string
	stop := func() {
		if current != nil {
			current.Stop()
			current = nil
			currentEndpoint = ""
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := store.Snapshot()
		me, ok := snap.Nodes[self]
		if !ok || me.Target.Kind != events.TargetHex || me.Target.Hex == nil {
			stop()
			continue
		}
		target, ok := snap.Nodes[*me.Target.Hex]
		if !ok || !target.Ready || target.Endpoint == "" {
			stop()
			continue
		}
		if target.Endpoint == currentEndpoint {
			continue
		}

		stop()
		sender, err := combat.Start(ctx, target.Endpoint, logger, ackInterval)
		if err != nil {
			logger.Printf("combat: start sender at %v -> %s: %v", self, target.Endpoint, err)
			continue
		}
		current = sender
		currentEndpoint = target.Endpoint
		logger.Printf("combat: %v now flooding %v (%s)", self, *me.Target.Hex, target.Endpoint)
	}
}
