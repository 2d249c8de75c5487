// Package http is the agent-local command surface of spec.md §4.7 / §6:
// a net/http mux translating external intents (join, attack, stop-attack,
// state/status queries, a coarse update stream, and the finisher sink) into
// appended events. Ownership and adjacency preconditions are enforced here,
// never inside events.Apply, per spec.md §4.2 rule 2 and §7.
package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hexwar/internal/errkind"
	"hexwar/internal/events"
	"hexwar/internal/finisher"
	"hexwar/internal/hexgrid"
	"hexwar/internal/provision"
)

// Appender is the subset of consensus.Node the command surface needs to
// submit events and report leader status.
type Appender interface {
	Append(env events.Envelope) (uint64, error)
	IsLeader() bool
	LeaderHint() (string, bool)
	CurrentTerm() uint64
	AppliedIndex() uint64
}

// StateReader is the subset of state.Store the command surface needs.
type StateReader interface {
	Snapshot() events.State
}

// Server wires every handler of spec.md §6's command API together.
type Server struct {
	appender  Appender
	state     StateReader
	provision *provision.Bridge
	sink      *finisher.Sink
	log       *log.Logger

	gameID          string
	updatesInterval time.Duration
	nextPlayerID    atomic.Uint64

	upgrader websocket.Upgrader
}

func NewServer(appender Appender, state StateReader, bridge *provision.Bridge, sink *finisher.Sink, gameID string, updatesInterval time.Duration, logger *log.Logger) *Server {
	return &Server{
		appender:        appender,
		state:           state,
		provision:       bridge,
		sink:            sink,
		log:             logger,
		gameID:          gameID,
		updatesInterval: updatesInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mux returns the fully wired *http.ServeMux for spec.md §6's command API.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/join", s.handleJoin)
	mux.HandleFunc("/attack", s.handleAttack)
	mux.HandleFunc("/stop-attack", s.handleStopAttack)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/updates", s.handleUpdates)
	mux.HandleFunc("/finisher", s.sink.Handler())
	return mux
}

func writeError(w http.ResponseWriter, status int, code, message, leaderHint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&errkind.Error{Code: code, Message: message, Leader: leaderHint})
}

func (s *Server) writeNotLeader(w http.ResponseWriter) {
	hint, _ := s.appender.LeaderHint()
	writeError(w, http.StatusConflict, errkind.NotLeader, "this agent is not the current leader", hint)
}

// handleJoin implements POST /join: appends PlayerJoin with
// is_control_endpoint=true and triggers an external spawn of the player's
// capital (spec.md §6).
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errkind.IllegalCommand, "POST required", "")
		return
	}
	var req struct {
		Name   string `json:"name"`
		GameID string `json:"game_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errkind.IllegalCommand, err.Error(), "")
		return
	}
	if req.GameID != s.gameID {
		writeError(w, http.StatusBadRequest, errkind.IllegalCommand, "unknown game_id", "")
		return
	}

	playerID := s.nextPlayerID.Add(1)
	capitalCoord := nextCapitalCoord(s.state.Snapshot())

	endpoint, perr := s.provision.ProvisionCapital(r.Context(), capitalCoord, playerID)
	if perr != nil {
		writeError(w, http.StatusBadGateway, errkind.ProvisionFailed, perr.Error(), "")
		return
	}

	env, err := events.Encode(events.KindPlayerJoin, events.PlayerJoin{
		PlayerID:          playerID,
		Name:              req.Name,
		CapitalCoord:      capitalCoord,
		Endpoint:          endpoint,
		IsControlEndpoint: true,
		TS:                time.Now().UnixMilli(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, errkind.Internal, err.Error(), "")
		return
	}
	if _, err := s.appender.Append(env); err != nil {
		s.writeNotLeader(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		PlayerID     uint64        `json:"player_id"`
		CapitalCoord hexgrid.Coord `json:"capital_coord"`
	}{playerID, capitalCoord})
}

type coordReq struct {
	Q int `json:"q"`
	R int `json:"r"`
}

func (c coordReq) toHex() hexgrid.Coord { return hexgrid.Coord{Q: c.Q, R: c.R} }

// handleAttack implements POST /attack: validates ownership of from
// (defaults to the caller's capital) and hex-adjacency of to, then appends
// SetNodeTarget. If to names a hex with no Node entry at all, triggers
// lazy provisioning (spec.md §4.5) after the SetNodeTarget is appended.
func (s *Server) handleAttack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errkind.IllegalCommand, "POST required", "")
		return
	}
	var req struct {
		PlayerID uint64    `json:"player_id"`
		From     *coordReq `json:"from,omitempty"`
		To       coordReq  `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errkind.IllegalCommand, err.Error(), "")
		return
	}

	snap := s.state.Snapshot()
	player, ok := snap.Players[req.PlayerID]
	if !ok || !player.Alive {
		writeError(w, http.StatusForbidden, errkind.IllegalCommand, "unknown or eliminated player", "")
		return
	}

	from := player.CapitalCoord
	if req.From != nil {
		from = req.From.toHex()
	}
	fromNode, ok := snap.Nodes[from]
	if !ok || fromNode.OwnerID != req.PlayerID {
		writeError(w, http.StatusForbidden, errkind.IllegalCommand, "caller does not own the attacking node", "")
		return
	}

	to := req.To.toHex()
	if !hexgrid.IsAdjacent(from, to) {
		writeError(w, http.StatusForbidden, errkind.IllegalCommand, "target is not adjacent to the attacking node", "")
		return
	}

	_, targetExists := snap.Nodes[to]

	env, err := events.Encode(events.KindSetNodeTarget, events.SetNodeTarget{
		NodeCoord: from,
		Target:    events.Target{Kind: events.TargetHex, Hex: &to},
		TS:        time.Now().UnixMilli(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, errkind.Internal, err.Error(), "")
		return
	}
	if _, err := s.appender.Append(env); err != nil {
		s.writeNotLeader(w)
		return
	}

	if !targetExists {
		if err := s.provision.ProvisionRegular(r.Context(), from, to, req.PlayerID); err != nil {
			if kerr, ok := err.(*errkind.Error); ok {
				writeError(w, http.StatusBadGateway, kerr.Code, kerr.Message, "")
				return
			}
			writeError(w, http.StatusBadGateway, errkind.ProvisionFailed, err.Error(), "")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStopAttack implements POST /stop-attack: appends
// SetNodeTarget{target:None} for the caller's node.
func (s *Server) handleStopAttack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errkind.IllegalCommand, "POST required", "")
		return
	}
	var req struct {
		PlayerID uint64   `json:"player_id"`
		From     coordReq `json:"from"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errkind.IllegalCommand, err.Error(), "")
		return
	}

	from := req.From.toHex()
	snap := s.state.Snapshot()
	fromNode, ok := snap.Nodes[from]
	if !ok || fromNode.OwnerID != req.PlayerID {
		writeError(w, http.StatusForbidden, errkind.IllegalCommand, "caller does not own this node", "")
		return
	}

	env, err := events.Encode(events.KindSetNodeTarget, events.SetNodeTarget{
		NodeCoord: from,
		Target:    events.Target{Kind: events.TargetNone},
		TS:        time.Now().UnixMilli(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, errkind.Internal, err.Error(), "")
		return
	}
	if _, err := s.appender.Append(env); err != nil {
		s.writeNotLeader(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleState implements GET /state: players, nodes (with latest metrics),
// total_events.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Players     map[uint64]events.Player           `json:"players"`
		Nodes       map[hexgrid.Coord]events.Node       `json:"nodes"`
		Metrics     map[hexgrid.Coord]events.NodeMetrics `json:"metrics"`
		TotalEvents uint64                               `json:"total_events"`
		GameOver    bool                                 `json:"game_over"`
		WinnerID    *uint64                              `json:"winner_id,omitempty"`
	}{snap.Players, snap.Nodes, snap.Metrics, snap.LastApplied, snap.GameOver, snap.WinnerID})
}

// handleStatus implements GET /status: {is_leader, leader_hint,
// current_term, applied_index}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hint, _ := s.appender.LeaderHint()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		IsLeader     bool   `json:"is_leader"`
		LeaderHint   string `json:"leader_hint"`
		CurrentTerm  uint64 `json:"current_term"`
		AppliedIndex uint64 `json:"applied_index"`
	}{s.appender.IsLeader(), hint, s.appender.CurrentTerm(), s.appender.AppliedIndex()})
}

type updateDelta struct {
	AppliedIndex      uint64 `json:"applied_index"`
	PlayersAlive      int    `json:"players_alive"`
	LatestEventSummary string `json:"latest_event_summary"`
}

func eventSummary(snap events.State) string {
	if snap.GameOver {
		return "GAME_OVER"
	}
	return "RUNNING"
}

func nextCapitalCoord(snap events.State) hexgrid.Coord {
	// No placement algorithm is specified (spec.md §6's /join body carries
	// no coordinate); this command surface picks the nearest unowned hex
	// to the origin in an outward spiral, skipping whatever the current
	// snapshot already owns.
	origin := hexgrid.Coord{Q: 0, R: 0}
	if _, occupied := snap.Nodes[origin]; !occupied {
		return origin
	}
	for radius := 1; radius < 64; radius++ {
		for _, c := range ring(origin, radius) {
			if _, occupied := snap.Nodes[c]; !occupied {
				return c
			}
		}
	}
	return origin
}

// ring returns every coordinate exactly radius steps from center in cube
// distance, walked around the six hex directions.
func ring(center hexgrid.Coord, radius int) []hexgrid.Coord {
	if radius == 0 {
		return []hexgrid.Coord{center}
	}
	// The six axial directions in rotational order, so each side of the
	// walk turns 60 degrees from the previous one.
	dirs := [6]hexgrid.Coord{{Q: 1, R: 0}, {Q: 1, R: -1}, {Q: 0, R: -1}, {Q: -1, R: 0}, {Q: -1, R: 1}, {Q: 0, R: 1}}
	cur := hexgrid.Coord{Q: center.Q + dirs[4].Q*radius, R: center.R + dirs[4].R*radius}
	out := make([]hexgrid.Coord, 0, 6*radius)
	for side := 0; side < 6; side++ {
		for step := 0; step < radius; step++ {
			out = append(out, cur)
			cur = hexgrid.Coord{Q: cur.Q + dirs[side].Q, R: cur.R + dirs[side].R}
		}
	}
	return out
}

// handleUpdates implements GET (upgrade) /updates: a websocket stream of
// coarse game-state deltas at least every updatesInterval, grounded on
// internal/transport/observer.Server.WSHandler's upgrade-then-ticker-push
// shape, stripped of that handler's SUBSCRIBE handshake and chunk-radius
// negotiation since this stream has a single fixed payload shape and no
// per-client parameters.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine: this stream is push-only, but a websocket peer that
	// sends a close frame (or drops the connection) must still unblock the
	// writer below, matching the ws.Server.Handler cancel-on-read-error
	// idiom.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(s.updatesInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := s.state.Snapshot()
		delta := updateDelta{
			AppliedIndex:       snap.LastApplied,
			PlayersAlive:       snap.AliveCount(),
			LatestEventSummary: eventSummary(snap),
		}
		b, err := json.Marshal(delta)
		if err != nil {
			s.log.Printf("http: marshal update delta: %v", err)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}
