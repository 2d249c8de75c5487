package events

import "encoding/json"

// Apply folds a single committed event into state, implementing spec.md
// §4.2 rules 1-7. It is a pure function: event timestamps are data only and
// never influence which branch is taken (the determinism requirement in
// §4.2 and the Determinism law in §8). Apply never mutates its input; it
// returns a new State built from a Clone.
//
// An event the state machine cannot interpret (malformed body, unknown
// kind) is a determinism violation per spec.md §7 and is reported via the
// returned error; the caller (internal/consensus's FSM) must treat any
// non-nil error as fatal rather than silently diverge from peers.
func Apply(s State, env Envelope) (State, error) {
	next := s.Clone()

	if next.GameOver {
		// Rule 7: terminal, further events are ignored.
		return next, nil
	}

	switch env.Kind {
	case KindPlayerJoin:
		var e PlayerJoin
		if err := json.Unmarshal(env.Body, &e); err != nil {
			return s, err
		}
		applyPlayerJoin(&next, e)

	case KindSetNodeTarget:
		var e SetNodeTarget
		if err := json.Unmarshal(env.Body, &e); err != nil {
			return s, err
		}
		applySetNodeTarget(&next, e)

	case KindMetricsReport:
		var e MetricsReport
		if err := json.Unmarshal(env.Body, &e); err != nil {
			return s, err
		}
		next.Metrics[e.NodeCoord] = NodeMetrics{
			BandwidthIn: e.BandwidthIn,
			PacketLoss:  e.PacketLoss,
			ReportedAt:  e.TS,
		}

	case KindNodeInitStarted:
		var e NodeInitStarted
		if err := json.Unmarshal(env.Body, &e); err != nil {
			return s, err
		}
		applyNodeInitStarted(&next, e)

	case KindNodeInitComplete:
		var e NodeInitComplete
		if err := json.Unmarshal(env.Body, &e); err != nil {
			return s, err
		}
		applyNodeInitComplete(&next, e)

	case KindNodeCaptured:
		var e NodeCaptured
		if err := json.Unmarshal(env.Body, &e); err != nil {
			return s, err
		}
		applyNodeCaptured(&next, e)

	case KindGameOver:
		var e GameOver
		if err := json.Unmarshal(env.Body, &e); err != nil {
			return s, err
		}
		next.GameOver = true
		next.WinnerID = e.WinnerID

	default:
		return s, unknownKindError(env.Kind)
	}

	return next, nil
}

// applyPlayerJoin implements rule 1: creates the Player and, when
// IsControlEndpoint is set, a Capital Node at capital_coord owned by
// player_id. Duplicate player_id is a no-op.
func applyPlayerJoin(s *State, e PlayerJoin) {
	if _, exists := s.Players[e.PlayerID]; exists {
		return
	}
	s.Players[e.PlayerID] = Player{
		PlayerID:        e.PlayerID,
		Name:            e.Name,
		CapitalCoord:    e.CapitalCoord,
		Alive:           true,
		ControlEndpoint: e.Endpoint,
	}
	if e.IsControlEndpoint {
		s.Nodes[e.CapitalCoord] = Node{
			Coord:   e.CapitalCoord,
			OwnerID: e.PlayerID,
			Kind:    KindCapital,
			Ready:   true,
		}
	}
}

// applySetNodeTarget implements rule 2: writes target iff the node exists
// and is owned by a living player. Adjacency/ownership legality of the
// *caller's intent* is checked by the command surface before append, not
// here — the state machine accepts blindly so replay stays deterministic
// even if a future submitter's validation logic changes.
func applySetNodeTarget(s *State, e SetNodeTarget) {
	n, ok := s.Nodes[e.NodeCoord]
	if !ok || n.OwnerID == 0 {
		return
	}
	owner, ok := s.Players[n.OwnerID]
	if !ok || !owner.Alive {
		return
	}
	n.Target = e.Target
	n.TargetSetAt = e.TS
	s.Nodes[e.NodeCoord] = n
}

// applyNodeInitStarted implements rule 4: inserts a not-ready placeholder
// iff the coordinate is currently unowned (no entry at all, per spec.md
// §4.5: "no Node entry, not even a ready=false placeholder").
func applyNodeInitStarted(s *State, e NodeInitStarted) {
	if _, exists := s.Nodes[e.NodeCoord]; exists {
		return
	}
	s.Nodes[e.NodeCoord] = Node{
		Coord:   e.NodeCoord,
		OwnerID: e.OwnerID,
		Kind:    KindRegular,
		Ready:   false,
	}
}

// applyNodeInitComplete implements rule 5: fills endpoint and sets
// ready=true iff a placeholder exists.
func applyNodeInitComplete(s *State, e NodeInitComplete) {
	n, ok := s.Nodes[e.NodeCoord]
	if !ok {
		return
	}
	n.Endpoint = e.Endpoint
	n.Ready = true
	s.Nodes[e.NodeCoord] = n
}

// applyNodeCaptured implements rule 6: ownership transfer, plus — if the
// captured node was the previous owner's capital — demotion to Regular and
// the previous owner's Alive flag going false. This is a single applied
// step; §8's "Capture atomicity" law means no caller ever observes a
// half-applied capture.
func applyNodeCaptured(s *State, e NodeCaptured) {
	n, ok := s.Nodes[e.NodeCoord]
	if !ok {
		return
	}
	prevOwnerID := n.OwnerID
	n.OwnerID = e.NewOwnerID

	if prevOwner, ok := s.Players[prevOwnerID]; ok && prevOwner.CapitalCoord == e.NodeCoord && n.Kind == KindCapital {
		n.Kind = KindRegular
		prevOwner.Alive = false
		s.Players[prevOwnerID] = prevOwner
	}
	s.Nodes[e.NodeCoord] = n
}

type unknownKindError Kind

func (e unknownKindError) Error() string {
	return "events: unknown event kind " + string(e)
}
