package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hexwar/internal/errkind"
	"hexwar/internal/events"
	"hexwar/internal/finisher"
	"hexwar/internal/hexgrid"
	"hexwar/internal/provision"
)

type fakeAppender struct {
	leader  bool
	applied []events.Envelope
	term    uint64
	index   uint64
}

func (f *fakeAppender) Append(env events.Envelope) (uint64, error) {
	if !f.leader {
		return 0, &leaderErr{}
	}
	f.applied = append(f.applied, env)
	f.index++
	return f.index, nil
}
func (f *fakeAppender) IsLeader() bool             { return f.leader }
func (f *fakeAppender) LeaderHint() (string, bool) { return "node-2", true }
func (f *fakeAppender) CurrentTerm() uint64        { return f.term }
func (f *fakeAppender) AppliedIndex() uint64       { return f.index }

type leaderErr struct{}

func (e *leaderErr) Error() string { return "not leader" }

type fakeState struct{ snap events.State }

func (f *fakeState) Snapshot() events.State { return f.snap }

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestServer(t *testing.T, appender *fakeAppender, state *fakeState) *Server {
	t.Helper()
	spawnSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(provision.SpawnResponse{Endpoint: "10.0.0.9:7300"})
	}))
	t.Cleanup(spawnSrv.Close)
	spawner, err := provision.NewSpawnerClient(spawnSrv.URL)
	if err != nil {
		t.Fatalf("provision.NewSpawnerClient: %v", err)
	}
	bridge := provision.New(appender, spawner, "game-1", testLogger())
	sink := finisher.NewSink(testLogger())
	return NewServer(appender, state, bridge, sink, "game-1", 2*time.Second, testLogger())
}

func TestJoinCreatesPlayerAndCapital(t *testing.T) {
	app := &fakeAppender{leader: true}
	st := &fakeState{snap: events.NewState()}
	s := newTestServer(t, app, st)

	body, _ := json.Marshal(map[string]string{"name": "alice", "game_id": "game-1"})
	req := httptest.NewRequest(http.MethodPost, "/join", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(app.applied) != 1 || app.applied[0].Kind != events.KindPlayerJoin {
		t.Fatalf("expected one PlayerJoin, got %+v", app.applied)
	}
}

func TestJoinRejectsUnknownGameID(t *testing.T) {
	app := &fakeAppender{leader: true}
	st := &fakeState{snap: events.NewState()}
	s := newTestServer(t, app, st)

	body, _ := json.Marshal(map[string]string{"name": "alice", "game_id": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/join", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAttackRejectsNonAdjacentTarget(t *testing.T) {
	app := &fakeAppender{leader: true}
	snap := events.NewState()
	capital := hexgrid.Coord{Q: 0, R: 0}
	snap.Players[1] = events.Player{PlayerID: 1, Alive: true, CapitalCoord: capital}
	snap.Nodes[capital] = events.Node{Coord: capital, OwnerID: 1, Kind: events.KindCapital, Ready: true}
	st := &fakeState{snap: snap}
	s := newTestServer(t, app, st)

	body, _ := json.Marshal(map[string]any{"player_id": 1, "to": map[string]int{"q": 9, "r": 9}})
	req := httptest.NewRequest(http.MethodPost, "/attack", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-adjacent target, got %d", rec.Code)
	}
	var kerr errkind.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &kerr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if kerr.Code != errkind.IllegalCommand {
		t.Fatalf("expected E_ILLEGAL_COMMAND, got %s", kerr.Code)
	}
}

func TestAttackOnEmptyAdjacentHexTriggersProvisioning(t *testing.T) {
	app := &fakeAppender{leader: true}
	snap := events.NewState()
	capital := hexgrid.Coord{Q: 0, R: 0}
	target := hexgrid.Coord{Q: 1, R: 0}
	snap.Players[1] = events.Player{PlayerID: 1, Alive: true, CapitalCoord: capital}
	snap.Nodes[capital] = events.Node{Coord: capital, OwnerID: 1, Kind: events.KindCapital, Ready: true}
	st := &fakeState{snap: snap}
	s := newTestServer(t, app, st)

	body, _ := json.Marshal(map[string]any{"player_id": 1, "to": map[string]int{"q": target.Q, "r": target.R}})
	req := httptest.NewRequest(http.MethodPost, "/attack", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	var kinds []events.Kind
	for _, e := range app.applied {
		kinds = append(kinds, e.Kind)
	}
	want := []events.Kind{events.KindSetNodeTarget, events.KindNodeInitStarted, events.KindNodeInitComplete}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
}

func TestAttackRejectsNonOwnerOfFrom(t *testing.T) {
	app := &fakeAppender{leader: true}
	snap := events.NewState()
	capital := hexgrid.Coord{Q: 0, R: 0}
	snap.Players[1] = events.Player{PlayerID: 1, Alive: true, CapitalCoord: capital}
	snap.Nodes[capital] = events.Node{Coord: capital, OwnerID: 2, Kind: events.KindCapital, Ready: true}
	st := &fakeState{snap: snap}
	s := newTestServer(t, app, st)

	body, _ := json.Marshal(map[string]any{"player_id": 1, "to": map[string]int{"q": 1, "r": 0}})
	req := httptest.NewRequest(http.MethodPost, "/attack", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestStatusReportsLeaderState(t *testing.T) {
	app := &fakeAppender{leader: false, term: 3, index: 7}
	st := &fakeState{snap: events.NewState()}
	s := newTestServer(t, app, st)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	var out struct {
		IsLeader     bool   `json:"is_leader"`
		LeaderHint   string `json:"leader_hint"`
		CurrentTerm  uint64 `json:"current_term"`
		AppliedIndex uint64 `json:"applied_index"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.IsLeader || out.LeaderHint != "node-2" || out.CurrentTerm != 3 || out.AppliedIndex != 7 {
		t.Fatalf("unexpected status body: %+v", out)
	}
}

func TestUpdatesStreamsDeltasOverWebsocket(t *testing.T) {
	app := &fakeAppender{leader: true}
	st := &fakeState{snap: events.NewState()}
	s := newTestServer(t, app, st)
	s.updatesInterval = 20 * time.Millisecond

	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/updates"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var delta updateDelta
	if err := json.Unmarshal(msg, &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if delta.LatestEventSummary != "RUNNING" {
		t.Fatalf("expected RUNNING summary, got %q", delta.LatestEventSummary)
	}
}
