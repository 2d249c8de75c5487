package provision

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"hexwar/internal/errkind"
	"hexwar/internal/events"
	"hexwar/internal/hexgrid"
)

type recordingAppender struct {
	applied []events.Envelope
	failing bool
}

func (r *recordingAppender) Append(env events.Envelope) (uint64, error) {
	if r.failing {
		return 0, context.DeadlineExceeded
	}
	r.applied = append(r.applied, env)
	return uint64(len(r.applied)), nil
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestProvisionRegularHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/spawn" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req SpawnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Kind != KindRegular {
			t.Fatalf("expected REGULAR kind, got %s", req.Kind)
		}
		_ = json.NewEncoder(w).Encode(SpawnResponse{Endpoint: "10.0.0.5:9000"})
	}))
	defer srv.Close()

	spawner, err := NewSpawnerClient(srv.URL)
	if err != nil {
		t.Fatalf("NewSpawnerClient: %v", err)
	}
	app := &recordingAppender{}
	b := New(app, spawner, "game-1", testLogger())

	attacker := hexgrid.Coord{Q: 0, R: 0}
	target := hexgrid.Coord{Q: 1, R: 0}
	if err := b.ProvisionRegular(context.Background(), attacker, target, 1); err != nil {
		t.Fatalf("ProvisionRegular: %v", err)
	}

	if len(app.applied) != 2 {
		t.Fatalf("expected NodeInitStarted + NodeInitComplete, got %d events", len(app.applied))
	}
	if app.applied[0].Kind != events.KindNodeInitStarted {
		t.Fatalf("expected first event NodeInitStarted, got %s", app.applied[0].Kind)
	}
	if app.applied[1].Kind != events.KindNodeInitComplete {
		t.Fatalf("expected second event NodeInitComplete, got %s", app.applied[1].Kind)
	}
	var complete events.NodeInitComplete
	if err := json.Unmarshal(app.applied[1].Body, &complete); err != nil {
		t.Fatalf("unmarshal NodeInitComplete: %v", err)
	}
	if complete.Endpoint != "10.0.0.5:9000" {
		t.Fatalf("unexpected endpoint %q", complete.Endpoint)
	}
}

func TestProvisionRegularPermanentFailureCompensates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	spawner, err := NewSpawnerClient(srv.URL)
	if err != nil {
		t.Fatalf("NewSpawnerClient: %v", err)
	}
	app := &recordingAppender{}
	b := New(app, spawner, "game-1", testLogger())

	attacker := hexgrid.Coord{Q: 0, R: 0}
	target := hexgrid.Coord{Q: 1, R: 0}
	err = b.ProvisionRegular(context.Background(), attacker, target, 1)
	if err == nil {
		t.Fatalf("expected provisioning failure")
	}
	kerr, ok := err.(*errkind.Error)
	if !ok || kerr.Code != errkind.ProvisionFailed {
		t.Fatalf("expected E_PROVISION_FAILED, got %v", err)
	}

	if len(app.applied) != 2 {
		t.Fatalf("expected NodeInitStarted + compensating SetNodeTarget, got %d events", len(app.applied))
	}
	var compensate events.SetNodeTarget
	if err := json.Unmarshal(app.applied[1].Body, &compensate); err != nil {
		t.Fatalf("unmarshal compensating event: %v", err)
	}
	if compensate.NodeCoord != attacker {
		t.Fatalf("compensating SetNodeTarget must target the attacker's own node, got %v", compensate.NodeCoord)
	}
	if compensate.Target.Kind != events.TargetNone {
		t.Fatalf("expected target cleared to None, got %v", compensate.Target.Kind)
	}
}

func TestSpawnerClientRejectsEmptyBaseURL(t *testing.T) {
	if _, err := NewSpawnerClient(""); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
	if _, err := NewSpawnerClient("not-a-url"); err == nil {
		t.Fatalf("expected error for non-http base URL")
	}
}
