// Package provision implements the lazy provisioning bridge of spec.md
// §4.5: when an attack names an unowned hex with no Node entry at all, the
// submitting agent appends NodeInitStarted, asks the external task-spawner
// collaborator for a new agent at that coordinate, and on permanent failure
// compensates with SetNodeTarget{target:None} and surfaces E_PROVISION_FAILED.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NodeKind mirrors events.NodeKind without importing it, since the spawner
// protocol is an external boundary that speaks its own small JSON schema
// (spec.md §6 "spawn(kind: Regular|Capital, ...)").
type NodeKind string

const (
	KindRegular NodeKind = "REGULAR"
	KindCapital NodeKind = "CAPITAL"
)

// SpawnRequest is the body of a call to the collaborator's spawn operation.
type SpawnRequest struct {
	Kind          NodeKind `json:"kind"`
	GameID        string   `json:"game_id"`
	OwnerID       uint64   `json:"owner_id"`
	IntendedCoord *Coord   `json:"intended_coord,omitempty"`
}

// Coord avoids importing hexgrid so this package's wire contract stays
// self-contained; callers convert at the boundary.
type Coord struct {
	Q int `json:"q"`
	R int `json:"r"`
}

// SpawnResponse is the collaborator's reply: where the new agent can be
// reached once it comes up.
type SpawnResponse struct {
	Endpoint string `json:"endpoint"`
}

// SpawnerClient is a small JSON/HTTP client for the external task-spawner
// collaborator of spec.md §6, grounded on internal/persistence/r2s3.Client's
// shape: a typed constructor validating required fields, a capped-timeout
// *http.Client, and explicit context-carrying methods — adapted from an
// S3-signing object client to an unauthenticated JSON RPC client.
type SpawnerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewSpawnerClient validates baseURL and returns a client capped at a 10s
// request timeout, matching the spawner's "best-effort with bounded retry"
// contract (spec.md §4.5 rule 2) — retries live in Bridge.spawnWithRetry,
// not in the transport.
func NewSpawnerClient(baseURL string) (*SpawnerClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("provision: spawner base URL is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("provision: spawner base URL must be http(s): %s", baseURL)
	}
	return &SpawnerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Spawn requests one new agent tagged with gameID, owned by ownerID, at the
// desired coordinate (spec.md §4.5 rule 2 / §6).
func (c *SpawnerClient) Spawn(ctx context.Context, req SpawnRequest) (SpawnResponse, error) {
	var out SpawnResponse
	err := c.call(ctx, "/spawn", req, &out)
	return out, err
}

// StopAll invokes stop_all(game_id) (spec.md §6). Its only caller is
// Bridge.StopAll.
func (c *SpawnerClient) StopAll(ctx context.Context, gameID string) error {
	return c.call(ctx, "/stop_all", struct {
		GameID string `json:"game_id"`
	}{GameID: gameID}, nil)
}

func (c *SpawnerClient) call(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("provision: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return fmt.Errorf("provision: spawner %s returned status=%d body=%s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
