// Package registry is a startup-only client for the peer-discovery
// registry collaborator of spec.md §6: advisory-only. cmd/node logs the
// peer it returns; nothing in this module calls raft.AddVoter/AddNonvoter
// with it.
package registry

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

// PeerInfo is an existing cluster member the registry hands back so a
// freshly started agent can bootstrap its raft membership against it.
type PeerInfo struct {
	AgentID  string `json:"agent_id"`
	Endpoint string `json:"endpoint"`
}

// Client is a small JSON/HTTP client, grounded on the same shape as
// provision.SpawnerClient (itself grounded on
// internal/persistence/r2s3.Client): typed constructor validating required
// fields, capped-timeout *http.Client, context-carrying methods.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("registry: base URL is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("registry: base URL must be http(s): %s", baseURL)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Register implements spec.md §6's register(agent_id, endpoint, game_id):
// returns an arbitrary existing peer of the same game, or nil if this agent
// is the first. The core treats the result as advisory only: cmd/node logs
// a returned peer, and whether an agent bootstraps a new cluster is decided
// by its -bootstrap flag, not by this response.
func (c *Client) Register(ctx context.Context, agentID, endpoint, gameID string) (*PeerInfo, error) {
	payload, err := json.Marshal(struct {
		AgentID  string `json:"agent_id"`
		Endpoint string `json:"endpoint"`
		GameID   string `json:"game_id"`
	}{agentID, endpoint, gameID})
	if err != nil {
		return nil, fmt.Errorf("registry: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("registry: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Peer *PeerInfo `json:"peer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("registry: decode response: %w", err)
	}
	return out.Peer, nil
}
