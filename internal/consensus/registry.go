package consensus

import "sync"

// Registry is a local, non-replicated node_id -> address map used purely
// so the raft transport knows how to dial peers. Kept deliberately
// separate from the replicated game state.State, mirroring the original
// implementation's raft/node_registry.rs separation of raft-transport
// addressing from game state (see SPEC_FULL.md "Supplemented features").
type Registry struct {
	mu   sync.RWMutex
	addr map[string]string
}

func NewRegistry() *Registry {
	return &Registry{addr: make(map[string]string)}
}

func (r *Registry) Set(nodeID, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addr[nodeID] = address
}

func (r *Registry) Delete(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addr, nodeID)
}

func (r *Registry) Lookup(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.addr[nodeID]
	return a, ok
}
