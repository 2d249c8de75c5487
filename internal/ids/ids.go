// Package ids generates the two kinds of process-lifetime-scoped
// identifiers this system needs: raft node IDs and provisioning
// correlation IDs. Grounded on
// _examples/touka-aoi-tanzlaurel/domain/session.go's uuid.NewString() idiom.
package ids

import "github.com/google/uuid"

// NewNodeID returns a fresh raft server ID for an agent process joining a
// cluster for the first time (spec.md §4.1 membership handshake).
func NewNodeID() string {
	return uuid.NewString()
}

// NewCorrelationID tags one lazy-provisioning request end to end, from the
// spawn call through to the NodeInitComplete it eventually produces, purely
// for log correlation — it is never part of replicated state.
func NewCorrelationID() string {
	return uuid.NewString()
}
