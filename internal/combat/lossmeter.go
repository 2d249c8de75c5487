package combat

import (
	"sync"
	"time"
)

// LossMeter tracks (sent, acked, last_ack_time) for one attacker/defender
// episode and derives the instantaneous loss ratio (spec.md §4.3).
type LossMeter struct {
	mu          sync.Mutex
	sent        uint64
	acked       uint64
	lastAckTime time.Time
	haveAck     bool
	graceWindow time.Duration
}

// NewLossMeter builds a meter whose staleness grace period is
// ackInterval*GraceMultiple, matching the episode's actual ACK cadence.
func NewLossMeter(ackInterval time.Duration) *LossMeter {
	return &LossMeter{graceWindow: ackInterval * GraceMultiple}
}

// SetSent records the monotone sent counter. Per spec.md §8's "Monotone
// sent/acked" law, sent must never decrease within one episode; this is
// enforced by only ever being called with the sender's own incrementing
// counter.
func (m *LossMeter) SetSent(sent uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sent > m.sent {
		m.sent = sent
	}
}

// ObserveAck folds in an ACK payload: acked takes the monotone max of its
// current value and the ACK's total_packets_received, per spec.md §4.3.
func (m *LossMeter) ObserveAck(highestSeqSeen, totalPacketsReceived uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if totalPacketsReceived > m.acked {
		m.acked = totalPacketsReceived
	}
	m.lastAckTime = time.Now()
	m.haveAck = true
}

// Loss returns the instantaneous loss ratio: max(0, (sent-acked)/max(1,sent)),
// or 1.0 if no ACK has arrived within the grace period (spec.md §4.3).
func (m *LossMeter) Loss() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveAck || time.Since(m.lastAckTime) >= m.graceWindow {
		return 1.0
	}
	denom := m.sent
	if denom < 1 {
		denom = 1
	}
	diff := int64(m.sent) - int64(m.acked)
	if diff < 0 {
		diff = 0
	}
	return float32(diff) / float32(denom)
}

// SentAcked returns the raw counters, for diagnostics and the "monotone
// sent/acked" law's tests.
func (m *LossMeter) SentAcked() (sent, acked uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.acked
}
