package combat

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// ReportInterval is spec.md §4.3's default self-metrics cadence;
// SelfReporter takes it as an explicit parameter so a process can override
// it via config.Config.
const ReportInterval = 5 * time.Second

// Report is one interval's self-measured figures, ready to be wrapped in
// an events.MetricsReport and appended to the log by the caller (kept
// decoupled from the events package so combat has no dependency on
// consensus/events wiring).
type Report struct {
	BandwidthIn uint64
	PacketLoss  float32
}

// String renders a human-readable line for operator logs, using
// go-humanize the way the teacher corpus's dependency set anticipates
// (internal/sim/world and internal/sim/tuning carry go-humanize as an
// indirect dependency; this is where it actually gets exercised directly).
func (r Report) String() string {
	return humanize.Bytes(r.BandwidthIn) + "/s, loss=" + humanizePercent(r.PacketLoss)
}

func humanizePercent(f float32) string {
	return humanize.FormatFloat("#.#", float64(f)*100) + "%"
}

// SelfReporter runs the defender-canonical metrics loop of spec.md §4.3:
// every ReportInterval, compute bandwidth_in from the Receiver's
// interval byte count and packet_loss from
// 1 - (received_this_interval / expected_this_interval), where
// expected_this_interval is how far the receiver's own HighestSeqSeen
// (the value carried in the ACKs it issues) advanced since the previous
// report.
//
// The Open Question in spec.md §9 ("which side is canonical") is resolved
// here in favor of the defender, per SPEC_FULL.md's DESIGN.md entry.
func SelfReporter(ctx context.Context, recv *Receiver, logger *log.Logger, reportInterval time.Duration, emit func(Report)) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	var lastHighestSeq uint64
	var lastTotalReceived uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		bandwidth := recv.ConsumeIntervalBandwidth()
		hi := recv.HighestSeqSeen()
		total := recv.TotalPacketsReceived()

		expected := hi - lastHighestSeq
		received := total - lastTotalReceived
		lastHighestSeq, lastTotalReceived = hi, total

		var loss float32
		if expected == 0 {
			// No attacker observed this interval: report zero loss rather
			// than a division artifact — there is nothing being overloaded.
			loss = 0
		} else {
			l := 1 - float64(received)/float64(expected)
			if l < 0 {
				l = 0
			}
			if l > 1 {
				l = 1
			}
			loss = float32(l)
		}

		r := Report{BandwidthIn: bandwidth / uint64(reportInterval/time.Second), PacketLoss: loss}
		logger.Printf("combat: self-report %s", r)
		emit(r)
	}
}
