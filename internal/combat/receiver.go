package combat

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"
)

// AckInterval is spec.md §4.3's default period between receiver-emitted
// ACKs; Listen takes it as an explicit parameter so a process can override
// it via config.Config.
const AckInterval = 100 * time.Millisecond

// Receiver owns one long-lived UDP socket and answers whoever sends to it
// with periodic ACKs, regardless of who that is (spec.md §4.3, §9 "Reverse-
// connection combat"). It does not know or care about attack targets.
type Receiver struct {
	conn        *net.UDPConn
	log         *log.Logger
	ackInterval time.Duration

	mu                    sync.Mutex
	bytesReceived         uint64
	highestSeqSeen        uint64
	totalPacketsReceived  uint64
	lastSender            *net.UDPAddr
	bytesReceivedInterval uint64 // reset by the metrics reporter each interval
}

// Listen opens the fixed combat port and starts the receive loop, emitting
// ACKs every ackInterval.
func Listen(addr string, logger *log.Logger, ackInterval time.Duration) (*Receiver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	r := &Receiver{conn: conn, log: logger, ackInterval: ackInterval}
	go r.recvLoop()
	go r.ackLoop()
	return r, nil
}

func (r *Receiver) LocalAddr() net.Addr { return r.conn.LocalAddr() }

func (r *Receiver) Close() error { return r.conn.Close() }

func (r *Receiver) recvLoop() {
	buf := make([]byte, DatagramSize+64)
	for {
		n, sender, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			// Transport fault per spec.md §7: log and continue; a closed
			// socket ends the loop (the zero value here is fine since the
			// caller is tearing the Receiver down).
			if isClosed(err) {
				return
			}
			r.log.Printf("combat: receive error: %v", err)
			continue
		}
		seq, _, err := DecodeDatagram(buf[:n])
		if err != nil {
			// Not a well-formed attack datagram; UDP is unauthenticated
			// and unordered, so malformed/stray packets are simply
			// dropped (treated exactly like loss, per spec.md §7).
			continue
		}

		r.mu.Lock()
		r.bytesReceived += uint64(n)
		r.bytesReceivedInterval += uint64(n)
		r.totalPacketsReceived++
		if seq > r.highestSeqSeen {
			r.highestSeqSeen = seq
		}
		r.lastSender = sender
		r.mu.Unlock()
	}
}

func (r *Receiver) ackLoop() {
	ticker := time.NewTicker(r.ackInterval)
	defer ticker.Stop()
	for range ticker.C {
		r.mu.Lock()
		sender := r.lastSender
		hi := r.highestSeqSeen
		total := r.totalPacketsReceived
		r.mu.Unlock()

		if sender == nil {
			continue
		}
		ack := EncodeAck(hi, total)
		if _, err := r.conn.WriteToUDP(ack, sender); err != nil {
			if isClosed(err) {
				return
			}
			r.log.Printf("combat: ack send error: %v", err)
		}
	}
}

// ConsumeIntervalBandwidth returns bytes received since the last call and
// resets the counter, for the 5s self-metrics report of spec.md §4.3.
func (r *Receiver) ConsumeIntervalBandwidth() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bytesReceivedInterval
	r.bytesReceivedInterval = 0
	return b
}

// HighestSeqSeen and TotalPacketsReceived back the defender-side loss
// computation (spec.md §4.3's canonical rule): expected_this_interval is
// the maximum sent seen in ACKs issued during the interval, which for the
// defender is just the highest sequence number it has observed.
func (r *Receiver) HighestSeqSeen() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highestSeqSeen
}

func (r *Receiver) TotalPacketsReceived() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalPacketsReceived
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
