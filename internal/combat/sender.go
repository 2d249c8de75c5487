package combat

import (
	"context"
	"errors"
	"log"
	"net"
	"sync/atomic"
	"time"
)

// GraceMultiple is how many ACK intervals may pass with no ACK before the
// loss meter treats loss as 1.0 (spec.md §4.3 "grace period (>= 2x ACK
// interval)").
const GraceMultiple = 2

// Sender floods one target with attack datagrams as fast as the OS
// permits, and listens on the same socket for the target's ACKs so the
// LossMeter can track sent vs acked. One Sender exists per active attack
// episode; applying an event that changes this node's target cancels the
// running Sender and a fresh one is launched on the new target (spec.md
// §5 "Cancellation & timeouts").
type Sender struct {
	conn        *net.UDPConn
	log         *log.Logger
	ackInterval time.Duration

	sent   atomic.Uint64
	meter  *LossMeter
	cancel context.CancelFunc
	done   chan struct{}
}

// Start dials targetAddr and begins flooding it until ctx is cancelled.
// The returned Sender's LossMeter is updated as ACKs arrive; ackInterval
// must match the defender's own ACK cadence since it drives both the
// grace-period read deadline and the loss meter's staleness window.
func Start(ctx context.Context, targetAddr string, logger *log.Logger, ackInterval time.Duration) (*Sender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Sender{
		conn:        conn,
		log:         logger,
		ackInterval: ackInterval,
		meter:       NewLossMeter(ackInterval),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go s.sendLoop(sctx)
	go s.recvAckLoop(sctx)
	return s, nil
}

// Stop cancels the flood and releases the socket. Safe to call more than
// once; a finishing-in-flight send is simply the last one.
func (s *Sender) Stop() {
	s.cancel()
	<-s.done
	_ = s.conn.Close()
}

// Meter exposes the running loss measurement for this episode.
func (s *Sender) Meter() *LossMeter { return s.meter }

func (s *Sender) sendLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		seq := s.sent.Add(1)
		dgram := EncodeDatagram(seq, uint64(time.Now().UnixMicro()))
		if _, err := s.conn.Write(dgram); err != nil {
			// A send failure is treated exactly like an unacknowledged
			// packet (spec.md §7): the sequence number was still
			// consumed, so it simply never gets acked.
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.meter.SetSent(seq)
	}
}

func (s *Sender) recvAckLoop(ctx context.Context) {
	buf := make([]byte, AckSize+16)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.ackInterval * GraceMultiple))
		n, err := s.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Read deadline exceeded: no ACK within the grace period.
			// LossMeter.Loss() already treats a stale last-ack-time as
			// loss=1.0, so there is nothing to record here.
			continue
		}
		hi, total, err := DecodeAck(buf[:n])
		if err != nil {
			continue
		}
		s.meter.ObserveAck(hi, total)
	}
}
