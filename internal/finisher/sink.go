// Package finisher implements the finishing-attack coordinator of spec.md
// §4.6: once a capital capture is applied, every node owned by the new
// owner opens one long-lived stream to the victim's control endpoint and
// floods it with framed 1024-byte messages for 10s, then closes. The
// victim's control endpoint accepts these streams passively as a pure sink.
package finisher

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// FrameSize is the fixed frame length of spec.md §4.6 rule 2 / §6.
const FrameSize = 1024

// Sink is the passive receiving side of the finishing-attack coordinator
// (spec.md §4.6.3): it counts bytes and holds the connection open until the
// peer closes. Grounded on internal/transport/ws.Server.Handler's
// upgrade-then-read-loop-until-error shape, stripped of the HELLO/WELCOME
// handshake since this endpoint has none.
type Sink struct {
	log      *log.Logger
	upgrader websocket.Upgrader
}

func NewSink(logger *log.Logger) *Sink {
	return &Sink{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  FrameSize,
			WriteBufferSize: FrameSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler is the /finisher HTTP handler (spec.md §6 "Accept-stream").
func (s *Sink) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var total uint64
		for {
			_ = conn.SetReadDeadline(time.Now().Add(floodDeadline))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Printf("finisher: sink read error after %d bytes: %v", total, err)
				}
				break
			}
			total += uint64(len(msg))
		}
		s.log.Printf("finisher: sink stream closed, received %d bytes", total)
	}
}

// floodDeadline is the read deadline set before every message: a stream
// that stays silent this long is closed. It does not cap the total lifetime
// of a stream that keeps sending. It is longer than the sender's 10s flood
// window (spec.md §4.6 rule 2) plus slack for network jitter.
const floodDeadline = 15 * time.Second
