package combat

import (
	"context"
	"io"
	"log"
	"testing"
	"time"
)

func TestSenderReceiverEndToEnd(t *testing.T) {
	quiet := log.New(io.Discard, "", 0)

	recv, err := Listen("127.0.0.1:0", quiet, AckInterval)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer recv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, err := Start(ctx, recv.LocalAddr().String(), quiet, AckInterval)
	if err != nil {
		t.Fatalf("start sender: %v", err)
	}
	defer sender.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sent, acked := sender.Meter().SentAcked()
		if sent > 0 && acked > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sent, acked := sender.Meter().SentAcked()
	if sent == 0 {
		t.Fatalf("sender never sent anything")
	}
	if acked == 0 {
		t.Fatalf("sender never observed an ack from the receiver")
	}
	if recv.TotalPacketsReceived() == 0 {
		t.Fatalf("receiver never recorded an inbound packet")
	}
	if loss := sender.Meter().Loss(); loss >= 1.0 {
		t.Fatalf("loss = %v, want well under 1.0 on a healthy loopback link", loss)
	}
}
