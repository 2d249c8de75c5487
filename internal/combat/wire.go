// Package combat implements the per-node UDP flood/receive/ACK engine of
// spec.md §4.3: a sender that floods an adjacent target, a receiver that
// answers whoever is sending, and a loss meter comparing sent vs acked
// counters.
package combat

import (
	"encoding/binary"
	"errors"
)

// DatagramSize is the fixed wire size of an attack datagram (spec.md §6).
const DatagramSize = 1024

// AckSize is the fixed wire size of an ACK datagram (spec.md §6).
const AckSize = 16

// ErrBadDatagram is returned when a received packet is not DatagramSize
// bytes, per spec.md §4.3's fixed-size parsing rule.
var ErrBadDatagram = errors.New("combat: malformed attack datagram")

// ErrBadAck is returned when a received ACK is not AckSize bytes.
var ErrBadAck = errors.New("combat: malformed ack datagram")

// EncodeDatagram builds one 1024-byte attack datagram:
// [u64 seq_be][u64 send_ts_unix_us_be][1008 bytes payload/zero].
func EncodeDatagram(seq uint64, sendTSUnixUs uint64) []byte {
	buf := make([]byte, DatagramSize)
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint64(buf[8:16], sendTSUnixUs)
	return buf
}

// DecodeDatagram parses an attack datagram's header. The padding is
// ignored; the receiver only cares about sequence number and send time.
func DecodeDatagram(b []byte) (seq uint64, sendTSUnixUs uint64, err error) {
	if len(b) != DatagramSize {
		return 0, 0, ErrBadDatagram
	}
	seq = binary.BigEndian.Uint64(b[0:8])
	sendTSUnixUs = binary.BigEndian.Uint64(b[8:16])
	return seq, sendTSUnixUs, nil
}

// EncodeAck builds the 16-byte ACK datagram:
// [u64 highest_seq_seen_be][u64 total_packets_received_be].
func EncodeAck(highestSeqSeen, totalPacketsReceived uint64) []byte {
	buf := make([]byte, AckSize)
	binary.BigEndian.PutUint64(buf[0:8], highestSeqSeen)
	binary.BigEndian.PutUint64(buf[8:16], totalPacketsReceived)
	return buf
}

// DecodeAck parses an ACK datagram.
func DecodeAck(b []byte) (highestSeqSeen, totalPacketsReceived uint64, err error) {
	if len(b) != AckSize {
		return 0, 0, ErrBadAck
	}
	highestSeqSeen = binary.BigEndian.Uint64(b[0:8])
	totalPacketsReceived = binary.BigEndian.Uint64(b[8:16])
	return highestSeqSeen, totalPacketsReceived, nil
}
