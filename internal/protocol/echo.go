package protocol

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	EchoPing = 1
	EchoPong = 2

	EchoPacketSize = 1 + 4 + 8
)

var ErrShortPacket = errors.New("short echo packet")

// EchoPacket is one latency probe. SentUnixNano is stamped by the prober and
// echoed unchanged, so RTT is always computed on a single clock.
type EchoPacket struct {
	Type         uint8
	Seq          uint32
	SentUnixNano int64
}

func NewPing(seq uint32, now time.Time) EchoPacket {
	return EchoPacket{Type: EchoPing, Seq: seq, SentUnixNano: now.UnixNano()}
}

func (p EchoPacket) Sent() time.Time {
	return time.Unix(0, p.SentUnixNano)
}

// MarshalTo writes the packet into buf, which must hold EchoPacketSize bytes.
func (p EchoPacket) MarshalTo(buf []byte) []byte {
	buf = buf[:EchoPacketSize]
	buf[0] = p.Type
	binary.BigEndian.PutUint32(buf[1:5], p.Seq)
	binary.BigEndian.PutUint64(buf[5:13], uint64(p.SentUnixNano))
	return buf
}

func ParseEcho(buf []byte) (EchoPacket, error) {
	if len(buf) < EchoPacketSize {
		return EchoPacket{}, ErrShortPacket
	}
	return EchoPacket{
		Type:         buf[0],
		Seq:          binary.BigEndian.Uint32(buf[1:5]),
		SentUnixNano: int64(binary.BigEndian.Uint64(buf[5:13])),
	}, nil
}
