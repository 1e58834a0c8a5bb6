package qmux

import (
	"encoding/binary"
	"fmt"
)

// Flag identifies the role a Frame plays in a connection's handshake,
// data transfer, or teardown.
type Flag uint8

// Flag values. Unset marks an ordinary data frame; the others are
// control frames and carry no payload.
const (
	FlagSyn Flag = iota
	FlagSynAck
	FlagAck
	FlagRst
	FlagFin
	FlagUnset
)

func (f Flag) String() string {
	switch f {
	case FlagSyn:
		return "SYN"
	case FlagSynAck:
		return "SYN-ACK"
	case FlagAck:
		return "ACK"
	case FlagRst:
		return "RST"
	case FlagFin:
		return "FIN"
	case FlagUnset:
		return "DATA"
	default:
		return fmt.Sprintf("Flag(%d)", uint8(f))
	}
}

// Frame is the on-the-wire unit: a single binary carrier message
// carrying one control or data event for one logical stream.
//
// Field order on the wire is big-endian: sport(2) | dport(2) | flag(1)
// | reserved(2) | seq(4) | data(...). The 11-byte header is fixed;
// payload is whatever remains of the carrier message. The reserved
// bytes are always zero on write and ignored on read; they exist so
// seq lands on a 4-byte boundary and so the header has room to grow.
type Frame struct {
	Sport uint16
	Dport uint16
	Flag  Flag
	Seq   uint32
	Data  []byte
}

// newControlFrame builds a zero-payload, zero-seq control frame.
func newControlFrame(sport, dport uint16, flag Flag) Frame {
	return Frame{Sport: sport, Dport: dport, Flag: flag}
}

// newReply swaps the source and destination ports of f, producing a
// frame addressed back at whoever sent f. Used for RST-on-unknown-port
// replies.
func newReply(f Frame, flag Flag) Frame {
	return Frame{Sport: f.Dport, Dport: f.Sport, Flag: flag}
}

// newDataFrame builds a data frame (Flag always Unset).
func newDataFrame(sport, dport uint16, seq uint32, data []byte) Frame {
	return Frame{Sport: sport, Dport: dport, Flag: FlagUnset, Seq: seq, Data: data}
}

// newFinFrame builds a Fin frame carrying the writer's final sequence
// number (one past the seq of the last data frame it emitted).
func newFinFrame(sport, dport uint16, seq uint32) Frame {
	return Frame{Sport: sport, Dport: dport, Flag: FlagFin, Seq: seq}
}

// encode returns the wire representation of f in a newly allocated
// slice. The caller is responsible for ensuring the result
// does not exceed the carrier's message-size limits; encode itself
// performs no truncation.
func (f Frame) encode() []byte {
	buf := make([]byte, frameHeaderSize+len(f.Data))
	binary.BigEndian.PutUint16(buf[0:2], f.Sport)
	binary.BigEndian.PutUint16(buf[2:4], f.Dport)
	buf[4] = byte(f.Flag)
	// buf[5:7] is the reserved field, left zero.
	binary.BigEndian.PutUint32(buf[7:11], f.Seq)
	copy(buf[11:], f.Data)
	return buf
}

// decodeFrame parses a carrier message into a Frame. An unrecognized
// flag byte is decoded as FlagUnset (tolerating forward-compatible
// expansion of the flag set); the caller is expected to log this.
//
// decodeFrame does not itself enforce maxFrameSize — callers must check
// len(msg) against their configured limit before calling decodeFrame,
// per the "drop oversize frames on the receive path" requirement.
func decodeFrame(msg []byte) (f Frame, unrecognizedFlag bool, err error) {
	if len(msg) < frameHeaderSize {
		return Frame{}, false, fmt.Errorf("%w: frame too short (%d bytes)", errProtocol, len(msg))
	}
	f.Sport = binary.BigEndian.Uint16(msg[0:2])
	f.Dport = binary.BigEndian.Uint16(msg[2:4])
	rawFlag := msg[4]
	f.Seq = binary.BigEndian.Uint32(msg[7:11])
	if len(msg) > frameHeaderSize {
		// Copy the payload: msg is typically a buffer owned by the
		// carrier and may be reused/overwritten after this call
		// returns.
		f.Data = append([]byte(nil), msg[frameHeaderSize:]...)
	}
	if rawFlag > byte(FlagUnset) {
		f.Flag = FlagUnset
		return f, true, nil
	}
	f.Flag = Flag(rawFlag)
	return f, false, nil
}
