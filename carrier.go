package qmux

import (
	"errors"
	"io"
	"sync"
)

// Sink is the send half of a carrier: anything that can deliver a
// discrete binary message to the remote peer, in order, reliably.
type Sink interface {
	// SendMessage delivers msg to the peer. Implementations must not
	// retain msg beyond the call.
	SendMessage(msg []byte) error

	// Close releases the sink. Further SendMessage calls must fail.
	Close() error
}

// MessageStream is the receive half of a carrier: anything that yields
// the peer's discrete binary messages, in order. Named apart from the
// public Stream type (the byte-stream handle Bind/Connect return) even
// though spec.md uses "stream" for both: one is a carrier of frames,
// the other a logical connection's read/write endpoint.
type MessageStream interface {
	// NextMessage blocks until the next message arrives, the carrier
	// is closed (io.EOF), or an error occurs. The returned slice is
	// owned by the caller.
	NextMessage() ([]byte, error)
}

// A carrier implementation that only ever produces/consumes binary
// messages satisfies Sink and MessageStream directly. Carriers layered
// over typed message protocols (e.g. websockets, which distinguish
// text, binary, ping, pong, and close frames) are responsible for
// rejecting or ignoring non-binary messages themselves — see §3
// invariant 5.

// ErrNonBinaryMessage is the error a carrier should report from
// NextMessage when it receives a non-binary message it cannot
// interpret as a Frame. The reader loop logs and drops such a message
// and keeps reading; unlike other carrier read errors, it does not shut
// the Mux down.
var ErrNonBinaryMessage = errors.New("qmux: non-binary carrier message")

// duplexPipe is a minimal in-process carrier used by tests and the
// cmd/duplexdemo example: two duplexPipes, cross-wired, behave like a
// pair of connected sockets that exchange discrete messages rather than
// a raw byte stream.
type duplexPipe struct {
	out chan []byte
	in  <-chan []byte

	// closed is shared by both ends of a pair: either side closing its
	// pipe tears down the whole carrier, the same as a real socket
	// pair where one side's close unblocks the other side's pending
	// read with an error rather than leaving it hanging.
	closeOnce *sync.Once
	closed    chan struct{}
}

// NewDuplexPipe returns two carriers, a and b, such that a message sent
// on a arrives at b and vice versa. Useful for testing and for
// single-process demos where no real socket is involved.
func NewDuplexPipe(bufSize int) (a, b interface {
	Sink
	MessageStream
}) {
	ab := make(chan []byte, bufSize)
	ba := make(chan []byte, bufSize)
	once := &sync.Once{}
	closed := make(chan struct{})
	pa := &duplexPipe{out: ab, in: ba, closeOnce: once, closed: closed}
	pb := &duplexPipe{out: ba, in: ab, closeOnce: once, closed: closed}
	return pa, pb
}

func (p *duplexPipe) SendMessage(msg []byte) error {
	cp := append([]byte(nil), msg...)
	select {
	case p.out <- cp:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *duplexPipe) NextMessage() ([]byte, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

// Close releases the pipe pair. Since closed is shared between both
// ends, either side closing unblocks any pending SendMessage or
// NextMessage on both, rather than leaving the peer hanging.
func (p *duplexPipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
