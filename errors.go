package qmux

import "errors"

// Sentinel errors returned by Mux, Listener, and Stream operations.
var (
	// ErrConnectionReset is returned by Bind and Connect when the
	// carrier has already failed or been closed, and by a Stream
	// whose peer sent Rst.
	ErrConnectionReset = errors.New("qmux: connection reset")

	// ErrAddrInUse is returned by Bind when the requested port already
	// has a listener.
	ErrAddrInUse = errors.New("qmux: address already in use")

	// ErrBrokenPipe is returned by Stream reads/writes after the
	// carrier fails out from under an established stream.
	ErrBrokenPipe = errors.New("qmux: broken pipe")

	// ErrListenerClosed is returned by Listener.Accept once the
	// listener has been closed (port dropped, or Mux closed).
	ErrListenerClosed = errors.New("qmux: listener closed")

	// ErrHandshakeFailed is returned by Connect when the peer reset the
	// socket before the three-way handshake completed. If the carrier
	// dies first, Connect returns ErrBrokenPipe instead.
	ErrHandshakeFailed = errors.New("qmux: handshake failed")

	// ErrClosedStream is returned by Write after the local side has
	// closed its write half (via Stream.Close).
	ErrClosedStream = errors.New("qmux: stream closed for writing")

	// errProtocol marks a frame the codec could not parse. Like a
	// non-binary carrier message (ErrNonBinaryMessage), it is logged
	// and the frame is dropped; it is never returned to a caller.
	errProtocol = errors.New("qmux: protocol error")
)
