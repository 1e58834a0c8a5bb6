package qmux

import (
	"io"
	"sync"
)

// role identifies which side of the three-way handshake created a
// MuxSocket: Server sockets are spawned by the reader loop in response
// to an inbound Syn matching a Listener; Client sockets are created by
// Connect.
type role uint8

const (
	roleClient role = iota
	roleServer
)

// state is the MuxSocket lifecycle state from spec.md §4.2's transition
// table.
type state uint8

const (
	stateClosed state = iota
	stateSynSent
	stateSynReceived
	stateEstablished
	stateFinSent
	stateFinReceived
	stateClosing
	stateReset
)

// MuxSocket is the endpoint of one logical stream: a reliable, ordered,
// full-duplex byte channel identified by (localPort, remotePort) from
// this peer's point of view. Callers interact with it through Stream,
// never directly.
type MuxSocket struct {
	mux         *Mux
	localPort   uint16
	remotePort  uint16
	role        role

	mu    sync.Mutex
	cond  sync.Cond
	state state

	txSeq     uint32 // next outbound data seq; control frames don't consume it
	rxNextSeq uint32 // next expected inbound data seq
	reorder   reorderBuffer
	readBuf   []byte

	peerFinSeq *uint32 // set once a Fin arrives; rxNextSeq reaching it means peer is fully delivered
	peerDone   bool    // peer's data + Fin fully observed
	localFin   bool    // we've sent our Fin

	readErr  error // terminal error Read should surface once readBuf drains
	writeErr error // terminal error Write should surface

	writeMu sync.Mutex // serializes Write calls so seq assignment matches send order

	handshakeOnce sync.Once
	handshakeCh   chan struct{}
	handshakeErr  error
}

func newMuxSocket(mux *Mux, localPort, remotePort uint16, r role) *MuxSocket {
	s := &MuxSocket{
		mux:         mux,
		localPort:   localPort,
		remotePort:  remotePort,
		role:        r,
		state:       stateClosed,
		txSeq:       1,
		rxNextSeq:   1,
		handshakeCh: make(chan struct{}),
	}
	s.cond.L = &s.mu
	return s
}

func (s *MuxSocket) key() portPair { return portPair{local: s.localPort, remote: s.remotePort} }

func (s *MuxSocket) send(f Frame) error {
	f.Sport, f.Dport = s.localPort, s.remotePort
	return s.mux.enqueueOutbound(f)
}

// startClient begins the Client-role handshake: emit Syn, enter SynSent.
func (s *MuxSocket) startClient() {
	s.mu.Lock()
	s.state = stateSynSent
	s.mu.Unlock()
	s.mux.logf("connect: %d->%d SYN", s.localPort, s.remotePort)
	if err := s.send(newControlFrame(0, 0, FlagSyn)); err != nil {
		s.forceReset(err, err)
		s.resolveHandshake(err)
		s.mux.scheduleConnClose(s.key())
	}
}

// onSynReceived performs the Server-role reaction to the inbound Syn
// that created this socket: enter SynReceived and emit SynAck. Returns
// the Stream handle that belongs in the listener's accept queue.
func (s *MuxSocket) onSynReceived() *Stream {
	s.mu.Lock()
	s.state = stateSynReceived
	s.mu.Unlock()
	s.mux.logf("accept: %d->%d SYN-ACK", s.localPort, s.remotePort)
	if err := s.send(newControlFrame(0, 0, FlagSynAck)); err != nil {
		s.forceReset(err, err)
		s.mux.scheduleConnClose(s.key())
	}
	return newStream(s)
}

// awaitHandshake blocks until the Client-role handshake resolves,
// returning the usable Stream or the error that killed it.
func (s *MuxSocket) awaitHandshake() (*Stream, error) {
	<-s.handshakeCh
	if s.handshakeErr != nil {
		return nil, s.handshakeErr
	}
	return newStream(s), nil
}

func (s *MuxSocket) resolveHandshake(err error) {
	s.handshakeOnce.Do(func() {
		s.handshakeErr = err
		close(s.handshakeCh)
	})
}

// recvFrame dispatches an inbound frame addressed to this socket
// according to its current state (spec.md §4.2's transition table).
func (s *MuxSocket) recvFrame(f Frame) {
	s.mu.Lock()

	switch s.state {
	case stateSynSent:
		switch f.Flag {
		case FlagSynAck:
			s.state = stateEstablished
			s.mu.Unlock()
			sendErr := s.send(newControlFrame(0, 0, FlagAck))
			s.resolveHandshake(nil)
			if sendErr != nil {
				s.forceReset(ErrBrokenPipe, ErrBrokenPipe)
				s.mux.scheduleConnClose(s.key())
			}
		case FlagRst:
			s.setTerminal(ErrConnectionReset, ErrBrokenPipe)
			s.mu.Unlock()
			s.resolveHandshake(ErrHandshakeFailed)
			s.mux.scheduleConnClose(s.key())
		default:
			s.mu.Unlock()
		}
		return

	case stateSynReceived:
		switch f.Flag {
		case FlagAck:
			s.state = stateEstablished
			s.mu.Unlock()
		case FlagRst:
			s.setTerminal(ErrConnectionReset, ErrBrokenPipe)
			s.mu.Unlock()
			s.mux.scheduleConnClose(s.key())
		default:
			s.mu.Unlock()
		}
		return

	case stateReset, stateClosed, stateClosing:
		s.mu.Unlock()
		return // terminal; ignore stray frames
	}

	// Established, FinSent, FinReceived: data and Fin are meaningful in
	// all three (our own Fin only closes our write half; the peer's
	// data/Fin keep arriving independently).
	switch f.Flag {
	case FlagUnset:
		s.handleData(f)
		s.mu.Unlock()
	case FlagFin:
		s.handleFin(f.Seq)
		s.mu.Unlock()
	case FlagRst:
		s.setTerminal(ErrConnectionReset, ErrBrokenPipe)
		s.mu.Unlock()
		s.mux.scheduleConnClose(s.key())
	default:
		s.mu.Unlock()
	}
}

// handleData appends or reorders an inbound data frame and advances
// rxNextSeq, draining any now-contiguous frames from the reorder
// buffer. Must be called with s.mu held.
func (s *MuxSocket) handleData(f Frame) {
	if seqLess(f.Seq, s.rxNextSeq) {
		return // duplicate
	}
	if f.Seq != s.rxNextSeq {
		s.reorder.add(f)
		return
	}
	s.readBuf = append(s.readBuf, f.Data...)
	s.rxNextSeq++
	drained, next := s.reorder.drainContiguous(s.rxNextSeq)
	for _, fr := range drained {
		s.readBuf = append(s.readBuf, fr.Data...)
	}
	s.rxNextSeq = next
	s.checkPeerDone()
	s.cond.Broadcast()
}

// handleFin records the peer's final sequence number and, if all prior
// data has already been delivered, marks the peer done immediately.
// Must be called with s.mu held.
func (s *MuxSocket) handleFin(seq uint32) {
	seqCopy := seq
	s.peerFinSeq = &seqCopy
	switch s.state {
	case stateEstablished:
		s.state = stateFinReceived
	case stateFinSent:
		s.state = stateClosing
	}
	s.checkPeerDone()
	s.cond.Broadcast()
}

// checkPeerDone marks the peer done once rxNextSeq has caught up to the
// peer's Fin sequence; if our own Fin has also been sent, it moves to
// Closing and schedules removal. Must be called with s.mu held.
func (s *MuxSocket) checkPeerDone() {
	if s.peerFinSeq == nil || s.peerDone || s.rxNextSeq != *s.peerFinSeq {
		return
	}
	s.peerDone = true
	if s.localFin {
		s.state = stateClosing
		s.mux.scheduleConnClose(s.key())
	}
}

// closeWrite implements the graceful half-close: emit Fin (idempotent)
// and, if the peer is already done, schedule full removal.
func (s *MuxSocket) closeWrite() error {
	s.mu.Lock()
	if s.localFin || s.state == stateReset {
		s.mu.Unlock()
		return nil
	}
	s.localFin = true
	finSeq := s.txSeq
	local, remote := s.localPort, s.remotePort
	switch s.state {
	case stateEstablished:
		s.state = stateFinSent
	case stateFinReceived:
		s.state = stateClosing
	}
	s.writeErr = ErrClosedStream
	peerDone := s.peerDone
	s.mu.Unlock()

	err := s.mux.enqueueOutbound(newFinFrame(local, remote, finSeq))

	s.mu.Lock()
	if peerDone {
		s.mux.scheduleConnClose(s.key())
	}
	s.mu.Unlock()
	return err
}

// setTerminal marks the socket Reset and wakes any pending Read/Write.
// Must be called with s.mu held.
func (s *MuxSocket) setTerminal(readErr, writeErr error) {
	if s.state == stateReset {
		return
	}
	s.state = stateReset
	s.readErr = readErr
	s.writeErr = writeErr
	s.cond.Broadcast()
}

// forceReset is setTerminal's exported-to-package form, used by the
// maintenance task on carrier loss and by handshake-send failures.
func (s *MuxSocket) forceReset(readErr, writeErr error) {
	s.mu.Lock()
	s.setTerminal(readErr, writeErr)
	s.resolveHandshake(readErr)
	s.mu.Unlock()
}

// Read implements io.Reader: it returns bytes in the exact order the
// peer wrote them, surfacing io.EOF once the peer's Fin has been fully
// delivered and the local buffer is drained.
func (s *MuxSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.readBuf) == 0 && s.readErr == nil && !s.peerDone {
		s.cond.Wait()
	}
	if len(s.readBuf) > 0 {
		n := copy(p, s.readBuf)
		s.readBuf = s.readBuf[n:]
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

// Write implements io.Writer: it chunks p into frames no larger than
// the Mux's configured BufSize and enqueues them in order.
func (s *MuxSocket) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	bufSize := s.mux.config.BufSize
	total := 0
	for total < len(p) {
		s.mu.Lock()
		if s.writeErr != nil {
			err := s.writeErr
			s.mu.Unlock()
			return total, err
		}
		end := total + bufSize
		if end > len(p) {
			end = len(p)
		}
		chunk := p[total:end]
		seq := s.txSeq
		s.txSeq++
		local, remote := s.localPort, s.remotePort
		s.mu.Unlock()

		if err := s.mux.enqueueOutbound(newDataFrame(local, remote, seq, chunk)); err != nil {
			s.mu.Lock()
			s.writeErr = err
			s.mu.Unlock()
			return total, err
		}
		total = end
	}
	return total, nil
}

// Close initiates a graceful close of the write half (emits Fin) if
// the socket is still open; it is a no-op on an already-closed or
// already-reset socket.
func (s *MuxSocket) Close() error {
	return s.closeWrite()
}

// Stream is the full-duplex byte-stream handle returned by Listener's
// Accept and by Mux's Connect. It implements io.ReadWriteCloser.
type Stream struct {
	sock *MuxSocket
}

func newStream(s *MuxSocket) *Stream { return &Stream{sock: s} }

// LocalPort returns the local port this stream is bound to.
func (s *Stream) LocalPort() uint16 { return s.sock.localPort }

// RemotePort returns the peer's port for this stream.
func (s *Stream) RemotePort() uint16 { return s.sock.remotePort }

// Read reads data from the stream. See MuxSocket.Read.
func (s *Stream) Read(p []byte) (int, error) { return s.sock.Read(p) }

// Write writes data to the stream. See MuxSocket.Write.
func (s *Stream) Write(p []byte) (int, error) { return s.sock.Write(p) }

// Close gracefully closes the write half of the stream, signalling
// end-of-stream to the peer once any already-written data arrives.
func (s *Stream) Close() error { return s.sock.Close() }
