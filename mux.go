package qmux

import (
	"errors"
	"fmt"
	"sync"

	"lukechampine.com/frand"
)

// portPair is the (local_port, remote_port) key that identifies a
// logical connection on this peer's connections table.
type portPair struct {
	local  uint16
	remote uint16
}

// Mux multiplexes many logical streams over a single carrier. See the
// package doc comment for the carrier contract.
//
// Drop behavior: closing a Mux RSTs every open stream and clears every
// listener; it does not wait for the carrier to finish flushing.
type Mux struct {
	config Config
	sink   Sink
	stream MessageStream

	mu          sync.RWMutex // guards listeners and connections
	listeners   map[uint16]*Listener
	connections map[portPair]*MuxSocket

	connected *connWatch
	running   *connWatch

	outbound chan Frame

	closeListenersCh chan uint16
	closeConnsCh     chan portPair

	closeOnce sync.Once
	closed    chan struct{} // closed once teardown begins
}

// New constructs a running Mux over the given carrier.
func New(sink Sink, stream MessageStream, config Config) (*Mux, error) {
	return newMux(sink, stream, config, true)
}

// NewPaused constructs a Mux that does not process carrier frames until
// Start is called. This lets a caller Bind every port it needs before
// any inbound Syn can be processed, avoiding a race between bind and
// the first frame.
func NewPaused(sink Sink, stream MessageStream, config Config) (*Mux, error) {
	return newMux(sink, stream, config, false)
}

func newMux(sink Sink, stream MessageStream, config Config, running bool) (*Mux, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	m := &Mux{
		config:           config,
		sink:             sink,
		stream:           stream,
		listeners:        make(map[uint16]*Listener),
		connections:      make(map[portPair]*MuxSocket),
		connected:        newConnWatch(true), // true even when paused; see DESIGN.md
		running:          newConnWatch(running),
		outbound:         make(chan Frame, config.MaxQueuedFrames),
		closeListenersCh: make(chan uint16, 4096),
		closeConnsCh:     make(chan portPair, 4096),
		closed:           make(chan struct{}),
	}
	go m.readerTask()
	go m.writerTask()
	go m.maintenanceTask()
	return m, nil
}

// Start begins processing carrier frames on a Mux constructed with
// NewPaused. It has no effect on a Mux constructed with New.
func (m *Mux) Start() {
	m.running.Set(true)
}

// Close shuts the Mux down: it stops processing the carrier, RSTs
// every open stream, clears every listener, and releases the carrier.
// Close is idempotent.
func (m *Mux) Close() error {
	m.beginShutdown()
	return nil
}

// WatchConnected returns an Observer over the Mux's connected state.
// Its first read reflects the current value (true even for a
// not-yet-started paused Mux); every subsequent change is delivered.
func (m *Mux) WatchConnected() *Observer {
	return m.connected.newObserver()
}

// Bind reserves port for inbound connections and returns a Listener
// that dispenses them. Passing port 0 selects a free ephemeral port in
// [1024, 65535).
func (m *Mux) Bind(port uint16) (*Listener, error) {
	if !m.connected.Get() {
		return nil, ErrConnectionReset
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if port == 0 {
		for {
			port = randomEphemeralPort()
			if _, taken := m.listeners[port]; !taken {
				break
			}
		}
	} else if _, taken := m.listeners[port]; taken {
		return nil, ErrAddrInUse
	}
	l := newListener(m, port, m.config.AcceptQueueLen)
	m.listeners[port] = l
	m.logf("bind: port %d", port)
	return l, nil
}

// Connect opens an outbound stream to port on the remote peer. It
// blocks until the three-way handshake completes or fails.
func (m *Mux) Connect(port uint16) (*Stream, error) {
	if !m.connected.Get() {
		return nil, ErrConnectionReset
	}
	m.mu.Lock()
	var local uint16
	for {
		local = randomEphemeralPort()
		if _, taken := m.connections[portPair{local: local, remote: port}]; !taken {
			break
		}
	}
	sock := newMuxSocket(m, local, port, roleClient)
	m.connections[portPair{local: local, remote: port}] = sock
	m.mu.Unlock()

	sock.startClient()
	return sock.awaitHandshake()
}

// enqueueOutbound places f on the outbound frame queue, blocking if
// the queue is full (backpressure) until space frees up or the Mux
// shuts down.
func (m *Mux) enqueueOutbound(f Frame) error {
	select {
	case m.outbound <- f:
		return nil
	case <-m.closed:
		return ErrBrokenPipe
	}
}

// scheduleListenerClose and scheduleConnClose post to the maintenance
// task's lifecycle channels. Both are non-blocking for the caller: the
// primary path is a buffered channel large enough that it essentially
// never fills, with a goroutine-dispatch fallback so that even a full
// channel cannot stall a Listener or Stream drop path (see SPEC_FULL.md
// "Drop-triggered lifecycle via unbounded channels").
func (m *Mux) scheduleListenerClose(port uint16) {
	select {
	case m.closeListenersCh <- port:
	default:
		go func() { m.closeListenersCh <- port }()
	}
}

func (m *Mux) scheduleConnClose(key portPair) {
	select {
	case m.closeConnsCh <- key:
	default:
		go func() { m.closeConnsCh <- key }()
	}
}

// beginShutdown flips connected to false and closes m.closed exactly
// once, waking every task blocked on either.
func (m *Mux) beginShutdown() {
	m.closeOnce.Do(func() {
		m.connected.Set(false)
		close(m.closed)
	})
}

// waitRunning blocks until running becomes true.
func (m *Mux) waitRunning() {
	if m.running.Get() {
		return
	}
	obs := m.running.newObserver()
	for !obs.Next() {
	}
}

func (m *Mux) logf(format string, args ...any) {
	if m.config.Logger == nil {
		return
	}
	m.config.Logger.Debug(fmt.Sprintf(format, args...), "identifier", m.config.Identifier)
}

// readerTask consumes carrier messages, decodes them into frames, and
// dispatches them to sockets/listeners. It terminates on carrier error
// or loss of connectivity.
func (m *Mux) readerTask() {
	m.waitRunning()
	for {
		if !m.connected.Get() {
			return
		}
		msg, err := m.stream.NextMessage()
		if errors.Is(err, ErrNonBinaryMessage) {
			m.logf("dropping non-binary carrier message")
			continue
		}
		if err != nil {
			m.logf("carrier read error, shutting down: %v", err)
			m.beginShutdown()
			return
		}
		if len(msg) > m.config.MaxFrameSize {
			m.logf("dropping oversize frame (%d > max %d)", len(msg), m.config.MaxFrameSize)
			continue
		}
		f, unrecognized, err := decodeFrame(msg)
		if err != nil {
			m.logf("dropping malformed frame: %v", err)
			continue
		}
		if unrecognized {
			m.logf("frame %d->%d had unrecognized flag byte, treating as data", f.Sport, f.Dport)
		}
		m.dispatch(f)
	}
}

// dispatch implements spec.md §4.4's reader-task routing.
func (m *Mux) dispatch(f Frame) {
	if f.Flag == FlagSyn {
		m.mu.Lock()
		if l, ok := m.listeners[f.Dport]; ok {
			key := portPair{local: f.Dport, remote: f.Sport}
			if _, exists := m.connections[key]; exists {
				// Already have a connection for this pair (e.g. a
				// duplicate Syn); don't spawn a second socket.
				m.mu.Unlock()
				return
			}
			sock := newMuxSocket(m, f.Dport, f.Sport, roleServer)
			m.connections[key] = sock
			m.mu.Unlock()
			stream := sock.onSynReceived()
			l.deliver(stream)
			return
		}
		m.mu.Unlock()
		// No listener for this port: fall through to the generic
		// connections lookup / RST-on-unknown path below.
	}

	key := portPair{local: f.Dport, remote: f.Sport}
	m.mu.RLock()
	sock, ok := m.connections[key]
	m.mu.RUnlock()
	if ok {
		sock.recvFrame(f)
		return
	}
	if f.Flag != FlagRst {
		m.logf("no endpoint for dport=%d sport=%d, sending RST", f.Dport, f.Sport)
		_ = m.enqueueOutbound(newReply(f, FlagRst))
	}
}

// writerTask drains the outbound frame queue to the carrier sink. It
// terminates on carrier error or Mux shutdown.
func (m *Mux) writerTask() {
	m.waitRunning()
	for {
		select {
		case f := <-m.outbound:
			if err := m.sink.SendMessage(f.encode()); err != nil {
				m.logf("carrier write error, shutting down: %v", err)
				m.beginShutdown()
				return
			}
		case <-m.closed:
			return
		}
	}
}

// maintenanceTask is the single consumer of the lifecycle channels. It
// frees ports as listeners/sockets are dropped, and on shutdown resets
// every open stream and clears every listener.
func (m *Mux) maintenanceTask() {
	for {
		select {
		case port := <-m.closeListenersCh:
			m.mu.Lock()
			delete(m.listeners, port)
			m.mu.Unlock()
			m.logf("freed listener port %d", port)
		case key := <-m.closeConnsCh:
			m.mu.Lock()
			delete(m.connections, key)
			m.mu.Unlock()
		case <-m.closed:
			m.drainOnShutdown()
			return
		}
	}
}

func (m *Mux) drainOnShutdown() {
	m.mu.Lock()
	conns := m.connections
	m.connections = make(map[portPair]*MuxSocket)
	listeners := m.listeners
	m.listeners = make(map[uint16]*Listener)
	m.mu.Unlock()

	for _, sock := range conns {
		sock.forceReset(ErrBrokenPipe, ErrBrokenPipe)
	}
	for _, l := range listeners {
		l.closeOnce.Do(func() { close(l.closed) })
	}
	_ = m.sink.Close()
	m.logf("multiplexor closed")
}

// randomEphemeralPort returns a random port in [1024, 65535). It uses
// frand rather than an unseeded math/rand sequence so that two
// processes started at the same instant don't pick identical "random"
// ports.
func randomEphemeralPort() uint16 {
	return uint16(1024 + frand.Intn(65535-1024))
}
