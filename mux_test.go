package qmux

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func newMuxPair(t *testing.T) (a, b *Mux) {
	t.Helper()
	pa, pb := NewDuplexPipe(64)
	cfg := DefaultConfig()
	cfg.Logger = nil
	var err error
	a, err = New(pa, pa, cfg)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err = New(pb, pb, cfg)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// TestHelloWorldAndGracefulClose implements the spec's canonical
// scenario: A binds 23, B connects to 23, A writes a message, B reads
// it, A drops its write half, and B observes end-of-stream.
func TestHelloWorldAndGracefulClose(t *testing.T) {
	a, b := newMuxPair(t)

	l, err := a.Bind(23)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	accepted := make(chan *Stream, 1)
	acceptErr := make(chan error, 1)
	go func() {
		s, err := l.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- s
	}()

	client, err := b.Connect(23)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var server *Stream
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Accept")
	}

	const msg = "Hello, world!"
	if _, err := server.Write([]byte(msg)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("server Close: %v", err)
	}

	got := make([]byte, 0, len(msg))
	buf := make([]byte, 4)
	for {
		n, err := client.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if string(got) != msg {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestRstOnUnknownPort(t *testing.T) {
	a, b := newMuxPair(t)
	// No listener on port 7 at b: Connect must fail rather than hang.
	if _, err := a.Connect(7); err == nil {
		t.Fatal("expected Connect to an unbound port to fail")
	}
	_ = b
}

func TestBindDuplicatePortFails(t *testing.T) {
	a, _ := newMuxPair(t)
	if _, err := a.Bind(100); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if _, err := a.Bind(100); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("expected ErrAddrInUse, got %v", err)
	}
}

func TestBindEphemeralPortsAreDistinct(t *testing.T) {
	a, _ := newMuxPair(t)
	l1, err := a.Bind(0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	l2, err := a.Bind(0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if l1.Port() == l2.Port() {
		t.Fatalf("expected distinct ephemeral ports, got %d twice", l1.Port())
	}
}

// TestCarrierLossResetsStreams implements the spec's "peer process
// dies / carrier severed" scenario: every open stream observes an
// error rather than hanging.
func TestCarrierLossResetsStreams(t *testing.T) {
	a, b := newMuxPair(t)

	l, err := a.Bind(50)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	accepted := make(chan *Stream, 1)
	go func() {
		s, err := l.Accept()
		if err == nil {
			accepted <- s
		}
	}()

	client, err := b.Connect(50)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-accepted

	a.Close()

	buf := make([]byte, 16)
	done := make(chan error, 1)
	go func() {
		_, err := client.Read(buf)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after carrier loss, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after carrier loss")
	}
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	a, _ := newMuxPair(t)
	l, err := a.Bind(0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := l.Accept(); !errors.Is(err, ErrListenerClosed) {
		t.Fatalf("expected ErrListenerClosed, got %v", err)
	}
}

func TestMuxClosedIsIdempotent(t *testing.T) {
	a, _ := newMuxPair(t)
	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestWatchConnectedObservesShutdown(t *testing.T) {
	a, _ := newMuxPair(t)
	obs := a.WatchConnected()
	if !obs.Next() {
		t.Fatal("expected initial connected state true")
	}
	done := make(chan bool, 1)
	go func() { done <- obs.Next() }()

	a.Close()
	select {
	case got := <-done:
		if got {
			t.Fatal("expected connected to flip to false on Close")
		}
	case <-time.After(time.Second):
		t.Fatal("WatchConnected did not observe shutdown")
	}
}

// TestLargeDataRoundTrip exercises chunking: a payload many times
// larger than BufSize must reassemble byte-for-byte regardless of how
// the writer split it into frames.
func TestLargeDataRoundTrip(t *testing.T) {
	pa, pb := NewDuplexPipe(256)
	cfg := DefaultConfig()
	cfg.Logger = nil
	cfg.BufSize = 64
	cfg.MaxFrameSize = 4096
	a, err := New(pa, pa, cfg)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err := New(pb, pb, cfg)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })

	l, err := a.Bind(9)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	accepted := make(chan *Stream, 1)
	go func() {
		s, err := l.Accept()
		if err == nil {
			accepted <- s
		}
	}()
	client, err := b.Connect(9)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := <-accepted

	payload := make([]byte, 10*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := server.Write(payload)
		if err == nil {
			err = server.Close()
		}
		writeErr <- err
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 777) // deliberately not a divisor of BufSize
	for {
		n, err := client.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Write/Close: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], payload[i])
		}
	}
}

// TestReaderDropsOversizeFrame implements spec.md §8's boundary law: a
// frame whose payload length puts it one byte over max_frame_size is
// dropped on the receive path, and the connection otherwise survives —
// it is not treated as a carrier error.
func TestReaderDropsOversizeFrame(t *testing.T) {
	pa, pb := NewDuplexPipe(8)
	cfg := DefaultConfig()
	cfg.Logger = nil
	cfg.MaxFrameSize = 64
	cfg.BufSize = 32
	a, err := New(pa, pa, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	l, err := a.Bind(5)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// One byte larger than MaxFrameSize once header is included.
	oversize := newDataFrame(1, 5, 1, make([]byte, cfg.MaxFrameSize-frameHeaderSize+1))
	if len(oversize.encode()) != cfg.MaxFrameSize+1 {
		t.Fatalf("test setup: encoded oversize frame is %d bytes, want %d", len(oversize.encode()), cfg.MaxFrameSize+1)
	}
	if err := pb.SendMessage(oversize.encode()); err != nil {
		t.Fatalf("SendMessage oversize: %v", err)
	}

	// Give the reader loop a moment to observe and drop the frame
	// before proving the connection is still alive.
	time.Sleep(20 * time.Millisecond)

	accepted := make(chan *Stream, 1)
	go func() {
		s, err := l.Accept()
		if err == nil {
			accepted <- s
		}
	}()

	if err := pb.SendMessage(newControlFrame(1, 5, FlagSyn).encode()); err != nil {
		t.Fatalf("SendMessage syn: %v", err)
	}

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("connection did not survive the oversize frame; a well-formed Syn sent afterward was never delivered")
	}
}

// TestPausedMuxQueuesConnectUntilStart implements spec.md §8 scenario
// 5: a paused Mux lets its owner Bind every port before any inbound
// Syn is processed, closing the bind-vs-first-Syn race. A Connect
// issued against a still-paused peer must not resolve until Start is
// called.
func TestPausedMuxQueuesConnectUntilStart(t *testing.T) {
	pa, pb := NewDuplexPipe(64)
	cfg := DefaultConfig()
	cfg.Logger = nil

	server, err := NewPaused(pa, pa, cfg)
	if err != nil {
		t.Fatalf("NewPaused: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	client, err := New(pb, pb, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	l, err := server.Bind(30)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	connectDone := make(chan error, 1)
	go func() {
		_, err := client.Connect(30)
		connectDone <- err
	}()

	select {
	case err := <-connectDone:
		t.Fatalf("Connect resolved (err=%v) before the paused Mux was started", err)
	case <-time.After(20 * time.Millisecond):
	}

	server.Start()

	select {
	case err := <-connectDone:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not resolve after Start")
	}

	if _, err := l.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

// TestConcurrentStreamsDoNotInterleave implements spec.md §8 scenario
// 4: two independent streams sharing one carrier must each observe
// only their own peer's bytes, in order, with no cross-stream mixing.
func TestConcurrentStreamsDoNotInterleave(t *testing.T) {
	a, b := newMuxPair(t)

	l1, err := a.Bind(101)
	if err != nil {
		t.Fatalf("Bind 101: %v", err)
	}
	l2, err := a.Bind(102)
	if err != nil {
		t.Fatalf("Bind 102: %v", err)
	}

	accept := func(l *Listener) <-chan *Stream {
		ch := make(chan *Stream, 1)
		go func() {
			s, err := l.Accept()
			if err == nil {
				ch <- s
			}
		}()
		return ch
	}
	accepted1 := accept(l1)
	accepted2 := accept(l2)

	client1, err := b.Connect(101)
	if err != nil {
		t.Fatalf("Connect 101: %v", err)
	}
	client2, err := b.Connect(102)
	if err != nil {
		t.Fatalf("Connect 102: %v", err)
	}

	var server1, server2 *Stream
	select {
	case server1 = <-accepted1:
	case <-time.After(time.Second):
		t.Fatal("timed out accepting stream 1")
	}
	select {
	case server2 = <-accepted2:
	case <-time.After(time.Second):
		t.Fatal("timed out accepting stream 2")
	}

	payload1 := bytes.Repeat([]byte("A"), 5000)
	payload2 := bytes.Repeat([]byte("B"), 5000)

	go func() {
		server1.Write(payload1)
		server1.Close()
	}()
	go func() {
		server2.Write(payload2)
		server2.Close()
	}()

	readAll := func(s *Stream) []byte {
		var got []byte
		buf := make([]byte, 333) // odd size to force many small reads
		for {
			n, err := s.Read(buf)
			got = append(got, buf[:n]...)
			if err == io.EOF {
				return got
			}
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
		}
	}

	got1 := readAll(client1)
	got2 := readAll(client2)

	if !bytes.Equal(got1, payload1) {
		t.Fatalf("stream 1 got %d bytes not matching its own payload (cross-stream interleave?)", len(got1))
	}
	if !bytes.Equal(got2, payload2) {
		t.Fatalf("stream 2 got %d bytes not matching its own payload (cross-stream interleave?)", len(got2))
	}
}
