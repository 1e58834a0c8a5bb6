package qmux

import "sync"

// connWatch tracks the Mux's connected flag and lets callers observe
// its current value and block until it changes. It plays the role
// spec.md calls Observer<bool>: the initial Get reflects whatever the
// value is right now (including "true" in a paused-but-unstarted Mux,
// per the carried-forward Open Question in DESIGN.md); every
// subsequent transition is delivered, but only the latest value need
// ever be observed.
//
// Modeled on the heavy, documented sync.Cond usage in the teacher's
// v2 Mux (mu/cond guarding a single shared value with Broadcast on
// every state change) rather than a channel-of-channels, since only
// the latest value matters and Cond avoids allocating a new channel
// per waiter.
type connWatch struct {
	mu    sync.Mutex
	cond  sync.Cond
	value bool
	gen   uint64 // bumped on every Set, so waiters can detect missed changes
}

func newConnWatch(initial bool) *connWatch {
	w := &connWatch{value: initial}
	w.cond.L = &w.mu
	return w
}

// Get returns the current value.
func (w *connWatch) Get() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// Set updates the value and wakes every waiter if it changed.
func (w *connWatch) Set(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.value == v {
		return
	}
	w.value = v
	w.gen++
	w.cond.Broadcast()
}

// Observer is a handle returned by Mux.WatchConnected. Next blocks
// until the observed value has changed at least once since the last
// call (or, on the first call, returns the current value immediately).
type Observer struct {
	w        *connWatch
	lastGen  uint64
	lastRead bool
	first    bool
}

func (w *connWatch) newObserver() *Observer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &Observer{w: w, lastGen: w.gen, lastRead: w.value, first: true}
}

// Next blocks until the value has been changed by at least one Set
// since the last call, then returns the latest value; if it changed and
// changed back, that value equals the one returned before. On the first
// call it returns the current value immediately.
func (o *Observer) Next() bool {
	o.w.mu.Lock()
	defer o.w.mu.Unlock()
	if o.first {
		o.first = false
		o.lastGen = o.w.gen
		o.lastRead = o.w.value
		return o.lastRead
	}
	for o.w.gen == o.lastGen {
		o.w.cond.Wait()
	}
	o.lastGen = o.w.gen
	o.lastRead = o.w.value
	return o.lastRead
}
