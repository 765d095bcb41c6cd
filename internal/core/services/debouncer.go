package services

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid press/release bursts into one channel join and
// one delayed leave. Joining has latency and a per-connection cost, so a
// press-release-press inside the window pays that cost once.
//
// Only the underlying channel join/leave is debounced. Microphone state is
// the coordinator's responsibility and follows press/release immediately.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration

	// isConnected reports whether the channel is currently joined (or a
	// join is in flight). Supplied by the coordinator; called with the
	// debouncer lock held.
	isConnected func() bool

	pendingDisconnect *time.Timer
	stopped           bool
}

// NewDebouncer creates a debouncer with the given window.
func NewDebouncer(window time.Duration, isConnected func() bool) *Debouncer {
	return &Debouncer{
		window:      window,
		isConnected: isConnected,
	}
}

// Press handles a PTT press. A pending disconnect is cancelled — the press
// continues the same logical session on the still-warm connection — and
// connect is not re-invoked. Otherwise connect runs once if no connection
// exists yet.
func (d *Debouncer) Press(connect func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if d.pendingDisconnect != nil {
		d.pendingDisconnect.Stop()
		d.pendingDisconnect = nil
		return
	}

	if !d.isConnected() {
		connect()
	}
}

// Release starts (or restarts) the disconnect window. When it elapses
// without an intervening Press, disconnect runs once.
func (d *Debouncer) Release(disconnect func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if d.pendingDisconnect != nil {
		d.pendingDisconnect.Stop()
	}
	d.pendingDisconnect = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		if d.stopped || d.pendingDisconnect == nil {
			d.mu.Unlock()
			return
		}
		d.pendingDisconnect = nil
		d.mu.Unlock()

		disconnect()
	})
}

// DisconnectPending reports whether a release window is currently running.
func (d *Debouncer) DisconnectPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingDisconnect != nil
}

// Stop cancels any pending disconnect and disables the debouncer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.pendingDisconnect != nil {
		d.pendingDisconnect.Stop()
		d.pendingDisconnect = nil
	}
}
