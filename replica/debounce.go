package replica

import (
	"sync"
	"time"
)

// Debouncer runs fn once after wait has passed without another Call.
// One timer is shared across calls, so a burst collapses to one run.
type Debouncer struct {
	mu      sync.Mutex
	wait    time.Duration
	fn      func()
	timer   *time.Timer
	seq     uint64
	stopped bool
}

// NewDebouncer creates an idle debouncer
func NewDebouncer(wait time.Duration, fn func()) *Debouncer {
	return &Debouncer{wait: wait, fn: fn}
}

// Call (re)starts the quiet window
func (d *Debouncer) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.wait, func() { d.fire(seq) })
}

// fire runs fn unless a later Call or Stop superseded this timer
func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	current := !d.stopped && seq == d.seq
	d.mu.Unlock()
	if current {
		d.fn()
	}
}

// Stop cancels a pending run; later calls are ignored
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
