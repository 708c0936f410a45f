package app

import (
	"sync"
	"time"
)

const DefaultReactionWindow = 200 * time.Millisecond

// ReactionDebouncer drops repeats of the same reaction value inside a window.
// It owns one timer per pending value; Stop cancels them all.
type ReactionDebouncer struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

func NewReactionDebouncer(window time.Duration) *ReactionDebouncer {
	if window <= 0 {
		window = DefaultReactionWindow
	}
	return &ReactionDebouncer{
		window:  window,
		pending: make(map[string]*time.Timer),
	}
}

// Allow reports whether reaction should be relayed and, if so, opens the window.
func (d *ReactionDebouncer) Allow(reaction string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if _, ok := d.pending[reaction]; ok {
		return false
	}
	d.pending[reaction] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		delete(d.pending, reaction)
		d.mu.Unlock()
	})
	return true
}

func (d *ReactionDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, t := range d.pending {
		t.Stop()
		delete(d.pending, k)
	}
}
