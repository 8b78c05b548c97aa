package session

import "sync"

// Watcher receives State snapshots. Only the latest undelivered snapshot is
// kept: a slow reader skips intermediate states but always sees the newest.
type Watcher struct {
	ch   chan State
	done chan struct{}

	once    sync.Once
	release func()
}

func newWatcher() *Watcher {
	return &Watcher{ch: make(chan State, 1), done: make(chan struct{})}
}

// C returns the snapshot stream. It is never closed; select on Done too.
func (w *Watcher) C() <-chan State { return w.ch }

// Done is closed after Close.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Close detaches the watcher (idempotent).
func (w *Watcher) Close() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		if w.release != nil {
			w.release()
		}
		close(w.done)
	})
}

// offer replaces any pending snapshot with s. Callers serialize offers.
func (w *Watcher) offer(s State) {
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- s:
	default:
	}
}
