package loop

import "sync"

// Notifier holds the latest snapshot of a view. Its channel buffers a single
// value, so slow readers only ever see the newest snapshot.
type Notifier[T any] struct {
	mu     sync.Mutex
	latest T
	ch     chan T
	closed bool
}

func NewNotifier[T any](initial T) *Notifier[T] {
	return &Notifier[T]{latest: initial, ch: make(chan T, 1)}
}

func (n *Notifier[T]) Publish(value T) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latest = value
	if n.closed {
		return
	}
	select {
	case <-n.ch:
	default:
	}
	n.ch <- value
}

func (n *Notifier[T]) Latest() T {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latest
}

func (n *Notifier[T]) Updates() <-chan T {
	return n.ch
}

func (n *Notifier[T]) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.ch)
}
