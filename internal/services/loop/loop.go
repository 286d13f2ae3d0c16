// Package loop serializes a view's state changes onto one goroutine and
// publishes the resulting snapshots.
package loop

import (
	"sync"
	"time"
)

// Loop runs dispatched functions one at a time, in order. Dispatch never
// blocks, so change-feed handlers can call it directly.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
	workers sync.WaitGroup
	once    sync.Once
}

func New() *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go l.run()
	return l
}

// Dispatch queues fn and reports false once the loop has stopped.
func (l *Loop) Dispatch(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Go runs work off the loop. Stop waits for it to return.
func (l *Loop) Go(work func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.workers.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.workers.Done()
		work()
	}()
	return true
}

// After dispatches fn once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Dispatch(fn)
	})
}

// Sync blocks until everything dispatched before it has run.
func (l *Loop) Sync() {
	ran := make(chan struct{})
	if !l.Dispatch(func() { close(ran) }) {
		return
	}
	select {
	case <-ran:
	case <-l.exited:
	}
}

// Stop drops queued functions, waits for off-loop work and for the loop
// goroutine to exit. It must not be called from the loop itself.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
	<-l.exited
	l.workers.Wait()
}

func (l *Loop) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if l.stopped || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
		}
	}
}
