// Package mailbox provides an unbounded FIFO whose producer side never blocks.
package mailbox

import "sync"

// Mailbox decouples a producer that must not block (an event loop) from a
// consumer that reads at its own pace. Items are delivered on Out in push
// order. Once Close returns, Out is closed and yields no further items; queued
// items are discarded.
type Mailbox[T any] struct {
	mu      sync.Mutex
	queue   []T
	notify  chan struct{}
	out     chan T
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		notify:  make(chan struct{}, 1),
		out:     make(chan T),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.pump()
	return m
}

// Push enqueues v. It reports false when the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	m.mu.Lock()
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Out is closed once the mailbox is closed.
func (m *Mailbox[T]) Out() <-chan T {
	return m.out
}

// Done is closed as soon as Close is called.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

// Len returns the number of queued, undelivered items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close waits for the delivery goroutine to exit. A receive that completes
// before Close returns may still observe one item.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() { close(m.done) })
	<-m.stopped
}

func (m *Mailbox[T]) pump() {
	defer close(m.stopped)
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.notify:
				continue
			case <-m.done:
				m.drop()
				return
			}
		}
		next := m.queue[0]
		m.mu.Unlock()

		select {
		case <-m.done:
			m.drop()
			return
		default:
		}
		select {
		case m.out <- next:
			m.mu.Lock()
			var zero T
			m.queue[0] = zero
			m.queue = m.queue[1:]
			m.mu.Unlock()
		case <-m.done:
			m.drop()
			return
		}
	}
}

func (m *Mailbox[T]) drop() {
	m.mu.Lock()
	m.queue = nil
	m.mu.Unlock()
}
