package concurrency

import (
	"context"
	"sync"
)

// compactThreshold is the number of consumed slots after which the backing
// slice is shifted down.
const compactThreshold = 64

// unboundedMailbox implements Mailbox with a growable slice guarded by a mutex.
// signal holds at most one wake-up token; a receiver that takes the last
// token while more messages remain hands a fresh token on.
type unboundedMailbox struct {
	mu     sync.Mutex
	queue  []interface{}
	head   int
	closed bool
	signal chan struct{}
	done   chan struct{}
}

// NewUnboundedMailbox creates an empty unbounded mailbox
func NewUnboundedMailbox() Mailbox {
	return &unboundedMailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send implements Mailbox interface
func (mb *unboundedMailbox) Send(msg interface{}) error {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return ErrMailboxClosed
	}
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()

	mb.notify()
	return nil
}

// Receive implements Mailbox interface
func (mb *unboundedMailbox) Receive(ctx context.Context) (interface{}, error) {
	for {
		msg, ok, err := mb.TryReceive()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		select {
		case <-mb.signal:
		case <-mb.done:
			return nil, ErrMailboxClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryReceive implements Mailbox interface
func (mb *unboundedMailbox) TryReceive() (interface{}, bool, error) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return nil, false, ErrMailboxClosed
	}
	if mb.head == len(mb.queue) {
		mb.mu.Unlock()
		return nil, false, nil
	}

	msg := mb.queue[mb.head]
	mb.queue[mb.head] = nil
	mb.head++
	if mb.head == len(mb.queue) {
		mb.queue = mb.queue[:0]
		mb.head = 0
	} else if mb.head >= compactThreshold && mb.head*2 >= len(mb.queue) {
		n := copy(mb.queue, mb.queue[mb.head:])
		mb.queue = mb.queue[:n]
		mb.head = 0
	}
	remaining := len(mb.queue) - mb.head
	mb.mu.Unlock()

	if remaining > 0 {
		mb.notify()
	}
	return msg, true, nil
}

// Close implements Mailbox interface
func (mb *unboundedMailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	mb.queue = nil
	mb.head = 0
	close(mb.done)
}

// Size implements Mailbox interface
func (mb *unboundedMailbox) Size() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue) - mb.head
}

// IsClosed implements Mailbox interface
func (mb *unboundedMailbox) IsClosed() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closed
}

func (mb *unboundedMailbox) notify() {
	select {
	case mb.signal <- struct{}{}:
	default:
	}
}
