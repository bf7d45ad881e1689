package concurrency

import (
	"context"
	"errors"
)

var (
	// ErrMailboxClosed is returned when trying to send/receive on a closed mailbox
	ErrMailboxClosed = errors.New("mailbox is closed")
)

// Mailbox abstracts channel operations behind a message passing API.
// Send never blocks: a mailbox is an unbounded FIFO with any number of
// producers and one logical consumer.
type Mailbox interface {
	// Send appends a message to the mailbox
	// Returns ErrMailboxClosed if mailbox is closed
	Send(msg interface{}) error

	// Receive receives the oldest message from the mailbox
	// Blocks until a message is available or ctx is cancelled
	// Returns ErrMailboxClosed if mailbox is closed
	Receive(ctx context.Context) (interface{}, error)

	// TryReceive attempts to receive a message without blocking
	// Returns (msg, true) if message available, (nil, false) if empty
	// Returns ErrMailboxClosed if mailbox is closed
	TryReceive() (interface{}, bool, error)

	// Close closes the mailbox and wakes every blocked receiver
	// After closing, Send/Receive operations will return ErrMailboxClosed
	Close()

	// Size returns the current number of messages in the mailbox
	Size() int

	// IsClosed returns true if the mailbox is closed
	IsClosed() bool
}
