package concurrency

import (
	"context"
	"errors"
	"fmt"
)

// DefaultChannelCount is the number of lanes in a pool built with size <= 0.
const DefaultChannelCount = 10

// ErrInvalidChannel is returned for a channel id outside the pool.
var ErrInvalidChannel = errors.New("invalid channel id")

// ChannelPool is a fixed table of independently addressed mailboxes.
// Each lane is an unbounded FIFO; payloads are type-erased and the producer
// and consumer of a lane agree on the payload type out of band.
type ChannelPool struct {
	channels []Mailbox
}

// NewChannelPool creates a pool with size lanes.
func NewChannelPool(size int) *ChannelPool {
	if size <= 0 {
		size = DefaultChannelCount
	}
	p := &ChannelPool{channels: make([]Mailbox, size)}
	for i := range p.channels {
		p.channels[i] = NewUnboundedMailbox()
	}
	return p
}

// Size returns the number of lanes.
func (p *ChannelPool) Size() int {
	return len(p.channels)
}

// Channel returns the mailbox behind lane id.
func (p *ChannelPool) Channel(id int) (Mailbox, error) {
	if id < 0 || id >= len(p.channels) {
		return nil, fmt.Errorf("%w: %d (pool size %d)", ErrInvalidChannel, id, len(p.channels))
	}
	return p.channels[id], nil
}

// Send enqueues msg on lane id without blocking.
func (p *ChannelPool) Send(id int, msg interface{}) error {
	ch, err := p.Channel(id)
	if err != nil {
		return err
	}
	return ch.Send(msg)
}

// Close closes every lane, waking blocked receivers.
func (p *ChannelPool) Close() {
	for _, ch := range p.channels {
		ch.Close()
	}
}

// Recv waits for the next message on lane id and returns it as T.
// ok is false when the lane is invalid or closed, ctx is done, or the
// dequeued message is not a T; in the last case the message is consumed.
func Recv[T any](ctx context.Context, p *ChannelPool, id int) (T, bool) {
	var zero T
	ch, err := p.Channel(id)
	if err != nil {
		return zero, false
	}
	msg, err := ch.Receive(ctx)
	if err != nil {
		return zero, false
	}
	v, ok := msg.(T)
	return v, ok
}

// TryRecv is the non-blocking form of Recv. It returns immediately with
// ok=false when lane id is empty.
func TryRecv[T any](p *ChannelPool, id int) (T, bool) {
	var zero T
	ch, err := p.Channel(id)
	if err != nil {
		return zero, false
	}
	msg, ok, err := ch.TryReceive()
	if err != nil || !ok {
		return zero, false
	}
	v, ok := msg.(T)
	return v, ok
}
