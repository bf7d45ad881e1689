// Package reactor runs posted functions one at a time on a single goroutine.
// State owned by a reactor needs no locking as long as it is only touched
// from functions posted to it.
package reactor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fluxorio/ocworker/pkg/core"
	"github.com/fluxorio/ocworker/pkg/core/concurrency"
)

type Reactor struct {
	name    string
	mailbox concurrency.Mailbox
	logger  core.Logger

	started atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// New creates a reactor with an unbounded mailbox. Post never blocks and
// never reports backpressure.
func New(name string, logger core.Logger) *Reactor {
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Reactor{
		name:    name,
		mailbox: concurrency.NewUnboundedMailbox(),
		logger:  core.Named(logger, "reactor."+name),
		done:    make(chan struct{}),
	}
}

func (r *Reactor) Name() string {
	return r.name
}

// Start launches the event loop. It returns when ctx is done or Stop is called.
func (r *Reactor) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.loop(ctx)
}

// Stop closes the mailbox and waits for the loop to exit. Functions still
// queued are dropped.
func (r *Reactor) Stop(ctx context.Context) error {
	r.once.Do(r.mailbox.Close)
	if !r.started.Load() {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post submits fn for execution on the event loop.
func (r *Reactor) Post(fn func()) error {
	if err := r.mailbox.Send(fn); err != nil {
		return ErrStopped
	}
	return nil
}

// Call states. A queued call is claimed exactly once, either by the loop
// when it starts fn or by the caller when it gives up.
const (
	callPending int32 = iota
	callRunning
	callAbandoned
)

// Call posts fn and waits for it to finish. A panic inside fn is returned
// as an error. If ctx is done before the loop reaches fn, fn never runs;
// once fn has started, Call waits for it.
func (r *Reactor) Call(ctx context.Context, fn func() error) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var state atomic.Int32
	result := make(chan error, 1)
	err := r.Post(func() {
		if !state.CompareAndSwap(callPending, callRunning) {
			return
		}
		defer func() {
			if p := recover(); p != nil {
				result <- fmt.Errorf("reactor %s: panic: %v", r.name, p)
			}
		}()
		result <- fn()
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(callPending, callAbandoned) {
			return ctx.Err()
		}
		// fn already started; its effects must be reported.
		select {
		case err := <-result:
			return err
		case <-r.done:
			return r.drained(result)
		}
	case <-r.done:
		return r.drained(result)
	}
}

// drained reports the outcome of a call after the loop exited. The loop
// may have run fn just before exiting.
func (r *Reactor) drained(result <-chan error) error {
	select {
	case err := <-result:
		return err
	default:
		return ErrStopped
	}
}

func (r *Reactor) loop(ctx context.Context) {
	defer close(r.done)
	for {
		msg, err := r.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		if fn, ok := msg.(func()); ok {
			r.safeExecute(fn)
		}
	}
}

func (r *Reactor) safeExecute(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorf("recovered panic in reactor task: %v", p)
		}
	}()
	fn()
}
