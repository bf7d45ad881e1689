package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMailbox_SendReceive(t *testing.T) {
	mailbox := NewUnboundedMailbox()
	ctx := context.Background()

	if err := mailbox.Send("test message"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg, err := mailbox.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg != "test message" {
		t.Errorf("Receive() = %v, want test message", msg)
	}
}

func TestMailbox_Unbounded(t *testing.T) {
	mailbox := NewUnboundedMailbox()

	const n = 10000
	for i := 0; i < n; i++ {
		if err := mailbox.Send(i); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	if got := mailbox.Size(); got != n {
		t.Fatalf("Size() = %d, want %d", got, n)
	}

	for i := 0; i < n; i++ {
		msg, ok, err := mailbox.TryReceive()
		if err != nil || !ok {
			t.Fatalf("TryReceive() #%d = %v, %v", i, ok, err)
		}
		if msg != i {
			t.Fatalf("TryReceive() #%d = %v, want %d", i, msg, i)
		}
	}
	if got := mailbox.Size(); got != 0 {
		t.Errorf("Size() after drain = %d, want 0", got)
	}
}

func TestMailbox_TryReceiveEmpty(t *testing.T) {
	mailbox := NewUnboundedMailbox()

	msg, ok, err := mailbox.TryReceive()
	if err != nil {
		t.Errorf("TryReceive() error = %v", err)
	}
	if ok || msg != nil {
		t.Errorf("TryReceive() on empty mailbox = (%v, %v), want (nil, false)", msg, ok)
	}
}

func TestMailbox_ReceiveContextCancel(t *testing.T) {
	mailbox := NewUnboundedMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mailbox.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want deadline exceeded", err)
	}
}

func TestMailbox_Close(t *testing.T) {
	mailbox := NewUnboundedMailbox()

	done := make(chan error, 1)
	go func() {
		_, err := mailbox.Receive(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	mailbox.Close()

	select {
	case err := <-done:
		if err != ErrMailboxClosed {
			t.Errorf("blocked Receive() error = %v, want ErrMailboxClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close() did not wake the blocked receiver")
	}

	if err := mailbox.Send("late"); err != ErrMailboxClosed {
		t.Errorf("Send() after close error = %v, want ErrMailboxClosed", err)
	}
	if !mailbox.IsClosed() {
		t.Error("IsClosed() = false after Close()")
	}
	mailbox.Close()
}

func TestMailbox_ConcurrentProducers(t *testing.T) {
	mailbox := NewUnboundedMailbox()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = mailbox.Send([2]int{p, i})
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for n := 0; n < producers*perProducer; n++ {
		msg, err := mailbox.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() #%d error = %v", n, err)
		}
		item := msg.([2]int)
		if item[1] <= last[item[0]] {
			t.Fatalf("producer %d out of order: %d after %d", item[0], item[1], last[item[0]])
		}
		last[item[0]] = item[1]
	}
	wg.Wait()
}
