package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/ocworker/pkg/fvm"
	"github.com/fluxorio/ocworker/pkg/reactor"
)

func newTestSlot(t *testing.T) *ProgramSlot {
	t.Helper()
	r := reactor.New("engine", nil)
	r.Start(context.Background())
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return NewProgramSlot(r, newHosts(t), nil)
}

func TestProgramSlot_NoProgram(t *testing.T) {
	slot := newTestSlot(t)

	if _, err := slot.Run(context.Background(), "f", "[]", OutputInt32); !errors.Is(err, ErrNoProgram) {
		t.Fatalf("expected ErrNoProgram, got %v", err)
	}
	loaded, err := slot.Loaded(context.Background())
	if err != nil || loaded {
		t.Errorf("Loaded() = %v, %v; want false", loaded, err)
	}
}

func TestProgramSlot_Replace(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	if err := slot.Load(ctx, ".method f 0\nLOADINT 1\nRETVAL\n.end"); err != nil {
		t.Fatalf("first Load failed: %v", err)
	}
	if got, err := slot.Run(ctx, "f", "[]", OutputInt32); err != nil || got != "1" {
		t.Fatalf("Run = %q, %v; want 1", got, err)
	}

	if err := slot.Load(ctx, ".method f 0\nLOADINT 2\nRETVAL\n.end"); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if got, err := slot.Run(ctx, "f", "[]", OutputInt32); err != nil || got != "2" {
		t.Errorf("Run after replace = %q, %v; want 2", got, err)
	}
}

func TestProgramSlot_ReplaceDropsOldFunctions(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	if err := slot.Load(ctx, ".method f 0\nLOADINT 1\nRETVAL\n.end"); err != nil {
		t.Fatalf("first Load failed: %v", err)
	}
	if err := slot.Load(ctx, ".method g 0\nLOADINT 2\nRETVAL\n.end"); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}

	if _, err := slot.Run(ctx, "f", "[]", OutputInt32); !errors.Is(err, ErrFunctionNotFound) {
		t.Errorf("Run(f) error = %v, want ErrFunctionNotFound", err)
	}
	if got, err := slot.Run(ctx, "g", "[]", OutputInt32); err != nil || got != "2" {
		t.Errorf("Run(g) = %q, %v; want 2", got, err)
	}
}

func TestProgramSlot_FailedLoadKeepsPrevious(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	if err := slot.Load(ctx, ".method f 0\nLOADINT 1\nRETVAL\n.end"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	err := slot.Load(ctx, ".method f 0\nLOADINT\n.end")
	var ce *fvm.CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompileError, got %v", err)
	}

	if got, err := slot.Run(ctx, "f", "[]", OutputInt32); err != nil || got != "1" {
		t.Errorf("Run after failed load = %q, %v; want 1", got, err)
	}
}

func TestProgramSlot_ConcurrentLoadAndRun(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	if err := slot.Load(ctx, ".method f 0\nLOADINT 0\nRETVAL\n.end"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = slot.Load(ctx, ".method f 0\nLOADINT 7\nRETVAL\n.end")
		}()
		go func() {
			defer wg.Done()
			got, err := slot.Run(ctx, "f", "[]", OutputInt32)
			if err != nil || (got != "0" && got != "7") {
				t.Errorf("Run = %q, %v; want 0 or 7", got, err)
			}
		}()
	}
	wg.Wait()
}

func TestProgramSlot_LoadThenRunInIssueOrder(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	blocker := make(chan struct{})
	if err := slot.owner.Post(func() { <-blocker }); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	loaded := make(chan error, 1)
	go func() { loaded <- slot.Load(ctx, ".method f 0\nLOADINT 3\nRETVAL\n.end") }()
	time.Sleep(20 * time.Millisecond)

	ran := make(chan string, 1)
	go func() {
		got, err := slot.Run(ctx, "f", "[]", OutputInt32)
		if err != nil {
			got = err.Error()
		}
		ran <- got
	}()
	time.Sleep(20 * time.Millisecond)
	close(blocker)

	if err := <-loaded; err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := <-ran; got != "3" {
		t.Errorf("Run issued after Load = %q, want 3", got)
	}
}

func TestProgramSlot_CancelledLoadKeepsPrevious(t *testing.T) {
	slot := newTestSlot(t)
	ctx := context.Background()

	if err := slot.Load(ctx, ".method f 0\nLOADINT 1\nRETVAL\n.end"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	blocker := make(chan struct{})
	if err := slot.owner.Post(func() { <-blocker }); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	loadCtx, cancel := context.WithCancel(ctx)
	loaded := make(chan error, 1)
	go func() { loaded <- slot.Load(loadCtx, ".method f 0\nLOADINT 2\nRETVAL\n.end") }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-loaded; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(blocker)

	if got, err := slot.Run(ctx, "f", "[]", OutputInt32); err != nil || got != "1" {
		t.Errorf("Run after cancelled load = %q, %v; want 1", got, err)
	}
}
