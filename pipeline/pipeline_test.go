package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func startProcessor(t *testing.T, cfg Config) *Processor {
	t.Helper()
	p, err := NewProcessor(cfg, nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

func TestSubmit_RunsTask(t *testing.T) {
	p := startProcessor(t, Config{Workers: 2, QueueSize: 4})
	defer p.Shutdown()

	ran := make(chan string, 1)
	h, err := p.Submit(&Task{ID: "t1", Run: func(ctx context.Context) error {
		ran <- "t1"
		return nil
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case id := <-ran:
		if id != "t1" {
			t.Errorf("ran %q, want t1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	if err := <-h.Done(); err != nil {
		t.Errorf("task err = %v, want nil", err)
	}
}

func TestSubmit_BeforeStart(t *testing.T) {
	p, err := NewProcessor(Config{Workers: 1, QueueSize: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit(&Task{ID: "x", Run: func(context.Context) error { return nil }}); err != ErrNotRunning {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestSubmit_Backpressure(t *testing.T) {
	// 2 workers, per-worker capacity 1: two tasks occupy both workers,
	// the third submission is rejected immediately.
	p := startProcessor(t, Config{Workers: 2, QueueSize: 1, ShutdownTimeout: time.Second})

	release := make(chan struct{})
	busy := func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	started := make(chan struct{}, 2)
	blocker := func(ctx context.Context) error {
		started <- struct{}{}
		return busy(ctx)
	}

	for i := 0; i < 2; i++ {
		if _, err := p.Submit(&Task{ID: fmt.Sprintf("busy-%d", i), Run: blocker}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	// Wait until both workers are actually executing.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("workers never picked up tasks")
		}
	}

	if _, err := p.Submit(&Task{ID: "excess", Run: blocker}); err != ErrBackpressure {
		t.Errorf("err = %v, want ErrBackpressure", err)
	}
	if got := p.Stats().Rejected; got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}

	close(release)
	p.Shutdown()
}

func TestSubmit_BoundedOutstanding(t *testing.T) {
	const workers, queueSize = 2, 3
	p := startProcessor(t, Config{Workers: workers, QueueSize: queueSize, ShutdownTimeout: 2 * time.Second})

	release := make(chan struct{})
	var accepted, rejected int
	for i := 0; i < workers*queueSize*3; i++ {
		_, err := p.Submit(&Task{ID: fmt.Sprintf("t%d", i), Run: func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}})
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrBackpressure):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if accepted > workers*queueSize {
		t.Errorf("accepted %d tasks, bound is %d", accepted, workers*queueSize)
	}
	if rejected == 0 {
		t.Error("expected some rejections past the bound")
	}

	close(release)
	p.Shutdown()
}

func TestTaskFailure_Isolated(t *testing.T) {
	p := startProcessor(t, Config{Workers: 1, QueueSize: 4, ShutdownTimeout: time.Second})
	defer p.Shutdown()

	hFail, err := p.Submit(&Task{ID: "bad", Run: func(context.Context) error {
		return errors.New("boom")
	}})
	if err != nil {
		t.Fatal(err)
	}
	hPanic, err := p.Submit(&Task{ID: "worse", Run: func(context.Context) error {
		panic("kaboom")
	}})
	if err != nil {
		t.Fatal(err)
	}
	hOK, err := p.Submit(&Task{ID: "fine", Run: func(context.Context) error {
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}

	if err := <-hFail.Done(); err == nil {
		t.Error("failing task reported nil error")
	}
	if err := <-hPanic.Done(); err == nil {
		t.Error("panicking task reported nil error")
	}
	// The worker survives both failures.
	if err := <-hOK.Done(); err != nil {
		t.Errorf("healthy task err = %v", err)
	}

	s := p.Stats()
	if s.Failed != 2 {
		t.Errorf("failed = %d, want 2", s.Failed)
	}
	if s.Processed != 1 {
		t.Errorf("processed = %d, want 1", s.Processed)
	}
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	p := startProcessor(t, Config{Workers: 1, QueueSize: 1, ShutdownTimeout: time.Second})

	if err := p.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := p.Submit(&Task{ID: "late", Run: func(context.Context) error { return nil }}); err != ErrShuttingDown {
		t.Errorf("err = %v, want ErrShuttingDown", err)
	}
}

func TestShutdown_ReturnsWithinTimeout(t *testing.T) {
	p := startProcessor(t, Config{Workers: 1, QueueSize: 1, ShutdownTimeout: 100 * time.Millisecond})

	hung := make(chan struct{}, 1)
	if _, err := p.Submit(&Task{ID: "stuck", Run: func(ctx context.Context) error {
		hung <- struct{}{}
		<-ctx.Done() // only released by abandonment
		return ctx.Err()
	}}); err != nil {
		t.Fatal(err)
	}
	<-hung

	start := time.Now()
	err := p.Shutdown()
	elapsed := time.Since(start)

	if err != ErrDrainTimeout {
		t.Errorf("err = %v, want ErrDrainTimeout", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("shutdown took %v, want ~100ms", elapsed)
	}
}

func TestShutdown_DrainsQueuedTasks(t *testing.T) {
	p := startProcessor(t, Config{Workers: 2, QueueSize: 8, ShutdownTimeout: 2 * time.Second})

	var mu sync.Mutex
	var ran int
	for i := 0; i < 10; i++ {
		if _, err := p.Submit(&Task{ID: fmt.Sprintf("t%d", i), Run: func(context.Context) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	if err := p.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ran != 10 {
		t.Errorf("ran = %d, want 10", ran)
	}
}

func TestStats_PerWorker(t *testing.T) {
	p := startProcessor(t, Config{Workers: 3, QueueSize: 2, ShutdownTimeout: time.Second})

	for i := 0; i < 4; i++ {
		if _, err := p.Submit(&Task{ID: fmt.Sprintf("t%d", i), Run: func(context.Context) error { return nil }}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	p.Shutdown()

	s := p.Stats()
	if len(s.Workers) != 3 {
		t.Fatalf("worker stats = %d entries, want 3", len(s.Workers))
	}
	if s.Submitted != 4 {
		t.Errorf("submitted = %d, want 4", s.Submitted)
	}
	if s.Processed != 4 {
		t.Errorf("processed = %d, want 4", s.Processed)
	}
}

func TestStart_Twice(t *testing.T) {
	p := startProcessor(t, Config{Workers: 1, QueueSize: 1, ShutdownTimeout: time.Second})
	defer p.Shutdown()

	if err := p.Start(); err != ErrAlreadyRunning {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}
}
