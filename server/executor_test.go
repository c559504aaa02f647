package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestExecutor_RunsSerially(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := NewExecutor(0, nil)
	defer e.Close()

	// counter is only touched on the executor; the race detector flags any
	// overlap.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Do(context.Background(), func() { counter++ }); err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}

func TestExecutor_Close(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := NewExecutor(0, nil)

	e.Close()
	e.Close()

	if err := e.Do(context.Background(), func() { t.Error("ran after Close") }); !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("Do after Close = %v, want ErrExecutorClosed", err)
	}
}

func TestExecutor_ContextBoundsWait(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := NewExecutor(0, nil)
	defer e.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = e.Do(context.Background(), func() {
			close(started)
			<-release
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := e.Do(ctx, func() { t.Error("ran after its context expired") }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do = %v, want context.DeadlineExceeded", err)
	}
	close(release)

	// The executor is still usable.
	ran := false
	if err := e.Do(context.Background(), func() { ran = true }); err != nil || !ran {
		t.Fatalf("Do = %v, ran = %v", err, ran)
	}
}

func TestExecutor_Tick(t *testing.T) {
	defer goleak.VerifyNone(t)

	ticks := make(chan struct{}, 1)
	e := NewExecutor(time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	defer e.Close()

	select {
	case <-ticks:
	case <-time.After(5 * time.Second):
		t.Fatalf("no tick within 5s")
	}
}

func TestExecutor_RecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	ticked := make(chan struct{})
	var once sync.Once
	e := NewExecutor(time.Millisecond, func() {
		once.Do(func() { close(ticked) })
		panic("sweep failed")
	})
	defer e.Close()

	if err := e.Do(context.Background(), func() { panic("bad handle") }); !errors.Is(err, ErrTaskPanicked) {
		t.Fatalf("Do = %v, want ErrTaskPanicked", err)
	}
	select {
	case <-ticked:
	case <-time.After(5 * time.Second):
		t.Fatalf("no tick within 5s")
	}

	ran := false
	if err := e.Do(context.Background(), func() { ran = true }); err != nil || !ran {
		t.Fatalf("Do after panic = %v, ran = %v", err, ran)
	}
}
