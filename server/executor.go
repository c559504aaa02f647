package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrExecutorClosed is returned by Do once the executor has been closed.
	ErrExecutorClosed = errors.New("server: executor closed")
	// ErrTaskPanicked is returned by Do when fn panics. The executor keeps
	// running.
	ErrTaskPanicked = errors.New("server: task panicked")
)

type task struct {
	fn   func()
	done chan error
}

// Executor runs functions one at a time on a single goroutine. Everything
// that touches bridge state goes through it, so the bridge itself needs no
// locks.
type Executor struct {
	tasks chan task
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewExecutor starts an executor. When every is positive, onTick runs on the
// executor goroutine at that interval.
func NewExecutor(every time.Duration, onTick func()) *Executor {
	e := &Executor{
		tasks: make(chan task),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.run(every, onTick)
	return e
}

func (e *Executor) run(every time.Duration, onTick func()) {
	defer close(e.done)

	var tick <-chan time.Time
	if every > 0 && onTick != nil {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case t := <-e.tasks:
			t.done <- safely(t.fn)
		case <-tick:
			_ = safely(onTick)
		case <-e.stop:
			return
		}
	}
}

func safely(fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, v)
		}
	}()
	fn()
	return nil
}

// Do runs fn on the executor and waits for it to return. ctx only bounds the
// wait for the executor to pick fn up; once started, fn runs to completion.
func (e *Executor) Do(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case e.tasks <- t:
	case <-e.stop:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-t.done
}

// Close stops the executor and waits for its goroutine to exit. A function
// already running is allowed to finish.
func (e *Executor) Close() {
	e.once.Do(func() { close(e.stop) })
	<-e.done
}
