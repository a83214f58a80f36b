// Package runtime provides the supervised task tree that every flow
// and background refresher in the gateway is spawned onto: a single
// shutdown token cancels every supervised task, panics are recovered
// and logged instead of crashing the process, and a small set of
// "unsupervised" tasks (final telemetry flushes) are allowed to
// outlive shutdown.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrCancelled is returned by a supervised task's handle when the
// runtime's shutdown token fired before the task's function returned
// on its own.
var ErrCancelled = errors.New("runtime: task cancelled by shutdown")

// Runtime is a supervised task tree rooted at a single cancellable
// context. It is the generalized form of internal/transport.Serve's
// errgroup pairing: instead of a fixed list of Listeners started up
// front, tasks may be spawned at any time for as long as the root
// context is live.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	eg    *errgroup.Group
	egCtx context.Context

	unsupervised sync.WaitGroup

	logger *slog.Logger
}

// New builds a Runtime whose supervised tasks are cancelled when
// parent is cancelled or Shutdown is called.
func New(parent context.Context, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(parent)
	eg, egCtx := errgroup.WithContext(ctx)
	return &Runtime{
		ctx:    ctx,
		cancel: cancel,
		eg:     eg,
		egCtx:  egCtx,
		logger: logger,
	}
}

// Context returns the runtime's shutdown-bound context. It is
// cancelled when Shutdown is called or any supervised task returns a
// non-nil error (errgroup semantics), whichever comes first.
func (r *Runtime) Context() context.Context { return r.egCtx }

// Handle observes the outcome of one spawn_supervised_task call.
type Handle[T any] struct {
	done   chan struct{}
	output T
	err    error
}

// Wait blocks until the task completes, returning its output and
// error, or (zero value, ErrCancelled) if the shutdown token fired
// before the task itself finished.
func (h *Handle[T]) Wait() (T, error) {
	<-h.done
	return h.output, h.err
}

// SpawnSupervised runs fn on a goroutine bound to the runtime's
// shutdown token. If fn panics, the panic is recovered and logged
// with its stack, and reported to the handle as an error — it never
// aborts the process. If the shutdown token fires first, fn keeps
// running to completion (Go has no future-cancellation-by-drop), but
// Wait returns ErrCancelled immediately so callers do not block
// shutdown on a task that no longer matters.
func SpawnSupervised[T any](r *Runtime, fn func(ctx context.Context) (T, error)) *Handle[T] {
	h := &Handle[T]{done: make(chan struct{})}
	settled := make(chan struct{})

	r.eg.Go(func() (taskErr error) {
		defer func() {
			if p := recover(); p != nil {
				err := fmt.Errorf("runtime: supervised task panicked: %v\n%s", p, debug.Stack())
				r.logger.Error("supervised task panicked", "panic", p, "stack", string(debug.Stack()))
				taskErr = err
				select {
				case <-settled:
				default:
					h.err = err
					close(h.done)
					close(settled)
				}
				return
			}
		}()

		out, err := fn(r.egCtx)

		select {
		case <-settled:
		default:
			h.output = out
			h.err = err
			close(h.done)
			close(settled)
		}
		// Stopping with context.Canceled after the shutdown token
		// fired is not a task failure.
		if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
			return nil
		}
		return err
	})

	go func() {
		select {
		case <-settled:
		case <-r.egCtx.Done():
			select {
			case <-settled:
			default:
				h.err = ErrCancelled
				close(h.done)
				close(settled)
			}
		}
	}()

	return h
}

// SpawnSupervisedFn is SpawnSupervised for tasks that need to spawn
// further supervised work of their own; it hands fn the same Runtime
// so it can call SpawnSupervised again.
func SpawnSupervisedFn[T any](r *Runtime, fn func(ctx context.Context, rt *Runtime) (T, error)) *Handle[T] {
	return SpawnSupervised(r, func(ctx context.Context) (T, error) {
		return fn(ctx, r)
	})
}

// SpawnUnsupervised runs fn on a detached, context.Background-rooted
// goroutine that is not cancelled by the shutdown token. It is meant
// only for best-effort final work (telemetry flush) that should
// still get a chance to run during an otherwise-cancelled shutdown.
// Close waits for all unsupervised tasks to finish.
func (r *Runtime) SpawnUnsupervised(fn func(ctx context.Context)) {
	r.unsupervised.Add(1)
	go func() {
		defer r.unsupervised.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("unsupervised task panicked", "panic", p, "stack", string(debug.Stack()))
			}
		}()
		fn(context.Background())
	}()
}

// Shutdown cancels the shutdown token with cause, so that r.Context()
// and every in-flight supervised task observe ctx.Err()/context.Cause.
func (r *Runtime) Shutdown(cause error) {
	if cause == nil {
		cause = errors.New("runtime: shutdown requested")
	}
	r.cancel(cause)
}

// Close cancels the shutdown token (if not already cancelled), waits
// for every supervised task to return, then waits for every
// unsupervised task to finish, and returns the first non-nil error
// from a supervised task (errgroup.Wait semantics). A recovered panic
// counts as its task's error; a task that returns context.Canceled
// after the shutdown token fired does not count. This is the
// runtime's "drop" — unlike Shutdown's cooperative cancellation,
// Close always blocks until everything has actually stopped.
func (r *Runtime) Close() error {
	r.cancel(nil)
	err := r.eg.Wait()
	r.unsupervised.Wait()
	return err
}
