// Package task provides cancellable units of background work and a
// supervisor tying a group of them to the lifetime of an owner.
package task

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotStarted     = errors.New("task: jobs manager not started")
	ErrJobsStopped    = errors.New("task: jobs manager stopped")
	ErrOwnerStopped   = errors.New("task: owner stopped")
	ErrJobCancelled   = errors.New("task: job cancelled")
	ErrSiblingExited  = errors.New("task: a sibling job exited")
	ErrAlreadyStarted = errors.New("task: already started")
)

// StoppableTask owns one goroutine running a unit of work.
//
// Once Stop returns, the work is not running and will never run again.
type StoppableTask struct {
	lk      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	err     error
}

func New() *StoppableTask {
	return &StoppableTask{doneCh: make(chan struct{})}
}

// Start runs work in a new goroutine with a context derived from ctx.
//
// When work returns, onStop is called exactly once with its result. If the
// work ended because it was cancelled (by Stop or by ctx), onStop receives
// stopErr instead. Start is a no-op if the task was already started or
// stopped.
func (t *StoppableTask) Start(
	ctx context.Context,
	work func(context.Context) error,
	onStop func(error),
	stopErr error,
) {
	t.lk.Lock()
	if t.started || t.stopped {
		t.lk.Unlock()
		return
	}
	t.started = true
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.lk.Unlock()

	go func() {
		defer close(t.doneCh)
		defer cancel()

		err := work(ctx)
		if ctx.Err() != nil && stopErr != nil {
			err = stopErr
		}

		t.lk.Lock()
		t.err = err
		t.lk.Unlock()

		if onStop != nil {
			onStop(err)
		}
	}()
}

// Stop cancels the work and waits for it, onStop included. It is safe to
// call it several times and from several goroutines but it MUST NOT be
// called from onStop.
func (t *StoppableTask) Stop() {
	t.lk.Lock()
	if !t.started {
		if !t.stopped {
			t.stopped = true
			close(t.doneCh)
		}
		t.lk.Unlock()
		return
	}
	t.stopped = true
	t.cancel()
	t.lk.Unlock()

	<-t.doneCh
}

// Done is closed once the work and its onStop callback returned, or when
// the task is stopped before being started.
func (t *StoppableTask) Done() <-chan struct{} {
	return t.doneCh
}

// Err is the result passed to onStop, it is only meaningful after Done
// is closed.
func (t *StoppableTask) Err() error {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.err
}
