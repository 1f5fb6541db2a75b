package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// JobsManager supervises a group of jobs sharing one scope.
//
// The scope is cancelled when the owner's stopped channel is closed, when
// Stop is called, or as soon as any job returns: jobs are loops which only
// make sense together, so the exit of one cancels its siblings.
type JobsManager struct {
	name    string
	logger  *slog.Logger
	stopped <-chan struct{}

	lk        sync.Mutex
	ctx       context.Context
	cancel    context.CancelCauseFunc
	tasks     []*StoppableTask
	watcherCh chan struct{}
	closed    bool
}

// NewJobsManager creates a manager bound to an owner which closes stopped
// when it terminates. A nil stopped channel never fires.
func NewJobsManager(name string, stopped <-chan struct{}, logger *slog.Logger) *JobsManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobsManager{
		name:    name,
		logger:  logger.With("jobs", name),
		stopped: stopped,
	}
}

// Start opens the scope of the manager, derived from ctx.
func (m *JobsManager) Start(ctx context.Context) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return ErrJobsStopped
	}
	if m.ctx != nil {
		return ErrAlreadyStarted
	}

	m.ctx, m.cancel = context.WithCancelCause(ctx)
	m.watcherCh = make(chan struct{})

	go func(ctx context.Context) {
		defer close(m.watcherCh)
		select {
		case <-m.stopped:
			m.cancel(ErrOwnerStopped)
		case <-ctx.Done():
		}
	}(m.ctx)
	return nil
}

// Spawn runs work inside the scope of the manager. It fails with
// ErrJobsStopped once Stop was called.
func (m *JobsManager) Spawn(work func(context.Context) error) error {
	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		return ErrJobsStopped
	}
	if m.ctx == nil {
		m.lk.Unlock()
		return ErrNotStarted
	}
	ctx, cancel := m.ctx, m.cancel
	t := New()
	m.tasks = append(m.tasks, t)
	m.lk.Unlock()

	t.Start(ctx, work, func(err error) {
		if err != nil && !errors.Is(err, ErrJobCancelled) {
			m.logger.Debug("job exited", "error", err)
		}
		cancel(ErrSiblingExited)
	}, ErrJobCancelled)
	return nil
}

// Stop cancels every job and waits for them to return. A stopped manager
// can't be started again.
func (m *JobsManager) Stop() {
	m.lk.Lock()
	m.closed = true
	if m.ctx == nil {
		m.lk.Unlock()
		return
	}
	m.cancel(ErrJobsStopped)
	tasks := m.tasks
	m.tasks = nil
	watcherCh := m.watcherCh
	m.lk.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
	<-watcherCh
}

// Done is closed once the scope of the manager is cancelled.
func (m *JobsManager) Done() <-chan struct{} {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.ctx == nil {
		return nil
	}
	return m.ctx.Done()
}

// Err returns why the scope was cancelled, if it was.
func (m *JobsManager) Err() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.ctx == nil {
		return nil
	}
	return context.Cause(m.ctx)
}
