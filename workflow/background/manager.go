// Package background drives workflow runs to terminal state asynchronously,
// off the request that enqueued them.
package background

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/hansjm10/alphred-sub002/workflow"
)

// SessionFactory opens a fresh database-backed Store for a background task,
// independent of the caller's request-scoped session.
type SessionFactory func() (workflow.Store, func() error, error)

// task tracks one in-flight run execution.
type task struct {
	runID int64
	done  chan struct{}
}

// Manager is a process-wide single-flight map from runId to in-flight task.
// A given run is driven by at most one in-flight execution task at a time.
type Manager struct {
	newSession SessionFactory
	opts       workflow.ExecutorOptions
	maxSteps   int

	mu             sync.Mutex
	inFlight       map[int64]*task
	reschedulePend map[int64]bool
}

// NewManager constructs a Manager. newSession opens one database session per
// background task; opts/maxSteps are forwarded to workflow.ExecuteRun.
func NewManager(newSession SessionFactory, opts workflow.ExecutorOptions, maxSteps int) *Manager {
	return &Manager{
		newSession:     newSession,
		opts:           opts,
		maxSteps:       maxSteps,
		inFlight:       make(map[int64]*task),
		reschedulePend: make(map[int64]bool),
	}
}

// Enqueue spawns a background task for runID unless one is already running,
// in which case it returns false.
func (m *Manager) Enqueue(runID int64) bool {
	m.mu.Lock()
	if _, busy := m.inFlight[runID]; busy {
		m.mu.Unlock()
		return false
	}
	t := &task{runID: runID, done: make(chan struct{})}
	m.inFlight[runID] = t
	inFlightCount := len(m.inFlight)
	m.mu.Unlock()
	m.opts.Metrics.SetBackgroundRunsInFlight(inFlightCount)

	go m.run(t)
	return true
}

func (m *Manager) run(t *task) {
	defer close(t.done)
	defer func() {
		m.mu.Lock()
		if m.inFlight[t.runID] == t {
			delete(m.inFlight, t.runID)
		}
		inFlightCount := len(m.inFlight)
		m.mu.Unlock()
		m.opts.Metrics.SetBackgroundRunsInFlight(inFlightCount)
	}()

	store, closeSession, err := m.newSession()
	if err != nil {
		slog.Error("background execution: open session failed", "run_id", t.runID, "error", err)
		m.markRunTerminalAfterBackgroundFailure(t.runID)
		return
	}
	defer func() {
		if closeSession != nil {
			if err := closeSession(); err != nil {
				slog.Error("background execution: close session failed", "run_id", t.runID, "error", err)
			}
		}
	}()

	ctx := context.Background()
	workingDirectory, hasManagedWorktree := m.resolveRunExecutionContext(ctx, store, t.runID)
	slog.Info("background execution starting", "run_id", t.runID, "working_directory", workingDirectory, "has_managed_worktree", hasManagedWorktree)

	if _, err := workflow.ExecuteRun(ctx, store, t.runID, m.opts, m.maxSteps); err != nil {
		slog.Error("background execution failed", "run_id", t.runID, "error", err)
		m.markRunTerminalAfterBackgroundFailureWithStore(ctx, store, t.runID)
	}
}

// Ensure schedules a run for background execution, debouncing re-entries: if
// a task is already in flight for runID, it awaits that task and then
// re-enqueues only once and only if the run is still running after the
// in-flight task settles.
func (m *Manager) Ensure(runID int64) {
	if m.Enqueue(runID) {
		return
	}

	m.mu.Lock()
	if m.reschedulePend[runID] {
		m.mu.Unlock()
		return
	}
	m.reschedulePend[runID] = true
	existing := m.inFlight[runID]
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.reschedulePend, runID)
			m.mu.Unlock()
		}()
		if existing != nil {
			<-existing.done
		}

		store, closeSession, err := m.newSession()
		if err != nil {
			slog.Error("background execution: reschedule open session failed", "run_id", runID, "error", err)
			return
		}
		defer func() {
			if closeSession != nil {
				_ = closeSession()
			}
		}()

		ctx := context.Background()
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			slog.Error("background execution: reschedule read run failed", "run_id", runID, "error", err)
			return
		}
		if run.Status == workflow.RunStatusRunning {
			m.Enqueue(runID)
		}
	}()
}

// resolveRunExecutionContext returns the working directory and whether it is
// a managed worktree, based on the run's latest active RunWorktree row,
// falling back to the process working directory.
func (m *Manager) resolveRunExecutionContext(ctx context.Context, store workflow.Store, runID int64) (workingDirectory string, hasManagedWorktree bool) {
	wt, ok, err := store.LatestActiveWorktree(ctx, runID)
	if err != nil || !ok {
		cwd, cerr := os.Getwd()
		if cerr != nil {
			return ".", false
		}
		return cwd, false
	}
	return wt.Path, true
}

// markRunTerminalAfterBackgroundFailure opens a fresh session to reconcile
// a run left non-terminal after a background task failed outside
// ExecuteRun's own terminal handling (e.g. the session itself never opened).
func (m *Manager) markRunTerminalAfterBackgroundFailure(runID int64) {
	store, closeSession, err := m.newSession()
	if err != nil {
		slog.Error("background execution: cleanup session failed", "run_id", runID, "error", err)
		return
	}
	defer func() {
		if closeSession != nil {
			_ = closeSession()
		}
	}()
	m.markRunTerminalAfterBackgroundFailureWithStore(context.Background(), store, runID)
}

// markRunTerminalAfterBackgroundFailureWithStore maps a run left
// non-terminal by a background failure to its terminal counterpart:
// pending -> cancelled, running -> failed, paused -> cancelled; precondition
// failures are swallowed, and any error here is logged, never re-raised.
func (m *Manager) markRunTerminalAfterBackgroundFailureWithStore(ctx context.Context, store workflow.Store, runID int64) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		slog.Error("background execution: cleanup read run failed", "run_id", runID, "error", err)
		return
	}

	var target workflow.RunStatus
	switch run.Status {
	case workflow.RunStatusPending:
		target = workflow.RunStatusCancelled
	case workflow.RunStatusRunning:
		target = workflow.RunStatusFailed
	case workflow.RunStatusPaused:
		target = workflow.RunStatusCancelled
	default:
		return
	}

	if err := store.TransitionRun(ctx, runID, run.Status, target); err != nil {
		slog.Warn("background execution: cleanup transition failed", "run_id", runID, "from", run.Status, "to", target, "error", err)
	}
}

// HasBackgroundExecution reports whether runID currently has an in-flight
// background task.
func (m *Manager) HasBackgroundExecution(runID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[runID]
	return ok
}

// EnqueueAndWait enqueues runID and blocks until that task settles. It
// returns false without waiting if a task was already in flight for runID.
func (m *Manager) EnqueueAndWait(runID int64) bool {
	m.mu.Lock()
	if _, busy := m.inFlight[runID]; busy {
		m.mu.Unlock()
		return false
	}
	t := &task{runID: runID, done: make(chan struct{})}
	m.inFlight[runID] = t
	inFlightCount := len(m.inFlight)
	m.mu.Unlock()
	m.opts.Metrics.SetBackgroundRunsInFlight(inFlightCount)

	m.run(t)
	return true
}

// BackgroundExecutionCount returns the number of runs currently executing in
// the background.
func (m *Manager) BackgroundExecutionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}
