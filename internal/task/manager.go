// Package task maintains the authoritative task registry: the lifecycle state
// machine, monotonic progress, cooperative cancellation, and durable
// persistence of terminal tasks.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// entry pairs a task with its lock and cancellation signal. The per-task mutex
// serializes transitions and progress updates; it is never held across I/O.
type entry struct {
	mu     sync.Mutex
	task   *types.Task
	ctx    context.Context
	cancel context.CancelFunc
}

// ListFilter selects and pages the task listing.
type ListFilter struct {
	Status types.TaskStatus // empty = all
	Offset int
	Limit  int
}

// Stats counts tasks by status.
type Stats struct {
	Total   int                      `json:"total"`
	ByState map[types.TaskStatus]int `json:"by_state"`
}

// Manager is the task registry.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store     Store // may be nil
	retention time.Duration
	logger    *slog.Logger
}

// NewManager creates a Manager. store may be nil to disable persistence;
// retention bounds how long terminal tasks stay in the registry.
func NewManager(store Store, retention time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		entries:   make(map[string]*entry),
		store:     store,
		retention: retention,
		logger:    logger.With("component", "task_manager"),
	}
}

// StartSweeper periodically drops terminal tasks older than the retention
// window from the in-memory registry. Rows in the store are unaffected.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := m.sweep()
				if removed > 0 {
					m.logger.Debug("swept retained tasks", "removed", removed)
				}
			}
		}
	}()
}

// Create registers a pending task for spec and persists it.
func (m *Manager) Create(spec types.TaskSpec) (*types.Task, error) {
	t := types.NewTask(spec)
	ctx, cancel := context.WithCancel(context.Background())

	e := &entry{task: t, ctx: ctx, cancel: cancel}

	m.mu.Lock()
	m.entries[t.ID] = e
	m.mu.Unlock()

	m.persist(t)
	m.logger.Info("task created", "task_id", t.ID, "url", spec.URL, "priority", spec.Priority.String())
	return t.Clone(), nil
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id string) (*types.Task, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// Context returns the task's cancellation context. Workers derive their I/O
// deadlines from it so cancel() propagates into in-flight calls.
func (m *Manager) Context(id string) (context.Context, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	return e.ctx, nil
}

// UpdateProgress atomically advances progress and its message. Rejected on
// terminal tasks and on regressions; 100 is reserved for Complete.
func (m *Manager) UpdateProgress(id string, pct int, msg string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	if pct > 99 {
		pct = 99
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.Status.IsTerminal() {
		return types.ErrTaskTerminal
	}
	if pct < e.task.Progress {
		return fmt.Errorf("%w: %d -> %d", types.ErrProgressRegress, e.task.Progress, pct)
	}
	e.task.Progress = pct
	e.task.ProgressMessage = msg
	return nil
}

// Transition moves the task along the state machine.
func (m *Manager) Transition(id string, next types.TaskStatus) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !types.CanTransition(e.task.Status, next) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, e.task.Status, next)
	}

	if e.task.Status == types.StatusPending && e.task.StartedAt == nil {
		now := time.Now()
		e.task.StartedAt = &now
	}
	e.task.Status = next
	return nil
}

// Complete finishes the task successfully. Terminal.
func (m *Manager) Complete(id string, result *types.Result, meta types.Metadata) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.task.Status.IsTerminal() {
		e.mu.Unlock()
		return types.ErrTaskTerminal
	}
	now := time.Now()
	e.task.Status = types.StatusCompleted
	e.task.Progress = 100
	e.task.ProgressMessage = "completed"
	e.task.Result = result
	e.task.Metadata = meta
	e.task.CompletedAt = &now
	snapshot := e.task.Clone()
	e.mu.Unlock()

	m.persist(snapshot)
	return nil
}

// Fail finishes the task with an error. Terminal.
func (m *Manager) Fail(id string, taskErr *types.TaskError) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.task.Status.IsTerminal() {
		e.mu.Unlock()
		return types.ErrTaskTerminal
	}
	now := time.Now()
	e.task.Status = types.StatusFailed
	e.task.ProgressMessage = taskErr.Message
	e.task.Error = taskErr
	e.task.CompletedAt = &now
	snapshot := e.task.Clone()
	e.mu.Unlock()

	m.logger.Warn("task failed", "task_id", id, "kind", taskErr.Kind, "message", taskErr.Message)
	m.persist(snapshot)
	return nil
}

// Cancel marks a non-terminal task cancelled and raises the cancellation
// signal on its worker. Idempotent: cancelling a terminal task is a no-op.
func (m *Manager) Cancel(id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.task.Status.IsTerminal() {
		e.mu.Unlock()
		return nil
	}
	now := time.Now()
	e.task.Status = types.StatusCancelled
	e.task.ProgressMessage = "cancelled"
	e.task.Error = &types.TaskError{Kind: types.KindCancelled, Message: "cancelled by request"}
	e.task.CompletedAt = &now
	snapshot := e.task.Clone()
	e.mu.Unlock()

	e.cancel()
	m.logger.Info("task cancelled", "task_id", id)
	m.persist(snapshot)
	return nil
}

// List returns a page of task snapshots sorted by creation time descending
// (id as tiebreak for stability) and the total match count.
func (m *Manager) List(filter ListFilter) ([]*types.Task, int) {
	m.mu.RLock()
	matched := make([]*types.Task, 0, len(m.entries))
	for _, e := range m.entries {
		e.mu.Lock()
		if filter.Status == "" || e.task.Status == filter.Status {
			matched = append(matched, e.task.Clone())
		}
		e.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if filter.Offset >= total {
		return []*types.Task{}, total
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total
}

// Stats returns task counts by status.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Total:   len(m.entries),
		ByState: make(map[types.TaskStatus]int),
	}
	for _, e := range m.entries {
		e.mu.Lock()
		s.ByState[e.task.Status]++
		e.mu.Unlock()
	}
	return s
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	return e, nil
}

// persist flushes a snapshot to the store, off the task lock.
func (m *Manager) persist(t *types.Task) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, t); err != nil {
		m.logger.Error("task persist failed", "task_id", t.ID, "error", err)
	}
}

func (m *Manager) sweep() int {
	cutoff := time.Now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries {
		e.mu.Lock()
		expired := e.task.Status.IsTerminal() &&
			e.task.CompletedAt != nil &&
			e.task.CompletedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}
