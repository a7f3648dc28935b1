package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// memStore records saves for persistence assertions.
type memStore struct {
	mu    sync.Mutex
	saves []*types.Task
}

func (s *memStore) Save(ctx context.Context, t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, t)
	return nil
}

func (s *memStore) FailInterrupted(ctx context.Context) (int64, error) { return 0, nil }
func (s *memStore) Close(ctx context.Context) error                    { return nil }

func (s *memStore) saved() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Task, len(s.saves))
	copy(out, s.saves)
	return out
}

func newTestManager() (*Manager, *memStore) {
	store := &memStore{}
	return NewManager(store, time.Hour, slog.Default()), store
}

func spec(url string) types.TaskSpec {
	return types.TaskSpec{URL: url, OutputFormat: types.FormatMarkdown}
}

func TestCreateAndGet(t *testing.T) {
	m, store := newTestManager()

	created, err := m.Create(spec("https://example.com/a"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Get(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	// Creation persists the pending row.
	if len(store.saved()) != 1 {
		t.Errorf("saves = %d, want 1", len(store.saved()))
	}
}

func TestGetUnknown(t *testing.T) {
	m, _ := newTestManager()
	if _, err := m.Get("nope"); !errors.Is(err, types.ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	m, _ := newTestManager()
	created, _ := m.Create(spec("https://example.com"))

	if err := m.Transition(created.ID, types.StatusExtracting); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("pending->extracting: got %v, want ErrInvalidTransition", err)
	}

	for _, next := range []types.TaskStatus{
		types.StatusInitializing,
		types.StatusAcquiringBrowser,
		types.StatusExtracting,
		types.StatusProcessingLLM,
		types.StatusPostProcessing,
	} {
		if err := m.Transition(created.ID, next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	got, _ := m.Get(created.ID)
	if got.StartedAt == nil {
		t.Error("leaving pending must stamp started_at")
	}
}

func TestProgressMonotonic(t *testing.T) {
	m, _ := newTestManager()
	created, _ := m.Create(spec("https://example.com"))

	if err := m.UpdateProgress(created.ID, 30, "extracting"); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateProgress(created.ID, 30, "still extracting"); err != nil {
		t.Errorf("equal progress should be accepted: %v", err)
	}
	if err := m.UpdateProgress(created.ID, 10, "rewind"); !errors.Is(err, types.ErrProgressRegress) {
		t.Errorf("got %v, want ErrProgressRegress", err)
	}

	// 100 is reserved for Complete.
	_ = m.UpdateProgress(created.ID, 100, "almost")
	got, _ := m.Get(created.ID)
	if got.Progress >= 100 {
		t.Errorf("progress = %d, must stay below 100 until completed", got.Progress)
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	m, store := newTestManager()
	created, _ := m.Create(spec("https://example.com"))

	result := &types.Result{Content: "content", Format: types.FormatMarkdown}
	if err := m.Complete(created.ID, result, types.Metadata{WordCount: 1}); err != nil {
		t.Fatal(err)
	}

	got, _ := m.Get(created.ID)
	if got.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at must be stamped")
	}

	// Terminal means immutable.
	if err := m.UpdateProgress(created.ID, 99, "x"); !errors.Is(err, types.ErrTaskTerminal) {
		t.Errorf("got %v, want ErrTaskTerminal", err)
	}
	if err := m.Fail(created.ID, &types.TaskError{Kind: types.KindInternal, Message: "x"}); !errors.Is(err, types.ErrTaskTerminal) {
		t.Errorf("fail after complete: got %v, want ErrTaskTerminal", err)
	}

	// Terminal transition flushed to the store (create + complete).
	saves := store.saved()
	if len(saves) != 2 {
		t.Fatalf("saves = %d, want 2", len(saves))
	}
	if saves[1].Status != types.StatusCompleted {
		t.Errorf("persisted status = %s, want completed", saves[1].Status)
	}
}

func TestFailRecordsTaxonomy(t *testing.T) {
	m, _ := newTestManager()
	created, _ := m.Create(spec("https://example.com"))

	taskErr := &types.TaskError{Kind: types.KindPoolExhausted, Message: "no browser available"}
	if err := m.Fail(created.ID, taskErr); err != nil {
		t.Fatal(err)
	}

	got, _ := m.Get(created.ID)
	if got.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != types.KindPoolExhausted {
		t.Errorf("error = %+v, want pool_exhausted", got.Error)
	}
}

func TestCancelIdempotent(t *testing.T) {
	m, _ := newTestManager()
	created, _ := m.Create(spec("https://example.com"))

	ctx, err := m.Context(created.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Cancel(created.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(created.ID); err != nil {
		t.Errorf("second cancel must be a no-op, got %v", err)
	}

	got, _ := m.Get(created.ID)
	if got.Status != types.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("cancel must raise the task's cancellation context")
	}
}

func TestCancelCompletedIsNoOp(t *testing.T) {
	m, _ := newTestManager()
	created, _ := m.Create(spec("https://example.com"))
	_ = m.Complete(created.ID, &types.Result{}, types.Metadata{})

	if err := m.Cancel(created.ID); err != nil {
		t.Fatalf("cancel after complete: %v", err)
	}
	got, _ := m.Get(created.ID)
	if got.Status != types.StatusCompleted {
		t.Error("cancel must not overwrite a completed task")
	}
}

func TestListPagination(t *testing.T) {
	m, _ := newTestManager()

	ids := make([]string, 5)
	for i := range ids {
		created, _ := m.Create(spec("https://example.com/page"))
		ids[i] = created.ID
	}
	_ = m.Complete(ids[0], &types.Result{}, types.Metadata{})

	all, total := m.List(ListFilter{})
	if total != 5 || len(all) != 5 {
		t.Fatalf("total=%d len=%d, want 5/5", total, len(all))
	}

	page, total := m.List(ListFilter{Offset: 2, Limit: 2})
	if total != 5 || len(page) != 2 {
		t.Errorf("paged total=%d len=%d, want 5/2", total, len(page))
	}

	completed, total := m.List(ListFilter{Status: types.StatusCompleted})
	if total != 1 || len(completed) != 1 {
		t.Errorf("completed total=%d len=%d, want 1/1", total, len(completed))
	}

	// Stable order: repeated listings agree.
	again, _ := m.List(ListFilter{})
	for i := range all {
		if all[i].ID != again[i].ID {
			t.Fatal("listing order must be stable")
		}
	}
}

func TestStatsByState(t *testing.T) {
	m, _ := newTestManager()

	a, _ := m.Create(spec("https://example.com/a"))
	_, _ = m.Create(spec("https://example.com/b"))
	_ = m.Cancel(a.ID)

	stats := m.Stats()
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.ByState[types.StatusCancelled] != 1 {
		t.Errorf("cancelled = %d, want 1", stats.ByState[types.StatusCancelled])
	}
	if stats.ByState[types.StatusPending] != 1 {
		t.Errorf("pending = %d, want 1", stats.ByState[types.StatusPending])
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	m, _ := newTestManager()
	created, _ := m.Create(spec("https://example.com"))

	snap, _ := m.Get(created.ID)
	snap.Status = types.StatusFailed
	snap.Progress = 77

	fresh, _ := m.Get(created.ID)
	if fresh.Status != types.StatusPending || fresh.Progress != 0 {
		t.Error("mutating a snapshot must not leak into the registry")
	}
}

func TestConcurrentProgressUpdates(t *testing.T) {
	m, _ := newTestManager()
	created, _ := m.Create(spec("https://example.com"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(pct int) {
			defer wg.Done()
			_ = m.UpdateProgress(created.ID, pct*10, "step")
		}(i)
	}
	wg.Wait()

	got, _ := m.Get(created.ID)
	if got.Progress < 0 || got.Progress > 99 {
		t.Errorf("progress = %d out of range", got.Progress)
	}
}
