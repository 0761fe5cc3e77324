package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"riskingest/internal/storage"
)

type fakeStore struct {
	storage.Store

	mu         sync.Mutex
	jobUpdates []storage.JobUpdate
	dsStatus   string
	dsError    string
}

func (s *fakeStore) UpsertJob(_ context.Context, _ string, u storage.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobUpdates = append(s.jobUpdates, u)
	return nil
}

func (s *fakeStore) SetDatasetStatus(_ context.Context, _, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dsStatus = status
	return nil
}

func (s *fakeStore) SetDatasetError(_ context.Context, _, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dsStatus = storage.DatasetFailed
	s.dsError = errText
	return nil
}

func TestTrackerFail_MarksJobAndDataset(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	tr := &Tracker{Store: st}
	tr.Fail(context.Background(), "ds1", errors.New("bad header"))

	if len(st.jobUpdates) != 1 {
		t.Fatalf("job updates = %d, want 1", len(st.jobUpdates))
	}
	u := st.jobUpdates[0]
	if u.Status == nil || *u.Status != storage.JobFailed {
		t.Fatalf("status = %v", u.Status)
	}
	if u.Stage == nil || *u.Stage != storage.StageError {
		t.Fatalf("stage = %v", u.Stage)
	}
	if u.Error == nil || *u.Error != "bad header" {
		t.Fatalf("error = %v", u.Error)
	}
	if st.dsStatus != storage.DatasetFailed || st.dsError != "bad header" {
		t.Fatalf("dataset = %s / %s", st.dsStatus, st.dsError)
	}
}

func TestTrackerCancelled_ResetsDatasetOnly(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	tr := &Tracker{Store: st}
	tr.Cancelled(context.Background(), "ds1")

	if st.dsStatus != storage.DatasetUploaded {
		t.Fatalf("dataset status = %s, want UPLOADED", st.dsStatus)
	}
	if len(st.jobUpdates) != 0 {
		t.Fatalf("job must be left untouched, got %d updates", len(st.jobUpdates))
	}
}

func TestPool_RunsAllSubmittedTasks(t *testing.T) {
	t.Parallel()

	p := NewPool(3, nil)
	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		if err := p.Submit(func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Shutdown()

	if got := ran.Load(); got != 20 {
		t.Fatalf("ran = %d, want 20", got)
	}
}

func TestPool_SubmitAfterShutdownFails(t *testing.T) {
	t.Parallel()

	p := NewPool(1, nil)
	p.Shutdown()

	err := p.Submit(func(context.Context) {})
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestPool_ShutdownCancelsTaskContext(t *testing.T) {
	t.Parallel()

	p := NewPool(1, nil)
	started := make(chan struct{})
	var sawCancel atomic.Bool

	if err := p.Submit(func(ctx context.Context) {
		close(started)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
		case <-time.After(5 * time.Second):
		}
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-started
	p.Shutdown()

	if !sawCancel.Load() {
		t.Fatal("running task never observed cancellation")
	}
}

func TestPool_DrainLetsRunningTasksFinish(t *testing.T) {
	t.Parallel()

	p := NewPool(1, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var completed atomic.Bool

	if err := p.Submit(func(ctx context.Context) {
		close(started)
		select {
		case <-release:
			// The task context must still be alive during the drain.
			if ctx.Err() == nil {
				completed.Store(true)
			}
		case <-time.After(5 * time.Second):
		}
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-started
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	p.Drain()

	if !completed.Load() {
		t.Fatal("task was cancelled or abandoned during drain")
	}
}

func TestPool_ShutdownTwiceIsSafe(t *testing.T) {
	t.Parallel()

	p := NewPool(2, nil)
	p.Shutdown()
	p.Shutdown()
}
