package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/mathreel/internal/models"
	"github.com/zulandar/mathreel/internal/pipeline"
)

// blockingRunner holds each run until release is closed and records the
// peak number of concurrent runs.
type blockingRunner struct {
	release chan struct{}
	started chan string

	mu     sync.Mutex
	calls  map[string]int
	active int32
	peak   int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		started: make(chan string, 16),
		calls:   make(map[string]int),
	}
}

func (r *blockingRunner) Run(ctx context.Context, id string) (*pipeline.Result, error) {
	r.mu.Lock()
	r.calls[id]++
	r.mu.Unlock()

	n := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)
	for {
		p := atomic.LoadInt32(&r.peak)
		if n <= p || atomic.CompareAndSwapInt32(&r.peak, p, n) {
			break
		}
	}
	r.started <- id

	select {
	case <-r.release:
		return &pipeline.Result{SessionID: id, Status: pipeline.StatusDone}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *blockingRunner) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func TestDo_DuplicateCallsShareOneRun(t *testing.T) {
	r := newBlockingRunner()
	d := New(r, 4, nil)
	defer d.Close()

	var wg sync.WaitGroup
	results := make([]*pipeline.Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := d.Do(context.Background(), "s1")
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = res
		}(i)
	}

	<-r.started
	if !d.Running("s1") {
		t.Error("Running(s1) = false while run is in flight")
	}
	// Give the other callers time to join.
	time.Sleep(50 * time.Millisecond)
	close(r.release)
	wg.Wait()

	if got := r.callCount("s1"); got != 1 {
		t.Errorf("runner called %d times, want 1", got)
	}
	for i, res := range results {
		if res == nil || res.Status != pipeline.StatusDone {
			t.Errorf("result %d = %+v, want done", i, res)
		}
	}
	if d.Running("s1") {
		t.Error("Running(s1) = true after run finished")
	}
}

func TestSubmit_BoundsConcurrency(t *testing.T) {
	r := newBlockingRunner()
	d := New(r, 2, nil)

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := d.Submit(id); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	<-r.started
	<-r.started
	select {
	case id := <-r.started:
		t.Fatalf("third run %s started while two hold the slots", id)
	case <-time.After(50 * time.Millisecond):
	}

	close(r.release)
	d.Wait()
	if p := atomic.LoadInt32(&r.peak); p != 2 {
		t.Errorf("peak concurrency = %d, want 2", p)
	}
	d.Close()
}

func TestClose_CancelsBackgroundRuns(t *testing.T) {
	r := newBlockingRunner()
	d := New(r, 1, nil)
	if err := d.Submit("s1"); err != nil {
		t.Fatal(err)
	}
	<-r.started
	d.Close()

	if err := d.Submit("s2"); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
}

// countingRunner returns immediately and counts finished runs.
type countingRunner struct {
	done int32
}

func (r *countingRunner) Run(ctx context.Context, id string) (*pipeline.Result, error) {
	atomic.AddInt32(&r.done, 1)
	return &pipeline.Result{SessionID: id, Status: pipeline.StatusDone}, nil
}

func TestSubmit_ConcurrentWithClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := &countingRunner{}
		d := New(r, 4, nil)

		var accepted int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := d.Submit(fmt.Sprintf("s%d-%d", round, i))
				switch {
				case err == nil:
					atomic.AddInt32(&accepted, 1)
				case !errors.Is(err, ErrClosed):
					t.Errorf("Submit = %v, want nil or ErrClosed", err)
				}
			}(i)
		}
		d.Close()
		wg.Wait()
		d.Wait()

		// Accepted runs either finished or were cancelled by Close.
		if got, want := atomic.LoadInt32(&r.done), atomic.LoadInt32(&accepted); got > want {
			t.Fatalf("round %d: %d runs for %d accepted submissions", round, got, want)
		}
		if err := d.Submit("late"); !errors.Is(err, ErrClosed) {
			t.Fatalf("Submit after Close = %v, want ErrClosed", err)
		}
	}
}

func TestNew_DefaultsConcurrency(t *testing.T) {
	d := New(newBlockingRunner(), 0, nil)
	defer d.Close()
	if !d.sem.TryAcquire(1) {
		t.Fatal("expected one slot")
	}
	if d.sem.TryAcquire(1) {
		t.Error("expected exactly one slot")
	}
	d.sem.Release(1)
}

type fakeLister struct {
	sessions  []models.Session
	err       error
	statuses  []string
	idleSince time.Time
	limit     int
}

func (f *fakeLister) ListStale(_ context.Context, statuses []string, idleSince time.Time, limit int) ([]models.Session, error) {
	f.statuses, f.idleSince, f.limit = statuses, idleSince, limit
	return f.sessions, f.err
}

type recordingSubmitter struct {
	ids []string
	err error
}

func (s *recordingSubmitter) Submit(id string) error {
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, id)
	return nil
}

func TestSweepOnce(t *testing.T) {
	lister := &fakeLister{sessions: []models.Session{
		{ID: "s1", Status: pipeline.StatusRendering},
		{ID: "s2", Status: pipeline.StatusScripted},
	}}
	sub := &recordingSubmitter{}
	sw, err := NewSweeper(SweeperOpts{
		Store:      lister,
		Submitter:  sub,
		Schedule:   "*/5 * * * *",
		StaleAfter: 15 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sw.now = func() time.Time { return now }

	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(sub.ids) != 2 || sub.ids[0] != "s1" {
		t.Errorf("submitted %v (n=%d), want [s1 s2]", sub.ids, n)
	}
	if want := now.Add(-15 * time.Minute); !lister.idleSince.Equal(want) {
		t.Errorf("idleSince = %v, want %v", lister.idleSince, want)
	}
	if lister.limit != 20 {
		t.Errorf("limit = %d, want default 20", lister.limit)
	}
	for _, s := range lister.statuses {
		if pipeline.IsTerminal(s) {
			t.Errorf("sweep asked for terminal status %q", s)
		}
	}
}

func TestSweepOnce_Errors(t *testing.T) {
	sw, err := NewSweeper(SweeperOpts{
		Store:     &fakeLister{err: errors.New("db down")},
		Submitter: &recordingSubmitter{},
		Schedule:  "0 * * * *",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sw.SweepOnce(context.Background()); err == nil {
		t.Error("expected list error")
	}

	sw, _ = NewSweeper(SweeperOpts{
		Store:     &fakeLister{sessions: []models.Session{{ID: "s1"}}},
		Submitter: &recordingSubmitter{err: ErrClosed},
		Schedule:  "0 * * * *",
	})
	if _, err := sw.SweepOnce(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestValidateSchedule(t *testing.T) {
	if err := ValidateSchedule("*/5 * * * *"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "every minute", "* * * * * *"} {
		if err := ValidateSchedule(bad); err == nil {
			t.Errorf("ValidateSchedule(%q) = nil, want error", bad)
		}
	}
	if _, err := NewSweeper(SweeperOpts{Store: &fakeLister{}, Submitter: &recordingSubmitter{}, Schedule: "bad"}); err == nil {
		t.Error("NewSweeper accepted a bad schedule")
	}
}

func TestSweeper_UntilNext(t *testing.T) {
	sw, err := NewSweeper(SweeperOpts{Store: &fakeLister{}, Submitter: &recordingSubmitter{}, Schedule: "0 * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	if d := sw.untilNext(); d <= 0 || d > time.Hour {
		t.Errorf("untilNext = %v, want within the hour", d)
	}
}
