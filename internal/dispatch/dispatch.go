// Package dispatch runs sessions on behalf of the server and CLI. It is the
// single-writer guard the pipeline relies on: a session id is never run by
// two goroutines at once, and total concurrency is bounded.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/zulandar/mathreel/internal/pipeline"
)

// Runner advances one session. *pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, sessionID string) (*pipeline.Result, error)
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch: closed")

// Dispatcher serialises work per session id and bounds how many sessions
// run at once. Duplicate requests for a session join the run in flight.
type Dispatcher struct {
	runner Runner
	sem    *semaphore.Weighted
	group  singleflight.Group
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

// New returns a Dispatcher running at most maxConcurrent sessions at once.
// A non-positive maxConcurrent means one.
func New(runner Runner, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner:   runner,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Do runs a session and waits for its result. If the session is already
// running, Do waits for that run instead of starting another. The run uses
// the ctx of whichever caller started it.
func (d *Dispatcher) Do(ctx context.Context, sessionID string) (*pipeline.Result, error) {
	v, err, shared := d.group.Do(sessionID, func() (interface{}, error) {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer d.sem.Release(1)

		d.track(sessionID, true)
		defer d.track(sessionID, false)
		return d.runner.Run(ctx, sessionID)
	})
	if shared {
		d.logger.Debug("joined in-flight run", "session_id", sessionID)
	}
	if err != nil {
		return nil, err
	}
	res, _ := v.(*pipeline.Result)
	return res, nil
}

// Submit starts a session in the background. A session that is already
// running is joined rather than started twice.
func (d *Dispatcher) Submit(sessionID string) error {
	// Add under mu so Close never waits on a counter that is still growing.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		res, err := d.Do(d.ctx, sessionID)
		switch {
		case err != nil:
			d.logger.Warn("background run failed", "session_id", sessionID, "error", err)
		case res != nil:
			d.logger.Info("background run finished", "session_id", sessionID, "status", res.Status)
		}
	}()
	return nil
}

// Running reports whether sessionID currently holds a worker slot.
func (d *Dispatcher) Running(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[sessionID]
	return ok
}

// Wait blocks until every submitted run has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close stops accepting submissions, cancels background runs and waits for
// them to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) track(id string, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.inflight[id] = struct{}{}
	} else {
		delete(d.inflight, id)
	}
}
