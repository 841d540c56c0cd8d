package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/mathreel/internal/models"
	"github.com/zulandar/mathreel/internal/pipeline"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule reports whether expr is a usable 5-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("dispatch: schedule %q: %w", expr, err)
	}
	return nil
}

// StaleLister finds sessions that stopped advancing.
type StaleLister interface {
	ListStale(ctx context.Context, statuses []string, idleSince time.Time, limit int) ([]models.Session, error)
}

// Submitter queues a session for a background run.
type Submitter interface {
	Submit(sessionID string) error
}

// SweeperOpts configures a Sweeper.
type SweeperOpts struct {
	Store      StaleLister
	Submitter  Submitter
	Schedule   string        // 5-field cron
	StaleAfter time.Duration // idle time before a session counts as abandoned
	Limit      int           // sessions per sweep; 0 means 20
	Logger     *slog.Logger
}

// Sweeper resubmits sessions left in a non-terminal status, typically by
// a process that exited mid-run.
type Sweeper struct {
	store      StaleLister
	submitter  Submitter
	schedule   cron.Schedule
	staleAfter time.Duration
	limit      int
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeper validates opts and returns a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.Store == nil || opts.Submitter == nil {
		return nil, fmt.Errorf("dispatch: sweeper needs a store and a submitter")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("dispatch: schedule %q: %w", opts.Schedule, err)
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sweeper{
		store:      opts.Store,
		submitter:  opts.Submitter,
		schedule:   sched,
		staleAfter: opts.StaleAfter,
		limit:      opts.Limit,
		logger:     opts.Logger,
		now:        time.Now,
	}, nil
}

// SweepOnce submits every stale session and returns how many it submitted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	idleSince := s.now().Add(-s.staleAfter)
	stale, err := s.store.ListStale(ctx, pipeline.ResumableStatuses(), idleSince, s.limit)
	if err != nil {
		return 0, fmt.Errorf("dispatch: list stale sessions: %w", err)
	}
	n := 0
	for _, sess := range stale {
		if err := s.submitter.Submit(sess.ID); err != nil {
			return n, fmt.Errorf("dispatch: submit %s: %w", sess.ID, err)
		}
		s.logger.Info("resuming stale session", "session_id", sess.ID, "status", sess.Status, "idle_since", sess.UpdatedAt)
		n++
	}
	return n, nil
}

// Run sweeps on schedule until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn("sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("sweep resubmitted sessions", "count", n)
			}
			timer.Reset(s.untilNext())
		}
	}
}

func (s *Sweeper) untilNext() time.Duration {
	d := time.Until(s.schedule.Next(s.now()))
	if d < 0 {
		return 0
	}
	return d
}
