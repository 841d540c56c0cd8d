// Package pipeline drives a session from an uploaded image to a reviewed
// video. Every transition is persisted before the next stage starts, and
// Run re-enters at the first stage whose output is missing, so a restarted
// process resumes where the last one stopped.
//
// Callers must not run the same session concurrently; see package dispatch.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zulandar/mathreel/internal/artifact"
	"github.com/zulandar/mathreel/internal/generate"
	"github.com/zulandar/mathreel/internal/models"
	"github.com/zulandar/mathreel/internal/notify"
	"github.com/zulandar/mathreel/internal/render"
	"github.com/zulandar/mathreel/internal/review"
)

var tracer = otel.Tracer("github.com/zulandar/mathreel/internal/pipeline")

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store     artifact.Store
	Generator generate.Generator
	Renderer  render.Renderer
	Reviewer  review.Reviewer
	Notifier  notify.Notifier // optional
	Metrics   *Metrics        // optional
	Logger    *slog.Logger    // optional
}

// Orchestrator runs sessions through the pipeline.
type Orchestrator struct {
	store    artifact.Store
	gen      generate.Generator
	reviewer review.Reviewer
	notifier notify.Notifier
	metrics  *Metrics
	logger   *slog.Logger
	policy   Policy

	repair  *RepairLoop
	improve *ImprovementLoop
}

// New returns an Orchestrator. Store, Generator, Renderer and Reviewer are
// required.
func New(d Deps, p Policy) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case d.Generator == nil:
		return nil, errors.New("pipeline: generator is required")
	case d.Renderer == nil:
		return nil, errors.New("pipeline: renderer is required")
	case d.Reviewer == nil:
		return nil, errors.New("pipeline: reviewer is required")
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	p = p.normalize()

	repair := &RepairLoop{
		Renderer:   d.Renderer,
		Generator:  d.Generator,
		MaxRepairs: p.MaxRepairs,
		Backoff:    p.RepairBackoff,
		Logger:     d.Logger,
		Metrics:    d.Metrics,
	}
	return &Orchestrator{
		store:    d.Store,
		gen:      d.Generator,
		reviewer: d.Reviewer,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		logger:   d.Logger,
		policy:   p,
		repair:   repair,
		improve: &ImprovementLoop{
			Generator:       d.Generator,
			Repair:          repair,
			MaxImprovements: p.MaxImprovements,
			Logger:          d.Logger,
			Metrics:         d.Metrics,
		},
	}, nil
}

// Policy returns the policy in effect.
func (o *Orchestrator) Policy() Policy { return o.policy }

var mimeAliases = map[string]string{
	"image/jpg":   "image/jpeg",
	"image/pjpeg": "image/jpeg",
	"image/x-png": "image/png",
}

// Intake validates an uploaded image and creates a session for it. quality
// may be empty for the policy default.
func (o *Orchestrator) Intake(ctx context.Context, image []byte, contentType, quality string) (*models.Session, error) {
	if len(image) == 0 {
		return nil, &InputError{Msg: "no image provided"}
	}
	q := o.policy.DefaultQuality
	if quality != "" {
		parsed, err := render.ParseQuality(quality)
		if err != nil {
			return nil, &InputError{Msg: err.Error()}
		}
		q = parsed
	}
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, &InputError{Msg: "malformed content type " + contentType}
		}
		if alias, ok := mimeAliases[mt]; ok {
			mt = alias
		}
		if !strings.HasPrefix(mt, "image/") && mt != "application/octet-stream" {
			return nil, &InputError{Msg: "unsupported content type " + mt}
		}
	}

	ct, ok := artifact.ImageType(image)
	if !ok {
		return nil, &InputError{Msg: "unsupported image format " + ct}
	}

	id := uuid.NewString()
	log := o.logger.With("session_id", id)
	ref, err := o.store.Put(ctx, id, artifact.KindImage, image)
	if err != nil {
		return nil, &StorageFailure{Op: "put_image", Err: err}
	}
	if err := o.store.RecordStatus(ctx, id, StatusCreated, artifact.Fields{
		"source_image_ref": string(ref),
		"image_mime":       ct,
		"quality":          string(q),
	}); err != nil {
		return nil, &StorageFailure{Op: "record_status", Err: err}
	}
	if err := o.store.AppendEvent(ctx, models.SessionEvent{
		SessionID: id, Stage: StatusCreated, Kind: EventTransition, Message: "session created",
	}); err != nil {
		log.Warn("append event failed", "error", err)
	}
	log.Info("session created", "bytes", len(image), "mime", ct, "quality", q)

	return &models.Session{
		ID:             id,
		Status:         StatusCreated,
		Quality:        string(q),
		SourceImageRef: string(ref),
		ImageMIME:      ct,
	}, nil
}

// Run advances a session as far as it can go and returns its result.
// Stage failures are recorded on the session and reported in the Result;
// the error is non-nil only when the session cannot be read, a required
// artifact cannot be loaded, or ctx ends.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (*Result, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, err
		}
		return nil, &StorageFailure{Op: "get_session", Err: err}
	}
	if IsTerminal(s.Status) {
		return o.buildResult(ctx, s), nil
	}

	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("session_id", s.ID),
		attribute.String("resume_status", s.Status),
	))
	defer span.End()

	r := &run{o: o, s: s, log: o.logger.With("session_id", s.ID), resumedFrom: s.Status}
	r.log.Info("run started", "status", s.Status)
	if err := r.execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run aborted")
		r.log.Warn("run aborted", "status", r.s.Status, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("final_status", r.s.Status))
	span.SetStatus(codes.Ok, r.s.Status)
	return o.buildResult(ctx, r.s), nil
}

// Result returns the current caller-visible state of a session.
func (o *Orchestrator) Result(ctx context.Context, sessionID string) (*Result, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, err
		}
		return nil, &StorageFailure{Op: "get_session", Err: err}
	}
	return o.buildResult(ctx, s), nil
}

// Events returns a session's audit trail.
func (o *Orchestrator) Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.store.Events(ctx, sessionID)
}

func (o *Orchestrator) buildResult(ctx context.Context, s *models.Session) *Result {
	reviews, err := o.store.Reviews(ctx, s.ID)
	if err != nil {
		o.logger.Warn("load reviews failed", "session_id", s.ID, "error", err)
	}
	return BuildResult(s, reviews, o.store.URL)
}
