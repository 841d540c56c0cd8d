package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/zulandar/mathreel/internal/generate"
	"github.com/zulandar/mathreel/internal/render"
	"github.com/zulandar/mathreel/internal/review"
)

// ImprovementLoop revises code that rendered but reviewed below the
// threshold, then renders the revision through the repair loop.
type ImprovementLoop struct {
	Generator       generate.Generator
	Repair          *RepairLoop
	MaxImprovements int
	Logger          *slog.Logger
	Metrics         *Metrics
}

// Allowed reports whether another improvement may be attempted.
func (l *ImprovementLoop) Allowed(count int, v *review.Verdict) bool {
	return v != nil && v.NeedsImprovement && count < l.MaxImprovements
}

// ImprovementInput is one improvement attempt.
type ImprovementInput struct {
	SessionID    string
	Code         string
	Script       string
	Verdict      *review.Verdict
	Quality      render.Quality
	StartRepairs int

	// PersistCandidate stores revised code before it is rendered.
	PersistCandidate func(ctx context.Context, code string) error
	// PersistRepair is passed to the repair loop as its Persist hook.
	PersistRepair func(ctx context.Context, code string, repairs int) error
	OnEvent       func(kind string, attempt int, msg string)
}

// ImprovementOutcome carries the improved video, or Err explaining why the
// caller must keep the current one.
type ImprovementOutcome struct {
	Video   []byte
	Code    string
	Repairs int
	Err     error
}

// Run performs a single improvement. The returned error is non-nil only
// when ctx ends.
func (l *ImprovementLoop) Run(ctx context.Context, in ImprovementInput) (*ImprovementOutcome, error) {
	log := l.logger().With("session_id", in.SessionID, "score", in.Verdict.Score)
	out := &ImprovementOutcome{Repairs: in.StartRepairs}

	raw, err := l.Generator.Generate(ctx, generate.Request{
		Kind:  generate.StageCodeImprove,
		Input: in.Code,
		Context: map[string]string{
			generate.CtxReviewText: in.Verdict.RawText,
			generate.CtxScore:      strconv.Itoa(in.Verdict.Score),
			generate.CtxIssues:     formatIssues(in.Verdict.Issues),
			generate.CtxScript:     in.Script,
		},
	})
	if err == nil {
		raw, err = prepareCode(raw, in.SessionID, generate.StageCodeImprove, in.Verdict.Score)
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		log.Warn("improvement generation failed", "error", err)
		l.Metrics.improvement("generation_failed")
		out.Err = &GenerationFailure{Stage: generate.StageCodeImprove, Err: err}
		return out, nil
	}
	out.Code = raw

	if in.PersistCandidate != nil {
		if err := in.PersistCandidate(ctx, raw); err != nil {
			log.Warn("persist improved code failed", "error", err)
		}
	}

	rep, err := l.Repair.Run(ctx, RepairInput{
		SessionID:    in.SessionID,
		Phase:        "improve",
		Code:         raw,
		Quality:      in.Quality,
		Script:       in.Script,
		StartRepairs: in.StartRepairs,
		Persist:      in.PersistRepair,
		OnEvent:      in.OnEvent,
	})
	out.Code = rep.Code
	out.Repairs = rep.Repairs
	if err != nil {
		return out, err
	}
	if !rep.OK() {
		log.Warn("improved code never rendered", "renders", rep.Renders)
		l.Metrics.improvement("render_failed")
		out.Err = &RenderFailure{Attempts: rep.Renders, Stderr: summarize(rep.LastError)}
		return out, nil
	}

	l.Metrics.improvement("success")
	out.Video = rep.Video
	return out, nil
}

func (l *ImprovementLoop) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func formatIssues(is review.Issues) string {
	var b strings.Builder
	section := func(name string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString(name + ":\n")
		for _, it := range items {
			b.WriteString("- " + it + "\n")
		}
	}
	section("Critical", is.Critical)
	section("Major", is.Major)
	section("Minor", is.Minor)
	return strings.TrimSpace(b.String())
}
