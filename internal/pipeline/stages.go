package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

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

// run is the state of one Orchestrator.Run call. s mirrors the persisted
// row; when a status write fails the run continues from memory.
type run struct {
	o           *Orchestrator
	s           *models.Session
	log         *slog.Logger
	resumedFrom string

	code    string
	video   []byte
	verdict *review.Verdict
}

type step func(context.Context) (bool, error)

func (r *run) execute(ctx context.Context) error {
	for _, st := range []step{r.analyze, r.writeScript, r.planVisuals, r.generateCode, r.render} {
		cont, err := st(ctx)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return r.reviewAndImprove(ctx)
}

func (r *run) analyze(ctx context.Context) (bool, error) {
	if r.s.ProblemAnalysis != "" {
		return true, nil
	}
	img, err := r.read(ctx, r.s.SourceImageRef, "get_image")
	if err != nil {
		return false, err
	}
	text, err := r.generate(ctx, generate.Request{
		Kind:      generate.StageAnalysis,
		Image:     img,
		ImageMIME: r.s.ImageMIME,
	})
	if err != nil {
		return r.generationFailed(ctx, generate.StageAnalysis, err)
	}
	r.archive(ctx, artifact.KindAnalysis, text)
	r.s.ProblemAnalysis = text
	r.save(ctx, StatusAnalyzed, artifact.Fields{"problem_analysis": text})
	return true, nil
}

func (r *run) writeScript(ctx context.Context) (bool, error) {
	if r.s.Script != "" {
		return true, nil
	}
	text, err := r.generate(ctx, generate.Request{
		Kind:  generate.StageScript,
		Input: r.s.ProblemAnalysis,
	})
	if err != nil {
		return r.generationFailed(ctx, generate.StageScript, err)
	}
	r.s.Script = text
	r.s.ScriptRef = r.archive(ctx, artifact.KindScript, text)
	r.save(ctx, StatusScripted, artifact.Fields{"script": text, "script_ref": r.s.ScriptRef})
	return true, nil
}

func (r *run) planVisuals(ctx context.Context) (bool, error) {
	if r.o.policy.SkipVisualPlan || r.s.VisualPlan != "" || r.s.SourceCodeRef != "" {
		return true, nil
	}
	text, err := r.generate(ctx, generate.Request{
		Kind:    generate.StageVisualPlan,
		Input:   r.s.Script,
		Context: map[string]string{generate.CtxAnalysis: r.s.ProblemAnalysis},
	})
	if err != nil {
		return r.generationFailed(ctx, generate.StageVisualPlan, err)
	}
	r.archive(ctx, artifact.KindVisualPlan, text)
	r.s.VisualPlan = text
	r.save(ctx, StatusPlanned, artifact.Fields{"visual_plan": text})
	return true, nil
}

func (r *run) generateCode(ctx context.Context) (bool, error) {
	if r.s.SourceCodeRef != "" {
		return true, nil
	}
	raw, err := r.generate(ctx, generate.Request{
		Kind:  generate.StageCode,
		Input: r.s.Script,
		Context: map[string]string{
			generate.CtxAnalysis:   r.s.ProblemAnalysis,
			generate.CtxVisualPlan: r.s.VisualPlan,
		},
	})
	if err == nil {
		raw, err = prepareCode(raw, r.s.ID, generate.StageCode, 0)
	}
	if err != nil {
		return r.generationFailed(ctx, generate.StageCode, err)
	}
	r.code = raw
	r.s.SourceCodeRef = r.archive(ctx, artifact.KindCode, raw)
	r.save(ctx, StatusCodeGenerated, artifact.Fields{"source_code_ref": r.s.SourceCodeRef})
	return true, nil
}

func (r *run) render(ctx context.Context) (bool, error) {
	if r.s.VideoRef != "" {
		return true, nil
	}
	if err := r.loadCode(ctx); err != nil {
		return false, err
	}
	status := StatusRendering
	if r.s.RenderRepairCount > 0 {
		status = StatusRepairing
	}
	r.save(ctx, status, nil)

	sctx, end := r.begin(ctx, "render")
	out, err := r.o.repair.Run(sctx, RepairInput{
		SessionID:    r.s.ID,
		Phase:        "render",
		Code:         r.code,
		Quality:      r.quality(),
		Script:       r.s.Script,
		StartRepairs: r.s.RenderRepairCount,
		Persist: func(ctx context.Context, code string, repairs int) error {
			r.s.RenderRepairCount = repairs
			fields := artifact.Fields{"render_repair_count": repairs}
			if code != r.code {
				r.code = code
				if ref := r.archive(ctx, artifact.KindCode, code); ref != "" {
					r.s.SourceCodeRef = ref
					fields["source_code_ref"] = ref
				}
			}
			return r.save(ctx, StatusRepairing, fields)
		},
		OnEvent: r.eventFunc(ctx, "render"),
	})
	if err != nil {
		end("canceled", err)
		return false, err
	}
	r.code = out.Code
	r.s.RenderRepairCount = out.Repairs

	if !out.OK() {
		rf := &RenderFailure{Attempts: out.Renders, Stderr: out.LastError}
		end("exhausted", rf)
		r.s.LastError = out.LastError
		r.save(ctx, StatusRenderFailed, artifact.Fields{
			"last_error":          out.LastError,
			"render_repair_count": out.Repairs,
		})
		r.finish(ctx)
		return false, nil
	}
	end("ok", nil)

	r.video = out.Video
	r.s.VideoRef = r.archiveBytes(ctx, artifact.KindVideo, out.Video)
	r.save(ctx, StatusRendered, artifact.Fields{
		"video_ref":           r.s.VideoRef,
		"render_repair_count": out.Repairs,
	})
	return true, nil
}

// reviewAndImprove reviews the current video and, while the policy allows,
// improves and re-reviews it. It always ends the session in done.
func (r *run) reviewAndImprove(ctx context.Context) error {
	for {
		if r.needsReview() {
			ok, err := r.review(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		} else if r.verdict == nil {
			r.verdict = r.storedVerdict()
		}

		if !r.o.improve.Allowed(r.s.ImprovementCount, r.verdict) {
			if r.resumedFrom == StatusImproving && r.s.Status != StatusImproved && r.s.ImprovementError == "" {
				r.s.ImprovementError = "improvement interrupted before completion"
			}
			break
		}
		improved, err := r.improveOnce(ctx)
		if err != nil {
			return err
		}
		if !improved {
			break
		}
	}

	r.s.LastError = ""
	r.save(ctx, StatusDone, artifact.Fields{
		"review_error":      r.s.ReviewError,
		"improvement_error": r.s.ImprovementError,
		"last_error":        "",
	})
	r.finish(ctx)
	return nil
}

func (r *run) needsReview() bool {
	if r.s.ReviewError != "" {
		return false
	}
	return r.s.ReviewScore == nil || r.s.ReviewedVideoRef != r.s.VideoRef
}

// review reviews the current video. It returns false when the review
// service failed; the session then finishes with the video unreviewed.
func (r *run) review(ctx context.Context) (bool, error) {
	r.save(ctx, StatusReviewing, nil)
	sctx, end := r.begin(ctx, "review")

	video := r.video
	if len(video) == 0 {
		b, err := r.read(sctx, r.s.VideoRef, "get_video")
		if err != nil {
			end("error", err)
			return r.reviewFailed(ctx, err)
		}
		video = b
		r.video = b
	}

	v, err := r.o.reviewer.Review(sctx, review.Request{SessionID: r.s.ID, Video: video, Script: r.s.Script})
	if err != nil {
		end("error", err)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return r.reviewFailed(ctx, err)
	}
	end("ok", nil)
	v.NeedsImprovement = v.Score < r.o.policy.Threshold
	r.verdict = v
	r.o.metrics.score(v.Score)

	issues := encodeIssues(v.Issues)
	r.archive(ctx, artifact.KindReview, v.RawText)
	if err := r.o.store.AddReview(ctx, models.ReviewRecord{
		SessionID: r.s.ID,
		Iteration: r.s.ImprovementCount,
		VideoRef:  r.s.VideoRef,
		Score:     v.Score,
		Text:      v.RawText,
		Issues:    issues,
		ElapsedMs: v.Elapsed.Milliseconds(),
	}); err != nil {
		r.storageWarning("add_review", err)
	}
	r.event(ctx, "review", EventReview, r.s.ImprovementCount, reviewNote(v))
	r.log.Info("video reviewed", "score", v.Score, "issues", v.Issues.Count(), "needs_improvement", v.NeedsImprovement)

	score := v.Score
	r.s.ReviewScore = &score
	r.s.ReviewText = v.RawText
	r.s.ReviewIssues = issues
	r.s.ReviewedVideoRef = r.s.VideoRef
	r.save(ctx, StatusReviewed, artifact.Fields{
		"review_score":       score,
		"review_text":        v.RawText,
		"review_issues":      issues,
		"reviewed_video_ref": r.s.VideoRef,
	})
	return true, nil
}

func (r *run) reviewFailed(ctx context.Context, err error) (bool, error) {
	rf := &ReviewFailure{Err: err}
	r.log.Warn("review failed; finishing unreviewed", "error", err)
	r.event(ctx, "review", StatusReviewFailed, r.s.ImprovementCount, rf.Error())
	r.s.ReviewError = err.Error()
	if r.s.ImprovementCount > 0 {
		// The stored score belongs to the video that was replaced.
		r.s.ReviewScore = nil
		r.s.ReviewText = ""
		r.save(ctx, StatusReviewing, artifact.Fields{"review_score": nil, "review_text": ""})
	}
	return false, nil
}

func (r *run) improveOnce(ctx context.Context) (bool, error) {
	r.s.ImprovementCount++
	r.s.CandidateCodeRef = ""
	r.save(ctx, StatusImproving, artifact.Fields{
		"improvement_count":  r.s.ImprovementCount,
		"candidate_code_ref": "",
	})

	if err := r.loadCode(ctx); err != nil {
		return false, err
	}

	sctx, end := r.begin(ctx, "improve")
	out, err := r.o.improve.Run(sctx, ImprovementInput{
		SessionID:    r.s.ID,
		Code:         r.code,
		Script:       r.s.Script,
		Verdict:      r.verdict,
		Quality:      r.quality(),
		StartRepairs: r.s.ImprovementRepairCount,
		PersistCandidate: func(ctx context.Context, code string) error {
			ref := r.archive(ctx, artifact.KindCode, code)
			r.s.CandidateCodeRef = ref
			return r.save(ctx, StatusImproving, artifact.Fields{"candidate_code_ref": ref})
		},
		PersistRepair: func(ctx context.Context, code string, repairs int) error {
			r.s.ImprovementRepairCount = repairs
			fields := artifact.Fields{"improvement_repair_count": repairs}
			if ref := r.archive(ctx, artifact.KindCode, code); ref != "" {
				r.s.CandidateCodeRef = ref
				fields["candidate_code_ref"] = ref
			}
			return r.save(ctx, StatusImproving, fields)
		},
		OnEvent: r.eventFunc(ctx, "improve"),
	})
	if err != nil {
		end("canceled", err)
		return false, err
	}
	r.s.ImprovementRepairCount = out.Repairs

	if out.Err != nil {
		end("failed", out.Err)
		r.s.ImprovementError = out.Err.Error()
		r.event(ctx, "improve", EventWarning, r.s.ImprovementCount, "improvement failed; keeping original video: "+out.Err.Error())
		r.save(ctx, StatusImproving, artifact.Fields{
			"improvement_error":        r.s.ImprovementError,
			"improvement_repair_count": out.Repairs,
		})
		return false, nil
	}
	end("ok", nil)

	ref := r.archiveBytes(ctx, artifact.KindVideo, out.Video)
	if ref == "" {
		// Promote only what is durable; the reviewed video stays.
		r.s.ImprovementError = "improved video could not be stored"
		return false, nil
	}
	r.video = out.Video
	r.code = out.Code
	r.verdict = nil
	r.s.VideoRef = ref
	if r.s.CandidateCodeRef != "" {
		r.s.SourceCodeRef = r.s.CandidateCodeRef
	}
	r.s.CandidateCodeRef = ""
	r.save(ctx, StatusImproved, artifact.Fields{
		"video_ref":                ref,
		"source_code_ref":          r.s.SourceCodeRef,
		"candidate_code_ref":       "",
		"improvement_repair_count": out.Repairs,
	})
	return true, nil
}

// loadCode reads the current source when this run did not generate it.
func (r *run) loadCode(ctx context.Context) error {
	if r.code != "" {
		return nil
	}
	b, err := r.read(ctx, r.s.SourceCodeRef, "get_code")
	if err != nil {
		return err
	}
	r.code = string(b)
	return nil
}

// storedVerdict rebuilds the last verdict from the session row on resume.
func (r *run) storedVerdict() *review.Verdict {
	if r.s.ReviewScore == nil {
		return nil
	}
	score := *r.s.ReviewScore
	return &review.Verdict{
		Score:            score,
		Issues:           decodeIssues(r.s.ReviewIssues),
		RawText:          r.s.ReviewText,
		NeedsImprovement: score < r.o.policy.Threshold,
	}
}

func (r *run) generationFailed(ctx context.Context, stage generate.StageKind, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	gf := &GenerationFailure{Stage: stage, Err: err}
	r.log.Error("generation failed", "stage", stage, "error", err)
	r.s.LastError = gf.Error()
	r.save(ctx, StatusGenerationFailed, artifact.Fields{"last_error": r.s.LastError})
	r.finish(ctx)
	return false, nil
}

// finish records metrics and sends the completion notification for a
// terminal session.
func (r *run) finish(ctx context.Context) {
	r.o.metrics.terminal(r.s.Status)
	r.log.Info("session finished", "status", r.s.Status,
		"repairs", r.s.RenderRepairCount, "improvements", r.s.ImprovementCount)

	ev := notify.Format(notify.Outcome{
		SessionID:    r.s.ID,
		Status:       r.s.Status,
		Score:        r.s.ReviewScore,
		VideoURL:     r.url(r.s.VideoRef),
		Error:        r.s.LastError,
		ReviewError:  r.s.ReviewError,
		Repairs:      r.s.RenderRepairCount,
		Improvements: r.s.ImprovementCount,
	})
	if err := r.o.notifier.Notify(ctx, ev); err != nil {
		r.log.Warn("notification failed", "error", err)
	}
}

func (r *run) generate(ctx context.Context, req generate.Request) (string, error) {
	ctx, end := r.begin(ctx, string(req.Kind))
	text, err := r.o.gen.Generate(ctx, req)
	if err == nil && text == "" {
		err = generate.ErrEmptyResponse
	}
	if err != nil {
		end("error", err)
		return "", err
	}
	end("ok", nil)
	return text, nil
}

// begin opens a span for stage and returns a func that closes it and
// records the stage duration.
func (r *run) begin(ctx context.Context, stage string) (context.Context, func(outcome string, err error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline."+stage, trace.WithAttributes(
		attribute.String("session_id", r.s.ID),
		attribute.String("stage", stage),
	))
	return ctx, func(outcome string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		} else {
			span.SetStatus(codes.Ok, outcome)
		}
		span.End()
		r.o.metrics.observeStage(stage, outcome, time.Since(start).Seconds())
	}
}

// save persists a transition. Failures are logged and counted but never
// abort a stage that already produced output.
func (r *run) save(ctx context.Context, status string, fields artifact.Fields) error {
	from := r.s.Status
	r.s.Status = status
	if err := r.o.store.RecordStatus(ctx, r.s.ID, status, fields); err != nil {
		r.storageWarning("record_status", err)
		return &StorageFailure{Op: "record_status", Err: err}
	}
	if from != status {
		r.log.Debug("transition", "from", from, "to", status)
		r.event(ctx, status, EventTransition, 0, from+" -> "+status)
	}
	return nil
}

func (r *run) event(ctx context.Context, stage, kind string, attempt int, msg string) {
	if err := r.o.store.AppendEvent(ctx, models.SessionEvent{
		SessionID: r.s.ID,
		Stage:     stage,
		Kind:      kind,
		Attempt:   attempt,
		Message:   msg,
	}); err != nil {
		r.storageWarning("append_event", err)
	}
}

func (r *run) eventFunc(ctx context.Context, stage string) func(string, int, string) {
	return func(kind string, attempt int, msg string) {
		r.event(ctx, stage, kind, attempt, msg)
	}
}

// archive stores text and returns its ref, or "" if the write failed.
func (r *run) archive(ctx context.Context, kind artifact.Kind, text string) string {
	return r.archiveBytes(ctx, kind, []byte(text))
}

func (r *run) archiveBytes(ctx context.Context, kind artifact.Kind, data []byte) string {
	ref, err := r.o.store.Put(ctx, r.s.ID, kind, data)
	if err != nil {
		r.storageWarning("put_"+string(kind), err)
		return ""
	}
	return string(ref)
}

// read loads a required artifact. Unlike writes, a failed read stops the
// run so it can be resumed later.
func (r *run) read(ctx context.Context, ref, op string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.o.policy.DownloadTimeout)
	defer cancel()
	b, err := r.o.store.Get(ctx, artifact.Ref(ref))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &StorageFailure{Op: op, Err: err}
	}
	return b, nil
}

func (r *run) storageWarning(op string, err error) {
	r.o.metrics.storageError(op)
	r.log.Warn("storage write failed; continuing", "op", op, "error", err)
}

func (r *run) quality() render.Quality {
	if q, err := render.ParseQuality(r.s.Quality); err == nil {
		return q
	}
	return r.o.policy.DefaultQuality
}

func (r *run) url(ref string) string {
	if ref == "" {
		return ""
	}
	return r.o.store.URL(artifact.Ref(ref))
}

func reviewNote(v *review.Verdict) string {
	note := "score " + strconv.Itoa(v.Score) + "/100"
	if v.NeedsImprovement {
		note += ", below threshold"
	}
	return note
}
