package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/zulandar/mathreel/internal/generate"
	"github.com/zulandar/mathreel/internal/render"
)

// Event kinds reported by the recovery loops.
const (
	EventTransition    = "transition"
	EventRenderAttempt = "render_attempt"
	EventRepair        = "repair"
	EventReview        = "review"
	EventWarning       = "warning"
)

// RepairLoop renders code and, on failure, asks the generator for a fix
// using the render error, up to MaxRepairs times. Attempts are strictly
// sequential.
type RepairLoop struct {
	Renderer   render.Renderer
	Generator  generate.Generator
	MaxRepairs int
	Backoff    time.Duration
	Logger     *slog.Logger
	Metrics    *Metrics

	sleep func(context.Context, time.Duration) error
}

// RepairInput is one invocation of the loop.
type RepairInput struct {
	SessionID string
	Phase     string // "render" or "improve"
	Code      string
	Quality   render.Quality
	Script    string

	// StartRepairs is the persisted repair count, so the bound holds
	// across restarts.
	StartRepairs int

	// Persist is called after every repair with the code that will be
	// rendered next and the updated count. Its error is logged only.
	Persist func(ctx context.Context, code string, repairs int) error
	OnEvent func(kind string, attempt int, msg string)
}

// RepairOutcome is the result of the loop. On exhaustion Video is nil, Code
// is the last code attempted and LastError is the last render error.
type RepairOutcome struct {
	Video     []byte
	Code      string
	Repairs   int
	Renders   int
	LastError string
}

// OK reports whether a video was produced.
func (o *RepairOutcome) OK() bool { return o != nil && len(o.Video) > 0 }

// Run executes the loop. The error is non-nil only when ctx ends; render
// and fix failures are reported through the outcome.
func (l *RepairLoop) Run(ctx context.Context, in RepairInput) (*RepairOutcome, error) {
	log := l.logger().With("session_id", in.SessionID, "phase", in.Phase)
	code := in.Code
	out := &RepairOutcome{Code: code, Repairs: in.StartRepairs}

	for {
		res, err := l.Renderer.Render(ctx, in.SessionID, code, in.Quality)
		out.Renders++
		if err != nil {
			res = &render.Result{Stderr: err.Error()}
		}
		l.Metrics.renderAttempt(res.OK())

		if res.OK() {
			log.Info("render succeeded", "attempt", out.Renders, "scene", res.Scene, "elapsed", res.Elapsed)
			emit(in.OnEvent, EventRenderAttempt, out.Renders, "render succeeded")
			out.Video = res.Video
			out.LastError = ""
			return out, nil
		}

		out.LastError = res.Stderr
		if out.LastError == "" {
			out.LastError = "render produced no video"
		}
		log.Warn("render failed", "attempt", out.Renders, "repairs", out.Repairs)
		emit(in.OnEvent, EventRenderAttempt, out.Renders, "render failed: "+summarize(out.LastError))

		if err := ctx.Err(); err != nil {
			return out, err
		}
		if out.Repairs >= l.MaxRepairs {
			log.Warn("repair budget exhausted", "repairs", out.Repairs, "max", l.MaxRepairs)
			return out, nil
		}

		out.Repairs++
		l.Metrics.repair(in.Phase)
		fixed, err := l.fix(ctx, in, code, out.LastError)
		if err != nil {
			// Keep rendering the previous code so the loop still terminates.
			log.Warn("fix generation failed; retrying previous code", "repair", out.Repairs, "error", err)
			emit(in.OnEvent, EventRepair, out.Repairs, "fix generation failed: "+err.Error())
		} else {
			code = fixed
			emit(in.OnEvent, EventRepair, out.Repairs, "regenerated code after render error")
		}
		out.Code = code

		if in.Persist != nil {
			if err := in.Persist(ctx, code, out.Repairs); err != nil {
				log.Warn("persist repair failed", "repair", out.Repairs, "error", err)
			}
		}
		if err := l.wait(ctx); err != nil {
			return out, err
		}
	}
}

func (l *RepairLoop) fix(ctx context.Context, in RepairInput, code, errText string) (string, error) {
	raw, err := l.Generator.Generate(ctx, generate.Request{
		Kind:  generate.StageCodeFix,
		Input: code,
		Context: map[string]string{
			generate.CtxErrorText: errText,
			generate.CtxScript:    in.Script,
		},
	})
	if err != nil {
		return "", err
	}
	return prepareCode(raw, in.SessionID, generate.StageCodeFix, 0)
}

func (l *RepairLoop) wait(ctx context.Context) error {
	if l.sleep != nil {
		return l.sleep(ctx, l.Backoff)
	}
	return sleepContext(ctx, l.Backoff)
}

func (l *RepairLoop) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func emit(fn func(string, int, string), kind string, attempt int, msg string) {
	if fn != nil {
		fn(kind, attempt, msg)
	}
}

// summarize returns the last non-empty line of a traceback, which is
// usually the exception message, capped at 200 bytes.
func summarize(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	if len(line) > 200 {
		line = strings.ToValidUTF8(line[:200], "")
	}
	return line
}
