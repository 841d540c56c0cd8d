package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ManimOpts configures a ManimRenderer.
type ManimOpts struct {
	Python          string        // interpreter with manim installed, default "python3"
	WorkDir         string        // parent of per-render scratch dirs, default os.TempDir()
	Timeout         time.Duration // per attempt, default 300s
	DefaultScene    string        // used when no scene class is found
	SceneBase       string        // base class that marks a scene, default "Scene"
	StderrTail      int           // bytes of stderr kept on failure, default 5000
	SkipSyntaxCheck bool
	Logger          *slog.Logger
}

// ManimRenderer renders scenes with the manim CLI.
type ManimRenderer struct {
	opts   ManimOpts
	logger *slog.Logger
}

// NewManimRenderer fills defaults and returns a renderer.
func NewManimRenderer(opts ManimOpts) *ManimRenderer {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.DefaultScene == "" {
		opts.DefaultScene = "EducationalScene"
	}
	if opts.SceneBase == "" {
		opts.SceneBase = "Scene"
	}
	if opts.StderrTail <= 0 {
		opts.StderrTail = 5000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ManimRenderer{opts: opts, logger: logger}
}

// Render writes source to a scratch dir, runs manim, and returns the largest
// mp4 it produced. The scratch dir is always removed.
func (r *ManimRenderer) Render(ctx context.Context, sessionID, source string, quality Quality) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(source) == "" {
		return &Result{Stderr: "render: empty source", Elapsed: time.Since(start)}, nil
	}

	if !r.opts.SkipSyntaxCheck {
		if problems := SyntaxCheck(ctx, source); len(problems) > 0 {
			return &Result{
				Stderr:  "SyntaxError: source failed to parse\n" + strings.Join(problems, "\n"),
				Elapsed: time.Since(start),
			}, nil
		}
	}

	dir, err := os.MkdirTemp(r.opts.WorkDir, "render-"+sanitize(sessionID)+"-")
	if err != nil {
		return nil, fmt.Errorf("render: create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, "scene.py")
	if err := os.WriteFile(file, []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("render: write source: %w", err)
	}

	scene := ResolveEntryPoint(ctx, source, r.opts.SceneBase, r.opts.DefaultScene)

	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	cmd := buildCommand(runCtx, r.opts.Python, quality, dir, file, scene)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	r.logger.Info("render start", "session", sessionID, "scene", scene, "quality", quality)
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		msg := stderr.String()
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			msg += fmt.Sprintf("\nrender: timed out after %s", r.opts.Timeout)
		case ctx.Err() != nil:
			msg += "\nrender: cancelled"
		default:
			msg += "\nrender: " + runErr.Error()
		}
		r.logger.Warn("render failed", "session", sessionID, "scene", scene, "elapsed", elapsed, "error", runErr)
		return &Result{Stderr: TailStderr(msg, r.opts.StderrTail), Scene: scene, Elapsed: elapsed}, nil
	}

	path, err := SelectVideo(filepath.Join(dir, "videos"))
	if err != nil {
		msg := stderr.String() + "\nrender: " + err.Error()
		return &Result{Stderr: TailStderr(msg, r.opts.StderrTail), Scene: scene, Elapsed: elapsed}, nil
	}
	video, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("render: read output %s: %w", path, err)
	}

	r.logger.Info("render complete", "session", sessionID, "scene", scene, "bytes", len(video), "elapsed", elapsed)
	return &Result{Video: video, Scene: scene, Elapsed: elapsed}, nil
}

// buildCommand constructs the manim invocation. The process group is
// signalled on cancellation so ffmpeg children die with it.
func buildCommand(ctx context.Context, python string, quality Quality, mediaDir, file, scene string) *exec.Cmd {
	args := []string{"-m", "manim", quality.Flag(), "--media_dir", mediaDir, file, scene}
	cmd := exec.CommandContext(ctx, python, args...)
	cmd.Dir = mediaDir
	setProcessGroup(cmd)
	cmd.WaitDelay = 10 * time.Second
	return cmd
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, id)
}
