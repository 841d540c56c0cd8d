package pipeline

import (
	"fmt"

	"github.com/zulandar/mathreel/internal/generate"
)

// InputError rejects a request before any work is done.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return "pipeline: invalid input: " + e.Msg }

// GenerationFailure means a generation stage produced nothing usable. It
// is terminal for the session.
type GenerationFailure struct {
	Stage generate.StageKind
	Err   error
}

func (e *GenerationFailure) Error() string {
	return fmt.Sprintf("pipeline: %s generation failed: %v", e.Stage, e.Err)
}

func (e *GenerationFailure) Unwrap() error { return e.Err }

// RenderFailure means every render attempt within the repair budget failed.
type RenderFailure struct {
	Attempts int
	Stderr   string
}

func (e *RenderFailure) Error() string {
	return fmt.Sprintf("pipeline: render failed after %d attempt(s): %s", e.Attempts, e.Stderr)
}

// ReviewFailure means the video could not be reviewed. It never discards
// the video.
type ReviewFailure struct {
	Err error
}

func (e *ReviewFailure) Error() string { return "pipeline: review failed: " + e.Err.Error() }

func (e *ReviewFailure) Unwrap() error { return e.Err }

// StorageFailure wraps a persistence error. Writes after a stage has
// produced output are best-effort; reads of required inputs are not.
type StorageFailure struct {
	Op  string
	Err error
}

func (e *StorageFailure) Error() string { return fmt.Sprintf("pipeline: storage %s: %v", e.Op, e.Err) }

func (e *StorageFailure) Unwrap() error { return e.Err }
