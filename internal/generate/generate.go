// Package generate produces the text artifacts of a session (analysis,
// narration script, visual plan, animation code) from a language model.
package generate

import (
	"context"
	"errors"
)

// StageKind names a generation step.
type StageKind string

const (
	StageAnalysis    StageKind = "analysis"
	StageScript      StageKind = "script"
	StageVisualPlan  StageKind = "visual_plan"
	StageCode        StageKind = "code"
	StageCodeFix     StageKind = "code_fix"
	StageCodeImprove StageKind = "code_improve"
)

// AllStages lists every StageKind in pipeline order.
var AllStages = []StageKind{
	StageAnalysis, StageScript, StageVisualPlan, StageCode, StageCodeFix, StageCodeImprove,
}

// Valid reports whether k is a known stage.
func (k StageKind) Valid() bool {
	for _, s := range AllStages {
		if s == k {
			return true
		}
	}
	return false
}

// ProducesCode reports whether the stage output is animation source.
func (k StageKind) ProducesCode() bool {
	return k == StageCode || k == StageCodeFix || k == StageCodeImprove
}

// Context keys understood by the prompt templates.
const (
	CtxAnalysis   = "analysis"
	CtxScript     = "script"
	CtxVisualPlan = "visual_plan"
	CtxErrorText  = "error_text"
	CtxReviewText = "review_text"
	CtxScore      = "score"
	CtxIssues     = "issues"
)

// Request is one generation call.
type Request struct {
	Kind      StageKind
	Input     string            // primary input: analysis, script, plan or previous code
	Image     []byte            // analysis only
	ImageMIME string
	Context   map[string]string // auxiliary inputs keyed by the Ctx* constants
}

// Generator turns a Request into text. Implementations must return
// ErrEmptyResponse rather than an empty string.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("generate: empty response")

// ErrUnknownStage is returned for a Request with an invalid Kind.
var ErrUnknownStage = errors.New("generate: unknown stage")
