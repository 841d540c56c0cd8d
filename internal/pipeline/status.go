package pipeline

import (
	"fmt"
	"strings"

	"github.com/zulandar/mathreel/internal/models"
)

// Session statuses.
const (
	StatusCreated          = "created"
	StatusAnalyzed         = "analyzed"
	StatusScripted         = "scripted"
	StatusPlanned          = "planned"
	StatusCodeGenerated    = "code_generated"
	StatusRendering        = "rendering"
	StatusRepairing        = "repairing"
	StatusRendered         = "rendered"
	StatusReviewing        = "reviewing"
	StatusReviewed         = "reviewed"
	StatusImproving        = "improving"
	StatusImproved         = "improved"
	StatusDone             = "done"
	StatusRenderFailed     = "render_failed"
	StatusGenerationFailed = "generation_failed"
)

// StatusReviewFailed is logged as an event when the review service is
// unusable. The session itself ends in StatusDone with a review error.
const StatusReviewFailed = "review_failed"

// statusRank orders statuses by how far through the pipeline they are.
// Failure statuses rank with the stage that failed.
var statusRank = map[string]int{
	StatusCreated:          0,
	StatusGenerationFailed: 0,
	StatusAnalyzed:         1,
	StatusScripted:         2,
	StatusPlanned:          3,
	StatusCodeGenerated:    4,
	StatusRendering:        4,
	StatusRepairing:        4,
	StatusRenderFailed:     4,
	StatusRendered:         5,
	StatusReviewing:        5,
	StatusReviewed:         6,
	StatusImproving:        6,
	StatusImproved:         6,
	StatusDone:             7,
}

// IsTerminal reports whether a session in status will never advance.
func IsTerminal(status string) bool {
	switch status {
	case StatusDone, StatusRenderFailed, StatusGenerationFailed:
		return true
	}
	return false
}

// IsFailure reports whether status is a terminal failure.
func IsFailure(status string) bool {
	return status == StatusRenderFailed || status == StatusGenerationFailed
}

// ResumableStatuses lists every non-terminal status.
func ResumableStatuses() []string {
	var out []string
	for s := range statusRank {
		if !IsTerminal(s) {
			out = append(out, s)
		}
	}
	return out
}

// KnownStatus reports whether s is a pipeline status.
func KnownStatus(s string) bool {
	_, ok := statusRank[s]
	return ok
}

// CheckConsistency verifies that a session's status is backed by the
// artifacts that status implies.
func CheckConsistency(s *models.Session) error {
	rank, ok := statusRank[s.Status]
	if !ok {
		return fmt.Errorf("pipeline: unknown status %q", s.Status)
	}
	var problems []string
	need := func(cond bool, msg string) {
		if !cond {
			problems = append(problems, msg)
		}
	}

	need(s.SourceImageRef != "", "source image missing")
	if rank >= 1 {
		need(s.ProblemAnalysis != "", "analysis missing")
	}
	if rank >= 2 {
		need(s.Script != "", "script missing")
	}
	if s.Status == StatusPlanned {
		need(s.VisualPlan != "", "visual plan missing")
	}
	if rank >= 4 {
		need(s.SourceCodeRef != "", "source code missing")
	}
	if rank >= 5 {
		need(s.VideoRef != "", "video missing")
	}
	if s.Status == StatusReviewed {
		need(s.ReviewScore != nil, "review score missing")
	}
	if s.Status == StatusRenderFailed {
		need(s.VideoRef == "", "render failed but a video is recorded")
		need(s.LastError != "", "render failed without an error")
	}
	if s.Status == StatusGenerationFailed {
		need(s.LastError != "", "generation failed without an error")
	}
	if len(problems) > 0 {
		return fmt.Errorf("pipeline: session %s in %s: %s", s.ID, s.Status, strings.Join(problems, "; "))
	}
	return nil
}
