package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/mathreel/internal/artifact"
	"github.com/zulandar/mathreel/internal/models"
	"github.com/zulandar/mathreel/internal/review"
	"gorm.io/datatypes"
)

// ReviewSummary is a review as shown to callers.
type ReviewSummary struct {
	Score     int           `json:"score"`
	Text      string        `json:"text"`
	Issues    review.Issues `json:"issues"`
	Iteration int           `json:"iteration"`
	VideoURL  string        `json:"video_url,omitempty"`
}

// Result is the caller-visible state of a session. Status always says how
// far the pipeline got; on failure the best partial artifacts are kept.
type Result struct {
	SessionID         string         `json:"session_id"`
	Status            string         `json:"status"`
	ImageURL          string         `json:"image_url,omitempty"`
	ScriptURL         string         `json:"script_url,omitempty"`
	CodeURL           string         `json:"code_url,omitempty"`
	VideoURL          string         `json:"video_url,omitempty"`
	Script            string         `json:"script,omitempty"`
	Review            *ReviewSummary `json:"review"`
	OriginalReview    *ReviewSummary `json:"original_review,omitempty"`
	ReviewError       string         `json:"review_error,omitempty"`
	ImprovementError  string         `json:"improvement_error,omitempty"`
	Error             string         `json:"error,omitempty"`
	Message           string         `json:"message"`
	RenderRepairCount int            `json:"render_repair_count"`
	ImprovementCount  int            `json:"improvement_count"`
}

// BuildResult assembles a Result from a session row and its review
// history. url resolves artifact refs; it may be nil.
func BuildResult(s *models.Session, reviews []models.ReviewRecord, url func(artifact.Ref) string) *Result {
	if url == nil {
		url = func(artifact.Ref) string { return "" }
	}
	ref := func(r string) string {
		if r == "" {
			return ""
		}
		return url(artifact.Ref(r))
	}

	res := &Result{
		SessionID:         s.ID,
		Status:            s.Status,
		ImageURL:          ref(s.SourceImageRef),
		ScriptURL:         ref(s.ScriptRef),
		CodeURL:           ref(s.SourceCodeRef),
		VideoURL:          ref(s.VideoRef),
		Script:            s.Script,
		ReviewError:       s.ReviewError,
		ImprovementError:  s.ImprovementError,
		RenderRepairCount: s.RenderRepairCount,
		ImprovementCount:  s.ImprovementCount,
	}
	if IsFailure(s.Status) {
		res.Error = s.LastError
	}

	if s.ReviewScore != nil && s.ReviewError == "" {
		res.Review = &ReviewSummary{
			Score:     *s.ReviewScore,
			Text:      s.ReviewText,
			Issues:    decodeIssues(s.ReviewIssues),
			Iteration: s.ImprovementCount,
			VideoURL:  ref(s.ReviewedVideoRef),
		}
	}
	// The first review is the original once the final video is a different
	// one, even when the review of the improved video failed.
	if len(reviews) > 0 && (len(reviews) > 1 || reviews[0].VideoRef != s.VideoRef) {
		first := reviews[0]
		res.OriginalReview = &ReviewSummary{
			Score:     first.Score,
			Text:      first.Text,
			Issues:    decodeIssues(first.Issues),
			Iteration: first.Iteration,
			VideoURL:  ref(first.VideoRef),
		}
	}

	res.Message = message(s)
	return res
}

func message(s *models.Session) string {
	switch s.Status {
	case StatusDone:
		switch {
		case s.ImprovementError != "":
			return "Video generated; improvement failed, original video kept"
		case s.ReviewError != "":
			return "Video generated; review unavailable"
		case s.ImprovementCount > 0 && s.ReviewScore != nil:
			return fmt.Sprintf("Video generated and improved (score %d/100)", *s.ReviewScore)
		case s.ReviewScore != nil:
			return fmt.Sprintf("Video generated (score %d/100)", *s.ReviewScore)
		}
		return "Video generated"
	case StatusRenderFailed:
		return fmt.Sprintf("Rendering failed after %d repair attempt(s)", s.RenderRepairCount)
	case StatusGenerationFailed:
		return "Content generation failed"
	}
	return "Processing: " + s.Status
}

func encodeIssues(is review.Issues) datatypes.JSON {
	b, err := json.Marshal(is)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}

func decodeIssues(raw datatypes.JSON) review.Issues {
	var is review.Issues
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &is)
	}
	if is.Critical == nil {
		is.Critical = []string{}
	}
	if is.Major == nil {
		is.Major = []string{}
	}
	if is.Minor == nil {
		is.Minor = []string{}
	}
	return is
}
