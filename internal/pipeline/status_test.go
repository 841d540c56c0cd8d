package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zulandar/mathreel/internal/models"
)

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusDone, StatusRenderFailed, StatusGenerationFailed} {
		assert.True(t, IsTerminal(s), s)
	}
	for _, s := range []string{StatusCreated, StatusRendering, StatusReviewed, StatusImproving} {
		assert.False(t, IsTerminal(s), s)
	}
	assert.False(t, IsFailure(StatusDone))
	assert.True(t, IsFailure(StatusRenderFailed))
}

func TestResumableStatuses(t *testing.T) {
	got := ResumableStatuses()
	assert.Len(t, got, len(statusRank)-3)
	for _, s := range got {
		assert.False(t, IsTerminal(s))
		assert.True(t, KnownStatus(s))
	}
	assert.False(t, KnownStatus(StatusReviewFailed))
}

func TestCheckConsistency(t *testing.T) {
	score := 80
	full := models.Session{
		ID:               "s",
		SourceImageRef:   "s/original.png",
		ProblemAnalysis:  "a",
		Script:           "b",
		SourceCodeRef:    "s/code/scene.py",
		VideoRef:         "s/video.mp4",
		ReviewedVideoRef: "s/video.mp4",
		ReviewScore:      &score,
	}

	tests := []struct {
		name   string
		mutate func(*models.Session)
		ok     bool
	}{
		{"rendered with video", func(s *models.Session) { s.Status = StatusRendered }, true},
		{"rendered without video", func(s *models.Session) { s.Status = StatusRendered; s.VideoRef = "" }, false},
		{"reviewed without score", func(s *models.Session) { s.Status = StatusReviewed; s.ReviewScore = nil }, false},
		{"planned without plan", func(s *models.Session) { s.Status = StatusPlanned }, false},
		{"scripted without script", func(s *models.Session) { s.Status = StatusScripted; s.Script = "" }, false},
		{"render failed with video", func(s *models.Session) { s.Status = StatusRenderFailed; s.LastError = "x" }, false},
		{"render failed", func(s *models.Session) { s.Status = StatusRenderFailed; s.VideoRef = ""; s.LastError = "x" }, true},
		{"generation failed without error", func(s *models.Session) { s.Status = StatusGenerationFailed }, false},
		{"unknown status", func(s *models.Session) { s.Status = "weird" }, false},
		{"done", func(s *models.Session) { s.Status = StatusDone }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := full
			tt.mutate(&s)
			err := CheckConsistency(&s)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
