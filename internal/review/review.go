package review

import (
	"context"
	"errors"
)

// Request is one video to review.
type Request struct {
	SessionID string
	Video     []byte
	Script    string // narration the video is meant to follow, optional
}

// Reviewer scores rendered videos.
type Reviewer interface {
	Review(ctx context.Context, req Request) (*Verdict, error)
}

var (
	// ErrVideoTooLarge is returned before submission when the video exceeds
	// the reviewer's payload ceiling.
	ErrVideoTooLarge = errors.New("review: video exceeds size limit")
	// ErrEmptyVideo is returned for a zero-length video.
	ErrEmptyVideo = errors.New("review: empty video")
	// ErrEmptyReview is returned when the model produced no text.
	ErrEmptyReview = errors.New("review: empty response")
)
