// Package render turns animation source into a video by running Manim in a
// scratch directory.
package render

import (
	"context"
	"fmt"
	"time"
)

// Quality is a render resolution preset.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ParseQuality validates s. An empty string means medium.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case "":
		return QualityMedium, nil
	case QualityLow, QualityMedium, QualityHigh:
		return Quality(s), nil
	default:
		return "", fmt.Errorf("render: unknown quality %q", s)
	}
}

// Flag returns the manim CLI quality flag.
func (q Quality) Flag() string {
	switch q {
	case QualityLow:
		return "-ql"
	case QualityHigh:
		return "-qh"
	default:
		return "-qm"
	}
}

// Result is the outcome of one render attempt. Exactly one of Video or
// Stderr is meaningful: a non-empty Video is success, otherwise Stderr
// holds the (tail of the) failure output.
type Result struct {
	Video   []byte
	Stderr  string
	Scene   string
	Elapsed time.Duration
}

// OK reports whether the render produced a video.
func (r *Result) OK() bool {
	return r != nil && len(r.Video) > 0
}

// Renderer renders animation source for a session. A returned error means
// the attempt could not be made at all; a failed render is reported via a
// Result with OK() == false.
type Renderer interface {
	Render(ctx context.Context, sessionID, source string, quality Quality) (*Result, error)
}
