package pipeline

import (
	"time"

	"github.com/zulandar/mathreel/internal/config"
	"github.com/zulandar/mathreel/internal/render"
)

// Policy holds the recovery bounds and review threshold.
type Policy struct {
	MaxRepairs      int
	MaxImprovements int
	RepairBackoff   time.Duration
	Threshold       int
	SkipVisualPlan  bool
	DownloadTimeout time.Duration
	DefaultQuality  render.Quality
}

// DefaultPolicy returns the standard bounds: three repairs, one
// improvement, a 2s pause between repairs and a pass mark of 90.
func DefaultPolicy() Policy {
	return Policy{
		MaxRepairs:      3,
		MaxImprovements: 1,
		RepairBackoff:   2 * time.Second,
		Threshold:       90,
		DownloadTimeout: 60 * time.Second,
		DefaultQuality:  render.QualityMedium,
	}
}

// PolicyFromConfig maps configuration onto a Policy.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxRepairs:      cfg.Pipeline.MaxRepairs,
		MaxImprovements: cfg.Pipeline.MaxImprovements,
		RepairBackoff:   cfg.RepairBackoff(),
		Threshold:       cfg.Review.Threshold,
		SkipVisualPlan:  cfg.Pipeline.SkipVisualPlan,
		DownloadTimeout: cfg.DownloadTimeout(),
		DefaultQuality:  render.Quality(cfg.Render.Quality),
	}.normalize()
}

// normalize turns negative bounds into "disabled" and clamps the threshold.
func (p Policy) normalize() Policy {
	if p.MaxRepairs < 0 {
		p.MaxRepairs = 0
	}
	if p.MaxImprovements < 0 {
		p.MaxImprovements = 0
	}
	if p.RepairBackoff < 0 {
		p.RepairBackoff = 0
	}
	if p.Threshold < 0 {
		p.Threshold = 0
	}
	if p.Threshold > 100 {
		p.Threshold = 100
	}
	if p.DownloadTimeout <= 0 {
		p.DownloadTimeout = 60 * time.Second
	}
	if _, err := render.ParseQuality(string(p.DefaultQuality)); err != nil || p.DefaultQuality == "" {
		p.DefaultQuality = render.QualityMedium
	}
	return p
}
