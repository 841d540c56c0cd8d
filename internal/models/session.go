package models

import (
	"time"

	"gorm.io/datatypes"
)

// Session is one image-to-video request and the durable record of how far
// it got. Text artifacts live inline; binary artifacts are stored as refs
// into the blob store.
type Session struct {
	ID               string         `gorm:"primaryKey;size:64"`
	Status           string         `gorm:"size:32;default:created;index"`
	Quality          string         `gorm:"size:8;default:medium"`
	SourceImageRef   string         `gorm:"size:255"`
	ImageMIME        string         `gorm:"size:32"`
	ProblemAnalysis  string         `gorm:"type:text"`
	Script           string         `gorm:"type:text"`
	ScriptRef        string         `gorm:"size:255"`
	VisualPlan       string         `gorm:"type:text"`
	SourceCodeRef    string         `gorm:"size:255"`
	CandidateCodeRef string         `gorm:"size:255"`
	VideoRef         string         `gorm:"size:255"`
	ReviewedVideoRef string         `gorm:"size:255"`
	ReviewScore      *int
	ReviewText       string         `gorm:"type:text"`
	ReviewIssues     datatypes.JSON `gorm:"type:json"`
	ReviewError      string         `gorm:"type:text"`
	ImprovementError string         `gorm:"type:text"`
	LastError        string         `gorm:"type:text"`

	RenderRepairCount      int `gorm:"default:0"`
	ImprovementCount       int `gorm:"default:0"`
	ImprovementRepairCount int `gorm:"default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`

	Events  []SessionEvent `gorm:"foreignKey:SessionID"`
	Reviews []ReviewRecord `gorm:"foreignKey:SessionID"`
}

// SessionEvent is an append-only audit entry: stage transitions, render
// attempts, repairs, review outcomes and storage warnings.
type SessionEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;index"`
	Stage     string `gorm:"size:32"`
	Kind      string `gorm:"size:32"`
	Attempt   int
	Message   string `gorm:"type:text"`
	CreatedAt time.Time
}

// ReviewRecord keeps every review a session received. Iteration 0 is the
// review of the first successful render; later iterations follow
// improvements, so the original stays available for audit.
type ReviewRecord struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	SessionID string         `gorm:"size:64;index"`
	Iteration int
	VideoRef  string         `gorm:"size:255"`
	Score     int
	Text      string         `gorm:"type:text"`
	Issues    datatypes.JSON `gorm:"type:json"`
	ElapsedMs int64
	CreatedAt time.Time
}
