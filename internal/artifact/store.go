package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/mathreel/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store over a GORM database and a BlobStore.
type GormStore struct {
	db    *gorm.DB
	blobs BlobStore
}

// NewStore returns a Store backed by db for session rows and blobs for
// payloads.
func NewStore(db *gorm.DB, blobs BlobStore) *GormStore {
	return &GormStore{db: db, blobs: blobs}
}

// Put stores data as a new artifact of kind for sessionID.
func (s *GormStore) Put(ctx context.Context, sessionID string, kind Kind, data []byte) (Ref, error) {
	if sessionID == "" {
		return "", fmt.Errorf("artifact: session id is required")
	}
	ct := ContentType(kind, data)
	key := Key(sessionID, kind, ct)
	if err := s.blobs.Put(ctx, key, data, ct); err != nil {
		return "", err
	}
	return Ref(key), nil
}

// PutText stores text as a new artifact of kind for sessionID.
func (s *GormStore) PutText(ctx context.Context, sessionID string, kind Kind, text string) (Ref, error) {
	return s.Put(ctx, sessionID, kind, []byte(text))
}

// Get returns the payload behind ref.
func (s *GormStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty ref", ErrNotFound)
	}
	return s.blobs.Get(ctx, string(ref))
}

// URL returns a retrievable location for ref, or "" for an empty ref.
func (s *GormStore) URL(ref Ref) string {
	if ref == "" {
		return ""
	}
	return s.blobs.URL(string(ref))
}

// RecordStatus upserts the session row, setting status plus fields in one
// transaction.
func (s *GormStore) RecordStatus(ctx context.Context, sessionID, status string, fields Fields) error {
	if sessionID == "" {
		return fmt.Errorf("artifact: session id is required")
	}
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.Session{ID: sessionID, Status: status, CreatedAt: now, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{"status": status, "updated_at": now}
		for k, v := range fields {
			updates[k] = v
		}
		return tx.Model(&models.Session{}).Where("id = ?", sessionID).Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("artifact: record status %s for %s: %w", status, sessionID, err)
	}
	return nil
}

// GetSession loads a session row, returning ErrNotFound if absent.
func (s *GormStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: get session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// AppendEvent adds an audit entry.
func (s *GormStore) AppendEvent(ctx context.Context, ev models.SessionEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("artifact: append event for %s: %w", ev.SessionID, err)
	}
	return nil
}

// Events returns a session's audit trail oldest first.
func (s *GormStore) Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error) {
	var events []models.SessionEvent
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("artifact: list events for %s: %w", sessionID, err)
	}
	return events, nil
}

// AddReview records a review outcome.
func (s *GormStore) AddReview(ctx context.Context, rec models.ReviewRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("artifact: add review for %s: %w", rec.SessionID, err)
	}
	return nil
}

// Reviews returns every review of a session, original first.
func (s *GormStore) Reviews(ctx context.Context, sessionID string) ([]models.ReviewRecord, error) {
	var recs []models.ReviewRecord
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("iteration ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("artifact: list reviews for %s: %w", sessionID, err)
	}
	return recs, nil
}

// ListStale returns sessions in one of statuses that have not been updated
// since idleSince, least recently updated first.
func (s *GormStore) ListStale(ctx context.Context, statuses []string, idleSince time.Time, limit int) ([]models.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, idleSince).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var sessions []models.Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("artifact: list stale sessions: %w", err)
	}
	return sessions, nil
}
