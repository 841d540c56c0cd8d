package artifact

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/mathreel/internal/models"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *GormStore {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gormDB.AutoMigrate(&models.Session{}, &models.SessionEvent{}, &models.ReviewRecord{}))

	blobs, err := NewLocalBlobStore(t.TempDir(), "")
	require.NoError(t, err)
	return NewStore(gormDB, blobs)
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	ref, err := s.Put(ctx, "s1", KindImage, pngHeader)
	require.NoError(t, err)
	assert.Equal(t, Ref("s1/original.png"), ref)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)

	tref, err := s.PutText(ctx, "s1", KindScript, "narration")
	require.NoError(t, err)
	text, err := s.Get(ctx, tref)
	require.NoError(t, err)
	assert.Equal(t, "narration", string(text))

	assert.NotEmpty(t, s.URL(ref))
	assert.Empty(t, s.URL(""))
}

func TestStore_CodeVersionsAreKept(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	first, err := s.PutText(ctx, "s1", KindCode, "class A(Scene): pass")
	require.NoError(t, err)
	second, err := s.PutText(ctx, "s1", KindCode, "class B(Scene): pass")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(string(first), "s1/code/scene-"))
	assert.True(t, strings.HasSuffix(string(first), ".py"))

	data, err := s.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "class A(Scene): pass", string(data))
	data, err = s.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "class B(Scene): pass", string(data))
}

func TestStore_PutRequiresSession(t *testing.T) {
	_, err := testStore(t).Put(context.Background(), "", KindCode, []byte("x"))
	assert.Error(t, err)
}

func TestStore_GetEmptyRef(t *testing.T) {
	_, err := testStore(t).Get(context.Background(), "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_RecordStatusUpsert(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.RecordStatus(ctx, "s1", "created", Fields{"source_image_ref": "s1/original.png", "quality": "low"}))
	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "created", sess.Status)
	assert.Equal(t, "s1/original.png", sess.SourceImageRef)
	assert.Equal(t, "low", sess.Quality)

	score := 88
	require.NoError(t, s.RecordStatus(ctx, "s1", "reviewed", Fields{
		"review_score":  &score,
		"review_issues": datatypes.JSON(`{"minor":["pacing"]}`),
	}))
	sess, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "reviewed", sess.Status)
	// Earlier fields survive later updates.
	assert.Equal(t, "s1/original.png", sess.SourceImageRef)
	require.NotNil(t, sess.ReviewScore)
	assert.Equal(t, 88, *sess.ReviewScore)
	assert.JSONEq(t, `{"minor":["pacing"]}`, string(sess.ReviewIssues))
}

func TestStore_RecordStatusRequiresID(t *testing.T) {
	assert.Error(t, testStore(t).RecordStatus(context.Background(), "", "created", nil))
}

func TestStore_GetSessionNotFound(t *testing.T) {
	_, err := testStore(t).GetSession(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestStore_EventsInOrder(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for i, kind := range []string{"start", "attempt", "done"} {
		require.NoError(t, s.AppendEvent(ctx, models.SessionEvent{SessionID: "s1", Stage: "render", Kind: kind, Attempt: i}))
	}
	require.NoError(t, s.AppendEvent(ctx, models.SessionEvent{SessionID: "other", Kind: "start"}))

	events, err := s.Events(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "start", events[0].Kind)
	assert.Equal(t, "done", events[2].Kind)
	assert.False(t, events[0].CreatedAt.IsZero())
}

func TestStore_Reviews(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.AddReview(ctx, models.ReviewRecord{SessionID: "s1", Iteration: 1, Score: 93}))
	require.NoError(t, s.AddReview(ctx, models.ReviewRecord{SessionID: "s1", Iteration: 0, Score: 70}))

	recs, err := s.Reviews(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 70, recs[0].Score, "original review first")
	assert.Equal(t, 93, recs[1].Score)
}

func TestStore_ListStale(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.RecordStatus(ctx, "old-scripted", "scripted", nil))
	require.NoError(t, s.RecordStatus(ctx, "old-done", "done", nil))
	require.NoError(t, s.RecordStatus(ctx, "fresh", "analyzed", nil))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, s.db.Model(&models.Session{}).Where("id IN ?", []string{"old-scripted", "old-done"}).
		UpdateColumn("updated_at", old).Error)

	got, err := s.ListStale(ctx, []string{"created", "analyzed", "scripted"}, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old-scripted", got[0].ID)

	none, err := s.ListStale(ctx, nil, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
