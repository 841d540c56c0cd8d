// Package artifact persists session state and the binary/text artifacts each
// pipeline stage produces.
//
// Session rows and their audit trail live in the SQL store (see Store);
// payloads live in a BlobStore keyed by session. Refs returned from Put are
// opaque to callers and are stored on the session row.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zulandar/mathreel/internal/models"
)

// ErrNotFound is returned when a session or blob does not exist.
var ErrNotFound = errors.New("artifact: not found")

// Kind identifies what a stored artifact is.
type Kind string

const (
	KindImage      Kind = "image"
	KindAnalysis   Kind = "analysis"
	KindScript     Kind = "script"
	KindVisualPlan Kind = "visual_plan"
	KindCode       Kind = "code"
	KindVideo      Kind = "video"
	KindReview     Kind = "review"
)

// Ref is an opaque reference to a stored blob.
type Ref string

// Fields are column updates applied with a status change. Keys are column
// names on the sessions table.
type Fields map[string]interface{}

// BlobStore is a flat key/value store for artifact payloads.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	URL(key string) string
}

// Store is the persistence surface the pipeline depends on.
type Store interface {
	Put(ctx context.Context, sessionID string, kind Kind, data []byte) (Ref, error)
	PutText(ctx context.Context, sessionID string, kind Kind, text string) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
	URL(ref Ref) string

	RecordStatus(ctx context.Context, sessionID, status string, fields Fields) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	AppendEvent(ctx context.Context, ev models.SessionEvent) error
	Events(ctx context.Context, sessionID string) ([]models.SessionEvent, error)
	AddReview(ctx context.Context, rec models.ReviewRecord) error
	Reviews(ctx context.Context, sessionID string) ([]models.ReviewRecord, error)
	ListStale(ctx context.Context, statuses []string, idleSince time.Time, limit int) ([]models.Session, error)
}

// imageExtensions maps sniffed image content types to file extensions.
var imageExtensions = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
}

// ImageType sniffs data and reports its content type when it is one of the
// supported image formats.
func ImageType(data []byte) (string, bool) {
	ct := http.DetectContentType(data)
	_, ok := imageExtensions[ct]
	return ct, ok
}

// ContentType returns the content type a blob of kind should be stored with.
func ContentType(kind Kind, data []byte) string {
	switch kind {
	case KindImage:
		if ct, ok := ImageType(data); ok {
			return ct
		}
		return "application/octet-stream"
	case KindCode:
		return "text/x-python; charset=utf-8"
	case KindVideo:
		return "video/mp4"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Key returns the blob key for a new artifact. Code, video and review blobs
// get a ULID suffix so earlier versions are never overwritten.
func Key(sessionID string, kind Kind, contentType string) string {
	switch kind {
	case KindImage:
		ext := imageExtensions[contentType]
		if ext == "" {
			ext = "bin"
		}
		return fmt.Sprintf("%s/original.%s", sessionID, ext)
	case KindAnalysis:
		return sessionID + "/analysis.txt"
	case KindScript:
		return sessionID + "/narrative.txt"
	case KindVisualPlan:
		return sessionID + "/visual_plan.txt"
	case KindCode:
		return fmt.Sprintf("%s/code/scene-%s.py", sessionID, newULID())
	case KindVideo:
		return fmt.Sprintf("%s/video-%s.mp4", sessionID, newULID())
	case KindReview:
		return fmt.Sprintf("%s/review-%s.txt", sessionID, newULID())
	default:
		return fmt.Sprintf("%s/%s-%s", sessionID, kind, newULID())
	}
}

func newULID() string {
	return strings.ToLower(ulid.Make().String())
}
