// Package catalog records finalized uploads as video rows: once a
// staging file is assembled and moved into blob storage, the catalog
// entry is what the rest of the system sees.
package catalog

import (
	"context"
	"errors"
	"mime"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates an unknown video id.
var ErrNotFound = errors.New("video not found")

// UploadStatus is the catalog-side lifecycle of a video artifact.
type UploadStatus string

const (
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// Video is one finalized upload artifact.
type Video struct {
	ID               uuid.UUID
	OwnerID          uuid.UUID
	Filename         string // stored filename, random with the original extension
	OriginalFilename string
	FilePath         string
	FileSize         int64
	MimeType         string
	UploadStatus     UploadStatus
	CreatedAt        time.Time
}

// Catalog persists video records.
type Catalog interface {
	CreateVideo(ctx context.Context, v Video) error
	GetVideo(ctx context.Context, id uuid.UUID) (Video, error)
	ListByOwner(ctx context.Context, owner uuid.UUID) ([]Video, error)
}

// StoredName derives the on-disk filename for an upload: a fresh id
// with the original extension, so collisions and path-traversal names
// in user input cannot reach the filesystem.
func StoredName(id uuid.UUID, originalFilename string) string {
	return id.String() + filepath.Ext(filepath.Base(originalFilename))
}

// DetectMime guesses a MIME type from the original filename's
// extension, falling back to a generic binary type.
func DetectMime(originalFilename string) string {
	if mt := mime.TypeByExtension(filepath.Ext(originalFilename)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
