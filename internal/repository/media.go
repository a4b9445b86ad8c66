package repository

import (
	"context"
	"errors"
	"time"

	"media-harbor/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MediaRepository exposes persistence operations for the media catalog.
// Rows are keyed by the external catalog reference, not a surrogate id.
type MediaRepository interface {
	Init(ctx context.Context) error
	// Ensure creates the catalog row for ref if it does not exist and
	// records the transfer currently sourcing it.
	Ensure(ctx context.Context, ref domain.MediaRef, title, sourceID string) error
	MarkAvailable(ctx context.Context, ref domain.MediaRef, filePath string, at time.Time) error
	MarkUnavailable(ctx context.Context, ref domain.MediaRef) error
	ReplaceFiles(ctx context.Context, ref domain.MediaRef, files []domain.MediaFile) error
	ListFiles(ctx context.Context, ref domain.MediaRef) ([]domain.MediaFile, error)
	Get(ctx context.Context, ref domain.MediaRef) (*domain.MediaItem, error)
	List(ctx context.Context) ([]domain.MediaItem, error)
}
