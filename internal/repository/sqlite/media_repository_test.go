package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"media-harbor/internal/domain"
	"media-harbor/internal/repository"
)

func newTestRepo(t *testing.T) repository.MediaRepository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := NewMediaRepository(db)
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return repo
}

func TestEnsureIsUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	ref := domain.MediaRef{MediaType: domain.MediaTypeMovie, MediaID: 1}

	if err := repo.Ensure(ctx, ref, "", "hash-a"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// second call fills in the title without duplicating the row
	if err := repo.Ensure(ctx, ref, "The Film", "hash-a"); err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	// an empty title never overwrites a known one
	if err := repo.Ensure(ctx, ref, "", "hash-b"); err != nil {
		t.Fatalf("Ensure third: %v", err)
	}

	items, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].Title != "The Film" || items[0].SourceID != "hash-b" {
		t.Fatalf("item = %+v", items[0])
	}
}

func TestAvailabilityRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	ref := domain.MediaRef{MediaType: domain.MediaTypeTrack, MediaID: 9}

	if err := repo.Ensure(ctx, ref, "Track", "h"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	at := time.Now().UTC()
	if err := repo.MarkAvailable(ctx, ref, "/data/track.flac", at); err != nil {
		t.Fatalf("MarkAvailable: %v", err)
	}

	item, err := repo.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !item.Available || item.FilePath != "/data/track.flac" || item.AvailableAt == nil {
		t.Fatalf("item = %+v", item)
	}

	if err := repo.MarkUnavailable(ctx, ref); err != nil {
		t.Fatalf("MarkUnavailable: %v", err)
	}
	item, err = repo.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Available || item.AvailableAt != nil {
		t.Fatalf("item = %+v", item)
	}
}

func TestMarkAvailableUnknownRef(t *testing.T) {
	repo := newTestRepo(t)
	ref := domain.MediaRef{MediaType: domain.MediaTypeMovie, MediaID: 404}
	err := repo.MarkAvailable(context.Background(), ref, "/x", time.Now())
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReplaceFiles(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	ref := domain.MediaRef{MediaType: domain.MediaTypeAlbum, MediaID: 5}

	if err := repo.Ensure(ctx, ref, "Album", "h"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	first := []domain.MediaFile{{Ref: ref, Path: "a/01.flac"}, {Ref: ref, Path: "a/02.flac"}}
	if err := repo.ReplaceFiles(ctx, ref, first); err != nil {
		t.Fatalf("ReplaceFiles: %v", err)
	}
	second := []domain.MediaFile{{Ref: ref, Path: "a/01.flac", Size: 100}}
	if err := repo.ReplaceFiles(ctx, ref, second); err != nil {
		t.Fatalf("ReplaceFiles again: %v", err)
	}

	files, err := repo.ListFiles(ctx, ref)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].Path != "a/01.flac" || files[0].Size != 100 {
		t.Fatalf("files = %+v", files)
	}
}
