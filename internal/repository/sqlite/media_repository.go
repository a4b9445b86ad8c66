package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"media-harbor/internal/domain"
	"media-harbor/internal/repository"
)

const createMediaTables = `
CREATE TABLE IF NOT EXISTS media_items (
	media_type TEXT NOT NULL,
	media_id INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	available INTEGER NOT NULL DEFAULT 0,
	file_path TEXT NOT NULL DEFAULT '',
	source_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	available_at DATETIME NULL,
	PRIMARY KEY (media_type, media_id)
);
CREATE TABLE IF NOT EXISTS media_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	media_type TEXT NOT NULL,
	media_id INTEGER NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (media_type, media_id) REFERENCES media_items(media_type, media_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_media_files_ref ON media_files(media_type, media_id);
`

type MediaRepository struct {
	db *sql.DB
}

func NewMediaRepository(db *sql.DB) repository.MediaRepository {
	return &MediaRepository{db: db}
}

func (r *MediaRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createMediaTables); err != nil {
		return fmt.Errorf("create media tables: %w", err)
	}
	return nil
}

func (r *MediaRepository) Ensure(ctx context.Context, ref domain.MediaRef, title, sourceID string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO media_items (media_type, media_id, title, source_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(media_type, media_id) DO UPDATE SET
	title = CASE WHEN excluded.title != '' THEN excluded.title ELSE media_items.title END,
	source_id = excluded.source_id,
	updated_at = excluded.updated_at`,
		string(ref.MediaType),
		ref.MediaID,
		title,
		sourceID,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("ensure media item: %w", err)
	}
	return nil
}

func (r *MediaRepository) MarkAvailable(ctx context.Context, ref domain.MediaRef, filePath string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE media_items
SET available = 1, file_path = ?, available_at = ?, updated_at = ?
WHERE media_type = ? AND media_id = ?`,
		filePath,
		at.UTC(),
		time.Now().UTC(),
		string(ref.MediaType),
		ref.MediaID,
	)
	if err != nil {
		return fmt.Errorf("mark media available: %w", err)
	}
	return requireRow(res)
}

func (r *MediaRepository) MarkUnavailable(ctx context.Context, ref domain.MediaRef) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE media_items
SET available = 0, file_path = '', available_at = NULL, updated_at = ?
WHERE media_type = ? AND media_id = ?`,
		time.Now().UTC(),
		string(ref.MediaType),
		ref.MediaID,
	)
	if err != nil {
		return fmt.Errorf("mark media unavailable: %w", err)
	}
	return requireRow(res)
}

func (r *MediaRepository) ReplaceFiles(ctx context.Context, ref domain.MediaRef, files []domain.MediaFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM media_files WHERE media_type = ? AND media_id = ?`,
		string(ref.MediaType), ref.MediaID); err != nil {
		return fmt.Errorf("delete media files: %w", err)
	}

	for _, file := range files {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO media_files (media_type, media_id, path, size)
VALUES (?, ?, ?, ?)`,
			string(ref.MediaType),
			ref.MediaID,
			file.Path,
			file.Size,
		); err != nil {
			return fmt.Errorf("insert media file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit media files: %w", err)
	}
	return nil
}

func (r *MediaRepository) ListFiles(ctx context.Context, ref domain.MediaRef) ([]domain.MediaFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, path, size
FROM media_files
WHERE media_type = ? AND media_id = ?
ORDER BY id ASC`,
		string(ref.MediaType), ref.MediaID)
	if err != nil {
		return nil, fmt.Errorf("query media files: %w", err)
	}
	defer rows.Close()

	var files []domain.MediaFile
	for rows.Next() {
		file := domain.MediaFile{Ref: ref}
		if err := rows.Scan(&file.ID, &file.Path, &file.Size); err != nil {
			return nil, fmt.Errorf("scan media file: %w", err)
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

func (r *MediaRepository) Get(ctx context.Context, ref domain.MediaRef) (*domain.MediaItem, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT media_type, media_id, title, available, file_path, source_id, created_at, updated_at, available_at
FROM media_items
WHERE media_type = ? AND media_id = ?`,
		string(ref.MediaType), ref.MediaID)
	return scanMediaItem(row)
}

func (r *MediaRepository) List(ctx context.Context) ([]domain.MediaItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT media_type, media_id, title, available, file_path, source_id, created_at, updated_at, available_at
FROM media_items
ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query media items: %w", err)
	}
	defer rows.Close()

	var items []domain.MediaItem
	for rows.Next() {
		item, err := scanMediaItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanMediaItem(scanner interface {
	Scan(dest ...any) error
}) (*domain.MediaItem, error) {
	var (
		item        domain.MediaItem
		mediaType   string
		available   int
		availableAt sql.NullTime
	)
	if err := scanner.Scan(
		&mediaType,
		&item.Ref.MediaID,
		&item.Title,
		&available,
		&item.FilePath,
		&item.SourceID,
		&item.CreatedAt,
		&item.UpdatedAt,
		&availableAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan media item: %w", err)
	}
	item.Ref.MediaType = domain.MediaType(mediaType)
	item.Available = available != 0
	if availableAt.Valid {
		t := availableAt.Time
		item.AvailableAt = &t
	}
	return &item, nil
}

func requireRow(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	return nil
}
