package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var videoColumns = []string{
	"id", "owner_id", "filename", "original_filename", "file_path",
	"file_size", "mime_type", "upload_status", "created_at",
}

// Postgres is the database-backed catalog.
type Postgres struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var _ Catalog = (*Postgres)(nil)

func (p *Postgres) CreateVideo(ctx context.Context, v Video) error {
	query, args, err := p.sb.
		Insert("videos").
		Columns(videoColumns...).
		Values(v.ID, v.OwnerID, v.Filename, v.OriginalFilename, v.FilePath,
			v.FileSize, v.MimeType, v.UploadStatus, v.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build video insert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (p *Postgres) GetVideo(ctx context.Context, id uuid.UUID) (Video, error) {
	query, args, err := p.sb.
		Select(videoColumns...).
		From("videos").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return Video{}, fmt.Errorf("build video select: %w", err)
	}
	v, err := scanVideo(p.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return Video{}, err
	}
	return v, nil
}

func (p *Postgres) ListByOwner(ctx context.Context, owner uuid.UUID) ([]Video, error) {
	query, args, err := p.sb.
		Select(videoColumns...).
		From("videos").
		Where(sq.Eq{"owner_id": owner}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build owner select: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query owner videos: %w", err)
	}
	defer rows.Close()

	var out []Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate videos: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (Video, error) {
	var v Video
	err := row.Scan(&v.ID, &v.OwnerID, &v.Filename, &v.OriginalFilename, &v.FilePath,
		&v.FileSize, &v.MimeType, &v.UploadStatus, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Video{}, ErrNotFound
		}
		return Video{}, fmt.Errorf("scan video: %w", err)
	}
	return v, nil
}
