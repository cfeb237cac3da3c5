package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/framepipe/framepipe/internal/staging"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var sessionColumns = []string{
	"token", "owner_id", "filename", "file_size", "chunk_size",
	"total_chunks", "received_chunks", "status", "video_id", "final_path",
	"notified", "created_at", "expires_at", "completed_at",
}

// PGStore is the Postgres-backed session registry.
type PGStore struct {
	db   *sql.DB
	sb   sq.StatementBuilderType
	opts Options
}

// NewPGStore wraps an open database handle. Migrate must have been run
// (or RunMigrations called) before use.
func NewPGStore(db *sql.DB, opts Options) *PGStore {
	return &PGStore{
		db:   db,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		opts: opts.withDefaults(),
	}
}

var _ Store = (*PGStore)(nil)

// RunMigrations applies the embedded schema migrations.
func RunMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PGStore) Create(ctx context.Context, owner uuid.UUID, filename string, fileSize int64, chunkSize uint32) (Session, error) {
	if err := validateGeometry(fileSize, chunkSize, s.opts.MaxChunkSize); err != nil {
		return Session{}, err
	}
	token, err := NewToken()
	if err != nil {
		return Session{}, err
	}

	now := s.opts.Now()
	sess := Session{
		Token:       token,
		OwnerID:     owner,
		Filename:    filename,
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: staging.TotalChunks(fileSize, chunkSize),
		Status:      StatusActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.TTL),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback()

	if s.opts.OwnerQuota > 0 {
		query, args, err := s.sb.
			Select("COALESCE(SUM(file_size), 0)").
			From("upload_sessions").
			Where(sq.Eq{"owner_id": owner, "status": StatusActive}).
			ToSql()
		if err != nil {
			return Session{}, fmt.Errorf("build quota query: %w", err)
		}
		var active int64
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&active); err != nil {
			return Session{}, fmt.Errorf("query owner quota: %w", err)
		}
		if active+fileSize > s.opts.OwnerQuota {
			return Session{}, fmt.Errorf("%w: %d active bytes + %d requested over %d",
				ErrQuotaExceeded, active, fileSize, s.opts.OwnerQuota)
		}
	}

	query, args, err := s.sb.
		Insert("upload_sessions").
		Columns("token", "owner_id", "filename", "file_size", "chunk_size",
			"total_chunks", "status", "created_at", "expires_at").
		Values(sess.Token, sess.OwnerID, sess.Filename, sess.FileSize, sess.ChunkSize,
			sess.TotalChunks, sess.Status, sess.CreatedAt, sess.ExpiresAt).
		ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit create tx: %w", err)
	}
	return sess, nil
}

func (s *PGStore) Get(ctx context.Context, token string) (Session, error) {
	query, args, err := s.sb.
		Select(sessionColumns...).
		From("upload_sessions").
		Where(sq.Eq{"token": token}).
		ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build select: %w", err)
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return Session{}, err
	}

	// Lazy expiry on read; the background sweep converges the rest.
	// Completing is overdue-expirable too, or a crashed finalize would
	// pin the row past its TTL.
	if (sess.Status == StatusActive || sess.Status == StatusCompleting) && s.opts.Now().After(sess.ExpiresAt) {
		update, uargs, err := s.sb.
			Update("upload_sessions").
			Set("status", StatusExpired).
			Where(sq.Eq{"token": token, "status": sess.Status}).
			ToSql()
		if err != nil {
			return Session{}, fmt.Errorf("build expiry update: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, update, uargs...); err != nil {
			return Session{}, fmt.Errorf("expire session: %w", err)
		}
		sess.Status = StatusExpired
	}
	return sess, nil
}

func (s *PGStore) RecordChunk(ctx context.Context, token string, index uint32) (uint32, uint32, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, false, fmt.Errorf("begin chunk tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.sb.
		Select("status", "total_chunks", "received_chunks", "expires_at").
		From("upload_sessions").
		Where(sq.Eq{"token": token}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return 0, 0, false, fmt.Errorf("build lock query: %w", err)
	}
	var (
		status    Status
		total     uint32
		received  uint32
		expiresAt time.Time
	)
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&status, &total, &received, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, false, ErrNotFound
		}
		return 0, 0, false, fmt.Errorf("lock session row: %w", err)
	}
	if status == StatusActive && s.opts.Now().After(expiresAt) {
		status = StatusExpired
		update, uargs, err := s.sb.
			Update("upload_sessions").
			Set("status", StatusExpired).
			Where(sq.Eq{"token": token}).
			ToSql()
		if err != nil {
			return 0, 0, false, fmt.Errorf("build expiry update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, update, uargs...); err != nil {
			return 0, 0, false, fmt.Errorf("expire session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, 0, false, fmt.Errorf("commit expiry: %w", err)
		}
	}
	if status != StatusActive {
		return 0, 0, false, fmt.Errorf("%w: %s", ErrSessionNotActive, status)
	}
	if index >= total {
		return 0, 0, false, fmt.Errorf("%w: %d of %d", ErrInvalidChunkIndex, index, total)
	}

	insert, iargs, err := s.sb.
		Insert("upload_chunks").
		Columns("session_token", "chunk_index").
		Values(token, index).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return 0, 0, false, fmt.Errorf("build chunk insert: %w", err)
	}
	res, err := tx.ExecContext(ctx, insert, iargs...)
	if err != nil {
		return 0, 0, false, fmt.Errorf("record chunk: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, 0, false, fmt.Errorf("chunk insert result: %w", err)
	}
	first := rows == 1

	if first {
		update, uargs, err := s.sb.
			Update("upload_sessions").
			Set("received_chunks", sq.Expr("received_chunks + 1")).
			Where(sq.Eq{"token": token}).
			Suffix("RETURNING received_chunks").
			ToSql()
		if err != nil {
			return 0, 0, false, fmt.Errorf("build count update: %w", err)
		}
		if err := tx.QueryRowContext(ctx, update, uargs...).Scan(&received); err != nil {
			return 0, 0, false, fmt.Errorf("bump received count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, false, fmt.Errorf("commit chunk tx: %w", err)
	}
	return received, total, first, nil
}

func (s *PGStore) ReceivedBitmap(ctx context.Context, token string) ([]byte, error) {
	query, args, err := s.sb.
		Select("total_chunks").
		From("upload_sessions").
		Where(sq.Eq{"token": token}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	var total uint32
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}

	query, args, err = s.sb.
		Select("chunk_index").
		From("upload_chunks").
		Where(sq.Eq{"session_token": token}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build chunk select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	arrived := make(map[uint32]struct{})
	for rows.Next() {
		var index uint32
		if err := rows.Scan(&index); err != nil {
			return nil, fmt.Errorf("scan chunk index: %w", err)
		}
		arrived[index] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return packBitmap(total, func(i uint32) bool {
		_, ok := arrived[i]
		return ok
	}), nil
}

func (s *PGStore) Transition(ctx context.Context, token string, from, to Status) error {
	if !legalTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	builder := s.sb.
		Update("upload_sessions").
		Set("status", to).
		Where(sq.Eq{"token": token, "status": from})
	if to == StatusCompleted {
		builder = builder.Set("completed_at", s.opts.Now())
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build transition: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition result: %w", err)
	}
	if rows == 0 {
		// CAS lost or unknown token; report which.
		if _, err := s.Get(ctx, token); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

func (s *PGStore) SetFinalized(ctx context.Context, token string, videoID uuid.UUID, finalPath string) error {
	query, args, err := s.sb.
		Update("upload_sessions").
		Set("video_id", videoID).
		Set("final_path", finalPath).
		Where(sq.Eq{"token": token}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build finalize update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set finalized: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) MarkNotified(ctx context.Context, token string) (bool, error) {
	query, args, err := s.sb.
		Update("upload_sessions").
		Set("notified", true).
		Where(sq.Eq{"token": token, "notified": false}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build notify update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("notify result: %w", err)
	}
	return rows == 1, nil
}

func (s *PGStore) SweepExpired(ctx context.Context, now time.Time) ([]Session, error) {
	query, args, err := s.sb.
		Update("upload_sessions").
		Set("status", StatusExpired).
		Where(sq.Eq{"status": []Status{StatusActive, StatusCompleting}}).
		Where(sq.Lt{"expires_at": now}).
		Suffix("RETURNING " + strings.Join(sessionColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sweep: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sweep expired: %w", err)
	}
	defer rows.Close()

	var swept []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		swept = append(swept, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swept: %w", err)
	}
	return swept, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess        Session
		videoID     sql.NullString
		finalPath   sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(
		&sess.Token, &sess.OwnerID, &sess.Filename, &sess.FileSize, &sess.ChunkSize,
		&sess.TotalChunks, &sess.ReceivedChunks, &sess.Status, &videoID, &finalPath,
		&sess.Notified, &sess.CreatedAt, &sess.ExpiresAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if videoID.Valid {
		id, err := uuid.Parse(videoID.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse video id: %w", err)
		}
		sess.VideoID = id
	}
	if finalPath.Valid {
		sess.FinalPath = finalPath.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return sess, nil
}
