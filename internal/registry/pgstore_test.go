package registry

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, opts Options) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db, opts), mock
}

func sessionRow(sess Session) *sqlmock.Rows {
	rows := sqlmock.NewRows(sessionColumns)
	var videoID any
	if sess.VideoID != uuid.Nil {
		videoID = sess.VideoID.String()
	}
	var finalPath any
	if sess.FinalPath != "" {
		finalPath = sess.FinalPath
	}
	var completedAt any
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	rows.AddRow(sess.Token, sess.OwnerID.String(), sess.Filename, sess.FileSize, sess.ChunkSize,
		sess.TotalChunks, sess.ReceivedChunks, string(sess.Status), videoID, finalPath,
		sess.Notified, sess.CreatedAt, sess.ExpiresAt, completedAt)
	return rows
}

func TestPGStore_Create(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, Options{
		TTL:        time.Hour,
		OwnerQuota: 100 << 20,
		Now:        func() time.Time { return now },
	})
	owner := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(file_size\), 0\) FROM upload_sessions`).
		WithArgs(owner, string(StatusActive)).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
	mock.ExpectExec(`INSERT INTO upload_sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sess, err := store.Create(context.Background(), owner, "clip.mp4", 10<<20, 1<<20)
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)
	require.Equal(t, uint32(10), sess.TotalChunks)
	require.Equal(t, StatusActive, sess.Status)
	require.Equal(t, now.Add(time.Hour), sess.ExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_CreateQuotaExceeded(t *testing.T) {
	store, mock := newMockStore(t, Options{OwnerQuota: 10 << 20})
	owner := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(file_size\), 0\) FROM upload_sessions`).
		WithArgs(owner, string(StatusActive)).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(8 << 20)))
	mock.ExpectRollback()

	_, err := store.Create(context.Background(), owner, "clip.mp4", 4<<20, 1<<20)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_RecordChunkFirstArrival(t *testing.T) {
	store, mock := newMockStore(t, Options{})
	expires := time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, total_chunks, received_chunks, expires_at FROM upload_sessions .* FOR UPDATE`).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"status", "total_chunks", "received_chunks", "expires_at"}).
			AddRow(string(StatusActive), uint32(10), uint32(4), expires))
	mock.ExpectExec(`INSERT INTO upload_chunks .* ON CONFLICT DO NOTHING`).
		WithArgs("tok", uint32(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE upload_sessions SET received_chunks = received_chunks \+ 1 .* RETURNING received_chunks`).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"received_chunks"}).AddRow(uint32(5)))
	mock.ExpectCommit()

	received, total, first, err := store.RecordChunk(context.Background(), "tok", 7)
	require.NoError(t, err)
	require.True(t, first)
	require.Equal(t, uint32(5), received)
	require.Equal(t, uint32(10), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_RecordChunkDuplicate(t *testing.T) {
	store, mock := newMockStore(t, Options{})
	expires := time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, total_chunks, received_chunks, expires_at FROM upload_sessions .* FOR UPDATE`).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"status", "total_chunks", "received_chunks", "expires_at"}).
			AddRow(string(StatusActive), uint32(10), uint32(4), expires))
	mock.ExpectExec(`INSERT INTO upload_chunks .* ON CONFLICT DO NOTHING`).
		WithArgs("tok", uint32(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	received, total, first, err := store.RecordChunk(context.Background(), "tok", 2)
	require.NoError(t, err)
	require.False(t, first)
	require.Equal(t, uint32(4), received)
	require.Equal(t, uint32(10), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_RecordChunkExpires(t *testing.T) {
	store, mock := newMockStore(t, Options{})
	expires := time.Now().Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, total_chunks, received_chunks, expires_at FROM upload_sessions .* FOR UPDATE`).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"status", "total_chunks", "received_chunks", "expires_at"}).
			AddRow(string(StatusActive), uint32(10), uint32(4), expires))
	mock.ExpectExec(`UPDATE upload_sessions SET status = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, _, _, err := store.RecordChunk(context.Background(), "tok", 0)
	require.ErrorIs(t, err, ErrSessionNotActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_GetLazyExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, Options{Now: func() time.Time { return now }})

	sess := Session{
		Token:       "tok",
		OwnerID:     uuid.New(),
		Filename:    "clip.mp4",
		FileSize:    10 << 20,
		ChunkSize:   1 << 20,
		TotalChunks: 10,
		Status:      StatusActive,
		CreatedAt:   now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	}
	mock.ExpectQuery(`SELECT .* FROM upload_sessions`).
		WithArgs("tok").
		WillReturnRows(sessionRow(sess))
	mock.ExpectExec(`UPDATE upload_sessions SET status = `).
		WithArgs(string(StatusExpired), string(StatusActive), "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := store.Get(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_GetLazyExpiryCompleting(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, Options{Now: func() time.Time { return now }})

	// A finalize that died mid-flight leaves the row in completing; the
	// TTL must still apply to it.
	sess := Session{
		Token:          "tok",
		OwnerID:        uuid.New(),
		Filename:       "clip.mp4",
		FileSize:       10 << 20,
		ChunkSize:      1 << 20,
		TotalChunks:    10,
		ReceivedChunks: 10,
		Status:         StatusCompleting,
		CreatedAt:      now.Add(-26 * time.Hour),
		ExpiresAt:      now.Add(-2 * time.Hour),
	}
	mock.ExpectQuery(`SELECT .* FROM upload_sessions`).
		WithArgs("tok").
		WillReturnRows(sessionRow(sess))
	mock.ExpectExec(`UPDATE upload_sessions SET status = `).
		WithArgs(string(StatusExpired), string(StatusCompleting), "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := store.Get(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t, Options{})

	mock.ExpectQuery(`SELECT .* FROM upload_sessions`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_ReceivedBitmap(t *testing.T) {
	store, mock := newMockStore(t, Options{})

	mock.ExpectQuery(`SELECT total_chunks FROM upload_sessions`).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"total_chunks"}).AddRow(uint32(10)))
	mock.ExpectQuery(`SELECT chunk_index FROM upload_chunks`).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"chunk_index"}).
			AddRow(uint32(0)).AddRow(uint32(3)).AddRow(uint32(9)))

	bm, err := store.ReceivedBitmap(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, []byte{0b0000_1001, 0b0000_0010}, bm)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_TransitionCAS(t *testing.T) {
	store, mock := newMockStore(t, Options{})

	mock.ExpectExec(`UPDATE upload_sessions SET status = `).
		WithArgs(string(StatusCompleting), string(StatusActive), "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Transition(context.Background(), "tok", StatusActive, StatusCompleting))

	// Lost CAS: zero rows updated, session still present.
	mock.ExpectExec(`UPDATE upload_sessions SET status = `).
		WithArgs(string(StatusCompleting), string(StatusActive), "tok").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM upload_sessions`).
		WithArgs("tok").
		WillReturnRows(sessionRow(Session{
			Token:       "tok",
			OwnerID:     uuid.New(),
			Filename:    "f",
			FileSize:    1,
			ChunkSize:   1,
			TotalChunks: 1,
			Status:      StatusCancelled,
			CreatedAt:   time.Now(),
			ExpiresAt:   time.Now().Add(time.Hour),
		}))
	err := store.Transition(context.Background(), "tok", StatusActive, StatusCompleting)
	require.ErrorIs(t, err, ErrIllegalTransition)

	// Illegal edges are rejected before touching the database.
	err = store.Transition(context.Background(), "tok", StatusCompleted, StatusActive)
	require.ErrorIs(t, err, ErrIllegalTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_MarkNotifiedOnce(t *testing.T) {
	store, mock := newMockStore(t, Options{})

	mock.ExpectExec(`UPDATE upload_sessions SET notified = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	first, err := store.MarkNotified(context.Background(), "tok")
	require.NoError(t, err)
	require.True(t, first)

	mock.ExpectExec(`UPDATE upload_sessions SET notified = `).
		WillReturnResult(sqlmock.NewResult(0, 0))
	again, err := store.MarkNotified(context.Background(), "tok")
	require.NoError(t, err)
	require.False(t, again)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_SweepExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, Options{Now: func() time.Time { return now }})

	stale := Session{
		Token:       "stale",
		OwnerID:     uuid.New(),
		Filename:    "old.mp4",
		FileSize:    1 << 20,
		ChunkSize:   1 << 20,
		TotalChunks: 1,
		Status:      StatusExpired,
		CreatedAt:   now.Add(-25 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	}
	mock.ExpectQuery(`UPDATE upload_sessions SET status = .* RETURNING`).
		WithArgs(string(StatusExpired), string(StatusActive), string(StatusCompleting), now).
		WillReturnRows(sessionRow(stale))

	swept, err := store.SweepExpired(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	require.Equal(t, "stale", swept[0].Token)
	require.Equal(t, StatusExpired, swept[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
