// Package registry is the durable record of upload sessions: the single
// source of truth for whether a session exists, what its chunk geometry
// is, how many distinct chunks have arrived, and which lifecycle state
// it is in.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates an unknown session token.
	ErrNotFound = errors.New("session not found")
	// ErrExpired indicates a session past its TTL.
	ErrExpired = errors.New("session expired")
	// ErrSessionNotActive indicates an operation that requires an active session.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrInvalidSize indicates a non-positive or out-of-bounds size on create.
	ErrInvalidSize = errors.New("invalid size")
	// ErrQuotaExceeded indicates the owner's combined active-session size cap was hit.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInvalidChunkIndex indicates a chunk index outside the session's range.
	ErrInvalidChunkIndex = errors.New("invalid chunk index")
	// ErrIllegalTransition indicates a status change the lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further transitions may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// legalTransition encodes the lifecycle table: completing sits between
// active and completed and may revert to active on finalize failure;
// nothing leaves a terminal state. A crash mid-finalize can strand a
// durable session in completing, so cancel and expiry apply to it too.
func legalTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusCompleting || to == StatusCancelled || to == StatusExpired
	case StatusCompleting:
		return to == StatusCompleted || to == StatusActive || to == StatusCancelled || to == StatusExpired
	}
	return false
}

// Session is the durable record of one chunked upload.
type Session struct {
	Token          string
	OwnerID        uuid.UUID
	Filename       string
	FileSize       int64
	ChunkSize      uint32
	TotalChunks    uint32
	ReceivedChunks uint32
	Status         Status
	VideoID        uuid.UUID // zero until finalized
	FinalPath      string    // artifact path, set on finalize
	Notified       bool      // completion event emitted
	CreatedAt      time.Time
	ExpiresAt      time.Time
	CompletedAt    *time.Time
}

// Progress returns the received fraction in [0, 1].
func (s Session) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(s.ReceivedChunks) / float64(s.TotalChunks)
}

// Store is the session registry. Implementations must make RecordChunk
// and Transition atomic: handlers never read-modify-write status or
// counts outside these operations.
type Store interface {
	// Create registers a new active session for owner. Fails with
	// ErrInvalidSize on bad geometry and ErrQuotaExceeded when the
	// owner's combined active-session bytes would pass the cap.
	Create(ctx context.Context, owner uuid.UUID, filename string, fileSize int64, chunkSize uint32) (Session, error)

	// Get returns the session for token, lazily transitioning an overdue
	// active session to expired before returning it.
	Get(ctx context.Context, token string) (Session, error)

	// RecordChunk marks a chunk index arrived, bumping the received count
	// only on first arrival. Returns the post-update counts and whether
	// this call was the first arrival for the index.
	RecordChunk(ctx context.Context, token string, index uint32) (received, total uint32, first bool, err error)

	// ReceivedBitmap returns the arrival bitmap (bit i set = chunk i
	// arrived), least significant bit first within each byte.
	ReceivedBitmap(ctx context.Context, token string) ([]byte, error)

	// Transition compare-and-swaps the session status from from to to,
	// enforcing the lifecycle table. ErrIllegalTransition covers both an
	// illegal edge and a lost CAS race.
	Transition(ctx context.Context, token string, from, to Status) error

	// SetFinalized records the artifact identity of a finalized session.
	SetFinalized(ctx context.Context, token string, videoID uuid.UUID, finalPath string) error

	// MarkNotified flips the one-time completion-notified flag, returning
	// true exactly once per session.
	MarkNotified(ctx context.Context, token string) (bool, error)

	// SweepExpired transitions every overdue active or completing
	// session to expired and returns the swept sessions so staging can
	// be discarded.
	SweepExpired(ctx context.Context, now time.Time) ([]Session, error)
}

// ActiveSession fetches a session and requires it to be usable for
// uploading, mapping terminal and overdue states to sentinel errors.
func ActiveSession(ctx context.Context, store Store, token string) (Session, error) {
	sess, err := store.Get(ctx, token)
	if err != nil {
		return Session{}, err
	}
	switch sess.Status {
	case StatusActive, StatusCompleting:
		return sess, nil
	case StatusExpired:
		return sess, ErrExpired
	default:
		return sess, fmt.Errorf("%w: %s", ErrSessionNotActive, sess.Status)
	}
}

// NewToken generates an opaque, unguessable session token
// (32 random bytes, URL-safe base64).
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// validateGeometry applies the create-time size rules shared by store
// implementations.
func validateGeometry(fileSize int64, chunkSize, maxChunkSize uint32) error {
	if fileSize <= 0 {
		return fmt.Errorf("%w: file_size %d", ErrInvalidSize, fileSize)
	}
	if chunkSize == 0 {
		return fmt.Errorf("%w: chunk_size 0", ErrInvalidSize)
	}
	if maxChunkSize > 0 && chunkSize > maxChunkSize {
		return fmt.Errorf("%w: chunk_size %d exceeds limit %d", ErrInvalidSize, chunkSize, maxChunkSize)
	}
	return nil
}

// packBitmap builds an arrival bitmap from a set of received indices.
func packBitmap(total uint32, received func(uint32) bool) []byte {
	out := make([]byte, (total+7)/8)
	for i := uint32(0); i < total; i++ {
		if received(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}
