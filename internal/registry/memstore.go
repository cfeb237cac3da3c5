package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/framepipe/framepipe/internal/staging"
	"github.com/google/uuid"
)

// Options configure a registry store.
type Options struct {
	TTL          time.Duration // session lifetime (default 24h)
	OwnerQuota   int64         // combined active-session size cap per owner (0: unlimited)
	MaxChunkSize uint32        // upper bound on a session's chunk size (0: unlimited)
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type memSession struct {
	session Session
	arrived map[uint32]struct{}
}

// MemStore is a thread-safe in-memory session registry. It backs tests
// and single-node deployments that accept losing sessions on restart;
// PGStore is the durable implementation.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	opts     Options
}

// NewMemStore creates an in-memory registry.
func NewMemStore(opts Options) *MemStore {
	return &MemStore{
		sessions: make(map[string]*memSession),
		opts:     opts.withDefaults(),
	}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Create(ctx context.Context, owner uuid.UUID, filename string, fileSize int64, chunkSize uint32) (Session, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.OwnerQuota > 0 {
		var active int64
		for _, ms := range s.sessions {
			if ms.session.OwnerID == owner && ms.session.Status == StatusActive {
				active += ms.session.FileSize
			}
		}
		if active+fileSize > s.opts.OwnerQuota {
			return Session{}, fmt.Errorf("%w: %d active bytes + %d requested over %d",
				ErrQuotaExceeded, active, fileSize, s.opts.OwnerQuota)
		}
	}

	s.sessions[token] = &memSession{
		session: sess,
		arrived: make(map[uint32]struct{}),
	}
	return sess, nil
}

func (s *MemStore) Get(ctx context.Context, token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	s.expireLocked(ms)
	return ms.session, nil
}

// expireLocked applies the lazy TTL check on read. Completing counts
// as overdue too: a crashed finalize must not pin the session past
// its TTL.
func (s *MemStore) expireLocked(ms *memSession) {
	st := ms.session.Status
	if (st == StatusActive || st == StatusCompleting) && s.opts.Now().After(ms.session.ExpiresAt) {
		ms.session.Status = StatusExpired
	}
}

func (s *MemStore) RecordChunk(ctx context.Context, token string, index uint32) (uint32, uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[token]
	if !ok {
		return 0, 0, false, ErrNotFound
	}
	s.expireLocked(ms)
	if ms.session.Status != StatusActive {
		return 0, 0, false, fmt.Errorf("%w: %s", ErrSessionNotActive, ms.session.Status)
	}
	if index >= ms.session.TotalChunks {
		return 0, 0, false, fmt.Errorf("%w: %d of %d", ErrInvalidChunkIndex, index, ms.session.TotalChunks)
	}
	_, seen := ms.arrived[index]
	if !seen {
		ms.arrived[index] = struct{}{}
		ms.session.ReceivedChunks = uint32(len(ms.arrived))
	}
	return ms.session.ReceivedChunks, ms.session.TotalChunks, !seen, nil
}

func (s *MemStore) ReceivedBitmap(ctx context.Context, token string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return packBitmap(ms.session.TotalChunks, func(i uint32) bool {
		_, ok := ms.arrived[i]
		return ok
	}), nil
}

func (s *MemStore) Transition(ctx context.Context, token string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[token]
	if !ok {
		return ErrNotFound
	}
	if ms.session.Status != from || !legalTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrIllegalTransition, from, to, ms.session.Status)
	}
	ms.session.Status = to
	if to == StatusCompleted {
		now := s.opts.Now()
		ms.session.CompletedAt = &now
	}
	return nil
}

func (s *MemStore) SetFinalized(ctx context.Context, token string, videoID uuid.UUID, finalPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[token]
	if !ok {
		return ErrNotFound
	}
	ms.session.VideoID = videoID
	ms.session.FinalPath = finalPath
	return nil
}

func (s *MemStore) MarkNotified(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[token]
	if !ok {
		return false, ErrNotFound
	}
	if ms.session.Notified {
		return false, nil
	}
	ms.session.Notified = true
	return true, nil
}

func (s *MemStore) SweepExpired(ctx context.Context, now time.Time) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []Session
	for _, ms := range s.sessions {
		st := ms.session.Status
		if (st == StatusActive || st == StatusCompleting) && now.After(ms.session.ExpiresAt) {
			ms.session.Status = StatusExpired
			swept = append(swept, ms.session)
		}
	}
	return swept, nil
}
