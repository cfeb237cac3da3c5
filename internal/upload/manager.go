package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/framepipe/framepipe/internal/registry"
	"github.com/framepipe/framepipe/internal/staging"
)

// ErrNotOwner indicates an out-of-band request against a session the
// caller does not own.
var ErrNotOwner = errors.New("session belongs to another owner")

// Manager hands out per-token machines. Distinct tokens never share a
// lock, so sessions progress independently.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	machines map[string]*Machine
}

// NewManager creates a manager over the shared collaborators.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps.withDefaults(),
		machines: make(map[string]*Machine),
	}
}

// Machine returns the machine for token, creating it on first use.
func (mgr *Manager) Machine(token string) *Machine {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	m, ok := mgr.machines[token]
	if !ok {
		m = newMachine(token, mgr.deps)
		mgr.machines[token] = m
	}
	return m
}

// Release drops the machine for a token that reached a terminal state,
// closing any open staging handle.
func (mgr *Manager) Release(token string) {
	mgr.mu.Lock()
	m, ok := mgr.machines[token]
	delete(mgr.machines, token)
	mgr.mu.Unlock()
	if ok {
		m.Unbind()
	}
}

// Status returns the session record for an owner's status poll.
func (mgr *Manager) Status(ctx context.Context, token string, owner uuid.UUID) (registry.Session, error) {
	sess, err := mgr.deps.Store.Get(ctx, token)
	if err != nil {
		return registry.Session{}, err
	}
	if sess.OwnerID != owner {
		return registry.Session{}, ErrNotOwner
	}
	return sess, nil
}

// Cancel is the out-of-band cancel path. It is idempotent: cancelling
// an already-cancelled or expired session succeeds without effect.
func (mgr *Manager) Cancel(ctx context.Context, token string, owner uuid.UUID) error {
	sess, err := mgr.deps.Store.Get(ctx, token)
	if err != nil {
		return err
	}
	if sess.OwnerID != owner {
		return ErrNotOwner
	}
	if sess.Status.Terminal() {
		return nil
	}
	if _, err := mgr.Machine(token).HandleCancel(ctx); err != nil {
		if errors.Is(err, registry.ErrSessionNotActive) {
			return nil
		}
		return err
	}
	mgr.Release(token)
	return nil
}

// SweepExpired expires overdue sessions and discards their staging
// state. Returns how many sessions were swept.
func (mgr *Manager) SweepExpired(ctx context.Context) (int, error) {
	swept, err := mgr.deps.Store.SweepExpired(ctx, mgr.deps.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep registry: %w", err)
	}
	for _, sess := range swept {
		mgr.Release(sess.Token)
		if err := staging.Remove(mgr.deps.StagingDir, sess.Token); err != nil {
			mgr.deps.Logger.Warn("remove staging for expired session",
				"token", sess.Token, "error", err)
		}
		mgr.deps.Logger.Info("session expired", "token", sess.Token,
			"owner_id", sess.OwnerID, "received_chunks", sess.ReceivedChunks,
			"total_chunks", sess.TotalChunks)
	}
	return len(swept), nil
}
