// Package upload drives the per-session state machine: it owns the
// ordering between staging writes, registry bookkeeping, catalog
// handoff and the completion event, and emits the outbound messages a
// bound connection should deliver.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/framepipe/framepipe/internal/catalog"
	"github.com/framepipe/framepipe/internal/dispatch"
	"github.com/framepipe/framepipe/internal/registry"
	"github.com/framepipe/framepipe/internal/staging"
	"github.com/framepipe/framepipe/pkg/protocol"
)

var (
	// ErrChunkDigestMismatch indicates a chunk whose declared crc32c does
	// not match its payload.
	ErrChunkDigestMismatch = errors.New("chunk digest mismatch")
	// ErrFinalizing indicates a chunk arriving while another handler is
	// mid-finalize for the same session.
	ErrFinalizing = errors.New("session is finalizing")
	// ErrFinalizeFailed indicates a failed completion attempt; the session
	// reverts to active and resending any chunk retries it.
	ErrFinalizeFailed = errors.New("finalize failed, resend a chunk to retry")
)

// Deps carries the collaborators a machine acts on.
type Deps struct {
	Store      registry.Store
	Catalog    catalog.Catalog
	Dispatcher dispatch.Dispatcher
	StagingDir string
	BlobDir    string
	Logger     *slog.Logger
	Now        func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Machine serializes all mutations for one session token. Handlers run
// under the machine mutex, so the registry, staging file and catalog
// see one writer per session regardless of how many goroutines the
// transport runs.
type Machine struct {
	token string
	deps  Deps

	mu  sync.Mutex
	buf *staging.Buffer
}

func newMachine(token string, deps Deps) *Machine {
	return &Machine{token: token, deps: deps}
}

// Bind validates the session and prepares it for chunk traffic. The
// returned session_info carries the registry's arrival bitmap so the
// client resumes from what the server durably recorded; staging may be
// ahead of it, and re-sent chunks overwrite the same byte ranges. A
// session left in completing by an interrupted finalize is rolled back
// here, and re-finalized when every chunk was already recorded.
func (m *Machine) Bind(ctx context.Context) ([]protocol.ServerMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := registry.ActiveSession(ctx, m.deps.Store, m.token)
	if err != nil {
		return nil, err
	}

	// A completing status here means a previous process died
	// mid-finalize: the in-process finalize path holds this mutex for
	// its whole run. Roll back and let the completion path finish.
	var done []protocol.ServerMessage
	if sess.Status == registry.StatusCompleting {
		if err := m.deps.Store.Transition(ctx, m.token, registry.StatusCompleting, registry.StatusActive); err != nil {
			return nil, fmt.Errorf("recover interrupted finalize: %w", err)
		}
		sess.Status = registry.StatusActive
		if sess.ReceivedChunks == sess.TotalChunks {
			if err := m.openStagingLocked(sess); err != nil {
				return nil, err
			}
			done, err = m.finalizeLocked(ctx, sess)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(done) == 0 {
		// The recovery path above may have renamed the staging file
		// away; only reopen it for a session still taking chunks.
		if err := m.openStagingLocked(sess); err != nil {
			return nil, err
		}
	}
	bitmap, err := m.deps.Store.ReceivedBitmap(ctx, m.token)
	if err != nil {
		return nil, fmt.Errorf("load arrival bitmap: %w", err)
	}
	msgs := []protocol.ServerMessage{protocol.NewSessionInfo(protocol.SessionInfo{
		SessionID:      sess.Token,
		Filename:       sess.Filename,
		FileSize:       sess.FileSize,
		ChunkSize:      sess.ChunkSize,
		TotalChunks:    sess.TotalChunks,
		ReceivedChunks: sess.ReceivedChunks,
		ReceivedBitmap: protocol.EncodeChunkData(bitmap),
	})}
	return append(msgs, done...), nil
}

// HandleChunk stores one chunk and advances the lifecycle when it was
// the last one missing.
func (m *Machine) HandleChunk(ctx context.Context, index uint32, data []byte, digest *uint32) ([]protocol.ServerMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := registry.ActiveSession(ctx, m.deps.Store, m.token)
	if err != nil {
		return nil, err
	}
	if sess.Status == registry.StatusCompleting {
		return nil, ErrFinalizing
	}
	if digest != nil && staging.ChecksumChunk(data) != *digest {
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkDigestMismatch, index)
	}
	if err := m.openStagingLocked(sess); err != nil {
		return nil, err
	}

	// Staging before registry: the durable record never claims a chunk
	// the staging file does not hold.
	if err := m.buf.WriteChunk(index, data); err != nil {
		return nil, err
	}
	received, total, first, err := m.deps.Store.RecordChunk(ctx, m.token, index)
	if err != nil {
		return nil, err
	}
	if !first {
		m.deps.Logger.Debug("duplicate chunk overwritten",
			"token", m.token, "chunk_index", index)
	}

	msgs := []protocol.ServerMessage{protocol.NewProgress(protocol.Progress{
		Progress:       float64(received) / float64(total),
		ChunkIndex:     index,
		ReceivedChunks: received,
		TotalChunks:    total,
	})}
	if received == total {
		done, err := m.finalizeLocked(ctx, sess)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, done...)
	}
	return msgs, nil
}

// HandleCancel transitions the session to cancelled and discards its
// staging state. A session stranded in completing by an interrupted
// finalize is cancellable too. Repeat cancels surface SessionNotActive.
func (m *Machine) HandleCancel(ctx context.Context) ([]protocol.ServerMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.deps.Store.Transition(ctx, m.token, registry.StatusActive, registry.StatusCancelled)
	if errors.Is(err, registry.ErrIllegalTransition) {
		err = m.deps.Store.Transition(ctx, m.token, registry.StatusCompleting, registry.StatusCancelled)
	}
	if err != nil {
		if errors.Is(err, registry.ErrIllegalTransition) {
			sess, gerr := m.deps.Store.Get(ctx, m.token)
			if gerr == nil {
				return nil, fmt.Errorf("%w: %s", registry.ErrSessionNotActive, sess.Status)
			}
		}
		return nil, err
	}
	m.discardStagingLocked()
	return []protocol.ServerMessage{protocol.NewUploadCancelled()}, nil
}

// Unbind releases the staging file handle. Arrival state stays on disk;
// the session remains resumable.
func (m *Machine) Unbind() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf != nil {
		m.buf.Close()
		m.buf = nil
	}
}

func (m *Machine) openStagingLocked(sess registry.Session) error {
	if m.buf != nil {
		return nil
	}
	buf, err := staging.Open(m.deps.StagingDir, m.token, sess.FileSize, sess.ChunkSize)
	if err != nil {
		return fmt.Errorf("open staging: %w", err)
	}
	m.buf = buf
	return nil
}

func (m *Machine) discardStagingLocked() {
	if m.buf != nil {
		if err := m.buf.Discard(); err != nil {
			m.deps.Logger.Warn("discard staging", "token", m.token, "error", err)
		}
		m.buf = nil
		return
	}
	if err := staging.Remove(m.deps.StagingDir, m.token); err != nil {
		m.deps.Logger.Warn("remove staging", "token", m.token, "error", err)
	}
}

// finalizeLocked runs the completion sequence once all chunks are
// recorded. Catalog and registry metadata are written before the
// staging rename so a crash or failure at any point leaves a state the
// next chunk retry can finish from; the registry's video id makes the
// retry reuse the same artifact identity instead of minting a new row.
func (m *Machine) finalizeLocked(ctx context.Context, sess registry.Session) ([]protocol.ServerMessage, error) {
	err := m.deps.Store.Transition(ctx, m.token, registry.StatusActive, registry.StatusCompleting)
	if err != nil {
		if errors.Is(err, registry.ErrIllegalTransition) {
			// Lost the CAS to a concurrent cancel or finalize.
			return nil, nil
		}
		return nil, err
	}

	// Reserve the artifact identity in the registry before touching the
	// catalog: a retry after any failure past this point reuses the same
	// video id instead of minting a second catalog row.
	videoID, finalPath := sess.VideoID, sess.FinalPath
	if videoID == uuid.Nil {
		videoID = uuid.New()
		stored := catalog.StoredName(videoID, sess.Filename)
		finalPath = filepath.Join(m.deps.BlobDir, sess.OwnerID.String(), stored)
		if err := m.deps.Store.SetFinalized(ctx, m.token, videoID, finalPath); err != nil {
			return nil, m.revertLocked(ctx, fmt.Errorf("record artifact: %w", err))
		}
	}
	if err := m.ensureCatalogLocked(ctx, sess, videoID, finalPath); err != nil {
		return nil, m.revertLocked(ctx, err)
	}

	if m.buf != nil && !m.buf.Complete() && artifactExists(finalPath) {
		// A previous attempt got as far as the rename before dying; the
		// artifact is already in place, only the bookkeeping is behind.
		m.discardStagingLocked()
	} else {
		if err := m.buf.Finalize(finalPath); err != nil {
			return nil, m.revertLocked(ctx, fmt.Errorf("assemble artifact: %w", err))
		}
		m.buf = nil
	}

	if err := m.deps.Store.Transition(ctx, m.token, registry.StatusCompleting, registry.StatusCompleted); err != nil {
		// The artifact exists; log and keep going rather than lose it.
		m.deps.Logger.Error("mark completed", "token", m.token, "error", err)
	}

	first, err := m.deps.Store.MarkNotified(ctx, m.token)
	if err != nil {
		m.deps.Logger.Error("notified flag", "token", m.token, "error", err)
	} else if first {
		ev := dispatch.NewCompletionEvent(videoID)
		if err := m.deps.Dispatcher.UploadCompleted(ctx, ev); err != nil {
			m.deps.Logger.Error("dispatch completion", "token", m.token,
				"video_id", videoID, "error", err)
		}
	}

	m.deps.Logger.Info("upload completed", "token", m.token,
		"video_id", videoID, "filename", sess.Filename, "size", sess.FileSize)
	return []protocol.ServerMessage{protocol.NewUploadComplete(protocol.UploadComplete{
		VideoID:  videoID.String(),
		Filename: sess.Filename,
		Size:     sess.FileSize,
	})}, nil
}

// ensureCatalogLocked inserts the video row if a previous attempt did
// not get that far. The id is fixed by the registry, so the insert is
// performed at most once per session.
func (m *Machine) ensureCatalogLocked(ctx context.Context, sess registry.Session, videoID uuid.UUID, finalPath string) error {
	_, err := m.deps.Catalog.GetVideo(ctx, videoID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("catalog lookup: %w", err)
	}
	v := catalog.Video{
		ID:               videoID,
		OwnerID:          sess.OwnerID,
		Filename:         catalog.StoredName(videoID, sess.Filename),
		OriginalFilename: sess.Filename,
		FilePath:         finalPath,
		FileSize:         sess.FileSize,
		MimeType:         catalog.DetectMime(sess.Filename),
		UploadStatus:     catalog.UploadCompleted,
		CreatedAt:        m.deps.Now(),
	}
	if err := m.deps.Catalog.CreateVideo(ctx, v); err != nil {
		return fmt.Errorf("catalog insert: %w", err)
	}
	return nil
}

func artifactExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *Machine) revertLocked(ctx context.Context, cause error) error {
	if err := m.deps.Store.Transition(ctx, m.token, registry.StatusCompleting, registry.StatusActive); err != nil {
		m.deps.Logger.Error("revert to active", "token", m.token, "error", err)
	}
	m.deps.Logger.Error("finalize failed", "token", m.token, "error", cause)
	return fmt.Errorf("%w: %v", ErrFinalizeFailed, cause)
}
