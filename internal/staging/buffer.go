// Package staging assembles upload artifacts from out-of-order chunk
// writes. Each session owns one staging file, preallocated to the
// declared size and written at absolute chunk offsets, plus a small meta
// file recording which chunks have arrived so sessions resume across
// restarts.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrChunkSizeMismatch indicates a chunk payload whose length does not
	// match the expected size for its index.
	ErrChunkSizeMismatch = errors.New("chunk size mismatch")
	// ErrInvalidChunkIndex indicates a chunk index outside the session's range.
	ErrInvalidChunkIndex = errors.New("invalid chunk index")
	// ErrIncomplete indicates a finalize attempt before all chunks arrived.
	ErrIncomplete = errors.New("upload incomplete")
	// ErrClosed indicates use of a buffer after finalize or discard.
	ErrClosed = errors.New("staging buffer closed")

	partSuffix = ".part"
	metaSuffix = ".meta"
)

// Buffer assembles one session's artifact. Offset-addressed writes make
// chunk delivery idempotent and order-independent: re-sending an index
// overwrites the same byte range.
type Buffer struct {
	token       string
	fileSize    int64
	chunkSize   uint32
	totalChunks uint32
	partPath    string
	metaPath    string

	mu     sync.Mutex
	file   *os.File
	bitmap *Bitmap
	closed bool
}

// TotalChunks returns the ceil-divided chunk count for a size pair.
// A zero-length artifact is not representable; callers validate sizes first.
func TotalChunks(fileSize int64, chunkSize uint32) uint32 {
	total := uint32((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
	if total == 0 {
		total = 1
	}
	return total
}

// Open creates or reopens the staging buffer for a session under root.
// The staging file is preallocated to fileSize; existing arrival state is
// reloaded when its geometry matches, otherwise discarded as stale.
func Open(root, token string, fileSize int64, chunkSize uint32) (*Buffer, error) {
	if fileSize <= 0 || chunkSize == 0 {
		return nil, fmt.Errorf("invalid staging geometry: size=%d chunk=%d", fileSize, chunkSize)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	b := &Buffer{
		token:       token,
		fileSize:    fileSize,
		chunkSize:   chunkSize,
		totalChunks: TotalChunks(fileSize, chunkSize),
		partPath:    filepath.Join(root, token+partSuffix),
		metaPath:    filepath.Join(root, token+metaSuffix),
	}

	// Meta that outlived its staging file is stale: a finalize that died
	// between the rename and the meta removal must not claim arrivals
	// for a freshly created empty file.
	_, statErr := os.Stat(b.partPath)
	partExisted := statErr == nil

	file, err := os.OpenFile(b.partPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	if err := file.Truncate(fileSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("preallocate staging file: %w", err)
	}
	b.file = file

	if m, err := loadMeta(b.metaPath); err == nil && partExisted &&
		m.Token == token && m.FileSize == fileSize && m.ChunkSize == chunkSize {
		b.bitmap = m.bitmap
	} else {
		b.bitmap = NewBitmap(int(b.totalChunks))
		if err := b.flushMeta(); err != nil {
			file.Close()
			return nil, err
		}
	}
	return b, nil
}

// ExpectedChunkLen returns the required payload length for an index: the
// full chunk size except for the final index, which carries the remainder.
func (b *Buffer) ExpectedChunkLen(index uint32) (int, error) {
	if index >= b.totalChunks {
		return 0, fmt.Errorf("%w: %d of %d", ErrInvalidChunkIndex, index, b.totalChunks)
	}
	if index == b.totalChunks-1 {
		return int(b.fileSize - int64(index)*int64(b.chunkSize)), nil
	}
	return int(b.chunkSize), nil
}

// WriteChunk persists one chunk at its absolute offset and marks arrival.
func (b *Buffer) WriteChunk(index uint32, data []byte) error {
	want, err := b.ExpectedChunkLen(index)
	if err != nil {
		return err
	}
	if len(data) != want {
		return fmt.Errorf("%w: chunk %d got %d bytes, want %d", ErrChunkSizeMismatch, index, len(data), want)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	offset := int64(index) * int64(b.chunkSize)
	if _, err := b.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	b.bitmap.Set(int(index))
	return b.flushMeta()
}

// Received reports whether a chunk index has been written.
func (b *Buffer) Received(index uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bitmap.Get(int(index))
}

// Complete reports whether every chunk has been written to staging.
// The session registry's count remains the source of truth for the
// state machine; this is a local consistency check only.
func (b *Buffer) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bitmap.AllSet()
}

// ReceivedBitmap returns a copy of the arrival bitmap.
func (b *Buffer) ReceivedBitmap() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bitmap.Marshal()
}

// Finalize flushes the staging file to stable storage and atomically
// renames it to finalPath. Fails with ErrIncomplete unless every chunk
// arrived. The buffer is unusable afterwards.
func (b *Buffer) Finalize(finalPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if !b.bitmap.AllSet() {
		return fmt.Errorf("%w: %d of %d chunks", ErrIncomplete, b.bitmap.CountSet(), b.totalChunks)
	}
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := b.file.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		// Reopen so a retry can run the finalize path again.
		b.reopen()
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.Rename(b.partPath, finalPath); err != nil {
		b.reopen()
		return fmt.Errorf("publish artifact: %w", err)
	}
	_ = os.Remove(b.metaPath)
	b.closed = true
	return nil
}

// Discard deletes the staging file and meta; used on cancel or expiry.
func (b *Buffer) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	_ = b.file.Close()
	if err := os.Remove(b.partPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	if err := os.Remove(b.metaPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging meta: %w", err)
	}
	return nil
}

// Remove deletes any staged data for a token without opening a buffer;
// used by the expiry sweep for sessions with no live connection.
func Remove(root, token string) error {
	if err := os.Remove(filepath.Join(root, token+partSuffix)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	if err := os.Remove(filepath.Join(root, token+metaSuffix)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging meta: %w", err)
	}
	return nil
}

// Close releases the file handle without touching staged data, leaving
// the session resumable.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.file.Close()
}

func (b *Buffer) flushMeta() error {
	m := &meta{
		Token:       b.token,
		FileSize:    b.fileSize,
		ChunkSize:   b.chunkSize,
		TotalChunks: b.totalChunks,
		bitmap:      b.bitmap,
	}
	if err := m.flush(b.metaPath); err != nil {
		return fmt.Errorf("flush staging meta: %w", err)
	}
	return nil
}

func (b *Buffer) reopen() {
	file, err := os.OpenFile(b.partPath, os.O_RDWR, 0644)
	if err != nil {
		b.closed = true
		return
	}
	b.file = file
}
