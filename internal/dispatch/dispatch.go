// Package dispatch hands finished uploads to the analysis pipeline.
// The state machine guarantees at most one event per session; the
// dispatcher only carries it.
package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// AnalysisMetadataExtraction is the first pipeline stage requested for
// every finished upload.
const AnalysisMetadataExtraction = "metadata_extraction"

// CompletionEvent announces a finalized upload to downstream workers.
type CompletionEvent struct {
	VideoID      uuid.UUID `json:"video_id"`
	AnalysisType string    `json:"analysis_type"`
}

// NewCompletionEvent builds the standard completion event for a video.
func NewCompletionEvent(videoID uuid.UUID) CompletionEvent {
	return CompletionEvent{VideoID: videoID, AnalysisType: AnalysisMetadataExtraction}
}

// Dispatcher delivers completion events.
type Dispatcher interface {
	UploadCompleted(ctx context.Context, ev CompletionEvent) error
}

// Buffered collects events in memory. It serves tests and single-binary
// runs without a broker; delivered events are readable via Events.
type Buffered struct {
	mu     sync.Mutex
	events []CompletionEvent
}

// NewBuffered creates an empty in-memory dispatcher.
func NewBuffered() *Buffered {
	return &Buffered{}
}

var _ Dispatcher = (*Buffered)(nil)

func (b *Buffered) UploadCompleted(ctx context.Context, ev CompletionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

// Events returns a copy of everything dispatched so far.
func (b *Buffered) Events() []CompletionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CompletionEvent, len(b.events))
	copy(out, b.events)
	return out
}
