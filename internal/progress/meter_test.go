package progress

import (
	"testing"
	"time"
)

func TestMeterRateAndETA(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(2000, 2)

	now = now.Add(1 * time.Second)
	m.ChunkSent(1000)

	stats := m.Snapshot()
	if stats.BytesSent != 1000 || stats.ChunksSent != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.RateBps < 900 || stats.RateBps > 1100 {
		t.Fatalf("expected rate around 1000 B/s, got %.2f", stats.RateBps)
	}
	if stats.ETA < 900*time.Millisecond || stats.ETA > 1100*time.Millisecond {
		t.Fatalf("expected ETA around 1s, got %s", stats.ETA)
	}
	if stats.Percent != 50 {
		t.Fatalf("expected 50%%, got %.1f", stats.Percent)
	}
}

func TestMeterEWMASmoothing(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(10000, 10)

	now = now.Add(1 * time.Second)
	m.ChunkSent(1000)

	now = now.Add(1 * time.Second)
	m.ChunkSent(3000)

	stats := m.Snapshot()
	if stats.RateBps < 1300 || stats.RateBps > 1500 {
		t.Fatalf("expected smoothed rate around 1400 B/s, got %.2f", stats.RateBps)
	}
}

func TestMeterResumeSkipsDoNotSkewRate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(3000, 3)

	// Two chunks already held by the server count toward completion
	// without producing a bogus instantaneous rate.
	m.ChunkSkipped(1000)
	m.ChunkSkipped(1000)

	now = now.Add(1 * time.Second)
	m.ChunkSent(1000)

	stats := m.Snapshot()
	if stats.ChunksSent != 3 || stats.BytesSent != 3000 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.RateBps < 900 || stats.RateBps > 1100 {
		t.Fatalf("skipped chunks skewed the rate: %.2f", stats.RateBps)
	}
}

func TestMeterIdleHasNoRate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(1000, 1)

	stats := m.Snapshot()
	if stats.RateBps != 0 || stats.ETA != 0 {
		t.Fatalf("idle meter must report no rate or ETA: %+v", stats)
	}
}
