// Package progress tracks upload throughput for the CLI.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of an upload.
type Stats struct {
	ChunksSent  uint32
	TotalChunks uint32
	BytesSent   int64
	TotalBytes  int64
	RateBps     float64
	ETA         time.Duration
	Percent     float64
	StartedAt   time.Time
}

// Meter tracks chunk and byte counts and computes an EWMA-smoothed
// send rate. Safe for concurrent use.
type Meter struct {
	mu          sync.Mutex
	totalBytes  int64
	totalChunks uint32
	bytes       int64
	chunks      uint32
	startedAt   time.Time
	lastAt      time.Time
	lastBytes   int64
	rateBps     float64
	alpha       float64
	now         func() time.Time
}

// NewMeter returns a meter with the default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow injects a time source for tests.
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for an upload of the given size.
func (m *Meter) Start(totalBytes int64, totalChunks uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalBytes = totalBytes
	m.totalChunks = totalChunks
	m.bytes = 0
	m.chunks = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastBytes = 0
	m.rateBps = 0
}

// ChunkSent records one transmitted chunk of n bytes and folds its
// instantaneous rate into the smoothed estimate.
func (m *Meter) ChunkSent(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.bytes += int64(n)
	m.chunks++
	deltaBytes := m.bytes - m.lastBytes
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastBytes = m.bytes
	}
}

// ChunkSkipped records a chunk the server already holds, counting it
// toward completion without disturbing the rate estimate.
func (m *Meter) ChunkSkipped(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += int64(n)
	m.chunks++
	m.lastBytes += int64(n)
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		ChunksSent:  m.chunks,
		TotalChunks: m.totalChunks,
		BytesSent:   m.bytes,
		TotalBytes:  m.totalBytes,
		RateBps:     m.rateBps,
		StartedAt:   m.startedAt,
	}
	if m.totalBytes > 0 {
		stats.Percent = float64(m.bytes) / float64(m.totalBytes) * 100
	}
	if m.rateBps > 0 && m.totalBytes > m.bytes {
		remaining := float64(m.totalBytes - m.bytes)
		stats.ETA = time.Duration(remaining/m.rateBps) * time.Second
	}
	return stats
}
