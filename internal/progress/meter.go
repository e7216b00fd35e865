package progress

import (
	"math"
	"sync"
	"time"
)

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	// ETA is meaningful only when HasETA is set.
	ETA       time.Duration
	HasETA    bool
	Percent   int
	StartedAt time.Time
}

// ETASeconds returns the ETA in seconds, or nil when the rate is unknown.
func (s Stats) ETASeconds() *float64 {
	if !s.HasETA {
		return nil
	}
	v := s.ETA.Seconds()
	return &v
}

// Meter tracks byte progress of one transfer. The rate is the cumulative
// average since Start: bytes done divided by elapsed wall-clock time.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	now       func() time.Time
}

// NewMeter returns a meter on the wall clock.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now}
}

// Start initializes the meter with a total size.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.startedAt = m.now()
}

// Set records the absolute number of bytes done. Values lower than the
// current count are ignored so progress never goes backwards.
func (m *Meter) Set(done int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if done > m.done {
		m.done = done
	}
}

// Add increments the completed byte count.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
}

// SetTotal updates the total bytes.
func (m *Meter) SetTotal(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		StartedAt: m.startedAt,
		Percent:   Percent(m.done, m.total),
	}
	elapsed := m.now().Sub(m.startedAt).Seconds()
	if elapsed > 0 {
		stats.RateBps = float64(m.done) / elapsed
	}
	if stats.RateBps > 0 {
		remaining := float64(max(m.total-m.done, 0))
		stats.ETA = time.Duration(remaining / stats.RateBps * float64(time.Second))
		stats.HasETA = true
	}
	return stats
}

// Percent returns round(done/total*100) clamped to [0, 100].
// A zero total counts as 0% until the caller forces completion.
func Percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	return min(max(p, 0), 100)
}
