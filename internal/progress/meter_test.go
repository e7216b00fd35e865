package progress

import (
	"testing"
	"time"
)

func TestMeterRateAndETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(2000)

	now = now.Add(1 * time.Second)
	m.Set(1000)

	stats := m.Snapshot()
	if stats.BytesDone != 1000 {
		t.Fatalf("expected bytes done 1000, got %d", stats.BytesDone)
	}
	if stats.RateBps != 1000 {
		t.Fatalf("expected rate 1000 B/s, got %.2f", stats.RateBps)
	}
	if !stats.HasETA || stats.ETA != time.Second {
		t.Fatalf("expected ETA 1s, got %s (has=%v)", stats.ETA, stats.HasETA)
	}
	if stats.Percent != 50 {
		t.Fatalf("expected 50%%, got %d", stats.Percent)
	}
	if eta := stats.ETASeconds(); eta == nil || *eta != 1 {
		t.Fatalf("expected ETASeconds 1, got %v", eta)
	}
}

func TestMeterCumulativeAverage(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(10000)

	now = now.Add(1 * time.Second)
	m.Set(1000)

	now = now.Add(1 * time.Second)
	m.Set(4000)

	// 4000 bytes over 2 seconds, regardless of the burst in the second interval.
	stats := m.Snapshot()
	if stats.RateBps != 2000 {
		t.Fatalf("expected cumulative rate 2000 B/s, got %.2f", stats.RateBps)
	}
	if stats.ETA != 3*time.Second {
		t.Fatalf("expected ETA 3s, got %s", stats.ETA)
	}
}

func TestMeterNoRateNoETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(1000)

	stats := m.Snapshot()
	if stats.RateBps != 0 {
		t.Fatalf("expected rate 0, got %.2f", stats.RateBps)
	}
	if stats.HasETA || stats.ETASeconds() != nil {
		t.Fatalf("expected no ETA, got %s", stats.ETA)
	}
}

func TestMeterNeverGoesBackwards(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(100)
	m.Set(60)
	m.Set(40)
	if got := m.Snapshot().BytesDone; got != 60 {
		t.Fatalf("expected 60 bytes done, got %d", got)
	}
	m.Add(10)
	m.Add(-5)
	if got := m.Snapshot().BytesDone; got != 70 {
		t.Fatalf("expected 70 bytes done, got %d", got)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		done, total int64
		want        int
	}{
		{0, 100, 0},
		{1, 3, 33},
		{2, 3, 67},
		{150, 150, 100},
		{200, 150, 100},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := Percent(tt.done, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}
}
