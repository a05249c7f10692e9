package clock

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// Drift thresholds for the wall-clock watcher. NTP sync after boot on a Pi
// can shift the wall clock by minutes; the watcher re-bases the offset so
// saved race wall times stay meaningful.
const (
	watchInterval  = 10 * time.Second
	maxDriftMillis = 30000
)

// Source maps monotonic race time (seconds since process start) onto wall
// epoch milliseconds. The offset is re-derived while no race has started yet
// and frozen afterwards so lap timestamps within an event stay comparable.
type Source struct {
	clk Clock

	mu       sync.Mutex
	offsetMs float64 // epochMs - 1000*monotonicSeconds
	frozen   bool
}

// NewSource records the current wall and monotonic instants as the origin.
func NewSource(clk Clock) *Source {
	return &Source{
		clk:      clk,
		offsetMs: float64(clk.Now().UnixMilli()) - 1000*clk.Monotonic(),
	}
}

// Monotonic returns seconds elapsed on the monotonic timeline.
func (s *Source) Monotonic() float64 {
	return s.clk.Monotonic()
}

// ToEpochMillis converts a monotonic-seconds instant to wall epoch ms.
func (s *Source) ToEpochMillis(mt float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetMs + 1000*mt
}

// OffsetMillis returns the current monotonic-to-epoch offset.
func (s *Source) OffsetMillis() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetMs
}

// Freeze stops further offset adjustment. Called when the first race starts.
func (s *Source) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether the offset is locked.
func (s *Source) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// resync re-derives the offset if the wall clock has jumped. Returns the
// applied delta in ms, or 0 when within tolerance or frozen.
func (s *Source) resync() float64 {
	mt := s.clk.Monotonic()
	epochNow := float64(s.clk.Now().UnixMilli())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return 0
	}
	diff := epochNow - (s.offsetMs + 1000*mt)
	if math.Abs(diff) <= maxDriftMillis {
		return 0
	}
	s.offsetMs = epochNow - 1000*mt
	return math.Round(diff)
}

// Watch polls for wall-clock jumps every 10 s until the offset is frozen,
// publishing TIME_OFFSET_SET when an adjustment is applied so the cluster
// coordinator can refresh the advertised prog_start_epoch.
func (s *Source) Watch(ctx context.Context, bus *eventbus.Bus) {
	ticker := s.clk.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if s.Frozen() {
				return
			}
			if delta := s.resync(); delta != 0 {
				log.Printf("clock: adjusted monotonic-to-epoch offset for wall clock shift (%.1f secs)", delta/1000)
				bus.Publish(eventbus.TimeOffsetSet, eventbus.Data{
					"offset_ms": s.OffsetMillis(),
					"delta_ms":  delta,
				})
			}
		}
	}
}
