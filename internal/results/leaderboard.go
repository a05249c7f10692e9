// Package results computes and caches leaderboards for saved races, heats,
// classes and the whole event. Builds are deduplicated per key so concurrent
// readers share one computation, and staleness is tracked through the entity
// store's cache-status columns.
package results

import (
	"math"
	"sort"

	"github.com/banshee-data/gatetimer/internal/db"
)

// consecutiveWindow is the lap count scored by the FastestConsecutive win
// condition.
const consecutiveWindow = 3

// Lap is the minimal lap view the scorer needs.
type Lap struct {
	Number      int
	TimestampMs float64
	TimeMs      float64
	Deleted     bool
}

// Stats summarizes one pilot's counted laps. Lap 0 is the start gate pass
// and is never counted.
type Stats struct {
	Laps          int     `json:"laps"`
	TotalMs       float64 `json:"total_time_ms"`
	LastMs        float64 `json:"last_lap_ms"`
	AvgMs         float64 `json:"avg_lap_ms"`
	FastestMs     float64 `json:"fastest_lap_ms"`
	ConsecutiveMs float64 `json:"consecutives_ms"`
}

// ComputeStats folds a pilot's lap list into scoring stats. Deleted laps and
// the start gate pass are skipped from timing, but the completed lap count is
// the highest counted lap number, so a discarded short lap still advances the
// count the way the gate announced it.
func ComputeStats(laps []Lap) Stats {
	var s Stats
	var counted []Lap
	for _, l := range laps {
		if l.Deleted || l.Number == 0 {
			continue
		}
		if l.Number > s.Laps {
			s.Laps = l.Number
		}
		counted = append(counted, l)
	}
	if len(counted) == 0 {
		return s
	}

	s.TotalMs = counted[len(counted)-1].TimestampMs
	s.LastMs = counted[len(counted)-1].TimeMs
	s.FastestMs = math.MaxFloat64
	var sum float64
	for _, l := range counted {
		sum += l.TimeMs
		if l.TimeMs < s.FastestMs {
			s.FastestMs = l.TimeMs
		}
	}
	s.AvgMs = sum / float64(len(counted))

	if len(counted) >= consecutiveWindow {
		best := math.MaxFloat64
		for i := 0; i+consecutiveWindow <= len(counted); i++ {
			var window float64
			for _, l := range counted[i : i+consecutiveWindow] {
				window += l.TimeMs
			}
			if window < best {
				best = window
			}
		}
		s.ConsecutiveMs = best
	}
	return s
}

// Line is one leaderboard row.
type Line struct {
	Position  int    `json:"position"`
	PilotID   int64  `json:"pilot_id"`
	Callsign  string `json:"callsign"`
	Team      string `json:"team"`
	NodeIndex int    `json:"node_index"`
	Starts    int    `json:"starts"`
	Stats
}

// TeamLine aggregates a team's rows under team racing.
type TeamLine struct {
	Position int     `json:"position"`
	Team     string  `json:"team"`
	Pilots   int     `json:"pilots"`
	Laps     int     `json:"laps"`
	TotalMs  float64 `json:"total_time_ms"`
	AvgMs    float64 `json:"avg_lap_ms"`
}

// Leaderboard is the computed artifact for one scope.
type Leaderboard struct {
	Lines []Line     `json:"lines"`
	Teams []TeamLine `json:"teams,omitempty"`
}

// Sort orders lines by the scoring rule of the given win condition and
// assigns positions. The default rule is laps descending then total time
// ascending; fastest-lap and consecutive conditions rank on their metric.
func Sort(lines []Line, win db.WinCondition) {
	less := byRaceTime
	switch win {
	case db.WinFastestLap:
		less = byFastestLap
	case db.WinFastestConsecutive:
		less = byConsecutives
	}
	sort.SliceStable(lines, func(i, j int) bool { return less(lines[i], lines[j]) })
	for i := range lines {
		lines[i].Position = i + 1
	}
}

func byRaceTime(a, b Line) bool {
	if a.Laps != b.Laps {
		return a.Laps > b.Laps
	}
	if a.Laps == 0 {
		return false
	}
	return a.TotalMs < b.TotalMs
}

func byFastestLap(a, b Line) bool {
	af, bf := a.FastestMs, b.FastestMs
	if af == 0 {
		af = math.MaxFloat64
	}
	if bf == 0 {
		bf = math.MaxFloat64
	}
	if af != bf {
		return af < bf
	}
	return byRaceTime(a, b)
}

func byConsecutives(a, b Line) bool {
	ac, bc := a.ConsecutiveMs, b.ConsecutiveMs
	if ac == 0 {
		ac = math.MaxFloat64
	}
	if bc == 0 {
		bc = math.MaxFloat64
	}
	if ac != bc {
		return ac < bc
	}
	return byRaceTime(a, b)
}

// BuildTeams folds lines into per-team rows ranked by laps then time.
func BuildTeams(lines []Line) []TeamLine {
	byTeam := make(map[string]*TeamLine)
	var order []string
	var sums = make(map[string]float64)
	var counts = make(map[string]int)
	for _, l := range lines {
		t, ok := byTeam[l.Team]
		if !ok {
			t = &TeamLine{Team: l.Team}
			byTeam[l.Team] = t
			order = append(order, l.Team)
		}
		t.Pilots++
		t.Laps += l.Laps
		t.TotalMs += l.TotalMs
		sums[l.Team] += l.AvgMs * float64(l.Laps)
		counts[l.Team] += l.Laps
	}
	out := make([]TeamLine, 0, len(byTeam))
	for _, name := range order {
		t := byTeam[name]
		if counts[name] > 0 {
			t.AvgMs = sums[name] / float64(counts[name])
		}
		out = append(out, *t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Laps != out[j].Laps {
			return out[i].Laps > out[j].Laps
		}
		return out[i].TotalMs < out[j].TotalMs
	})
	for i := range out {
		out[i].Position = i + 1
	}
	return out
}
