package race

import (
	"math"
	"sort"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/results"
)

// winCheckLocked evaluates the win condition. atFinish is true when the
// countdown has expired or the race was stopped; lap-triggered checks pass
// false. It returns deferred publications and, for the fastest-lap family, a
// consideration window in ms during which a later lap could still overturn
// the provisional result. Caller holds mu.
func (c *Controller) winCheckLocked(atFinish bool) ([]pub, float64) {
	// a split secondary only records passes; the primary declares winners
	if c.secondaryMode {
		return nil, 0
	}
	if c.winStatus == WinStatusDeclared || c.format.WinCondition == db.WinNone {
		return nil, 0
	}

	board := c.buildResultsLocked()
	lines := board.Lines
	if len(lines) == 0 {
		return nil, 0
	}

	switch c.format.WinCondition {
	case db.WinMostLaps:
		return c.checkMostLapsLocked(lines, atFinish), 0
	case db.WinFirstToLapX:
		return c.checkFirstToLapLocked(lines), 0
	case db.WinFastestLap:
		return c.checkFastestLocked(lines, atFinish, func(l results.Line) float64 { return l.FastestMs })
	case db.WinFastestConsecutive:
		return c.checkFastestLocked(lines, atFinish, func(l results.Line) float64 { return l.ConsecutiveMs })
	}
	return nil, 0
}

func (c *Controller) checkMostLapsLocked(lines []results.Line, atFinish bool) []pub {
	switch {
	case atFinish && c.winStatus == WinStatusNone:
		if len(lines) >= 2 && lines[0].Laps == lines[1].Laps {
			// equal lap counts at expiry: overtime if laps can still land,
			// otherwise a straight tie
			if c.format.LapGraceSec != 0 {
				c.winStatus = WinStatusOvertime
				c.statusMessage = "Overtime"
				return []pub{{eventbus.MessageUI, eventbus.Data{"message": "Overtime"}}}
			}
			c.winStatus = WinStatusTie
			c.statusMessage = "Race tied"
			return []pub{{eventbus.MessageUI, eventbus.Data{"message": "Race tied"}}}
		}
		return c.declareLocked(lines[0])

	case c.winStatus == WinStatusOvertime:
		if len(lines) >= 2 && lines[0].Laps == lines[1].Laps {
			return nil // still tied, keep running
		}
		return c.declareLocked(lines[0])
	}
	return nil
}

func (c *Controller) checkFirstToLapLocked(lines []results.Line) []pub {
	target := c.format.NumberLapsWin
	if target <= 0 {
		return nil
	}
	var reached []results.Line
	for _, l := range lines {
		if l.Laps >= target {
			reached = append(reached, l)
		}
	}
	if len(reached) == 0 {
		return nil
	}
	// earliest to the target lap wins; node index then pilot id break exact
	// timestamp collisions
	sort.SliceStable(reached, func(i, j int) bool {
		if reached[i].TotalMs != reached[j].TotalMs {
			return reached[i].TotalMs < reached[j].TotalMs
		}
		if reached[i].NodeIndex != reached[j].NodeIndex {
			return reached[i].NodeIndex < reached[j].NodeIndex
		}
		return reached[i].PilotID < reached[j].PilotID
	})
	c.winningLapNum = target
	return c.declareLocked(reached[0])
}

func (c *Controller) checkFastestLocked(lines []results.Line, atFinish bool, metric func(results.Line) float64) ([]pub, float64) {
	if !atFinish || c.format.RaceMode != db.RaceModeCountDown {
		return nil, 0
	}
	best := math.MaxFloat64
	bestIdx := -1
	for i, l := range lines {
		m := metric(l)
		if m <= 0 {
			continue
		}
		if bestIdx < 0 || m < best ||
			(m == best && (l.NodeIndex < lines[bestIdx].NodeIndex ||
				(l.NodeIndex == lines[bestIdx].NodeIndex && l.PilotID < lines[bestIdx].PilotID))) {
			best = m
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil, 0
	}

	// while the race still runs, a pilot mid-lap could beat the best metric;
	// hold the declaration for that long
	if c.status == StatusRacing && c.format.LapGraceSec != 0 {
		if c.winStatus == WinStatusNone {
			c.winStatus = WinStatusPendingCrossing
			return nil, best
		}
	}
	return c.declareLocked(lines[bestIdx]), 0
}

// declareLocked marks the winner and emits RACE_WIN. Caller holds mu.
func (c *Controller) declareLocked(winner results.Line) []pub {
	c.winStatus = WinStatusDeclared
	w := winner
	c.winnerLine = &w
	c.statusMessage = winner.Callsign + " wins"
	return []pub{{eventbus.RaceWin, eventbus.Data{
		"node_index": winner.NodeIndex,
		"pilot_id":   winner.PilotID,
		"callsign":   winner.Callsign,
		"message":    c.statusMessage,
	}}}
}

// WinStatusNow returns the declaration state and status message.
func (c *Controller) WinStatusNow() (WinStatus, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.winStatus, c.statusMessage
}
