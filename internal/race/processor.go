package race

import (
	"log"
	"strconv"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/results"
)

// processPass turns one queued gate pass into a lap record. It runs on the
// FIFO drain goroutine, so passes are handled strictly in arrival order.
func (c *Controller) processPass(p pass) {
	c.mu.Lock()
	pubs := c.processPassLocked(p)
	c.mu.Unlock()
	c.flush(pubs)
}

func (c *Controller) processPassLocked(p pass) []pub {
	if c.status != StatusRacing && c.status != StatusDone {
		log.Printf("race: dropping pass node=%d ts=%.3f while %s", p.nodeIndex, p.ts, c.status)
		return nil
	}
	if c.status == StatusDone && p.ts > c.endTime {
		log.Printf("race: dropping pass node=%d ts=%.3f after race end", p.nodeIndex, p.ts)
		return nil
	}
	if p.nodeIndex < 0 || p.nodeIndex >= len(c.nodeLaps) {
		log.Printf("race: dropping pass for unknown node %d", p.nodeIndex)
		return nil
	}

	pilotID := c.nodePilots[p.nodeIndex]
	practice := c.currentHeatID == db.HeatIDNone
	if pilotID == db.PilotIDNone && !c.secondaryMode && !practice {
		log.Printf("race: dropping pass node=%d with no seated pilot", p.nodeIndex)
		return nil
	}
	if p.ts < c.startTime {
		log.Printf("race: dropping pre-start pass node=%d ts=%.3f", p.nodeIndex, p.ts)
		return nil
	}

	n := c.iface.Node(p.nodeIndex)
	if n != nil {
		n.Lock()
		lowered := n.StartThreshLowerFlag
		n.Unlock()
		if lowered {
			// the first real pass proves the lowered window did its job
			go c.restoreThresholds(p.nodeIndex)
		}
	}

	lapTimeStamp := (p.ts - c.startTime) * 1000
	active := c.activeLaps(p.nodeIndex)
	var lapTime float64
	if len(active) == 0 {
		lapTime = lapTimeStamp
		if n != nil {
			n.Lock()
			n.FirstCrossFlag = true
			n.Unlock()
		}
	} else {
		lapTime = lapTimeStamp - active[len(active)-1].LapTimeStamp
	}

	number := len(c.nodeLaps[p.nodeIndex]) + c.lapNumberOffset()
	lap := Lap{
		Number:       number,
		LapTimeStamp: lapTimeStamp,
		LapTime:      lapTime,
		Source:       p.source,
	}

	// min-lap filter
	if len(active) > 0 && !c.secondaryMode {
		minLapMs := float64(c.store.OptionInt(OptMinLapSec, 10)) * 1000
		if lapTime < minLapMs {
			if n != nil {
				n.Lock()
				n.UnderMinLapCount++
				n.Unlock()
			}
			if c.store.OptionInt(OptMinLapBehavior, 0) == 1 {
				lap.Invalid = true
				lap.Deleted = true
				c.nodeLaps[p.nodeIndex] = append(c.nodeLaps[p.nodeIndex], lap)
				return nil
			}
		}
	}

	// grace filter
	if c.format.RaceMode == db.RaceModeCountDown && c.format.LapGraceSec >= 0 {
		limitMs := float64(c.format.RaceTimeSec+c.format.LapGraceSec) * 1000
		if lapTimeStamp > limitMs {
			log.Printf("race: dropping pass node=%d beyond lap grace window", p.nodeIndex)
			return nil
		}
	}

	var pubs []pub

	wasFinished := c.nodeFinished[p.nodeIndex]
	finished := wasFinished
	if c.format.RaceMode == db.RaceModeCountDown && lapTimeStamp > float64(c.format.RaceTimeSec)*1000 {
		finished = true
	}
	if !c.secondaryMode && c.format.WinCondition == db.WinFirstToLapX && number >= c.format.NumberLapsWin {
		finished = true
	}
	if finished && !wasFinished {
		c.nodeFinished[p.nodeIndex] = true
		pubs = append(pubs, pub{eventbus.RacePilotDone, eventbus.Data{
			"node_index": p.nodeIndex,
			"pilot_id":   pilotID,
			"callsign":   c.nodeCallsigns[p.nodeIndex],
		}})
	}

	// late-lap handling derives from the win condition, which a split
	// secondary leaves to the primary; secondaries keep every record
	if !c.secondaryMode {
		switch {
		case wasFinished:
			lap.Deleted = true
			lap.LateLap = true
		case c.winStatus == WinStatusDeclared && c.format.WinCondition == db.WinFirstToLapX &&
			number >= c.format.NumberLapsWin:
			// the race is already decided; the pilot's own deciding lap came
			// too late to count
			lap.Deleted = true
			lap.LateLap = true
		case c.winStatus == WinStatusDeclared && c.format.RaceMode == db.RaceModeNoTimeLimit &&
			c.format.TeamRacingMode && c.format.WinCondition == db.WinFirstToLapX:
			lap.Deleted = true
			lap.LateLap = true
		}
	}

	c.nodeLaps[p.nodeIndex] = append(c.nodeLaps[p.nodeIndex], lap)

	board := c.buildResultsLocked()
	pubs = append(pubs, pub{eventbus.RaceLapRecorded, eventbus.Data{
		"node_index": p.nodeIndex,
		"pilot_id":   pilotID,
		"lap":        lap,
		"laps":       append([]Lap(nil), c.nodeLaps[p.nodeIndex]...),
		"results":    board,
	}})

	if !lap.Deleted {
		winPubs, _ := c.winCheckLocked(false)
		pubs = append(pubs, winPubs...)
	}
	return pubs
}

// buildResultsLocked computes the live leaderboard for the current race.
// Caller holds mu.
func (c *Controller) buildResultsLocked() *results.Leaderboard {
	var lines []results.Line
	for i := range c.nodeLaps {
		if c.nodePilots[i] == db.PilotIDNone && len(c.nodeLaps[i]) == 0 {
			continue
		}
		line := results.Line{
			PilotID:   c.nodePilots[i],
			Callsign:  c.nodeCallsigns[i],
			Team:      c.nodeTeams[i],
			NodeIndex: i,
			Starts:    1,
			Stats:     c.statsForLocked(i),
		}
		if line.Callsign == "" {
			line.Callsign = nodeLabel(i)
		}
		lines = append(lines, line)
	}
	results.Sort(lines, c.format.WinCondition)
	board := &results.Leaderboard{Lines: lines}
	if c.format.TeamRacingMode {
		board.Teams = results.BuildTeams(lines)
	}
	return board
}

// statsForLocked folds one node's laps into scoring stats.
func (c *Controller) statsForLocked(nodeIndex int) results.Stats {
	rl := make([]results.Lap, 0, len(c.nodeLaps[nodeIndex]))
	for _, l := range c.nodeLaps[nodeIndex] {
		rl = append(rl, results.Lap{
			Number:      l.Number,
			TimestampMs: l.LapTimeStamp,
			TimeMs:      l.LapTime,
			Deleted:     l.Deleted,
		})
	}
	return results.ComputeStats(rl)
}

func nodeLabel(i int) string {
	return "Node " + strconv.Itoa(i+1)
}
