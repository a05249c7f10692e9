package race

import (
	"fmt"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// DeleteLap marks one recorded lap of the current race deleted and recomputes
// the lap times of the laps after it, so every counted lap's time is the gap
// to the previous counted lap. A deletion that removes the winner's scoring
// lap reopens the race.
func (c *Controller) DeleteLap(nodeIndex, lapIndex int) error {
	c.mu.Lock()
	laps, err := c.lapAtLocked(nodeIndex, lapIndex)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if laps[lapIndex].Deleted {
		c.mu.Unlock()
		return fmt.Errorf("lap %d on node %d is already deleted", lapIndex, nodeIndex)
	}
	laps[lapIndex].Deleted = true
	c.recomputeLapTimesLocked(nodeIndex)

	var pubs []pub
	if c.winStatus == WinStatusDeclared && c.winnerLine != nil && c.winnerLine.NodeIndex == nodeIndex {
		// the declaration may have rested on this lap
		c.winStatus = WinStatusNone
		c.winnerLine = nil
		c.statusMessage = ""
		morePubs, _ := c.winCheckLocked(c.status == StatusDone)
		pubs = append(pubs, morePubs...)
	}

	pubs = append([]pub{{eventbus.LapDelete, eventbus.Data{
		"node_index": nodeIndex,
		"lap_index":  lapIndex,
		"laps":       append([]Lap(nil), laps...),
		"results":    c.buildResultsLocked(),
	}}}, pubs...)
	c.mu.Unlock()
	c.flush(pubs)
	return nil
}

// RestoreDeletedLap undoes a DeleteLap. Laps discarded by the min-lap filter
// stay deleted; they never counted.
func (c *Controller) RestoreDeletedLap(nodeIndex, lapIndex int) error {
	c.mu.Lock()
	laps, err := c.lapAtLocked(nodeIndex, lapIndex)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	l := &laps[lapIndex]
	if !l.Deleted {
		c.mu.Unlock()
		return fmt.Errorf("lap %d on node %d is not deleted", lapIndex, nodeIndex)
	}
	if l.Invalid {
		c.mu.Unlock()
		return fmt.Errorf("lap %d on node %d was discarded by the minimum lap filter", lapIndex, nodeIndex)
	}
	l.Deleted = false
	l.LateLap = false
	c.recomputeLapTimesLocked(nodeIndex)

	pubs := []pub{{eventbus.LapRestoreDeleted, eventbus.Data{
		"node_index": nodeIndex,
		"lap_index":  lapIndex,
		"laps":       append([]Lap(nil), laps...),
		"results":    c.buildResultsLocked(),
	}}}
	winPubs, _ := c.winCheckLocked(c.status == StatusDone)
	pubs = append(pubs, winPubs...)
	c.mu.Unlock()
	c.flush(pubs)
	return nil
}

func (c *Controller) lapAtLocked(nodeIndex, lapIndex int) ([]Lap, error) {
	if nodeIndex < 0 || nodeIndex >= len(c.nodeLaps) {
		return nil, fmt.Errorf("no such node %d", nodeIndex)
	}
	laps := c.nodeLaps[nodeIndex]
	if lapIndex < 0 || lapIndex >= len(laps) {
		return nil, fmt.Errorf("no lap %d on node %d", lapIndex, nodeIndex)
	}
	return laps, nil
}

// recomputeLapTimesLocked restores the lap-time chain for one node: each
// non-deleted lap's time is its timestamp minus the previous non-deleted
// lap's timestamp, and the first one carries its own timestamp. Deleted laps
// keep their stored values for the audit trail. Caller holds mu.
func (c *Controller) recomputeLapTimesLocked(nodeIndex int) {
	prev := -1.0
	for i := range c.nodeLaps[nodeIndex] {
		l := &c.nodeLaps[nodeIndex][i]
		if l.Deleted {
			continue
		}
		if prev < 0 {
			l.LapTime = l.LapTimeStamp
		} else {
			l.LapTime = l.LapTimeStamp - prev
		}
		prev = l.LapTimeStamp
	}
}
