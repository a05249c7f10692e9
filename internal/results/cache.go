package results

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/banshee-data/gatetimer/internal/db"
)

// Cache builds leaderboards on demand and memoizes them until the store
// marks the scope stale. Concurrent requests for the same key share one
// build via singleflight.
type Cache struct {
	store *db.DB

	group singleflight.Group

	mu      sync.Mutex
	races   map[int64]*Leaderboard
	heats   map[int64]*Leaderboard
	classes map[int64]*Leaderboard
	event   *Leaderboard

	pageValid bool
}

// New creates a Cache over store and wires itself in as the store's page
// cache.
func New(store *db.DB) *Cache {
	c := &Cache{
		store:   store,
		races:   make(map[int64]*Leaderboard),
		heats:   make(map[int64]*Leaderboard),
		classes: make(map[int64]*Leaderboard),
	}
	store.SetPageCache(c)
	return c
}

// SetValid flips the coarse page-cache flag. The fan-out layer serves static
// leaderboard pages only while the flag holds.
func (c *Cache) SetValid(v bool) {
	c.mu.Lock()
	c.pageValid = v
	c.mu.Unlock()
}

// Valid reports the coarse page-cache flag.
func (c *Cache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageValid
}

// Race returns the leaderboard of one saved race, rebuilding when stale.
func (c *Cache) Race(raceID int64) (*Leaderboard, error) {
	race, err := c.store.SavedRaceByID(raceID)
	if err != nil {
		return nil, err
	}
	if race.CacheStatus == db.CacheValid {
		c.mu.Lock()
		lb, ok := c.races[raceID]
		c.mu.Unlock()
		if ok {
			return lb, nil
		}
	}

	v, err, _ := c.group.Do(fmt.Sprintf("race/%d", raceID), func() (any, error) {
		if err := c.store.SetRaceCacheStatus(raceID, db.CacheInProgress); err != nil {
			return nil, err
		}
		lb, err := c.buildRace(raceID)
		if err != nil {
			_ = c.store.SetRaceCacheStatus(raceID, db.CacheInvalid)
			return nil, err
		}
		c.mu.Lock()
		c.races[raceID] = lb
		c.mu.Unlock()
		if err := c.store.SetRaceCacheStatus(raceID, db.CacheValid); err != nil {
			return nil, err
		}
		return lb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Leaderboard), nil
}

// Heat returns the aggregated leaderboard of all races saved under a heat.
func (c *Cache) Heat(heatID int64) (*Leaderboard, error) {
	heat, err := c.store.Heat(heatID)
	if err != nil {
		return nil, err
	}
	if heat.CacheStatus == db.CacheValid {
		c.mu.Lock()
		lb, ok := c.heats[heatID]
		c.mu.Unlock()
		if ok {
			return lb, nil
		}
	}

	v, err, _ := c.group.Do(fmt.Sprintf("heat/%d", heatID), func() (any, error) {
		if err := c.store.SetHeatCacheStatus(heatID, db.CacheInProgress); err != nil {
			return nil, err
		}
		races, err := c.store.SavedRaces(db.ListOpts{
			Filter:  map[string]any{"heat_id": heatID},
			OrderBy: "round_id",
		})
		if err != nil {
			return nil, err
		}
		lb, err := c.aggregate(races)
		if err != nil {
			_ = c.store.SetHeatCacheStatus(heatID, db.CacheInvalid)
			return nil, err
		}
		c.mu.Lock()
		c.heats[heatID] = lb
		c.mu.Unlock()
		if err := c.store.SetHeatCacheStatus(heatID, db.CacheValid); err != nil {
			return nil, err
		}
		return lb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Leaderboard), nil
}

// Class returns the aggregated leaderboard of all races saved under a class.
func (c *Cache) Class(classID int64) (*Leaderboard, error) {
	class, err := c.store.Class(classID)
	if err != nil {
		return nil, err
	}
	if class.CacheStatus == db.CacheValid {
		c.mu.Lock()
		lb, ok := c.classes[classID]
		c.mu.Unlock()
		if ok {
			return lb, nil
		}
	}

	v, err, _ := c.group.Do(fmt.Sprintf("class/%d", classID), func() (any, error) {
		if err := c.store.SetClassCacheStatus(classID, db.CacheInProgress); err != nil {
			return nil, err
		}
		races, err := c.store.SavedRaces(db.ListOpts{
			Filter:  map[string]any{"class_id": classID},
			OrderBy: "id",
		})
		if err != nil {
			return nil, err
		}
		lb, err := c.aggregate(races)
		if err != nil {
			_ = c.store.SetClassCacheStatus(classID, db.CacheInvalid)
			return nil, err
		}
		c.mu.Lock()
		c.classes[classID] = lb
		c.mu.Unlock()
		if err := c.store.SetClassCacheStatus(classID, db.CacheValid); err != nil {
			return nil, err
		}
		return lb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Leaderboard), nil
}

// Event returns the event-wide leaderboard across every saved race.
func (c *Cache) Event() (*Leaderboard, error) {
	if c.store.EventCacheStatus() == db.CacheValid {
		c.mu.Lock()
		lb := c.event
		c.mu.Unlock()
		if lb != nil {
			return lb, nil
		}
	}

	v, err, _ := c.group.Do("event", func() (any, error) {
		if err := c.store.SetEventCacheStatus(db.CacheInProgress); err != nil {
			return nil, err
		}
		races, err := c.store.SavedRaces(db.ListOpts{OrderBy: "id"})
		if err != nil {
			return nil, err
		}
		lb, err := c.aggregate(races)
		if err != nil {
			_ = c.store.SetEventCacheStatus(db.CacheInvalid)
			return nil, err
		}
		c.mu.Lock()
		c.event = lb
		c.mu.Unlock()
		if err := c.store.SetEventCacheStatus(db.CacheValid); err != nil {
			return nil, err
		}
		c.SetValid(true)
		return lb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Leaderboard), nil
}

// BuildAtomic rebuilds a race and its aggregates in sequence, typically from
// a background goroutine right after a save. Failures are logged, not
// returned: the artifacts stay Invalid and the next read retries.
func (c *Cache) BuildAtomic(raceID, heatID, classID int64) {
	if _, err := c.Race(raceID); err != nil {
		log.Printf("results: race %d rebuild failed: %v", raceID, err)
		return
	}
	if _, err := c.Heat(heatID); err != nil {
		log.Printf("results: heat %d rebuild failed: %v", heatID, err)
		return
	}
	if classID != db.ClassIDNone {
		if _, err := c.Class(classID); err != nil {
			log.Printf("results: class %d rebuild failed: %v", classID, err)
			return
		}
	}
	if _, err := c.Event(); err != nil {
		log.Printf("results: event rebuild failed: %v", err)
	}
}

// buildRace computes one saved race's leaderboard from its laps.
func (c *Cache) buildRace(raceID int64) (*Leaderboard, error) {
	race, err := c.store.SavedRaceByID(raceID)
	if err != nil {
		return nil, err
	}
	pilotRaces, err := c.store.PilotRaces(raceID)
	if err != nil {
		return nil, err
	}

	var win db.WinCondition
	teamRacing := false
	if race.FormatID != db.FormatIDNone {
		if format, err := c.store.Format(race.FormatID); err == nil {
			win = format.WinCondition
			teamRacing = format.TeamRacingMode
		}
	}

	lines := make([]Line, 0, len(pilotRaces))
	for _, pr := range pilotRaces {
		if pr.PilotID == db.PilotIDNone {
			continue
		}
		savedLaps, err := c.store.PilotRaceLaps(pr.ID)
		if err != nil {
			return nil, err
		}
		laps := make([]Lap, 0, len(savedLaps))
		for _, l := range savedLaps {
			laps = append(laps, Lap{
				Number:      l.LapNumber,
				TimestampMs: l.LapTimeStamp,
				TimeMs:      l.LapTime,
				Deleted:     l.Deleted,
			})
		}
		line := Line{
			PilotID:   pr.PilotID,
			NodeIndex: pr.NodeIndex,
			Starts:    1,
			Stats:     ComputeStats(laps),
		}
		if p, err := c.store.Pilot(pr.PilotID); err == nil {
			line.Callsign = p.Callsign
			line.Team = p.Team
		}
		lines = append(lines, line)
	}

	Sort(lines, win)
	lb := &Leaderboard{Lines: lines}
	if teamRacing {
		lb.Teams = BuildTeams(lines)
	}
	return lb, nil
}

// aggregate merges the leaderboards of several races by pilot: laps and
// times accumulate, fastest metrics take the minimum.
func (c *Cache) aggregate(races []*db.SavedRace) (*Leaderboard, error) {
	byPilot := make(map[int64]*Line)
	var order []int64
	for _, race := range races {
		lb, err := c.Race(race.ID)
		if err != nil {
			return nil, err
		}
		for _, line := range lb.Lines {
			agg, ok := byPilot[line.PilotID]
			if !ok {
				copied := line
				byPilot[line.PilotID] = &copied
				order = append(order, line.PilotID)
				continue
			}
			totalLaps := agg.Laps + line.Laps
			if totalLaps > 0 {
				agg.AvgMs = (agg.AvgMs*float64(agg.Laps) + line.AvgMs*float64(line.Laps)) / float64(totalLaps)
			}
			agg.Laps = totalLaps
			agg.TotalMs += line.TotalMs
			agg.LastMs = line.LastMs
			agg.Starts += line.Starts
			if line.FastestMs > 0 && (agg.FastestMs == 0 || line.FastestMs < agg.FastestMs) {
				agg.FastestMs = line.FastestMs
			}
			if line.ConsecutiveMs > 0 && (agg.ConsecutiveMs == 0 || line.ConsecutiveMs < agg.ConsecutiveMs) {
				agg.ConsecutiveMs = line.ConsecutiveMs
			}
		}
	}

	lines := make([]Line, 0, len(order))
	for _, id := range order {
		lines = append(lines, *byPilot[id])
	}
	Sort(lines, db.WinMostLaps)
	return &Leaderboard{Lines: lines}, nil
}
