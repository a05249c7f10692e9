// Package race owns the current-race state machine: staging, the start and
// expire timers, the crossing processor that turns gate passes into laps,
// win-condition evaluation and the save/discard pipeline.
package race

import (
	"context"
	"log"
	"sync"

	"github.com/banshee-data/gatetimer/internal/clock"
	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/node"
	"github.com/banshee-data/gatetimer/internal/results"
)

// Status is the race state machine position.
type Status int

const (
	StatusReady Status = iota
	StatusStaging
	StatusRacing
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusStaging:
		return "STAGING"
	case StatusRacing:
		return "RACING"
	case StatusDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// WinStatus tracks winner declaration.
type WinStatus int

const (
	WinStatusNone WinStatus = iota
	WinStatusTie
	WinStatusOvertime
	WinStatusPendingCrossing
	WinStatusDeclared
)

// Lap is one recorded pass of the current race. Number is the record's index
// on its node at append time (lap 0 is the start gate pass under hole-shot
// starts); deletions never renumber, so audits stay stable.
type Lap struct {
	Number       int          `json:"lap_number"`
	LapTimeStamp float64      `json:"lap_time_stamp"` // ms since race start
	LapTime      float64      `json:"lap_time"`       // ms
	Source       db.LapSource `json:"source"`
	Deleted      bool         `json:"deleted"`
	Invalid      bool         `json:"invalid"`
	LateLap      bool         `json:"late_lap"`
}

// pass is one queued crossing event.
type pass struct {
	nodeIndex int
	ts        float64
	source    db.LapSource
}

// Snapshot is the value-type record of a finished race, produced at save or
// discard. The LED and fan-out layers read it instead of live race state.
type Snapshot struct {
	RaceID    int64     `json:"race_id,omitempty"`
	HeatID    int64     `json:"heat_id"`
	ClassID   int64     `json:"class_id"`
	FormatID  int64     `json:"format_id"`
	RoundID   int       `json:"round_id,omitempty"`
	StartTime float64   `json:"start_time"`
	NodeLaps  [][]Lap   `json:"node_laps"`
	Pilots    []int64   `json:"node_pilots"`
	WinStatus WinStatus `json:"win_status"`
	Winner    string    `json:"winner,omitempty"`
}

// Controller owns the current race. All mutating entry points take the
// controller mutex; timer goroutines validate the start token under the same
// lock so a stale timer is a no-op.
type Controller struct {
	clk   clock.Clock
	src   *clock.Source
	bus   *eventbus.Bus
	store *db.DB
	cache *results.Cache
	iface node.Interface

	mu sync.Mutex

	status        Status
	currentHeatID int64
	format        db.RaceFormat
	stageTime     float64 // monotonic seconds
	startTime     float64
	startEpochMs  float64
	endTime       float64 // monotonic stop deadline while Done
	startToken    string

	nodePilots    []int64
	nodeTeams     []string
	nodeCallsigns []string
	nodeLaps      [][]Lap
	nodeFinished  []bool

	calibrator Calibrator

	winStatus     WinStatus
	winnerLine    *results.Line
	winningLapNum int
	statusMessage string

	scheduled    bool
	scheduledAt  float64
	scheduleSeq  int

	anyRaceStarted bool
	secondaryMode  bool // split-cluster secondary: min-lap and win checks off

	lastRace *Snapshot

	passQueue chan pass
	drained   chan struct{} // signalled each time the queue empties
}

// New wires a Controller. The node interface handlers are registered here;
// Start must be called to drain the pass queue.
func New(clk clock.Clock, src *clock.Source, bus *eventbus.Bus, store *db.DB, cache *results.Cache, iface node.Interface) *Controller {
	c := &Controller{
		clk:       clk,
		src:       src,
		bus:       bus,
		store:     store,
		cache:     cache,
		iface:     iface,
		passQueue: make(chan pass, 256),
		drained:   make(chan struct{}, 1),
	}
	n := iface.NodeCount()
	c.nodePilots = make([]int64, n)
	c.nodeTeams = make([]string, n)
	c.nodeCallsigns = make([]string, n)
	c.nodeLaps = make([][]Lap, n)
	c.nodeFinished = make([]bool, n)

	iface.SetHandlers(node.Handlers{
		OnPassRecord:     c.enqueuePass,
		OnCrossingChange: c.onCrossingChange,
		OnCapturedLevel:  c.onCapturedLevel,
	})
	return c
}

// Start drains the pass FIFO until ctx is cancelled. Passes are processed
// strictly in arrival order so subscribers never observe interleaved
// half-processed laps.
func (c *Controller) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-c.passQueue:
			c.processPass(p)
			if len(c.passQueue) == 0 {
				select {
				case c.drained <- struct{}{}:
				default:
				}
			}
		}
	}
}

// enqueuePass is the node-interface pass callback. It never blocks the
// hardware monitor: an overflowing queue drops the pass with a log line.
func (c *Controller) enqueuePass(nodeIndex int, ts float64, source db.LapSource) {
	select {
	case c.passQueue <- pass{nodeIndex: nodeIndex, ts: ts, source: source}:
	default:
		log.Printf("race: pass queue full, dropping pass node=%d ts=%.3f", nodeIndex, ts)
	}
}

func (c *Controller) onCrossingChange(nodeIndex int, crossing bool, rssi int) {
	evt := eventbus.CrossingExit
	if crossing {
		evt = eventbus.CrossingEnter
	}
	c.bus.Publish(evt, eventbus.Data{"node_index": nodeIndex, "rssi": rssi})
}

func (c *Controller) onCapturedLevel(nodeIndex, level int, isEnter bool) {
	evt := eventbus.ExitAtLevelSet
	if isEnter {
		evt = eventbus.EnterAtLevelSet
	}
	c.bus.Publish(evt, eventbus.Data{"node_index": nodeIndex, "level": level})
}

// Status returns the current state machine position.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CurrentHeatID returns the heat the next race will run under; HeatIDNone is
// practice mode.
func (c *Controller) CurrentHeatID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentHeatID
}

// LastRace returns the snapshot of the most recently saved or discarded
// race, or nil.
func (c *Controller) LastRace() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRace
}

// AnyRaceStarted reports whether a race has started since boot. The clock
// offset watcher stops once this is true.
func (c *Controller) AnyRaceStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anyRaceStarted
}

// SetSecondaryMode switches the controller into split-cluster secondary
// behavior: passes without pilots are kept and min-lap filtering is off.
func (c *Controller) SetSecondaryMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secondaryMode = on
}

// NodeLaps returns a copy of one node's lap list.
func (c *Controller) NodeLaps(nodeIndex int) []Lap {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nodeIndex < 0 || nodeIndex >= len(c.nodeLaps) {
		return nil
	}
	return append([]Lap(nil), c.nodeLaps[nodeIndex]...)
}

// activeLaps returns the non-deleted laps of a node. Caller holds mu.
func (c *Controller) activeLaps(nodeIndex int) []Lap {
	var out []Lap
	for _, l := range c.nodeLaps[nodeIndex] {
		if !l.Deleted {
			out = append(out, l)
		}
	}
	return out
}

// lapNumberOffset is 0 when the first pass is a hole shot (lap 0) and 1 when
// the format counts the first pass as a completed lap.
func (c *Controller) lapNumberOffset() int {
	if c.format.StartBehavior == db.StartFirstLap {
		return 1
	}
	return 0
}
