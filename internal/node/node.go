// Package node abstracts the RF timing hardware. The race core depends only
// on the Interface contract; a serial-attached hub and an in-memory mock both
// satisfy it.
package node

import (
	"context"
	"net/http"
	"sync"

	"github.com/banshee-data/gatetimer/internal/db"
)

// Handlers receive hardware events. They are invoked sequentially from the
// interface's monitor goroutine; consumers that need decoupling enqueue into
// their own FIFO.
type Handlers struct {
	// OnPassRecord fires when a node registers a gate pass. ts is monotonic
	// seconds.
	OnPassRecord func(nodeIndex int, ts float64, source db.LapSource)

	// OnCrossingChange fires when a node enters or exits its detection
	// window.
	OnCrossingChange func(nodeIndex int, crossing bool, rssi int)

	// OnCapturedLevel fires when a requested enter/exit level capture
	// completes.
	OnCapturedLevel func(nodeIndex int, level int, isEnter bool)
}

// State is one node's observable state. Race-scoped fields (pilot binding,
// crossing flags, min-lap counter) are reset by the controller at staging.
type State struct {
	mu sync.Mutex

	Index     int
	Frequency int
	EnterAt   int
	ExitAt    int

	CurrentRSSI   int
	Crossing      bool
	HistoryValues []int
	HistoryTimes  []float64

	CurrentPilotID       int64
	FirstCrossFlag       bool
	StartThreshLowerFlag bool
	StartThreshLowerTime float64
	UnderMinLapCount     int
}

// Snapshot returns a copy of the mutable fields for safe reading off the
// owning goroutine.
func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		Index:            s.Index,
		Frequency:        s.Frequency,
		EnterAt:          s.EnterAt,
		ExitAt:           s.ExitAt,
		CurrentRSSI:      s.CurrentRSSI,
		Crossing:         s.Crossing,
		CurrentPilotID:   s.CurrentPilotID,
		UnderMinLapCount: s.UnderMinLapCount,
	}
}

// StateSnapshot is the lock-free copy returned by Snapshot.
type StateSnapshot struct {
	Index            int     `json:"node_index"`
	Frequency        int     `json:"frequency"`
	EnterAt          int     `json:"enter_at"`
	ExitAt           int     `json:"exit_at"`
	CurrentRSSI      int     `json:"current_rssi"`
	Crossing         bool    `json:"crossing"`
	CurrentPilotID   int64   `json:"pilot_id"`
	UnderMinLapCount int     `json:"under_min_lap_count"`
}

// Lock and Unlock expose the state mutex for multi-field updates by the
// owning goroutine.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// ResetRaceScoped clears the per-race fields at staging.
func (s *State) ResetRaceScoped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HistoryValues = nil
	s.HistoryTimes = nil
	s.FirstCrossFlag = false
	s.StartThreshLowerFlag = false
	s.StartThreshLowerTime = 0
	s.UnderMinLapCount = 0
}

// RecordHistory appends an rssi sample to the race history.
func (s *State) RecordHistory(rssi int, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentRSSI = rssi
	s.HistoryValues = append(s.HistoryValues, rssi)
	s.HistoryTimes = append(s.HistoryTimes, ts)
}

// History returns copies of the recorded rssi history.
func (s *State) History() ([]int, []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.HistoryValues...), append([]float64(nil), s.HistoryTimes...)
}

// RaceStatus values transmitted to the hardware so it can gate its own
// filtering and LED output.
type RaceStatus int

const (
	StatusReady RaceStatus = iota
	StatusStaging
	StatusRacing
	StatusDone
)

// Interface is the hardware contract the race core programs against.
type Interface interface {
	// NodeCount returns the number of receiver nodes.
	NodeCount() int

	// Node returns the observable state of one node.
	Node(index int) *State

	// SetHandlers registers the event callbacks. Must be called before
	// Start.
	SetHandlers(Handlers)

	// Start runs the event loop until ctx is cancelled.
	Start(ctx context.Context) error

	SetFrequency(nodeIndex, hz int) error
	SetEnterAtLevel(nodeIndex, level int) error
	SetExitAtLevel(nodeIndex, level int) error

	// TransmitEnterAtLevel and TransmitExitAtLevel push a level to the
	// hardware without persisting it in node state. Used for the start
	// threshold lowering window.
	TransmitEnterAtLevel(nodeIndex, level int) error
	TransmitExitAtLevel(nodeIndex, level int) error

	ForceEndCrossing(nodeIndex int) error
	EnableCalibrationMode() error
	SetRaceStatus(status RaceStatus) error

	// StartCaptureEnterAtLevel and StartCaptureExitAtLevel ask the node to
	// measure a fresh threshold; OnCapturedLevel fires when done.
	StartCaptureEnterAtLevel(nodeIndex int) error
	StartCaptureExitAtLevel(nodeIndex int) error

	// AttachAdminRoutes mounts hardware debug endpoints under /debug/.
	AttachAdminRoutes(*http.ServeMux)

	Close() error
}
