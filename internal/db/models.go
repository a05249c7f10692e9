package db

import "strconv"

// Sentinel ids. Zero means "none" for every entity kind; real ids start at 1.
const (
	PilotIDNone   int64 = 0
	HeatIDNone    int64 = 0
	ClassIDNone   int64 = 0
	FormatIDNone  int64 = 0
	FrequencyNone int   = 0
)

// DefaultTeam is assigned to new pilots.
const DefaultTeam = "A"

// CacheStatus is the tri-state lifecycle of a cached leaderboard artifact.
type CacheStatus string

const (
	CacheInvalid    CacheStatus = "invalid"
	CacheInProgress CacheStatus = "in_progress"
	CacheValid      CacheStatus = "valid"
)

// RaceMode selects how a race ends.
type RaceMode int

const (
	RaceModeCountDown   RaceMode = 0
	RaceModeNoTimeLimit RaceMode = 1
)

// WinCondition selects how a winner is decided.
type WinCondition int

const (
	WinNone WinCondition = iota
	WinMostLaps
	WinFirstToLapX
	WinFastestLap
	WinFastestConsecutive
)

// StagingTones selects audible staging behavior sent to clients.
type StagingTones int

const (
	TonesNone StagingTones = iota
	TonesOnePerSecond
)

// StartBehavior selects how lap zero is counted.
type StartBehavior int

const (
	StartHoleShot StartBehavior = iota
	StartFirstLap
	StartStaggered
)

// LapSource identifies where a lap record came from.
type LapSource int

const (
	SourceRF LapSource = iota
	SourceManual
	SourceAPI
	SourceReCalc
)

// HeatStatus tracks whether a heat plan has been confirmed.
type HeatStatus int

const (
	HeatPlanned HeatStatus = iota
	HeatConfirmed
)

// Pilot is a competitor.
type Pilot struct {
	ID              int64  `json:"pilot_id"`
	Name            string `json:"name"`
	Callsign        string `json:"callsign"`
	Team            string `json:"team"`
	Phonetic        string `json:"phonetic"`
	UsedFrequencies string `json:"used_frequencies"` // JSON list of {b,c,f}
}

// Heat is a seat assignment of pilots to nodes for one race instance.
type Heat struct {
	ID            int64       `json:"heat_id"`
	Note          string      `json:"note"`
	ClassID       int64       `json:"class_id"`
	Status        HeatStatus  `json:"status"`
	AutoFrequency bool        `json:"auto_frequency"`
	CacheStatus   CacheStatus `json:"-"`
}

// Displayname returns the heat note or a generated fallback.
func (h *Heat) Displayname() string {
	if h.Note != "" {
		return h.Note
	}
	return "Heat " + strconv.FormatInt(h.ID, 10)
}

// HeatSlot binds one node of a heat to a pilot. NodeIndex is nil until the
// heat plan is confirmed when seeding is deferred.
type HeatSlot struct {
	ID        int64  `json:"id"`
	HeatID    int64  `json:"heat_id"`
	NodeIndex *int   `json:"node_index"`
	PilotID   int64  `json:"pilot_id"`
	Method    int    `json:"method"`
	SeedRank  *int   `json:"seed_rank"`
	SeedID    *int64 `json:"seed_id"`
}

// RaceClass groups heats under a shared format.
type RaceClass struct {
	ID          int64       `json:"class_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	FormatID    int64       `json:"format_id"`
	CacheStatus CacheStatus `json:"-"`
}

// RaceFormat holds the rules for sequencing and scoring a race.
type RaceFormat struct {
	ID                int64         `json:"format_id"`
	Name              string        `json:"name"`
	RaceMode          RaceMode      `json:"race_mode"`
	RaceTimeSec       int           `json:"race_time_sec"`
	LapGraceSec       int           `json:"lap_grace_sec"`
	StagingFixedTones int           `json:"staging_fixed_tones"`
	StartDelayMinMs   int           `json:"start_delay_min_ms"`
	StartDelayMaxMs   int           `json:"start_delay_max_ms"`
	StagingTones      StagingTones  `json:"staging_tones"`
	NumberLapsWin     int           `json:"number_laps_win"`
	WinCondition      WinCondition  `json:"win_condition"`
	TeamRacingMode    bool          `json:"team_racing_mode"`
	StartBehavior     StartBehavior `json:"start_behavior"`
}

// Profile is a saved set of node frequencies and tuning thresholds.
type Profile struct {
	ID          int64  `json:"profile_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Frequencies string `json:"frequencies"` // JSON {"b":[],"c":[],"f":[]}
	EnterAts    string `json:"enter_ats"`   // JSON {"v":[]}
	ExitAts     string `json:"exit_ats"`    // JSON {"v":[]}
}

// ProfileFrequencies is the decoded form of Profile.Frequencies.
type ProfileFrequencies struct {
	Band    []*string `json:"b"`
	Channel []*int    `json:"c"`
	Freq    []int     `json:"f"`
}

// ProfileLevels is the decoded form of Profile.EnterAts / Profile.ExitAts.
type ProfileLevels struct {
	V []*int `json:"v"`
}

// SavedRace is the persisted record of one completed race.
type SavedRace struct {
	ID            int64       `json:"race_id"`
	RoundID       int         `json:"round_id"`
	HeatID        int64       `json:"heat_id"`
	ClassID       int64       `json:"class_id"`
	FormatID      int64       `json:"format_id"`
	StartTime     float64     `json:"start_time"`           // monotonic seconds
	StartTimeWall string      `json:"start_time_formatted"` // sortable wall time
	CacheStatus   CacheStatus `json:"-"`
}

// SavedPilotRace is one pilot's slice of a saved race.
type SavedPilotRace struct {
	ID            int64  `json:"pilotrace_id"`
	RaceID        int64  `json:"race_id"`
	NodeIndex     int    `json:"node_index"`
	PilotID       int64  `json:"pilot_id"`
	EnterAt       int    `json:"enter_at"`
	ExitAt        int    `json:"exit_at"`
	HistoryValues string `json:"history_values"` // JSON []int
	HistoryTimes  string `json:"history_times"`  // JSON []float64
}

// SavedLap is one recorded gate pass inside a saved race.
type SavedLap struct {
	ID           int64     `json:"id"`
	PilotRaceID  int64     `json:"pilotrace_id"`
	RaceID       int64     `json:"race_id"`
	NodeIndex    int       `json:"node_index"`
	PilotID      int64     `json:"pilot_id"`
	LapNumber    int       `json:"lap_number"`
	LapTimeStamp float64   `json:"lap_time_stamp"` // ms since race start
	LapTime      float64   `json:"lap_time"`       // ms
	Source       LapSource `json:"source"`
	Deleted      bool      `json:"deleted"`
	Invalid      bool      `json:"invalid"`
	LateLap      bool      `json:"late_lap"`
}

// LapSplit is an intermediate-gate crossing attached to a parent lap.
type LapSplit struct {
	ID             int64   `json:"id"`
	NodeIndex      int     `json:"node_index"`
	PilotID        int64   `json:"pilot_id"`
	LapID          int     `json:"lap_id"`
	SplitID        int     `json:"split_id"`
	SplitTimeStamp float64 `json:"split_time_stamp"`
	SplitTime      float64 `json:"split_time"`
	SplitSpeed     float64 `json:"split_speed"`
}
