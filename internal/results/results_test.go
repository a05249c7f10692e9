package results

import (
	"path/filepath"
	"testing"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/google/go-cmp/cmp"
)

func TestComputeStats(t *testing.T) {
	laps := []Lap{
		{Number: 0, TimestampMs: 1000, TimeMs: 1000},
		{Number: 1, TimestampMs: 11000, TimeMs: 10000},
		{Number: 2, TimestampMs: 19000, TimeMs: 8000},
		{Number: 3, TimestampMs: 31000, TimeMs: 12000},
		{Number: 4, TimestampMs: 40000, TimeMs: 9000},
	}
	got := ComputeStats(laps)
	want := Stats{
		Laps:          4,
		TotalMs:       40000,
		LastMs:        9000,
		AvgMs:         9750,
		FastestMs:     8000,
		ConsecutiveMs: 29000, // laps 2+3+4
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ComputeStats mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeStatsSkipsDeleted(t *testing.T) {
	laps := []Lap{
		{Number: 0, TimestampMs: 1000, TimeMs: 1000},
		{Number: 1, TimestampMs: 3000, TimeMs: 2000, Deleted: true},
		{Number: 1, TimestampMs: 11000, TimeMs: 10000},
	}
	got := ComputeStats(laps)
	if got.Laps != 1 || got.TotalMs != 11000 || got.FastestMs != 10000 {
		t.Errorf("stats = %+v", got)
	}
}

func TestComputeStatsKeepsDiscardedLapNumber(t *testing.T) {
	// a discarded short lap leaves a gap in the numbering; the completed lap
	// count still reflects the last number the gate announced
	laps := []Lap{
		{Number: 0, TimestampMs: 1000, TimeMs: 1000},
		{Number: 1, TimestampMs: 3000, TimeMs: 2000, Deleted: true},
		{Number: 2, TimestampMs: 8000, TimeMs: 5000},
	}
	got := ComputeStats(laps)
	if got.Laps != 2 {
		t.Errorf("laps = %d, want 2", got.Laps)
	}
	if got.TotalMs != 8000 || got.AvgMs != 5000 {
		t.Errorf("stats = %+v", got)
	}
}

func TestSortByRaceTime(t *testing.T) {
	lines := []Line{
		{PilotID: 1, Stats: Stats{Laps: 3, TotalMs: 62000}},
		{PilotID: 2, Stats: Stats{Laps: 4, TotalMs: 70000}},
		{PilotID: 3, Stats: Stats{Laps: 4, TotalMs: 65000}},
		{PilotID: 4, Stats: Stats{Laps: 0}},
	}
	Sort(lines, db.WinMostLaps)
	wantOrder := []int64{3, 2, 1, 4}
	for i, want := range wantOrder {
		if lines[i].PilotID != want {
			t.Errorf("pos %d pilot = %d, want %d", i+1, lines[i].PilotID, want)
		}
		if lines[i].Position != i+1 {
			t.Errorf("pos field = %d, want %d", lines[i].Position, i+1)
		}
	}
}

func TestSortByFastestLap(t *testing.T) {
	lines := []Line{
		{PilotID: 1, Stats: Stats{Laps: 2, FastestMs: 9000}},
		{PilotID: 2, Stats: Stats{Laps: 2, FastestMs: 8000}},
		{PilotID: 3, Stats: Stats{Laps: 0}}, // no laps sorts last
	}
	Sort(lines, db.WinFastestLap)
	if lines[0].PilotID != 2 || lines[2].PilotID != 3 {
		t.Errorf("order = %d,%d,%d", lines[0].PilotID, lines[1].PilotID, lines[2].PilotID)
	}
}

func TestBuildTeams(t *testing.T) {
	lines := []Line{
		{PilotID: 1, Team: "A", Stats: Stats{Laps: 4, TotalMs: 60000, AvgMs: 15000}},
		{PilotID: 2, Team: "B", Stats: Stats{Laps: 5, TotalMs: 61000, AvgMs: 12200}},
		{PilotID: 3, Team: "A", Stats: Stats{Laps: 4, TotalMs: 62000, AvgMs: 15500}},
	}
	teams := BuildTeams(lines)
	if len(teams) != 2 {
		t.Fatalf("teams = %d, want 2", len(teams))
	}
	if teams[0].Team != "A" || teams[0].Laps != 8 {
		t.Errorf("first team = %+v", teams[0])
	}
	if teams[1].Team != "B" || teams[1].Pilots != 1 {
		t.Errorf("second team = %+v", teams[1])
	}
}

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"), eventbus.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureDefaults(2); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}
	return store
}

func saveTestRace(t *testing.T, store *db.DB, heatID int64, pilots []db.PilotRaceSave) *db.SavedRace {
	t.Helper()
	race, err := store.SaveRace(db.RaceSave{
		HeatID:        heatID,
		StartTimeWall: "2026-08-26 10:00:00.000",
		Pilots:        pilots,
	})
	if err != nil {
		t.Fatalf("SaveRace: %v", err)
	}
	return race
}

func TestRaceLeaderboardBuildAndCache(t *testing.T) {
	store := newTestStore(t)
	cache := New(store)

	p1, _ := store.AddPilot()
	p2, _ := store.AddPilot()
	heats, _ := store.Heats(db.ListOpts{})
	race := saveTestRace(t, store, heats[0].ID, []db.PilotRaceSave{
		{NodeIndex: 0, PilotID: p1.ID, Laps: []db.SavedLap{
			{LapNumber: 0, LapTimeStamp: 1000, LapTime: 1000},
			{LapNumber: 1, LapTimeStamp: 11000, LapTime: 10000},
			{LapNumber: 2, LapTimeStamp: 20000, LapTime: 9000},
		}},
		{NodeIndex: 1, PilotID: p2.ID, Laps: []db.SavedLap{
			{LapNumber: 0, LapTimeStamp: 1200, LapTime: 1200},
			{LapNumber: 1, LapTimeStamp: 10500, LapTime: 9300},
		}},
	})

	lb, err := cache.Race(race.ID)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if len(lb.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lb.Lines))
	}
	if lb.Lines[0].PilotID != p1.ID || lb.Lines[0].Laps != 2 {
		t.Errorf("leader = %+v", lb.Lines[0])
	}

	got, _ := store.SavedRaceByID(race.ID)
	if got.CacheStatus != db.CacheValid {
		t.Errorf("race cache status = %s, want valid", got.CacheStatus)
	}

	// cached pointer is reused while valid
	again, err := cache.Race(race.ID)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if again != lb {
		t.Error("valid leaderboard was rebuilt")
	}
}

func TestSavedRaceMatchesLiveLapCount(t *testing.T) {
	store := newTestStore(t)
	cache := New(store)

	p, _ := store.AddPilot()
	heats, _ := store.Heats(db.ListOpts{})
	// the live board showed 2 completed laps with the short lap 1 discarded;
	// the saved leaderboard must agree
	race := saveTestRace(t, store, heats[0].ID, []db.PilotRaceSave{
		{NodeIndex: 0, PilotID: p.ID, Laps: []db.SavedLap{
			{LapNumber: 0, LapTimeStamp: 500, LapTime: 500},
			{LapNumber: 1, LapTimeStamp: 2500, LapTime: 2000, Deleted: true, Invalid: true},
			{LapNumber: 2, LapTimeStamp: 7500, LapTime: 5000},
		}},
	})

	lb, err := cache.Race(race.ID)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if len(lb.Lines) != 1 || lb.Lines[0].Laps != 2 {
		t.Errorf("saved leaderboard = %+v, want 2 laps", lb.Lines)
	}
}

func TestInvalidationForcesRebuild(t *testing.T) {
	store := newTestStore(t)
	cache := New(store)

	p, _ := store.AddPilot()
	heats, _ := store.Heats(db.ListOpts{})
	race := saveTestRace(t, store, heats[0].ID, []db.PilotRaceSave{
		{NodeIndex: 0, PilotID: p.ID, Laps: []db.SavedLap{
			{LapNumber: 0, LapTimeStamp: 1000, LapTime: 1000},
			{LapNumber: 1, LapTimeStamp: 11000, LapTime: 10000},
		}},
	})

	first, err := cache.Race(race.ID)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}

	// identity change invalidates and the next read rebuilds
	team := "B"
	if _, _, err := store.AlterPilot(db.PilotPatch{ID: p.ID, Team: &team}); err != nil {
		t.Fatalf("AlterPilot: %v", err)
	}
	second, err := cache.Race(race.ID)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if second == first {
		t.Error("stale leaderboard served after invalidation")
	}
	if second.Lines[0].Team != "B" {
		t.Errorf("team = %q, want B", second.Lines[0].Team)
	}
}

func TestEventAggregation(t *testing.T) {
	store := newTestStore(t)
	cache := New(store)

	p, _ := store.AddPilot()
	heats, _ := store.Heats(db.ListOpts{})
	for i := 0; i < 2; i++ {
		saveTestRace(t, store, heats[0].ID, []db.PilotRaceSave{
			{NodeIndex: 0, PilotID: p.ID, Laps: []db.SavedLap{
				{LapNumber: 0, LapTimeStamp: 1000, LapTime: 1000},
				{LapNumber: 1, LapTimeStamp: 11000, LapTime: 10000},
				{LapNumber: 2, LapTimeStamp: 20000, LapTime: 9000},
			}},
		})
	}

	lb, err := cache.Event()
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if len(lb.Lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lb.Lines))
	}
	line := lb.Lines[0]
	if line.Laps != 4 || line.Starts != 2 || line.FastestMs != 9000 {
		t.Errorf("aggregated line = %+v", line)
	}
	if !cache.Valid() {
		t.Error("page cache not valid after event build")
	}
	if store.EventCacheStatus() != db.CacheValid {
		t.Errorf("event status = %s, want valid", store.EventCacheStatus())
	}

	// a new save drops the page cache
	saveTestRace(t, store, heats[0].ID, []db.PilotRaceSave{{NodeIndex: 0, PilotID: p.ID}})
	if cache.Valid() {
		t.Error("page cache still valid after save")
	}
}
