package db

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), eventbus.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.EnsureDefaults(4); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}
	return db
}

func TestEnsureDefaultsSeeds(t *testing.T) {
	db := newTestDB(t)

	profiles, err := db.Profiles(ListOpts{})
	if err != nil {
		t.Fatalf("Profiles: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("profiles = %d, want 1", len(profiles))
	}
	pf, err := profiles[0].DecodeFrequencies(4)
	if err != nil {
		t.Fatalf("DecodeFrequencies: %v", err)
	}
	want := []int{5658, 5732, 5843, 5880}
	for i, f := range want {
		if pf.Freq[i] != f {
			t.Errorf("freq[%d] = %d, want %d", i, pf.Freq[i], f)
		}
	}

	formats, err := db.Formats(ListOpts{})
	if err != nil {
		t.Fatalf("Formats: %v", err)
	}
	if len(formats) != 3 {
		t.Errorf("formats = %d, want 3", len(formats))
	}

	heats, err := db.Heats(ListOpts{})
	if err != nil {
		t.Fatalf("Heats: %v", err)
	}
	if len(heats) != 1 {
		t.Fatalf("heats = %d, want 1", len(heats))
	}
	slots, err := db.HeatSlots(heats[0].ID)
	if err != nil {
		t.Fatalf("HeatSlots: %v", err)
	}
	if len(slots) != 4 {
		t.Errorf("slots = %d, want 4", len(slots))
	}

	if db.Option(OptCurrentProfile, "") == "" {
		t.Error("currentProfile option not set")
	}
}

func TestOptionsWriteThrough(t *testing.T) {
	db := newTestDB(t)
	if err := db.SetOption("MinLapSec", "5"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	if got := db.OptionInt("MinLapSec", 0); got != 5 {
		t.Errorf("OptionInt = %d, want 5", got)
	}
	// survives a cache re-prime from disk
	if err := db.primeOptionsCache(); err != nil {
		t.Fatalf("primeOptionsCache: %v", err)
	}
	if got := db.Option("MinLapSec", ""); got != "5" {
		t.Errorf("Option after reprime = %q, want 5", got)
	}
	if got := db.OptionInt("absent", 7); got != 7 {
		t.Errorf("OptionInt default = %d, want 7", got)
	}
}

func TestOptionEmptyValueFallsBackToDefault(t *testing.T) {
	db := newTestDB(t)
	if err := db.SetOption("Scheme", ""); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	if got := db.Option("Scheme", "fallback"); got != "fallback" {
		t.Errorf("Option = %q, want fallback", got)
	}
	if err := db.SetOption("Scheme", "custom"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	if got := db.Option("Scheme", "fallback"); got != "custom" {
		t.Errorf("Option = %q, want custom", got)
	}
}

func TestPilotAutoNamingAndDuplicate(t *testing.T) {
	db := newTestDB(t)
	p1, err := db.AddPilot()
	if err != nil {
		t.Fatalf("AddPilot: %v", err)
	}
	if p1.Callsign != "Callsign 1" || p1.Name != "Pilot 1 Name" {
		t.Errorf("pilot 1 = %q/%q", p1.Name, p1.Callsign)
	}
	p2, err := db.AddPilot()
	if err != nil {
		t.Fatalf("AddPilot: %v", err)
	}
	if p2.Callsign != "Callsign 2" {
		t.Errorf("pilot 2 callsign = %q", p2.Callsign)
	}

	dup, err := db.DuplicatePilot(p1.ID)
	if err != nil {
		t.Fatalf("DuplicatePilot: %v", err)
	}
	if dup.Callsign != "Callsign 1 2" {
		t.Errorf("duplicate callsign = %q, want %q", dup.Callsign, "Callsign 1 2")
	}
	dup2, err := db.DuplicatePilot(p1.ID)
	if err != nil {
		t.Fatalf("DuplicatePilot: %v", err)
	}
	if dup2.Callsign != "Callsign 1 3" {
		t.Errorf("second duplicate callsign = %q, want %q", dup2.Callsign, "Callsign 1 3")
	}
}

func TestDeletePilotRefusedWhenRaced(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.AddPilot()
	heats, _ := db.Heats(ListOpts{})
	_, err := db.SaveRace(RaceSave{
		HeatID:        heats[0].ID,
		StartTimeWall: "2026-08-26 10:00:00.000",
		Pilots:        []PilotRaceSave{{NodeIndex: 0, PilotID: p.ID}},
	})
	if err != nil {
		t.Fatalf("SaveRace: %v", err)
	}
	if err := db.DeletePilot(p.ID); err == nil {
		t.Fatal("DeletePilot succeeded for pilot with saved races")
	}
}

func TestDeleteMinimums(t *testing.T) {
	db := newTestDB(t)

	heats, _ := db.Heats(ListOpts{})
	if err := db.DeleteHeat(heats[0].ID); err == nil {
		t.Error("deleted last heat")
	}

	profiles, _ := db.Profiles(ListOpts{})
	if err := db.DeleteProfile(profiles[0].ID); err == nil {
		t.Error("deleted last profile")
	}

	formats, _ := db.Formats(ListOpts{})
	for _, f := range formats[1:] {
		if err := db.DeleteFormat(f.ID); err != nil {
			t.Fatalf("DeleteFormat: %v", err)
		}
	}
	if err := db.DeleteFormat(formats[0].ID); err == nil {
		t.Error("deleted last format")
	}
}

func TestSaveRaceRoundIDs(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.AddPilot()
	heats, _ := db.Heats(ListOpts{})
	heatID := heats[0].ID

	for i := 1; i <= 3; i++ {
		race, err := db.SaveRace(RaceSave{
			HeatID:        heatID,
			StartTimeWall: "2026-08-26 10:00:00.000",
			Pilots: []PilotRaceSave{{
				NodeIndex: 0, PilotID: p.ID,
				Laps: []SavedLap{{LapNumber: 0, LapTimeStamp: 1000, LapTime: 1000}},
			}},
		})
		if err != nil {
			t.Fatalf("SaveRace %d: %v", i, err)
		}
		if race.RoundID != i {
			t.Errorf("round = %d, want %d", race.RoundID, i)
		}
	}

	laps, err := db.Laps(1)
	if err != nil {
		t.Fatalf("Laps: %v", err)
	}
	if len(laps) != 1 || laps[0].LapTimeStamp != 1000 {
		t.Errorf("laps = %+v", laps)
	}
}

func TestReassignRaceHeat(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.AddPilot()
	heats, _ := db.Heats(ListOpts{})
	h1 := heats[0].ID
	h2Heat, err := db.AddHeat(4)
	if err != nil {
		t.Fatalf("AddHeat: %v", err)
	}
	h2 := h2Heat.ID

	var races []*SavedRace
	for i := 0; i < 2; i++ {
		r, err := db.SaveRace(RaceSave{
			HeatID:        h1,
			StartTimeWall: fmt.Sprintf("2026-08-26 10:0%d:00.000", i),
			Pilots:        []PilotRaceSave{{NodeIndex: 0, PilotID: p.ID}},
		})
		if err != nil {
			t.Fatalf("SaveRace: %v", err)
		}
		races = append(races, r)
	}

	moved, err := db.ReassignRaceHeat(races[1].ID, h2)
	if err != nil {
		t.Fatalf("ReassignRaceHeat: %v", err)
	}
	if moved.HeatID != h2 || moved.RoundID != 1 {
		t.Errorf("moved race heat=%d round=%d, want heat=%d round=1", moved.HeatID, moved.RoundID, h2)
	}

	remaining, err := db.SavedRaces(ListOpts{Filter: map[string]any{"heat_id": h1}})
	if err != nil {
		t.Fatalf("SavedRaces: %v", err)
	}
	if len(remaining) != 1 || remaining[0].RoundID != 1 {
		t.Errorf("source heat races = %+v", remaining)
	}

	// caches all invalid after the move
	srcHeat, _ := db.Heat(h1)
	dstHeat, _ := db.Heat(h2)
	if srcHeat.CacheStatus != CacheInvalid || dstHeat.CacheStatus != CacheInvalid {
		t.Errorf("heat cache statuses = %s/%s, want invalid", srcHeat.CacheStatus, dstHeat.CacheStatus)
	}
	if db.EventCacheStatus() != CacheInvalid {
		t.Errorf("event cache = %s, want invalid", db.EventCacheStatus())
	}
}

func TestRoundIDLaw(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.AddPilot()
	heats, _ := db.Heats(ListOpts{})
	h1 := heats[0].ID
	h2Heat, _ := db.AddHeat(4)
	h2 := h2Heat.ID

	var ids []int64
	stamps := []string{"10:00", "10:05", "10:10", "10:15"}
	for _, s := range stamps {
		r, err := db.SaveRace(RaceSave{
			HeatID:        h1,
			StartTimeWall: "2026-08-26 " + s + ":00.000",
			Pilots:        []PilotRaceSave{{NodeIndex: 0, PilotID: p.ID}},
		})
		if err != nil {
			t.Fatalf("SaveRace: %v", err)
		}
		ids = append(ids, r.ID)
	}

	for _, move := range []struct {
		race int
		heat int64
	}{{2, h2}, {0, h2}, {2, h1}} {
		if _, err := db.ReassignRaceHeat(ids[move.race], move.heat); err != nil {
			t.Fatalf("ReassignRaceHeat: %v", err)
		}
	}

	for _, heatID := range []int64{h1, h2} {
		rs, err := db.SavedRaces(ListOpts{
			Filter:  map[string]any{"heat_id": heatID},
			OrderBy: "start_time_formatted, round_id",
		})
		if err != nil {
			t.Fatalf("SavedRaces: %v", err)
		}
		for i, r := range rs {
			if r.RoundID != i+1 {
				t.Errorf("heat %d pos %d round = %d, want %d", heatID, i, r.RoundID, i+1)
			}
		}
	}
}

func TestAlterPilotInvalidatesRaces(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.AddPilot()
	heats, _ := db.Heats(ListOpts{})
	race, err := db.SaveRace(RaceSave{
		HeatID:        heats[0].ID,
		StartTimeWall: "2026-08-26 10:00:00.000",
		Pilots:        []PilotRaceSave{{NodeIndex: 0, PilotID: p.ID}},
	})
	if err != nil {
		t.Fatalf("SaveRace: %v", err)
	}
	if err := db.SetRaceCacheStatus(race.ID, CacheValid); err != nil {
		t.Fatal(err)
	}
	if err := db.SetHeatCacheStatus(race.HeatID, CacheValid); err != nil {
		t.Fatal(err)
	}
	if err := db.SetEventCacheStatus(CacheValid); err != nil {
		t.Fatal(err)
	}

	team := "B"
	_, raceIDs, err := db.AlterPilot(PilotPatch{ID: p.ID, Team: &team})
	if err != nil {
		t.Fatalf("AlterPilot: %v", err)
	}
	if len(raceIDs) != 1 || raceIDs[0] != race.ID {
		t.Errorf("invalidated races = %v, want [%d]", raceIDs, race.ID)
	}
	got, _ := db.SavedRaceByID(race.ID)
	if got.CacheStatus != CacheInvalid {
		t.Errorf("race cache = %s, want invalid", got.CacheStatus)
	}
	heat, _ := db.Heat(race.HeatID)
	if heat.CacheStatus != CacheInvalid {
		t.Errorf("heat cache = %s, want invalid", heat.CacheStatus)
	}
	if db.EventCacheStatus() != CacheInvalid {
		t.Errorf("event cache = %s, want invalid", db.EventCacheStatus())
	}

	// renaming only does not invalidate
	if err := db.SetEventCacheStatus(CacheValid); err != nil {
		t.Fatal(err)
	}
	name := "New Name"
	if _, _, err := db.AlterPilot(PilotPatch{ID: p.ID, Name: &name}); err != nil {
		t.Fatalf("AlterPilot: %v", err)
	}
	if db.EventCacheStatus() != CacheValid {
		t.Error("name-only change invalidated event cache")
	}
}

func TestAlterFormatRefusedWhenUsed(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.AddPilot()
	heats, _ := db.Heats(ListOpts{})
	formats, _ := db.Formats(ListOpts{})
	f := formats[0]
	if _, err := db.SaveRace(RaceSave{
		HeatID:        heats[0].ID,
		FormatID:      f.ID,
		StartTimeWall: "2026-08-26 10:00:00.000",
		Pilots:        []PilotRaceSave{{NodeIndex: 0, PilotID: p.ID}},
	}); err != nil {
		t.Fatalf("SaveRace: %v", err)
	}
	f.RaceTimeSec = 90
	if _, err := db.AlterFormat(*f); err == nil {
		t.Error("altered format referenced by a saved race")
	}
	if err := db.DeleteFormat(f.ID); err == nil {
		t.Error("deleted format referenced by a saved race")
	}
}

func TestDuplicateHeatCopiesSlots(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.AddPilot()
	heats, _ := db.Heats(ListOpts{})
	slots, _ := db.HeatSlots(heats[0].ID)
	pid := p.ID
	if _, err := db.AlterHeat(HeatPatch{
		ID:    heats[0].ID,
		Slots: []SlotPatch{{SlotID: slots[0].ID, PilotID: &pid}},
	}); err != nil {
		t.Fatalf("AlterHeat: %v", err)
	}

	dup, err := db.DuplicateHeat(heats[0].ID)
	if err != nil {
		t.Fatalf("DuplicateHeat: %v", err)
	}
	dupSlots, err := db.HeatSlots(dup.ID)
	if err != nil {
		t.Fatalf("HeatSlots: %v", err)
	}
	if len(dupSlots) != len(slots) {
		t.Fatalf("dup slots = %d, want %d", len(dupSlots), len(slots))
	}
	if dupSlots[0].PilotID != p.ID {
		t.Errorf("dup slot pilot = %d, want %d", dupSlots[0].PilotID, p.ID)
	}
}

func TestDeleteClassDetachesHeats(t *testing.T) {
	db := newTestDB(t)
	c, err := db.AddClass()
	if err != nil {
		t.Fatalf("AddClass: %v", err)
	}
	heats, _ := db.Heats(ListOpts{})
	cid := c.ID
	if _, err := db.AlterHeat(HeatPatch{ID: heats[0].ID, ClassID: &cid}); err != nil {
		t.Fatalf("AlterHeat: %v", err)
	}
	if err := db.DeleteClass(c.ID); err != nil {
		t.Fatalf("DeleteClass: %v", err)
	}
	h, _ := db.Heat(heats[0].ID)
	if h.ClassID != ClassIDNone {
		t.Errorf("heat class after delete = %d, want %d", h.ClassID, ClassIDNone)
	}
}

func TestUniqueName(t *testing.T) {
	taken := []string{"Heat A", "Heat A 2"}
	if got := uniqueName("Heat A", taken); got != "Heat A 3" {
		t.Errorf("uniqueName = %q, want %q", got, "Heat A 3")
	}
	if got := uniqueName("Fresh", taken); got != "Fresh" {
		t.Errorf("uniqueName = %q, want %q", got, "Fresh")
	}
}

func TestResetRaces(t *testing.T) {
	db := newTestDB(t)
	p, _ := db.AddPilot()
	heats, _ := db.Heats(ListOpts{})
	if _, err := db.SaveRace(RaceSave{
		HeatID:        heats[0].ID,
		StartTimeWall: "2026-08-26 10:00:00.000",
		Pilots: []PilotRaceSave{{
			NodeIndex: 0, PilotID: p.ID,
			Laps: []SavedLap{{LapNumber: 0, LapTimeStamp: 500, LapTime: 500}},
		}},
	}); err != nil {
		t.Fatalf("SaveRace: %v", err)
	}

	if err := db.Reset(ResetRaces, 4); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	races, err := db.SavedRaces(ListOpts{})
	if err != nil {
		t.Fatalf("SavedRaces: %v", err)
	}
	if len(races) != 0 {
		t.Errorf("races after reset = %d, want 0", len(races))
	}
	// pilots survive a race reset
	if _, err := db.Pilot(p.ID); err != nil {
		t.Errorf("pilot gone after race reset: %v", err)
	}
}
