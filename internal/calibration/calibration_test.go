package calibration

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/node"
)

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "cal.db"), eventbus.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureDefaults(2); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}
	return store
}

// saveRaceWithThresholds records one race on heatID with the given node 0
// thresholds.
func saveRaceWithThresholds(t *testing.T, store *db.DB, heatID, pilotID int64, enterAt, exitAt int, wall string) {
	t.Helper()
	_, err := store.SaveRace(db.RaceSave{
		HeatID:        heatID,
		StartTime:     1,
		StartTimeWall: wall,
		Pilots: []db.PilotRaceSave{{
			NodeIndex: 0, PilotID: pilotID, EnterAt: enterAt, ExitAt: exitAt,
			HistoryValues: "[]", HistoryTimes: "[]",
		}},
	})
	if err != nil {
		t.Fatalf("SaveRace: %v", err)
	}
}

func TestBestThresholdsScopeOrder(t *testing.T) {
	store := newTestStore(t)
	p, err := store.AddPilot()
	if err != nil {
		t.Fatalf("AddPilot: %v", err)
	}
	h1, err := store.AddHeat(2)
	if err != nil {
		t.Fatalf("AddHeat: %v", err)
	}
	h2, err := store.AddHeat(2)
	if err != nil {
		t.Fatalf("AddHeat: %v", err)
	}

	// older race on the target heat, newer race elsewhere with the same pilot
	saveRaceWithThresholds(t, store, h1.ID, p.ID, 90, 80, "2026-08-26 10:00:00.000")
	saveRaceWithThresholds(t, store, h2.ID, p.ID, 70, 60, "2026-08-26 11:00:00.000")

	enter, exit, found, err := store.BestThresholds(h1.ID, db.ClassIDNone, p.ID, 0)
	if err != nil || !found {
		t.Fatalf("BestThresholds: found=%v err=%v", found, err)
	}
	if enter != 90 || exit != 80 {
		t.Errorf("same-heat scope got (%d,%d), want (90,80)", enter, exit)
	}

	// without a heat match the pilot scope wins, freshest first
	enter, exit, found, err = store.BestThresholds(db.HeatIDNone, db.ClassIDNone, p.ID, 0)
	if err != nil || !found {
		t.Fatalf("BestThresholds: found=%v err=%v", found, err)
	}
	if enter != 70 || exit != 60 {
		t.Errorf("pilot scope got (%d,%d), want (70,60)", enter, exit)
	}

	// unknown pilot falls through to any race on the node
	enter, exit, found, err = store.BestThresholds(db.HeatIDNone, db.ClassIDNone, db.PilotIDNone, 0)
	if err != nil || !found {
		t.Fatalf("BestThresholds: found=%v err=%v", found, err)
	}
	if enter != 70 || exit != 60 {
		t.Errorf("node scope got (%d,%d), want (70,60)", enter, exit)
	}

	// a node with no history reports not found
	if _, _, found, _ = store.BestThresholds(db.HeatIDNone, db.ClassIDNone, db.PilotIDNone, 1); found {
		t.Error("node 1 reported history where none exists")
	}
}

func TestApplyHeatSetsThresholds(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.New()
	iface := node.NewMock(2)
	p, _ := store.AddPilot()
	h, _ := store.AddHeat(2)
	saveRaceWithThresholds(t, store, h.ID, p.ID, 92, 78, "2026-08-26 10:00:00.000")

	tuner := New(store, iface, bus)
	tuner.ApplyHeat(h.ID, []int64{p.ID, db.PilotIDNone})

	cmds := iface.Commands()
	wantEnter := fmt.Sprintf("EA 0 %d", 92)
	wantExit := fmt.Sprintf("XA 0 %d", 78)
	if len(cmds) < 2 || cmds[0] != wantEnter || cmds[1] != wantExit {
		t.Errorf("commands = %v, want [%s %s]", cmds, wantEnter, wantExit)
	}
	if snap := iface.Node(0).Snapshot(); snap.EnterAt != 92 || snap.ExitAt != 78 {
		t.Errorf("node 0 thresholds = (%d,%d), want (92,78)", snap.EnterAt, snap.ExitAt)
	}
}

func TestProposeFromHistoryQuantiles(t *testing.T) {
	store := newTestStore(t)
	iface := node.NewMock(1)
	tuner := New(store, iface, eventbus.New())

	n := iface.Node(0)
	for i := 0; i < 20; i++ {
		n.RecordHistory(40+i*3, float64(i))
	}
	enter, exit, ok := tuner.proposeFromHistory(0)
	if !ok {
		t.Fatal("proposeFromHistory found nothing in a full trace")
	}
	if enter <= exit {
		t.Errorf("enter %d not above exit %d", enter, exit)
	}
	if enter < 40 || enter > 97 || exit < 40 || exit > 97 {
		t.Errorf("levels (%d,%d) outside the sampled range", enter, exit)
	}

	// short traces are not enough to calibrate from
	short := node.NewMock(1)
	shortTuner := New(store, short, eventbus.New())
	if _, _, ok := shortTuner.proposeFromHistory(0); ok {
		t.Error("proposeFromHistory accepted an empty trace")
	}
}
