package race

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/gatetimer/internal/clock"
	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/node"
	"github.com/banshee-data/gatetimer/internal/results"
)

type rig struct {
	c     *Controller
	clk   *clock.MockClock
	iface *node.MockInterface
	store *db.DB
	bus   *eventbus.Bus
}

func newRig(t *testing.T, nodeCount int) *rig {
	t.Helper()
	bus := eventbus.New()
	store, err := db.Open(filepath.Join(t.TempDir(), "race.db"), bus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureDefaults(nodeCount); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}

	clk := clock.NewMockClock(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	src := clock.NewSource(clk)
	iface := node.NewMock(nodeCount)
	cache := results.New(store)
	c := New(clk, src, bus, store, cache, iface)
	return &rig{c: c, clk: clk, iface: iface, store: store, bus: bus}
}

// watch subscribes a buffered channel to the given events.
func (r *rig) watch(t *testing.T, evts ...eventbus.Event) chan eventbus.Event {
	t.Helper()
	ch := make(chan eventbus.Event, 64)
	for _, evt := range evts {
		evt := evt
		r.bus.Subscribe(evt, "test-watch", func(eventbus.Data) { ch <- evt })
	}
	return ch
}

// waitEvent advances the mock clock in small steps until want arrives, so
// timers armed by background tasks after the first advance still fire.
func (r *rig) waitEvent(t *testing.T, ch chan eventbus.Event, want eventbus.Event) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-time.After(5 * time.Millisecond):
			r.clk.Advance(500 * time.Millisecond)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// noEvent asserts want does not arrive while the clock advances by d.
func (r *rig) noEvent(t *testing.T, ch chan eventbus.Event, want eventbus.Event, d time.Duration) {
	t.Helper()
	steps := int(d / (100 * time.Millisecond))
	for i := 0; i < steps; i++ {
		r.clk.Advance(100 * time.Millisecond)
		select {
		case got := <-ch:
			if got == want {
				t.Fatalf("unexpected %s", want)
			}
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *rig) setFormat(t *testing.T, f db.RaceFormat) *db.RaceFormat {
	t.Helper()
	added, err := r.store.AddFormat(f)
	if err != nil {
		t.Fatalf("AddFormat: %v", err)
	}
	if err := r.c.SetCurrentFormat(added.ID); err != nil {
		t.Fatalf("SetCurrentFormat: %v", err)
	}
	return added
}

// seatPilots creates pilots and assigns them to the default heat's slots in
// node order, then makes it the current heat.
func (r *rig) seatPilots(t *testing.T, count int) (int64, []*db.Pilot) {
	t.Helper()
	heats, err := r.store.Heats(db.ListOpts{OrderBy: "id", Limit: 1})
	if err != nil || len(heats) == 0 {
		t.Fatalf("Heats: %v", err)
	}
	heatID := heats[0].ID
	slots, err := r.store.HeatSlots(heatID)
	if err != nil {
		t.Fatalf("HeatSlots: %v", err)
	}

	var pilots []*db.Pilot
	patch := db.HeatPatch{ID: heatID}
	for i := 0; i < count && i < len(slots); i++ {
		p, err := r.store.AddPilot()
		if err != nil {
			t.Fatalf("AddPilot: %v", err)
		}
		pilots = append(pilots, p)
		id := p.ID
		patch.Slots = append(patch.Slots, db.SlotPatch{SlotID: slots[i].ID, PilotID: &id})
	}
	if _, err := r.store.AlterHeat(patch); err != nil {
		t.Fatalf("AlterHeat: %v", err)
	}
	if err := r.c.SetCurrentHeat(heatID); err != nil {
		t.Fatalf("SetCurrentHeat: %v", err)
	}
	return heatID, pilots
}

// startRace stages and waits out staging until the race is running. Returns
// the race's monotonic start time.
func (r *rig) startRace(t *testing.T) float64 {
	t.Helper()
	ch := r.watch(t, eventbus.RaceStart)
	if err := r.c.Stage(); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	r.waitEvent(t, ch, eventbus.RaceStart)
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return r.c.startTime
}

func (r *rig) pass(nodeIndex int, ts float64) {
	r.c.processPass(pass{nodeIndex: nodeIndex, ts: ts, source: db.SourceRF})
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestMinLapDiscard(t *testing.T) {
	r := newRig(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "Practice", RaceMode: db.RaceModeNoTimeLimit,
		WinCondition: db.WinNone, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptMinLapSec, 5)
	r.store.SetOptionInt(OptMinLapBehavior, 1)

	start := r.startRace(t)
	r.pass(0, start+0.0)
	r.pass(0, start+2.0)
	r.pass(0, start+7.0)

	laps := r.c.NodeLaps(0)
	if len(laps) != 3 {
		t.Fatalf("got %d lap records, want 3", len(laps))
	}
	if !laps[1].Invalid || !laps[1].Deleted {
		t.Errorf("lap 1 = %+v, want invalid and deleted", laps[1])
	}
	if laps[2].Invalid || laps[2].Deleted {
		t.Errorf("lap 2 = %+v, want counted", laps[2])
	}
	if got := r.iface.Node(0).Snapshot().UnderMinLapCount; got != 1 {
		t.Errorf("underMinLapCount = %d, want 1", got)
	}

	r.c.mu.Lock()
	board := r.c.buildResultsLocked()
	r.c.mu.Unlock()
	if len(board.Lines) != 1 || board.Lines[0].Laps != 2 {
		t.Errorf("leaderboard = %+v, want one line with 2 laps", board.Lines)
	}
}

func TestFirstToLapXLateLap(t *testing.T) {
	r := newRig(t, 2)
	_, pilots := r.seatPilots(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "First to 3", RaceMode: db.RaceModeNoTimeLimit,
		WinCondition: db.WinFirstToLapX, NumberLapsWin: 3, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptMinLapSec, 0)

	done := r.watch(t, eventbus.RacePilotDone)
	win := r.watch(t, eventbus.RaceWin)

	start := r.startRace(t)
	for _, ts := range []float64{0, 10, 20} {
		r.pass(0, start+ts)
		r.pass(1, start+ts+1)
	}
	r.pass(0, start+30) // node 0 lap 3: wins
	select {
	case <-done:
	default:
		t.Fatal("RACE_PILOT_DONE not fired for node 0")
	}
	select {
	case <-win:
	default:
		t.Fatal("RACE_WIN not fired")
	}

	r.pass(1, start+31) // node 1 lap 3: too late

	if status, msg := r.c.WinStatusNow(); status != WinStatusDeclared || msg != pilots[0].Callsign+" wins" {
		t.Errorf("win = %v %q, want declared for %s", status, msg, pilots[0].Callsign)
	}
	lateLaps := r.c.NodeLaps(1)
	last := lateLaps[len(lateLaps)-1]
	if !last.Deleted || !last.LateLap {
		t.Errorf("node 1 lap 3 = %+v, want deleted late lap", last)
	}
	winnerLaps := r.c.NodeLaps(0)
	if got := winnerLaps[len(winnerLaps)-1]; got.Deleted || got.LateLap {
		t.Errorf("winner's lap 3 = %+v, want counted", got)
	}
}

func TestSecondaryModeRecordsAllPasses(t *testing.T) {
	r := newRig(t, 2)
	r.seatPilots(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "First to 2", RaceMode: db.RaceModeNoTimeLimit,
		WinCondition: db.WinFirstToLapX, NumberLapsWin: 2, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptMinLapSec, 0)
	r.c.SetSecondaryMode(true)

	win := r.watch(t, eventbus.RaceWin)
	done := r.watch(t, eventbus.RacePilotDone)

	start := r.startRace(t)
	for _, ts := range []float64{0, 10, 20} {
		r.pass(0, start+ts) // node 0 passes the notional target lap
	}
	r.pass(1, start+21)
	r.pass(0, start+30) // beyond the target: still a real record

	select {
	case <-win:
		t.Fatal("RACE_WIN fired in secondary mode")
	default:
	}
	select {
	case <-done:
		t.Fatal("RACE_PILOT_DONE fired in secondary mode")
	default:
	}
	for node := 0; node < 2; node++ {
		for _, lap := range r.c.NodeLaps(node) {
			if lap.Deleted || lap.LateLap {
				t.Errorf("node %d lap %+v, want recorded", node, lap)
			}
		}
	}
	if status, _ := r.c.WinStatusNow(); status != WinStatusNone {
		t.Errorf("win status = %v, want none", status)
	}
}

func TestCountdownGrace(t *testing.T) {
	r := newRig(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "1:00 Sprint", RaceMode: db.RaceModeCountDown,
		RaceTimeSec: 60, LapGraceSec: 5, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptMinLapSec, 0)

	ch := r.watch(t, eventbus.RaceFinish, eventbus.RaceStop)
	start := r.startRace(t)

	r.pass(0, start+0.5)
	r.waitEvent(t, ch, eventbus.RaceFinish)

	r.pass(0, start+62) // inside the grace window
	laps := r.c.NodeLaps(0)
	if len(laps) != 2 {
		t.Fatalf("got %d laps after grace-window pass, want 2", len(laps))
	}
	if laps[1].Deleted {
		t.Errorf("grace-window lap = %+v, want counted", laps[1])
	}

	r.pass(0, start+66) // beyond raceTime+grace, dropped
	if got := len(r.c.NodeLaps(0)); got != 2 {
		t.Errorf("got %d laps after out-of-grace pass, want 2", got)
	}

	r.waitEvent(t, ch, eventbus.RaceStop)
	if got := r.c.Status(); got != StatusDone {
		t.Errorf("status = %s, want DONE", got)
	}

	r.c.mu.Lock()
	end := r.c.endTime
	r.c.mu.Unlock()
	r.pass(0, end+1) // after race end, dropped
	if got := len(r.c.NodeLaps(0)); got != 2 {
		t.Errorf("got %d laps after post-end pass, want 2", got)
	}
}

func TestStartThresholdLowering(t *testing.T) {
	r := newRig(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "Practice", RaceMode: db.RaceModeNoTimeLimit, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptStartThreshLowerAmount, 25)
	r.store.SetOptionInt(OptStartThreshLowerDuration, 2)
	r.iface.SetEnterAtLevel(0, 90)
	r.iface.SetExitAtLevel(0, 80)

	r.startRace(t)

	cmds := r.iface.Commands()
	if !contains(cmds, "TEA 0 87") || !contains(cmds, "TXA 0 77") {
		t.Fatalf("lowered thresholds not transmitted, commands = %v", cmds)
	}

	deadline := time.After(3 * time.Second)
	for !contains(r.iface.Commands(), "TEA 0 90") || !contains(r.iface.Commands(), "TXA 0 80") {
		select {
		case <-deadline:
			t.Fatalf("thresholds not restored, commands = %v", r.iface.Commands())
		case <-time.After(5 * time.Millisecond):
			r.clk.Advance(500 * time.Millisecond)
		}
	}
	if r.iface.Node(0).Snapshot().EnterAt != 90 {
		t.Errorf("persistent enterAt changed")
	}
}

func TestScheduleAndCancel(t *testing.T) {
	r := newRig(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "Practice", RaceMode: db.RaceModeNoTimeLimit, StagingFixedTones: 1,
	})

	ch := r.watch(t, eventbus.RaceStage)
	if err := r.c.Schedule(0, 2); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	r.c.CancelSchedule()
	r.noEvent(t, ch, eventbus.RaceStage, 3*time.Second)

	if err := r.c.Schedule(0, 1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	r.waitEvent(t, ch, eventbus.RaceStage)
	r.noEvent(t, ch, eventbus.RaceStage, 2*time.Second)
}

func TestStopDeclaresMostLaps(t *testing.T) {
	r := newRig(t, 2)
	_, pilots := r.seatPilots(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "Heads Up", RaceMode: db.RaceModeNoTimeLimit,
		WinCondition: db.WinMostLaps, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptMinLapSec, 0)

	start := r.startRace(t)
	for _, ts := range []float64{0, 10, 20, 30} {
		r.pass(0, start+ts)
	}
	for _, ts := range []float64{1, 12, 24} {
		r.pass(1, start+ts)
	}

	win := r.watch(t, eventbus.RaceWin)
	if err := r.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-win:
	case <-time.After(time.Second):
		t.Fatal("RACE_WIN not fired at stop")
	}
	if _, msg := r.c.WinStatusNow(); msg != pilots[0].Callsign+" wins" {
		t.Errorf("statusMessage = %q, want winner %s", msg, pilots[0].Callsign)
	}
}

func TestSaveAssignsRoundAndClears(t *testing.T) {
	r := newRig(t, 2)
	heatID, pilots := r.seatPilots(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "Heads Up", RaceMode: db.RaceModeNoTimeLimit,
		WinCondition: db.WinNone, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptMinLapSec, 0)
	r.iface.SetFrequency(0, 5658)
	r.iface.SetFrequency(1, 5695)

	start := r.startRace(t)
	for _, ts := range []float64{0, 10, 20} {
		r.pass(0, start+ts)
		r.pass(1, start+ts+1)
	}
	if err := r.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	saved, err := r.c.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.RoundID != 1 {
		t.Errorf("round = %d, want 1", saved.RoundID)
	}
	if saved.HeatID != heatID {
		t.Errorf("heat = %d, want %d", saved.HeatID, heatID)
	}

	laps, err := r.store.Laps(saved.ID)
	if err != nil {
		t.Fatalf("Laps: %v", err)
	}
	if len(laps) != 6 {
		t.Errorf("stored %d laps, want 6", len(laps))
	}
	prs, err := r.store.PilotRaces(saved.ID)
	if err != nil {
		t.Fatalf("PilotRaces: %v", err)
	}
	if len(prs) != 2 {
		t.Errorf("stored %d pilot races, want 2", len(prs))
	}

	if got := len(r.c.NodeLaps(0)); got != 0 {
		t.Errorf("current race still has %d laps after save", got)
	}
	if got := r.c.Status(); got != StatusReady {
		t.Errorf("status = %s, want READY", got)
	}

	p, err := r.store.Pilot(pilots[0].ID)
	if err != nil {
		t.Fatalf("Pilot: %v", err)
	}
	if p.UsedFrequencies == "" || p.UsedFrequencies == "[]" {
		t.Errorf("used frequencies not recorded: %q", p.UsedFrequencies)
	}
}

func TestDeleteRestoreLapIdentity(t *testing.T) {
	r := newRig(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "Practice", RaceMode: db.RaceModeNoTimeLimit, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptMinLapSec, 0)

	start := r.startRace(t)
	for _, ts := range []float64{0, 11, 23, 36} {
		r.pass(0, start+ts)
	}
	original := r.c.NodeLaps(0)

	if err := r.c.DeleteLap(0, 2); err != nil {
		t.Fatalf("DeleteLap: %v", err)
	}
	afterDelete := r.c.NodeLaps(0)
	if !afterDelete[2].Deleted {
		t.Fatal("lap 2 not marked deleted")
	}
	// lap 3 now spans from lap 1
	if want := afterDelete[3].LapTimeStamp - afterDelete[1].LapTimeStamp; afterDelete[3].LapTime != want {
		t.Errorf("lap 3 time = %v, want %v", afterDelete[3].LapTime, want)
	}

	if err := r.c.RestoreDeletedLap(0, 2); err != nil {
		t.Fatalf("RestoreDeletedLap: %v", err)
	}
	if diff := cmp.Diff(original, r.c.NodeLaps(0)); diff != "" {
		t.Errorf("lap list not restored (-want +got):\n%s", diff)
	}
}

func TestDeleteWinningLapReopensRace(t *testing.T) {
	r := newRig(t, 2)
	r.seatPilots(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "First to 2", RaceMode: db.RaceModeNoTimeLimit,
		WinCondition: db.WinFirstToLapX, NumberLapsWin: 2, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptMinLapSec, 0)

	start := r.startRace(t)
	r.pass(0, start+0)
	r.pass(0, start+10)
	r.pass(0, start+20) // lap 2: wins
	if status, _ := r.c.WinStatusNow(); status != WinStatusDeclared {
		t.Fatalf("win status = %v, want declared", status)
	}

	if err := r.c.DeleteLap(0, 2); err != nil {
		t.Fatalf("DeleteLap: %v", err)
	}
	// the remaining laps no longer reach the target, so the race reopens
	if status, msg := r.c.WinStatusNow(); status != WinStatusNone || msg != "" {
		t.Errorf("win not reset after deleting the winning lap: %v %q", status, msg)
	}
}

func TestPassQueueOrdering(t *testing.T) {
	r := newRig(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "Practice", RaceMode: db.RaceModeNoTimeLimit, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptMinLapSec, 0)
	start := r.startRace(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.c.Start(ctx)

	for _, ts := range []float64{0, 10, 20} {
		r.iface.InjectPass(0, start+ts)
	}
	deadline := time.After(2 * time.Second)
	for len(r.c.NodeLaps(0)) < 3 {
		select {
		case <-deadline:
			t.Fatalf("queue drained %d laps, want 3", len(r.c.NodeLaps(0)))
		case <-time.After(5 * time.Millisecond):
		}
	}
	laps := r.c.NodeLaps(0)
	for i := 1; i < len(laps); i++ {
		if laps[i].LapTimeStamp <= laps[i-1].LapTimeStamp {
			t.Errorf("laps out of order: %v", laps)
		}
	}
}

func TestStageRefusedWithLaps(t *testing.T) {
	r := newRig(t, 2)
	r.setFormat(t, db.RaceFormat{
		Name: "Practice", RaceMode: db.RaceModeNoTimeLimit, StagingFixedTones: 1,
	})
	r.store.SetOptionInt(OptMinLapSec, 0)

	start := r.startRace(t)
	r.pass(0, start+0)
	if err := r.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.c.Stage(); err == nil {
		t.Fatal("Stage accepted with unsaved laps")
	}
	if err := r.c.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := r.c.Stage(); err != nil {
		t.Fatalf("Stage after discard: %v", err)
	}
}
