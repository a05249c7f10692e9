package race

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/node"
)

// Options read by the controller. Names are stable across releases because
// they live in the settings table.
const (
	OptMinLapSec                = "MinLapSec"
	OptMinLapBehavior           = "MinLapBehavior" // 0=highlight, 1=discard
	OptStartThreshLowerAmount   = "startThreshLowerAmount"
	OptStartThreshLowerDuration = "startThreshLowerDuration"
	OptCalibrationMode          = "calibrationMode"
	OptCurrentHeat              = "currentHeat"
	OptCurrentFormat            = "currentFormat"
)

// wallTimeLayout formats saved-race wall times so lexical order is time
// order.
const wallTimeLayout = "2006-01-02 15:04:05.000"

// pub is a deferred event publication, flushed after the controller mutex is
// released so subscribers can call back into the controller.
type pub struct {
	evt  eventbus.Event
	data eventbus.Data
}

func (c *Controller) flush(pubs []pub) {
	for _, p := range pubs {
		c.bus.Publish(p.evt, p.data)
	}
}

// Calibrator applies tuning thresholds for a freshly seated heat. The
// calibration package provides the implementation; a nil calibrator leaves
// node thresholds untouched.
type Calibrator interface {
	ApplyHeat(heatID int64, nodePilots []int64)
}

// SetCalibrator installs the threshold calibrator used at heat set.
func (c *Controller) SetCalibrator(cal Calibrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calibrator = cal
}

// SetCurrentHeat seats the pilots of heatID onto the nodes and makes it the
// heat the next race will run under. HeatIDNone switches to practice mode.
func (c *Controller) SetCurrentHeat(heatID int64) error {
	c.mu.Lock()
	if c.status == StatusStaging || c.status == StatusRacing {
		c.mu.Unlock()
		return fmt.Errorf("cannot change heat while race is %s", c.status)
	}

	for i := range c.nodePilots {
		c.nodePilots[i] = db.PilotIDNone
		c.nodeTeams[i] = ""
		c.nodeCallsigns[i] = ""
	}

	if heatID != db.HeatIDNone {
		slots, err := c.store.HeatSlots(heatID)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to seat heat %d: %w", heatID, err)
		}
		for _, s := range slots {
			if s.NodeIndex == nil || s.PilotID == db.PilotIDNone {
				continue
			}
			idx := *s.NodeIndex
			if idx < 0 || idx >= len(c.nodePilots) {
				continue
			}
			c.nodePilots[idx] = s.PilotID
			if p, err := c.store.Pilot(s.PilotID); err == nil {
				c.nodeTeams[idx] = p.Team
				c.nodeCallsigns[idx] = p.Callsign
			}
		}
	}

	c.currentHeatID = heatID
	cal := c.calibrator
	pilots := append([]int64(nil), c.nodePilots...)
	c.mu.Unlock()

	if err := c.store.SetOptionInt(OptCurrentHeat, int(heatID)); err != nil {
		log.Printf("race: failed to persist current heat: %v", err)
	}
	if cal != nil && c.store.OptionInt(OptCalibrationMode, 1) != 0 {
		cal.ApplyHeat(heatID, pilots)
	}
	c.bus.Publish(eventbus.HeatSet, eventbus.Data{"heat_id": heatID})
	return nil
}

// SetCurrentFormat selects the format used for practice-mode races and for
// heats whose class carries no format of its own.
func (c *Controller) SetCurrentFormat(formatID int64) error {
	c.mu.Lock()
	if c.status == StatusStaging || c.status == StatusRacing {
		c.mu.Unlock()
		return fmt.Errorf("cannot change format while race is %s", c.status)
	}
	c.mu.Unlock()
	if _, err := c.store.Format(formatID); err != nil {
		return fmt.Errorf("failed to select format %d: %w", formatID, err)
	}
	if err := c.store.SetOptionInt(OptCurrentFormat, int(formatID)); err != nil {
		return err
	}
	c.bus.Publish(eventbus.FormatSet, eventbus.Data{"format_id": formatID})
	return nil
}

// resolveFormat picks the format for the next race: the current heat's
// class format when set, otherwise the globally selected format, otherwise
// the lowest-id format in the store.
func (c *Controller) resolveFormat(heatID int64) (*db.RaceFormat, error) {
	if heatID != db.HeatIDNone {
		heat, err := c.store.Heat(heatID)
		if err != nil {
			return nil, err
		}
		if heat.ClassID != db.ClassIDNone {
			class, err := c.store.Class(heat.ClassID)
			if err != nil {
				return nil, err
			}
			if class.FormatID != db.FormatIDNone {
				return c.store.Format(class.FormatID)
			}
		}
	}
	if id := c.store.OptionInt(OptCurrentFormat, 0); id > 0 {
		if f, err := c.store.Format(int64(id)); err == nil {
			return f, nil
		}
	}
	formats, err := c.store.Formats(db.ListOpts{OrderBy: "id", Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no race formats defined")
	}
	return formats[0], nil
}

// Stage moves the race from Ready to Staging: clears per-race state, picks
// the format, computes the randomized start instant and kicks off the arm
// task keyed by a fresh start token.
func (c *Controller) Stage() error {
	c.mu.Lock()

	hasLaps := false
	for i := range c.nodeLaps {
		if len(c.nodeLaps[i]) > 0 {
			hasLaps = true
			break
		}
	}
	stageable := c.status == StatusReady ||
		(c.status == StatusDone && !hasLaps) ||
		c.secondaryMode
	if !stageable {
		c.mu.Unlock()
		return fmt.Errorf("cannot stage while race is %s with laps recorded", c.status)
	}

	heatID := c.currentHeatID
	c.mu.Unlock()

	format, err := c.resolveFormat(heatID)
	if err != nil {
		return fmt.Errorf("failed to resolve race format: %w", err)
	}

	c.mu.Lock()
	c.format = *format
	c.clearRaceLocked()

	stagingFixedMs := float64(c.format.StagingFixedTones) * 1000
	delayMs := float64(c.format.StartDelayMinMs)
	if c.format.StartDelayMaxMs > 0 {
		delayMs += float64(rand.Intn(c.format.StartDelayMaxMs + 1))
	}
	stagingTotalMs := stagingFixedMs + delayMs

	c.stageTime = c.clk.Monotonic()
	c.startTime = c.stageTime + stagingTotalMs/1000
	c.startToken = uuid.NewString()
	c.status = StatusStaging
	token := c.startToken
	startAt := c.startTime

	if c.store.OptionInt(OptCalibrationMode, 1) != 0 {
		if err := c.iface.EnableCalibrationMode(); err != nil {
			log.Printf("race: enable calibration mode: %v", err)
		}
	}
	if err := c.iface.SetRaceStatus(node.StatusStaging); err != nil {
		log.Printf("race: set hub race status: %v", err)
	}

	pubs := []pub{{eventbus.RaceStage, eventbus.Data{
		"heat_id":          heatID,
		"stage_at":         c.stageTime,
		"start_at":         startAt,
		"staging_tones":    int(c.format.StagingTones),
		"race_mode":        int(c.format.RaceMode),
		"race_time_sec":    c.format.RaceTimeSec,
		"hide_stage_timer": c.format.StartDelayMaxMs > 0,
	}}}
	c.mu.Unlock()

	c.flush(pubs)
	go c.armTask(token, startAt)
	return nil
}

// armTask waits out staging and fires the start. It sleeps cooperatively in
// 100 ms slices until half a second before the start instant, then busy
// waits so the start fires as close to the computed instant as the scheduler
// allows. A stale token or a left Staging state makes it exit silently.
func (c *Controller) armTask(token string, startAt float64) {
	for {
		c.mu.Lock()
		if c.startToken != token || c.status != StatusStaging {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		remain := startAt - c.clk.Monotonic()
		if remain <= 0 {
			break
		}
		if remain > 0.5 {
			<-c.clk.After(100 * time.Millisecond)
			continue
		}
		for c.clk.Monotonic() < startAt {
			runtime.Gosched()
		}
		break
	}
	c.fireStart(token)
}

func (c *Controller) fireStart(token string) {
	c.mu.Lock()
	if c.startToken != token || c.status != StatusStaging {
		c.mu.Unlock()
		return
	}

	// a node mid-crossing at the start with its rssi already back under the
	// enter threshold is a stale crossing from staging traffic
	for i := 0; i < c.iface.NodeCount(); i++ {
		n := c.iface.Node(i)
		if n == nil {
			continue
		}
		snap := n.Snapshot()
		if snap.Crossing && snap.CurrentRSSI < snap.EnterAt {
			if err := c.iface.ForceEndCrossing(i); err != nil {
				log.Printf("race: force end crossing node %d: %v", i, err)
			}
		}
	}

	amount := c.store.OptionInt(OptStartThreshLowerAmount, 0)
	duration := c.store.OptionInt(OptStartThreshLowerDuration, 0)
	if amount > 0 && duration > 0 {
		c.lowerStartThresholdsLocked(token, amount, duration)
	}

	c.status = StatusRacing
	c.anyRaceStarted = true
	c.src.Freeze()
	c.startEpochMs = c.src.ToEpochMillis(c.startTime)

	if err := c.iface.SetRaceStatus(node.StatusRacing); err != nil {
		log.Printf("race: set hub race status: %v", err)
	}

	pubs := []pub{{eventbus.RaceStart, eventbus.Data{
		"heat_id":       c.currentHeatID,
		"start_time":    c.startTime,
		"start_epoch":   c.startEpochMs,
		"race_mode":     int(c.format.RaceMode),
		"race_time_sec": c.format.RaceTimeSec,
	}}}
	countdown := c.format.RaceMode == db.RaceModeCountDown
	raceTime := c.format.RaceTimeSec
	c.mu.Unlock()

	c.flush(pubs)
	if countdown {
		go c.expireTask(token, raceTime)
	}
}

// lowerStartThresholdsLocked transmits reduced enter/exit levels for seated
// nodes so the first gate pass is caught even when pilots launch low, and
// arms the restoration timer. Caller holds mu.
func (c *Controller) lowerStartThresholdsLocked(token string, amount, duration int) {
	for i := 0; i < c.iface.NodeCount(); i++ {
		if c.nodePilots[i] == db.PilotIDNone && c.currentHeatID != db.HeatIDNone {
			continue
		}
		n := c.iface.Node(i)
		if n == nil {
			continue
		}
		snap := n.Snapshot()
		if snap.EnterAt <= snap.ExitAt {
			continue
		}
		diff := int(math.Round(float64(snap.EnterAt-snap.ExitAt) * float64(amount) / 100))
		if diff <= 0 {
			continue
		}
		if err := c.iface.TransmitEnterAtLevel(i, snap.EnterAt-diff); err != nil {
			log.Printf("race: lower enter threshold node %d: %v", i, err)
			continue
		}
		if err := c.iface.TransmitExitAtLevel(i, snap.ExitAt-diff); err != nil {
			log.Printf("race: lower exit threshold node %d: %v", i, err)
		}
		n.Lock()
		n.StartThreshLowerFlag = true
		n.StartThreshLowerTime = c.startTime + float64(duration)
		n.Unlock()
	}

	go func() {
		<-c.clk.After(time.Duration(duration) * time.Second)
		c.mu.Lock()
		stale := c.startToken != token
		c.mu.Unlock()
		if stale {
			return
		}
		for i := 0; i < c.iface.NodeCount(); i++ {
			c.restoreThresholds(i)
		}
	}()
}

// restoreThresholds re-transmits a node's persistent enter/exit levels if
// its start lowering is still in effect.
func (c *Controller) restoreThresholds(nodeIndex int) {
	n := c.iface.Node(nodeIndex)
	if n == nil {
		return
	}
	n.Lock()
	lowered := n.StartThreshLowerFlag
	enterAt, exitAt := n.EnterAt, n.ExitAt
	n.StartThreshLowerFlag = false
	n.StartThreshLowerTime = 0
	n.Unlock()
	if !lowered {
		return
	}
	if err := c.iface.TransmitEnterAtLevel(nodeIndex, enterAt); err != nil {
		log.Printf("race: restore enter threshold node %d: %v", nodeIndex, err)
	}
	if err := c.iface.TransmitExitAtLevel(nodeIndex, exitAt); err != nil {
		log.Printf("race: restore exit threshold node %d: %v", nodeIndex, err)
	}
}

// expireTask ends a countdown race: at expiry it publishes RACE_FINISH and
// runs the win check, then stops the race once the lap grace window closes.
// A negative grace leaves the stop to the operator.
func (c *Controller) expireTask(token string, raceTimeSec int) {
	<-c.clk.After(time.Duration(raceTimeSec) * time.Second)

	c.mu.Lock()
	if c.startToken != token || c.status != StatusRacing {
		c.mu.Unlock()
		return
	}
	pubs := []pub{{eventbus.RaceFinish, eventbus.Data{"heat_id": c.currentHeatID}}}
	morePubs, consideration := c.winCheckLocked(true)
	pubs = append(pubs, morePubs...)
	grace := c.format.LapGraceSec
	c.mu.Unlock()
	c.flush(pubs)

	if consideration > 0 {
		go c.reconsiderWin(token, consideration)
	}
	if grace < 0 {
		return
	}
	if grace > 0 {
		<-c.clk.After(time.Duration(grace) * time.Second)
	}
	c.stopWithToken(token)
}

// reconsiderWin re-runs the win check after the consideration window during
// which a late lap could still overturn a fastest-lap decision.
func (c *Controller) reconsiderWin(token string, considerationMs float64) {
	<-c.clk.After(time.Duration(considerationMs) * time.Millisecond)
	c.mu.Lock()
	if c.startToken != token {
		c.mu.Unlock()
		return
	}
	pubs, _ := c.winCheckLocked(true)
	c.mu.Unlock()
	c.flush(pubs)
}

// Stop ends the race from the operator. Present crossings are force-ended
// and the stop deferred half a second so their pass records still land.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.status != StatusStaging && c.status != StatusRacing {
		c.mu.Unlock()
		return nil
	}
	token := c.startToken

	var inProgress []int
	for i := 0; i < c.iface.NodeCount(); i++ {
		if n := c.iface.Node(i); n != nil && n.Snapshot().Crossing {
			inProgress = append(inProgress, i)
		}
	}
	c.mu.Unlock()

	if len(inProgress) > 0 {
		for _, i := range inProgress {
			if err := c.iface.ForceEndCrossing(i); err != nil {
				log.Printf("race: force end crossing node %d: %v", i, err)
			}
		}
		go func() {
			<-c.clk.After(500 * time.Millisecond)
			c.stopWithToken(token)
		}()
		return nil
	}
	c.stopWithToken(token)
	return nil
}

func (c *Controller) stopWithToken(token string) {
	c.mu.Lock()
	if c.startToken != token || (c.status != StatusStaging && c.status != StatusRacing) {
		c.mu.Unlock()
		return
	}
	c.endTime = c.clk.Monotonic()
	c.status = StatusDone
	if err := c.iface.SetRaceStatus(node.StatusDone); err != nil {
		log.Printf("race: set hub race status: %v", err)
	}
	pubs := []pub{{eventbus.RaceStop, eventbus.Data{"heat_id": c.currentHeatID}}}
	if c.winStatus != WinStatusDeclared {
		morePubs, _ := c.winCheckLocked(true)
		pubs = append(pubs, morePubs...)
	}
	c.mu.Unlock()
	c.flush(pubs)
}

// Save persists the finished race, assigns its round, records the pilots'
// used frequencies, advances to the next heat and kicks the background
// leaderboard rebuild. Refused in practice mode and while the race runs.
func (c *Controller) Save() (*db.SavedRace, error) {
	c.mu.Lock()
	if c.currentHeatID == db.HeatIDNone {
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot save a practice race")
	}
	if c.status == StatusStaging || c.status == StatusRacing {
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot save while race is %s", c.status)
	}
	if c.status != StatusDone {
		c.mu.Unlock()
		return nil, fmt.Errorf("no race to save")
	}

	heatID := c.currentHeatID
	save := db.RaceSave{
		HeatID:        heatID,
		FormatID:      c.format.ID,
		StartTime:     c.startTime,
		StartTimeWall: time.UnixMilli(int64(c.startEpochMs)).UTC().Format(wallTimeLayout),
	}
	type freqUse struct {
		nodeIndex int
		pilotID   int64
	}
	var uses []freqUse
	for i, pilotID := range c.nodePilots {
		if pilotID == db.PilotIDNone {
			continue
		}
		var enterAt, exitAt int
		var histVals []int
		var histTimes []float64
		if n := c.iface.Node(i); n != nil {
			snap := n.Snapshot()
			enterAt, exitAt = snap.EnterAt, snap.ExitAt
			histVals, histTimes = n.History()
		}
		hv, _ := json.Marshal(histVals)
		ht, _ := json.Marshal(histTimes)
		prs := db.PilotRaceSave{
			NodeIndex:     i,
			PilotID:       pilotID,
			EnterAt:       enterAt,
			ExitAt:        exitAt,
			HistoryValues: string(hv),
			HistoryTimes:  string(ht),
		}
		for _, l := range c.nodeLaps[i] {
			prs.Laps = append(prs.Laps, db.SavedLap{
				NodeIndex:    i,
				PilotID:      pilotID,
				LapNumber:    l.Number,
				LapTimeStamp: l.LapTimeStamp,
				LapTime:      l.LapTime,
				Source:       l.Source,
				Deleted:      l.Deleted,
				Invalid:      l.Invalid,
				LateLap:      l.LateLap,
			})
		}
		save.Pilots = append(save.Pilots, prs)
		uses = append(uses, freqUse{nodeIndex: i, pilotID: pilotID})
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if heat, err := c.store.Heat(heatID); err == nil {
		save.ClassID = heat.ClassID
	}

	saved, err := c.store.SaveRace(save)
	if err != nil {
		return nil, err
	}
	snap.RaceID = saved.ID
	snap.RoundID = saved.RoundID
	snap.ClassID = saved.ClassID

	for _, u := range uses {
		c.recordUsedFrequency(u.pilotID, u.nodeIndex)
	}

	c.mu.Lock()
	c.lastRace = &snap
	c.clearRaceLocked()
	c.status = StatusReady
	c.mu.Unlock()

	c.advanceHeat(heatID)
	go c.cache.BuildAtomic(saved.ID, saved.HeatID, saved.ClassID)
	return saved, nil
}

// recordUsedFrequency prepends the node's current frequency to the pilot's
// used-frequency history, most recent first.
func (c *Controller) recordUsedFrequency(pilotID int64, nodeIndex int) {
	n := c.iface.Node(nodeIndex)
	if n == nil {
		return
	}
	freq := n.Snapshot().Frequency
	if freq == db.FrequencyNone {
		return
	}
	p, err := c.store.Pilot(pilotID)
	if err != nil {
		return
	}
	type bcf struct {
		Band    *string `json:"b"`
		Channel *int    `json:"c"`
		Freq    int     `json:"f"`
	}
	var hist []bcf
	if p.UsedFrequencies != "" {
		json.Unmarshal([]byte(p.UsedFrequencies), &hist)
	}
	if len(hist) > 0 && hist[0].Freq == freq {
		return
	}
	hist = append([]bcf{{Freq: freq}}, hist...)
	if len(hist) > 10 {
		hist = hist[:10]
	}
	raw, err := json.Marshal(hist)
	if err != nil {
		return
	}
	s := string(raw)
	if _, _, err := c.store.AlterPilot(db.PilotPatch{ID: pilotID, UsedFrequencies: &s}); err != nil {
		log.Printf("race: record used frequency for pilot %d: %v", pilotID, err)
	}
}

// advanceHeat moves the current heat to the next heat by id, when one
// exists.
func (c *Controller) advanceHeat(afterHeatID int64) {
	heats, err := c.store.Heats(db.ListOpts{OrderBy: "id"})
	if err != nil {
		return
	}
	for _, h := range heats {
		if h.ID > afterHeatID {
			if err := c.SetCurrentHeat(h.ID); err != nil {
				log.Printf("race: advance heat: %v", err)
			}
			return
		}
	}
}

// Discard throws the current race away: stops it if needed, snapshots it for
// the last-race view and clears all laps.
func (c *Controller) Discard() error {
	c.mu.Lock()
	if c.status == StatusStaging || c.status == StatusRacing {
		c.startToken = uuid.NewString() // invalidate timers
		c.status = StatusDone
		c.endTime = c.clk.Monotonic()
	}
	snap := c.snapshotLocked()
	c.lastRace = &snap
	c.clearRaceLocked()
	c.status = StatusReady
	heatID := c.currentHeatID
	c.mu.Unlock()

	if err := c.iface.SetRaceStatus(node.StatusReady); err != nil {
		log.Printf("race: set hub race status: %v", err)
	}
	c.bus.Publish(eventbus.LapsDiscard, eventbus.Data{"heat_id": heatID})
	c.bus.Publish(eventbus.LapsClear, eventbus.Data{"heat_id": heatID})
	return nil
}

// snapshotLocked captures the race for the last-race view. Caller holds mu.
func (c *Controller) snapshotLocked() Snapshot {
	laps := make([][]Lap, len(c.nodeLaps))
	for i := range c.nodeLaps {
		laps[i] = append([]Lap(nil), c.nodeLaps[i]...)
	}
	var winner string
	if c.winnerLine != nil {
		winner = c.winnerLine.Callsign
	}
	return Snapshot{
		HeatID:    c.currentHeatID,
		FormatID:  c.format.ID,
		StartTime: c.startTime,
		NodeLaps:  laps,
		Pilots:    append([]int64(nil), c.nodePilots...),
		WinStatus: c.winStatus,
		Winner:    winner,
	}
}

// clearRaceLocked resets all per-race state. Caller holds mu.
func (c *Controller) clearRaceLocked() {
	for i := range c.nodeLaps {
		c.nodeLaps[i] = nil
		c.nodeFinished[i] = false
	}
	c.winStatus = WinStatusNone
	c.winnerLine = nil
	c.winningLapNum = 0
	c.statusMessage = ""
	for i := 0; i < c.iface.NodeCount(); i++ {
		if n := c.iface.Node(i); n != nil {
			n.ResetRaceScoped()
		}
	}
}

// Schedule arms an automatic stage after the given delay. Re-scheduling
// replaces any pending schedule.
func (c *Controller) Schedule(minutes, seconds int) error {
	delay := time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
	if delay <= 0 {
		return fmt.Errorf("schedule delay must be positive")
	}
	c.mu.Lock()
	c.scheduled = true
	c.scheduledAt = c.clk.Monotonic() + delay.Seconds()
	c.scheduleSeq++
	seq := c.scheduleSeq
	at := c.scheduledAt
	c.mu.Unlock()

	c.bus.Publish(eventbus.RaceSchedule, eventbus.Data{
		"scheduled_at": at,
		"delay_sec":    delay.Seconds(),
	})

	go func() {
		<-c.clk.After(delay)
		c.mu.Lock()
		if !c.scheduled || c.scheduleSeq != seq {
			c.mu.Unlock()
			return
		}
		c.scheduled = false
		c.mu.Unlock()
		if err := c.Stage(); err != nil {
			log.Printf("race: scheduled stage: %v", err)
		}
	}()
	return nil
}

// CancelSchedule clears a pending schedule. The armed timer becomes a no-op.
func (c *Controller) CancelSchedule() {
	c.mu.Lock()
	was := c.scheduled
	c.scheduled = false
	c.scheduleSeq++
	c.mu.Unlock()
	if was {
		c.bus.Publish(eventbus.RaceScheduleCancel, nil)
	}
}

// Scheduled reports a pending auto-stage and its monotonic deadline.
func (c *Controller) Scheduled() (bool, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduled, c.scheduledAt
}
