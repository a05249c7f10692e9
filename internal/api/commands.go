package api

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/race"
)

// commands maps wire-level command names to handlers. One POST route each.
func (s *Server) commands() map[string]cmdFunc {
	cmds := map[string]cmdFunc{
		"load_data":            s.cmdLoadData,
		"stage_race":           s.cmdStageRace,
		"stop_race":            s.cmdStopRace,
		"save_laps":            s.cmdSaveLaps,
		"discard_laps":         s.cmdDiscardLaps,
		"set_current_heat":     s.cmdSetCurrentHeat,
		"schedule_race":        s.cmdScheduleRace,
		"cancel_schedule_race": s.cmdCancelSchedule,

		"set_frequency":        s.cmdSetFrequency,
		"set_frequency_preset": s.cmdSetFrequencyPreset,
		"set_enter_at_level":   s.cmdSetEnterAtLevel,
		"set_exit_at_level":    s.cmdSetExitAtLevel,
		"cap_enter_at_btn":     s.cmdCapEnterAt,
		"cap_exit_at_btn":      s.cmdCapExitAt,

		"set_min_lap":          s.cmdSetMinLap,
		"set_min_lap_behavior": s.cmdSetMinLapBehavior,
		"set_race_format":      s.cmdSetRaceFormat,
		"set_profile":          s.cmdSetProfile,

		"delete_lap":          s.cmdDeleteLap,
		"restore_deleted_lap": s.cmdRestoreDeletedLap,

		"set_led_event_effect": s.cmdSetLEDEventEffect,
		"use_led_effect":       s.cmdUseLEDEffect,
		"set_led_brightness":   s.cmdSetLEDBrightness,

		"generate_heats_v2": s.cmdGenerateHeats,
		"retry_secondary":   s.cmdRetrySecondary,
		"set_vrx_node":      s.cmdSetVRxNode,

		"backup_database":  s.cmdBackupDatabase,
		"restore_database": s.cmdRestoreDatabase,
		"delete_database":  s.cmdDeleteDatabase,
		"reset_database":   s.cmdResetDatabase,
		"export_database":  s.cmdExportDatabase,

		"shutdown_pi": s.cmdTerminate("shutdown"),
		"reboot_pi":   s.cmdTerminate("reboot"),
		"kill_server": s.cmdTerminate("kill"),
	}
	s.registerEntityCommands(cmds)
	return cmds
}

func (s *Server) cmdStageRace(json.RawMessage) (any, error) {
	return nil, s.ctrl.Stage()
}

func (s *Server) cmdStopRace(json.RawMessage) (any, error) {
	return nil, s.ctrl.Stop()
}

func (s *Server) cmdSaveLaps(json.RawMessage) (any, error) {
	saved, err := s.ctrl.Save()
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Server) cmdDiscardLaps(json.RawMessage) (any, error) {
	return nil, s.ctrl.Discard()
}

func (s *Server) cmdSetCurrentHeat(body json.RawMessage) (any, error) {
	var req struct {
		Heat int64 `json:"heat"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid set_current_heat payload: %w", err)
	}
	return nil, s.ctrl.SetCurrentHeat(req.Heat)
}

func (s *Server) cmdScheduleRace(body json.RawMessage) (any, error) {
	var req struct {
		M int `json:"m"`
		S int `json:"s"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid schedule_race payload: %w", err)
	}
	return nil, s.ctrl.Schedule(req.M, req.S)
}

func (s *Server) cmdCancelSchedule(json.RawMessage) (any, error) {
	s.ctrl.CancelSchedule()
	return nil, nil
}

type nodeLevelReq struct {
	Node  int `json:"node"`
	Level int `json:"level"`
}

func (s *Server) cmdSetEnterAtLevel(body json.RawMessage) (any, error) {
	var req nodeLevelReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid level payload: %w", err)
	}
	if err := s.iface.SetEnterAtLevel(req.Node, req.Level); err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.EnterAtLevelSet, eventbus.Data{"node_index": req.Node, "level": req.Level})
	return nil, nil
}

func (s *Server) cmdSetExitAtLevel(body json.RawMessage) (any, error) {
	var req nodeLevelReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid level payload: %w", err)
	}
	if err := s.iface.SetExitAtLevel(req.Node, req.Level); err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.ExitAtLevelSet, eventbus.Data{"node_index": req.Node, "level": req.Level})
	return nil, nil
}

func (s *Server) cmdCapEnterAt(body json.RawMessage) (any, error) {
	var req struct {
		Node int `json:"node"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid capture payload: %w", err)
	}
	return nil, s.iface.StartCaptureEnterAtLevel(req.Node)
}

func (s *Server) cmdCapExitAt(body json.RawMessage) (any, error) {
	var req struct {
		Node int `json:"node"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid capture payload: %w", err)
	}
	return nil, s.iface.StartCaptureExitAtLevel(req.Node)
}

func (s *Server) cmdSetMinLap(body json.RawMessage) (any, error) {
	var req struct {
		MinLap int `json:"min_lap"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid set_min_lap payload: %w", err)
	}
	if req.MinLap < 0 {
		return nil, fmt.Errorf("min lap %d out of range", req.MinLap)
	}
	return nil, s.store.SetOptionInt(race.OptMinLapSec, req.MinLap)
}

func (s *Server) cmdSetMinLapBehavior(body json.RawMessage) (any, error) {
	var req struct {
		Behavior int `json:"min_lap_behavior"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid set_min_lap_behavior payload: %w", err)
	}
	if req.Behavior != 0 && req.Behavior != 1 {
		return nil, fmt.Errorf("unknown min lap behavior %d", req.Behavior)
	}
	return nil, s.store.SetOptionInt(race.OptMinLapBehavior, req.Behavior)
}

func (s *Server) cmdSetRaceFormat(body json.RawMessage) (any, error) {
	var req struct {
		RaceFormat int64 `json:"race_format"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid set_race_format payload: %w", err)
	}
	return nil, s.ctrl.SetCurrentFormat(req.RaceFormat)
}

func (s *Server) cmdSetProfile(body json.RawMessage) (any, error) {
	var req struct {
		Profile int64 `json:"profile"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid set_profile payload: %w", err)
	}
	if err := s.store.SetCurrentProfile(req.Profile); err != nil {
		return nil, err
	}
	return nil, s.applyProfile(req.Profile)
}

type lapRef struct {
	Node     int `json:"node"`
	LapIndex int `json:"lap_index"`
}

func (s *Server) cmdDeleteLap(body json.RawMessage) (any, error) {
	var req lapRef
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid delete_lap payload: %w", err)
	}
	return nil, s.ctrl.DeleteLap(req.Node, req.LapIndex)
}

func (s *Server) cmdRestoreDeletedLap(body json.RawMessage) (any, error) {
	var req lapRef
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid restore_deleted_lap payload: %w", err)
	}
	return nil, s.ctrl.RestoreDeletedLap(req.Node, req.LapIndex)
}

func (s *Server) cmdSetLEDEventEffect(body json.RawMessage) (any, error) {
	var req struct {
		Event string `json:"event"`
		Color string `json:"color"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid set_led_event_effect payload: %w", err)
	}
	return nil, s.setLEDEffect(req.Event, req.Color)
}

func (s *Server) cmdUseLEDEffect(body json.RawMessage) (any, error) {
	var req struct {
		Color string `json:"color"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid use_led_effect payload: %w", err)
	}
	s.bus.Publish(eventbus.LEDManual, eventbus.Data{"color": req.Color})
	return nil, nil
}

func (s *Server) cmdSetLEDBrightness(body json.RawMessage) (any, error) {
	var req struct {
		Brightness int `json:"brightness"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid set_led_brightness payload: %w", err)
	}
	if req.Brightness < 0 || req.Brightness > 255 {
		return nil, fmt.Errorf("brightness %d out of range", req.Brightness)
	}
	s.bus.Publish(eventbus.LEDBrightnessSet, eventbus.Data{"brightness": req.Brightness})
	return nil, nil
}

// cmdSetVRxNode maps a video receiver to a seat. The assignment is held in
// the options table for an external VRx controller to consume.
func (s *Server) cmdSetVRxNode(body json.RawMessage) (any, error) {
	var req struct {
		Node    int `json:"node"`
		VRxNode int `json:"vrx_node"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid set_vrx_node payload: %w", err)
	}
	if req.Node < 0 || req.Node >= s.iface.NodeCount() {
		return nil, fmt.Errorf("node %d out of range", req.Node)
	}
	key := fmt.Sprintf("vrxNode_%d", req.Node)
	if err := s.store.SetOptionInt(key, req.VRxNode); err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.OptionSet, eventbus.Data{"option": key, "value": req.VRxNode})
	return nil, nil
}

func (s *Server) cmdRetrySecondary(body json.RawMessage) (any, error) {
	if s.coord == nil {
		return nil, fmt.Errorf("not acting as a cluster primary")
	}
	var req struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid retry_secondary payload: %w", err)
	}
	return nil, s.coord.RetrySecondary(req.ID)
}

// cmdTerminate publishes SHUTDOWN and hands control to the configured
// shutdown hook, which stops background tasks and the transport.
func (s *Server) cmdTerminate(reason string) cmdFunc {
	return func(json.RawMessage) (any, error) {
		if s.shutdown == nil {
			return nil, fmt.Errorf("server termination not available")
		}
		s.bus.Publish(eventbus.Shutdown, eventbus.Data{"reason": reason})
		go s.shutdown(reason)
		return map[string]any{"terminating": reason}, nil
	}
}

// cmdLoadData answers ad hoc data requests. The response goes only to the
// requesting session, never broadcast.
func (s *Server) cmdLoadData(body json.RawMessage) (any, error) {
	var req struct {
		Types []string `json:"types"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid load_data payload: %w", err)
	}
	out := make(map[string]any, len(req.Types))
	for _, typ := range req.Types {
		data, err := s.loadOne(typ)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", typ, err)
		}
		out[typ] = data
	}
	return out, nil
}

func (s *Server) loadOne(typ string) (any, error) {
	switch typ {
	case "pilots":
		return s.store.Pilots(listAll)
	case "heats":
		return s.heatsWithSlots()
	case "classes":
		return s.store.Classes(listAll)
	case "formats":
		return s.store.Formats(listAll)
	case "profiles":
		return s.store.Profiles(listAll)
	case "current_profile":
		return s.store.CurrentProfile()
	case "saved_races":
		return s.store.SavedRaces(listAll)
	case "node_data":
		return s.nodeSnapshots(), nil
	case "race_status":
		winStatus, message := s.ctrl.WinStatusNow()
		return map[string]any{
			"race_status":    s.ctrl.Status().String(),
			"current_heat":   s.ctrl.CurrentHeatID(),
			"win_status":     int(winStatus),
			"status_message": message,
		}, nil
	case "last_race":
		return s.ctrl.LastRace(), nil
	case "led_setup":
		return s.leds.Current(), nil
	case "frequency_presets":
		return presetNames(), nil
	default:
		return nil, fmt.Errorf("unknown data type %q", typ)
	}
}
