package api

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/race"
)

var listAll = db.ListOpts{}

// registerEntityCommands adds the add/alter/duplicate/delete family for each
// entity kind, plus race reassignment.
func (s *Server) registerEntityCommands(cmds map[string]cmdFunc) {
	cmds["add_pilot"] = s.cmdAddPilot
	cmds["alter_pilot"] = s.cmdAlterPilot
	cmds["duplicate_pilot"] = idCmd(s.store.DuplicatePilot)
	cmds["delete_pilot"] = s.guardIdle(idErrCmd(s.store.DeletePilot))

	cmds["add_race_class"] = s.cmdAddClass
	cmds["alter_race_class"] = s.cmdAlterClass
	cmds["duplicate_race_class"] = idCmd(s.store.DuplicateClass)
	cmds["delete_race_class"] = s.guardIdle(idErrCmd(s.store.DeleteClass))

	cmds["add_heat"] = s.cmdAddHeat
	cmds["alter_heat"] = s.cmdAlterHeat
	cmds["duplicate_heat"] = idCmd(s.store.DuplicateHeat)
	cmds["delete_heat"] = s.guardIdle(idErrCmd(s.store.DeleteHeat))

	cmds["add_race_format"] = s.cmdAddFormat
	cmds["alter_race_format"] = s.cmdAlterFormat
	cmds["duplicate_race_format"] = idCmd(s.store.DuplicateFormat)
	cmds["delete_race_format"] = s.guardIdle(idErrCmd(s.store.DeleteFormat))

	cmds["add_profile"] = s.cmdAddProfile
	cmds["alter_profile"] = s.cmdAlterProfile
	cmds["duplicate_profile"] = idCmd(s.store.DuplicateProfile)
	cmds["delete_profile"] = s.guardIdle(idErrCmd(s.store.DeleteProfile))

	cmds["alter_race"] = s.cmdAlterRace
}

// idCmd adapts a duplicate-style store call taking one id.
func idCmd[T any](fn func(int64) (T, error)) cmdFunc {
	return func(body json.RawMessage) (any, error) {
		id, err := decodeID(body)
		if err != nil {
			return nil, err
		}
		return fn(id)
	}
}

// idErrCmd adapts a delete-style store call taking one id.
func idErrCmd(fn func(int64) error) cmdFunc {
	return func(body json.RawMessage) (any, error) {
		id, err := decodeID(body)
		if err != nil {
			return nil, err
		}
		return nil, fn(id)
	}
}

func decodeID(body json.RawMessage) (int64, error) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, fmt.Errorf("invalid id payload: %w", err)
	}
	if req.ID == 0 {
		return 0, fmt.Errorf("missing id")
	}
	return req.ID, nil
}

// guardIdle refuses destructive entity mutations while a race is underway.
func (s *Server) guardIdle(fn cmdFunc) cmdFunc {
	return func(body json.RawMessage) (any, error) {
		if st := s.ctrl.Status(); st == race.StatusStaging || st == race.StatusRacing {
			return nil, fmt.Errorf("race in progress")
		}
		return fn(body)
	}
}

func (s *Server) cmdAddPilot(json.RawMessage) (any, error) {
	return s.store.AddPilot()
}

func (s *Server) cmdAlterPilot(body json.RawMessage) (any, error) {
	var req struct {
		ID       int64   `json:"pilot_id"`
		Name     *string `json:"name"`
		Callsign *string `json:"callsign"`
		Team     *string `json:"team"`
		Phonetic *string `json:"phonetic"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid alter_pilot payload: %w", err)
	}
	p, _, err := s.store.AlterPilot(db.PilotPatch{
		ID: req.ID, Name: req.Name, Callsign: req.Callsign,
		Team: req.Team, Phonetic: req.Phonetic,
	})
	return p, err
}

func (s *Server) cmdAddClass(json.RawMessage) (any, error) {
	return s.store.AddClass()
}

func (s *Server) cmdAlterClass(body json.RawMessage) (any, error) {
	var req struct {
		ID          int64   `json:"class_id"`
		Name        *string `json:"name"`
		Description *string `json:"description"`
		FormatID    *int64  `json:"format_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid alter_race_class payload: %w", err)
	}
	return s.store.AlterClass(db.ClassPatch{
		ID: req.ID, Name: req.Name, Description: req.Description, FormatID: req.FormatID,
	})
}

func (s *Server) cmdAddHeat(json.RawMessage) (any, error) {
	return s.store.AddHeat(s.iface.NodeCount())
}

func (s *Server) cmdAlterHeat(body json.RawMessage) (any, error) {
	var req struct {
		ID            int64   `json:"heat_id"`
		Note          *string `json:"note"`
		ClassID       *int64  `json:"class_id"`
		AutoFrequency *bool   `json:"auto_frequency"`
		Slots         []struct {
			SlotID    int64  `json:"slot_id"`
			PilotID   *int64 `json:"pilot_id"`
			NodeIndex *int   `json:"node_index"`
		} `json:"slots"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid alter_heat payload: %w", err)
	}
	patch := db.HeatPatch{ID: req.ID, Note: req.Note, ClassID: req.ClassID, AutoFrequency: req.AutoFrequency}
	for _, slot := range req.Slots {
		patch.Slots = append(patch.Slots, db.SlotPatch{
			SlotID: slot.SlotID, PilotID: slot.PilotID, NodeIndex: slot.NodeIndex,
		})
	}
	h, err := s.store.AlterHeat(patch)
	if err != nil {
		return nil, err
	}
	// reseat the current race if the edited heat is loaded
	if s.ctrl.CurrentHeatID() == h.ID && s.ctrl.Status() == race.StatusReady {
		if err := s.ctrl.SetCurrentHeat(h.ID); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (s *Server) cmdAddFormat(body json.RawMessage) (any, error) {
	var f db.RaceFormat
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("invalid add_race_format payload: %w", err)
	}
	f.ID = 0
	return s.store.AddFormat(f)
}

func (s *Server) cmdAlterFormat(body json.RawMessage) (any, error) {
	var f db.RaceFormat
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("invalid alter_race_format payload: %w", err)
	}
	if f.ID == 0 {
		return nil, fmt.Errorf("missing format_id")
	}
	return s.store.AlterFormat(f)
}

func (s *Server) cmdAddProfile(body json.RawMessage) (any, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid add_profile payload: %w", err)
	}
	return s.store.AddProfile(req.Name, s.iface.NodeCount())
}

func (s *Server) cmdAlterProfile(body json.RawMessage) (any, error) {
	var req struct {
		ID          int64   `json:"profile_id"`
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Frequencies *string `json:"frequencies"`
		EnterAts    *string `json:"enter_ats"`
		ExitAts     *string `json:"exit_ats"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid alter_profile payload: %w", err)
	}
	return s.store.AlterProfile(db.ProfilePatch{
		ID: req.ID, Name: req.Name, Description: req.Description,
		Frequencies: req.Frequencies, EnterAts: req.EnterAts, ExitAts: req.ExitAts,
	})
}

func (s *Server) cmdAlterRace(body json.RawMessage) (any, error) {
	var req struct {
		RaceID int64 `json:"race_id"`
		HeatID int64 `json:"heat_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid alter_race payload: %w", err)
	}
	return s.store.ReassignRaceHeat(req.RaceID, req.HeatID)
}

// heatsWithSlots joins every heat with its slot assignments for snapshot
// payloads.
func (s *Server) heatsWithSlots() (any, error) {
	heats, err := s.store.Heats(listAll)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(heats))
	for _, h := range heats {
		slots, err := s.store.HeatSlots(h.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"heat": h, "slots": slots})
	}
	return out, nil
}
