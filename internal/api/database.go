package api

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/race"
	"github.com/banshee-data/gatetimer/internal/security"
)

func (s *Server) cmdBackupDatabase(json.RawMessage) (any, error) {
	path, err := s.store.Backup()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"backup_file":  filepath.Base(path),
		"backups_list": s.listBackups(),
	}, nil
}

// cmdRestoreDatabase validates the named backup and schedules it to replace
// the live file. The swap happens after the server stops, so the response
// announces a restart.
func (s *Server) cmdRestoreDatabase(body json.RawMessage) (any, error) {
	var req struct {
		BackupFile string `json:"backup_file"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid restore_database payload: %w", err)
	}
	if err := security.ValidateFileName(req.BackupFile); err != nil {
		return nil, err
	}
	if st := s.ctrl.Status(); st == race.StatusStaging || st == race.StatusRacing {
		return nil, fmt.Errorf("race in progress")
	}
	dir := filepath.Join(filepath.Dir(s.store.Path()), db.BackupDir)
	path := filepath.Join(dir, req.BackupFile)
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("backup %s not found", req.BackupFile)
	}
	s.bus.Publish(eventbus.DatabaseRestore, eventbus.Data{"backup": path})
	if s.shutdown == nil {
		return nil, fmt.Errorf("server restart not available")
	}
	go s.shutdown("restore:" + path)
	return map[string]any{"restarting": true}, nil
}

// cmdDeleteDatabase backs the database up, then clears every entity kind.
func (s *Server) cmdDeleteDatabase(json.RawMessage) (any, error) {
	if st := s.ctrl.Status(); st == race.StatusStaging || st == race.StatusRacing {
		return nil, fmt.Errorf("race in progress")
	}
	if err := s.store.Reset(db.ResetAll, s.iface.NodeCount()); err != nil {
		return nil, err
	}
	s.cache.SetValid(false)
	return map[string]any{"reset_confirm": true}, nil
}

func (s *Server) cmdResetDatabase(body json.RawMessage) (any, error) {
	var req struct {
		ResetType string `json:"reset_type"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid reset_database payload: %w", err)
	}
	if st := s.ctrl.Status(); st == race.StatusStaging || st == race.StatusRacing {
		return nil, fmt.Errorf("race in progress")
	}
	kind := db.ResetKind(req.ResetType)
	switch kind {
	case db.ResetRaces, db.ResetHeats, db.ResetClasses, db.ResetPilots, db.ResetFormats, db.ResetAll:
	default:
		return nil, fmt.Errorf("unknown reset type %q", req.ResetType)
	}
	if err := s.store.Reset(kind, s.iface.NodeCount()); err != nil {
		return nil, err
	}
	s.cache.SetValid(false)
	return map[string]any{"reset_confirm": true}, nil
}

// cmdExportDatabase returns the selected entity tables as one JSON document.
func (s *Server) cmdExportDatabase(body json.RawMessage) (any, error) {
	var req struct {
		Exporter string `json:"exporter"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid export_database payload: %w", err)
	}

	sections := strings.Split(req.Exporter, "+")
	if req.Exporter == "" || req.Exporter == "all" {
		sections = []string{"pilots", "heats", "classes", "formats", "races"}
	}
	export := make(map[string]any, len(sections))
	for _, section := range sections {
		var (
			data any
			err  error
		)
		switch section {
		case "pilots":
			data, err = s.store.Pilots(listAll)
		case "heats":
			data, err = s.heatsWithSlots()
		case "classes":
			data, err = s.store.Classes(listAll)
		case "formats":
			data, err = s.store.Formats(listAll)
		case "races":
			data, err = s.exportRaces()
		default:
			return nil, fmt.Errorf("unknown exporter section %q", section)
		}
		if err != nil {
			return nil, err
		}
		export[section] = data
	}
	s.bus.Publish(eventbus.DatabaseExport, eventbus.Data{"exporter": req.Exporter})
	return map[string]any{"exported_data": export}, nil
}

func (s *Server) exportRaces() (any, error) {
	races, err := s.store.SavedRaces(listAll)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(races))
	for _, r := range races {
		laps, err := s.store.Laps(r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"race": r, "laps": laps})
	}
	return out, nil
}

func (s *Server) listBackups() []string {
	dir := filepath.Join(filepath.Dir(s.store.Path()), db.BackupDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names
}
