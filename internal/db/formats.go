package db

import (
	"fmt"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// AddFormat creates a race format. A zero-value name gets a placeholder.
func (db *DB) AddFormat(f RaceFormat) (*RaceFormat, error) {
	if f.Name == "" {
		f.Name = "New format"
	}
	names, err := db.takenNames("race_formats", "name")
	if err != nil {
		return nil, err
	}
	f.Name = uniqueName(f.Name, names)

	res, err := db.Exec(
		`INSERT INTO race_formats (name, race_mode, race_time_sec, lap_grace_sec,
			staging_fixed_tones, start_delay_min_ms, start_delay_max_ms, staging_tones,
			number_laps_win, win_condition, team_racing_mode, start_behavior)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Name, f.RaceMode, f.RaceTimeSec, f.LapGraceSec,
		f.StagingFixedTones, f.StartDelayMinMs, f.StartDelayMaxMs, f.StagingTones,
		f.NumberLapsWin, f.WinCondition, f.TeamRacingMode, f.StartBehavior,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add format: %w", err)
	}
	f.ID, _ = res.LastInsertId()
	db.publish(eventbus.FormatAdd, eventbus.Data{"format_id": f.ID})
	return &f, nil
}

// Format returns the race format with the given id.
func (db *DB) Format(id int64) (*RaceFormat, error) {
	f := &RaceFormat{}
	err := db.QueryRow(
		`SELECT id, name, race_mode, race_time_sec, lap_grace_sec,
			staging_fixed_tones, start_delay_min_ms, start_delay_max_ms, staging_tones,
			number_laps_win, win_condition, team_racing_mode, start_behavior
		 FROM race_formats WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &f.RaceMode, &f.RaceTimeSec, &f.LapGraceSec,
		&f.StagingFixedTones, &f.StartDelayMinMs, &f.StartDelayMaxMs, &f.StagingTones,
		&f.NumberLapsWin, &f.WinCondition, &f.TeamRacingMode, &f.StartBehavior)
	if err != nil {
		return nil, fmt.Errorf("failed to get format %d: %w", id, err)
	}
	return f, nil
}

// Formats lists race formats subject to opts.
func (db *DB) Formats(opts ListOpts) ([]*RaceFormat, error) {
	clause, args := opts.clause()
	rows, err := db.Query(
		`SELECT id, name, race_mode, race_time_sec, lap_grace_sec,
			staging_fixed_tones, start_delay_min_ms, start_delay_max_ms, staging_tones,
			number_laps_win, win_condition, team_racing_mode, start_behavior
		 FROM race_formats`+clause, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list formats: %w", err)
	}
	defer rows.Close()
	var out []*RaceFormat
	for rows.Next() {
		f := &RaceFormat{}
		if err := rows.Scan(&f.ID, &f.Name, &f.RaceMode, &f.RaceTimeSec, &f.LapGraceSec,
			&f.StagingFixedTones, &f.StartDelayMinMs, &f.StartDelayMaxMs, &f.StagingTones,
			&f.NumberLapsWin, &f.WinCondition, &f.TeamRacingMode, &f.StartBehavior); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// formatInUse reports whether any saved race was scored under the format.
func (db *DB) formatInUse(id int64) (bool, error) {
	var refs int
	if err := db.QueryRow(`SELECT COUNT(*) FROM saved_races WHERE format_id = ?`, id).Scan(&refs); err != nil {
		return false, err
	}
	return refs > 0, nil
}

// AlterFormat replaces the stored format fields wholesale. Refused when a
// saved race was scored under the format; duplicate it instead.
func (db *DB) AlterFormat(f RaceFormat) (*RaceFormat, error) {
	inUse, err := db.formatInUse(f.ID)
	if err != nil {
		return nil, err
	}
	if inUse {
		return nil, fmt.Errorf("cannot alter format %d: in use by saved races", f.ID)
	}
	_, err = db.Exec(
		`UPDATE race_formats SET name = ?, race_mode = ?, race_time_sec = ?, lap_grace_sec = ?,
			staging_fixed_tones = ?, start_delay_min_ms = ?, start_delay_max_ms = ?, staging_tones = ?,
			number_laps_win = ?, win_condition = ?, team_racing_mode = ?, start_behavior = ?
		 WHERE id = ?`,
		f.Name, f.RaceMode, f.RaceTimeSec, f.LapGraceSec,
		f.StagingFixedTones, f.StartDelayMinMs, f.StartDelayMaxMs, f.StagingTones,
		f.NumberLapsWin, f.WinCondition, f.TeamRacingMode, f.StartBehavior, f.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to alter format %d: %w", f.ID, err)
	}
	db.publish(eventbus.FormatAlter, eventbus.Data{"format_id": f.ID})
	return &f, nil
}

// DeleteFormat removes a format unless a saved race references it or it is
// the last format.
func (db *DB) DeleteFormat(id int64) error {
	inUse, err := db.formatInUse(id)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("cannot delete format %d: referenced by saved races", id)
	}
	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM race_formats`).Scan(&total); err != nil {
		return err
	}
	if total <= 1 {
		return fmt.Errorf("cannot delete format %d: at least one format must remain", id)
	}
	if _, err := db.Exec(`DELETE FROM race_formats WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete format %d: %w", id, err)
	}
	db.publish(eventbus.FormatDelete, eventbus.Data{"format_id": id})
	return nil
}

// DuplicateFormat copies a format with a collision-suffixed name.
func (db *DB) DuplicateFormat(sourceID int64) (*RaceFormat, error) {
	src, err := db.Format(sourceID)
	if err != nil {
		return nil, err
	}
	names, err := db.takenNames("race_formats", "name")
	if err != nil {
		return nil, err
	}
	dup := *src
	dup.Name = uniqueName(src.Name, names)
	res, err := db.Exec(
		`INSERT INTO race_formats (name, race_mode, race_time_sec, lap_grace_sec,
			staging_fixed_tones, start_delay_min_ms, start_delay_max_ms, staging_tones,
			number_laps_win, win_condition, team_racing_mode, start_behavior)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dup.Name, dup.RaceMode, dup.RaceTimeSec, dup.LapGraceSec,
		dup.StagingFixedTones, dup.StartDelayMinMs, dup.StartDelayMaxMs, dup.StagingTones,
		dup.NumberLapsWin, dup.WinCondition, dup.TeamRacingMode, dup.StartBehavior,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate format %d: %w", sourceID, err)
	}
	dup.ID, _ = res.LastInsertId()
	db.publish(eventbus.FormatDuplicate, eventbus.Data{"format_id": dup.ID, "source_id": sourceID})
	return &dup, nil
}
