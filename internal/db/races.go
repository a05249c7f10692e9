package db

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// SavedRaceByID returns the saved race with the given id.
func (db *DB) SavedRaceByID(id int64) (*SavedRace, error) {
	r := &SavedRace{}
	err := db.QueryRow(
		`SELECT id, round_id, heat_id, class_id, format_id, start_time, start_time_formatted, cache_status
		 FROM saved_races WHERE id = ?`, id,
	).Scan(&r.ID, &r.RoundID, &r.HeatID, &r.ClassID, &r.FormatID, &r.StartTime, &r.StartTimeWall, &r.CacheStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to get saved race %d: %w", id, err)
	}
	return r, nil
}

// SavedRaces lists saved races subject to opts.
func (db *DB) SavedRaces(opts ListOpts) ([]*SavedRace, error) {
	clause, args := opts.clause()
	rows, err := db.Query(
		`SELECT id, round_id, heat_id, class_id, format_id, start_time, start_time_formatted, cache_status
		 FROM saved_races`+clause, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list saved races: %w", err)
	}
	defer rows.Close()
	var out []*SavedRace
	for rows.Next() {
		r := &SavedRace{}
		if err := rows.Scan(&r.ID, &r.RoundID, &r.HeatID, &r.ClassID, &r.FormatID, &r.StartTime, &r.StartTimeWall, &r.CacheStatus); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaxRound returns the highest round id saved under a heat, 0 when none.
func (db *DB) MaxRound(heatID int64) (int, error) {
	var max int
	err := db.QueryRow(`SELECT COALESCE(MAX(round_id), 0) FROM saved_races WHERE heat_id = ?`, heatID).Scan(&max)
	return max, err
}

// PilotRaces returns the per-pilot slices of a saved race ordered by node.
func (db *DB) PilotRaces(raceID int64) ([]*SavedPilotRace, error) {
	rows, err := db.Query(
		`SELECT id, race_id, node_index, pilot_id, enter_at, exit_at, history_values, history_times
		 FROM saved_pilot_races WHERE race_id = ? ORDER BY node_index`, raceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pilot races for race %d: %w", raceID, err)
	}
	defer rows.Close()
	var out []*SavedPilotRace
	for rows.Next() {
		pr := &SavedPilotRace{}
		if err := rows.Scan(&pr.ID, &pr.RaceID, &pr.NodeIndex, &pr.PilotID, &pr.EnterAt, &pr.ExitAt, &pr.HistoryValues, &pr.HistoryTimes); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// Laps returns the laps of a saved race ordered by node then timestamp.
func (db *DB) Laps(raceID int64) ([]*SavedLap, error) {
	rows, err := db.Query(
		`SELECT id, pilotrace_id, race_id, node_index, pilot_id, lap_number, lap_time_stamp, lap_time,
			source, deleted, invalid, late_lap
		 FROM saved_laps WHERE race_id = ? ORDER BY node_index, lap_time_stamp`, raceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list laps for race %d: %w", raceID, err)
	}
	return scanLaps(rows)
}

// PilotRaceLaps returns the laps of one pilot slice ordered by timestamp.
func (db *DB) PilotRaceLaps(pilotRaceID int64) ([]*SavedLap, error) {
	rows, err := db.Query(
		`SELECT id, pilotrace_id, race_id, node_index, pilot_id, lap_number, lap_time_stamp, lap_time,
			source, deleted, invalid, late_lap
		 FROM saved_laps WHERE pilotrace_id = ? ORDER BY lap_time_stamp`, pilotRaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list laps for pilot race %d: %w", pilotRaceID, err)
	}
	return scanLaps(rows)
}

func scanLaps(rows *sql.Rows) ([]*SavedLap, error) {
	defer rows.Close()
	var out []*SavedLap
	for rows.Next() {
		l := &SavedLap{}
		if err := rows.Scan(&l.ID, &l.PilotRaceID, &l.RaceID, &l.NodeIndex, &l.PilotID, &l.LapNumber,
			&l.LapTimeStamp, &l.LapTime, &l.Source, &l.Deleted, &l.Invalid, &l.LateLap); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PilotRaceSave is one pilot's slice of a race being persisted.
type PilotRaceSave struct {
	NodeIndex     int
	PilotID       int64
	EnterAt       int
	ExitAt        int
	HistoryValues string
	HistoryTimes  string
	Laps          []SavedLap
}

// RaceSave is the input to SaveRace.
type RaceSave struct {
	HeatID        int64
	ClassID       int64
	FormatID      int64
	StartTime     float64
	StartTimeWall string
	Pilots        []PilotRaceSave
}

// SaveRace persists a completed race in one transaction: the SavedRace with
// roundId = max(heat rounds)+1, one SavedPilotRace per seated node and all
// lap records. The new race starts Invalid so the next leaderboard read
// rebuilds it.
func (db *DB) SaveRace(save RaceSave) (*SavedRace, error) {
	race := &SavedRace{
		HeatID:        save.HeatID,
		ClassID:       save.ClassID,
		FormatID:      save.FormatID,
		StartTime:     save.StartTime,
		StartTimeWall: save.StartTimeWall,
		CacheStatus:   CacheInvalid,
	}
	err := db.inTx(func(tx *sql.Tx) error {
		var maxRound int
		if err := tx.QueryRow(`SELECT COALESCE(MAX(round_id), 0) FROM saved_races WHERE heat_id = ?`, save.HeatID).Scan(&maxRound); err != nil {
			return err
		}
		race.RoundID = maxRound + 1

		res, err := tx.Exec(
			`INSERT INTO saved_races (round_id, heat_id, class_id, format_id, start_time, start_time_formatted, cache_status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			race.RoundID, race.HeatID, race.ClassID, race.FormatID, race.StartTime, race.StartTimeWall, race.CacheStatus,
		)
		if err != nil {
			return err
		}
		race.ID, _ = res.LastInsertId()

		for _, p := range save.Pilots {
			res, err := tx.Exec(
				`INSERT INTO saved_pilot_races (race_id, node_index, pilot_id, enter_at, exit_at, history_values, history_times)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				race.ID, p.NodeIndex, p.PilotID, p.EnterAt, p.ExitAt, p.HistoryValues, p.HistoryTimes,
			)
			if err != nil {
				return err
			}
			pilotRaceID, _ := res.LastInsertId()
			for _, l := range p.Laps {
				if _, err := tx.Exec(
					`INSERT INTO saved_laps (pilotrace_id, race_id, node_index, pilot_id, lap_number,
						lap_time_stamp, lap_time, source, deleted, invalid, late_lap)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					pilotRaceID, race.ID, p.NodeIndex, p.PilotID, l.LapNumber,
					l.LapTimeStamp, l.LapTime, l.Source, l.Deleted, l.Invalid, l.LateLap,
				); err != nil {
					return err
				}
			}
		}

		if err := markHeatInvalidTx(tx, race.HeatID); err != nil {
			return err
		}
		if err := markClassInvalidTx(tx, race.ClassID); err != nil {
			return err
		}
		return markEventInvalidTx(tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save race: %w", err)
	}
	db.noteInvalidation()
	db.publish(eventbus.LapsSave, eventbus.Data{
		"race_id": race.ID, "heat_id": race.HeatID, "round_id": race.RoundID,
	})
	return race, nil
}

// ResaveLaps replaces the lap set of one pilot slice of a saved race, used
// when an operator edits recorded laps after the fact.
func (db *DB) ResaveLaps(raceID, pilotRaceID int64, laps []SavedLap) error {
	var nodeIndex int
	var pilotID int64
	err := db.QueryRow(
		`SELECT node_index, pilot_id FROM saved_pilot_races WHERE id = ? AND race_id = ?`,
		pilotRaceID, raceID,
	).Scan(&nodeIndex, &pilotID)
	if err != nil {
		return fmt.Errorf("failed to resolve pilot race %d: %w", pilotRaceID, err)
	}

	err = db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM saved_laps WHERE pilotrace_id = ?`, pilotRaceID); err != nil {
			return err
		}
		for _, l := range laps {
			if _, err := tx.Exec(
				`INSERT INTO saved_laps (pilotrace_id, race_id, node_index, pilot_id, lap_number,
					lap_time_stamp, lap_time, source, deleted, invalid, late_lap)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				pilotRaceID, raceID, nodeIndex, pilotID, l.LapNumber,
				l.LapTimeStamp, l.LapTime, l.Source, l.Deleted, l.Invalid, l.LateLap,
			); err != nil {
				return err
			}
		}
		return markRaceInvalidTx(tx, raceID)
	})
	if err != nil {
		return fmt.Errorf("failed to resave laps for race %d: %w", raceID, err)
	}
	db.noteInvalidation()
	db.publish(eventbus.LapsResave, eventbus.Data{"race_id": raceID, "pilotrace_id": pilotRaceID})
	return nil
}

// ReassignRaceHeat moves a saved race to another heat, adopting the
// destination's class and that class's format, then renumbers the rounds of
// both heats ordered by wall start time. Races with identical wall times
// keep their prior relative order.
func (db *DB) ReassignRaceHeat(raceID, newHeatID int64) (*SavedRace, error) {
	race, err := db.SavedRaceByID(raceID)
	if err != nil {
		return nil, err
	}
	if race.HeatID == newHeatID {
		return race, nil
	}
	oldHeatID := race.HeatID

	destHeat, err := db.Heat(newHeatID)
	if err != nil {
		return nil, err
	}
	newClassID := destHeat.ClassID
	newFormatID := race.FormatID
	if newClassID != ClassIDNone {
		cls, err := db.Class(newClassID)
		if err != nil {
			return nil, err
		}
		if cls.FormatID != FormatIDNone {
			newFormatID = cls.FormatID
		}
	}

	err = db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE saved_races SET heat_id = ?, class_id = ?, format_id = ? WHERE id = ?`,
			newHeatID, newClassID, newFormatID, raceID,
		); err != nil {
			return err
		}
		if err := renumberRoundsTx(tx, oldHeatID); err != nil {
			return err
		}
		if err := renumberRoundsTx(tx, newHeatID); err != nil {
			return err
		}
		if err := markHeatRacesInvalidTx(tx, oldHeatID); err != nil {
			return err
		}
		if err := markHeatRacesInvalidTx(tx, newHeatID); err != nil {
			return err
		}
		return markClassInvalidTx(tx, race.ClassID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reassign race %d to heat %d: %w", raceID, newHeatID, err)
	}
	db.noteInvalidation()
	db.publish(eventbus.HeatSet, eventbus.Data{"race_id": raceID, "heat_id": newHeatID})
	return db.SavedRaceByID(raceID)
}

// renumberRoundsTx rewrites round ids 1..n for a heat's races ordered by
// wall start time. The round_id tie-break keeps the prior relative order of
// races with equal wall times.
func renumberRoundsTx(tx *sql.Tx, heatID int64) error {
	rows, err := tx.Query(
		`SELECT id FROM saved_races WHERE heat_id = ? ORDER BY start_time_formatted, round_id, id`, heatID,
	)
	if err != nil {
		return err
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := tx.Exec(`UPDATE saved_races SET round_id = ? WHERE id = ?`, i+1, id); err != nil {
			return err
		}
	}
	return nil
}

// ClearRaces deletes all saved race data. Used by database reset and by a
// split secondary joining a new event.
func (db *DB) ClearRaces() error {
	err := db.inTx(func(tx *sql.Tx) error {
		for _, table := range []string{"saved_laps", "lap_splits", "saved_pilot_races", "saved_races"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`UPDATE heats SET cache_status = ?`, CacheInvalid); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE race_classes SET cache_status = ?`, CacheInvalid); err != nil {
			return err
		}
		return markEventInvalidTx(tx)
	})
	if err != nil {
		return fmt.Errorf("failed to clear races: %w", err)
	}
	db.noteInvalidation()
	db.publish(eventbus.LapsClear, nil)
	return nil
}

// AddLapSplit records an intermediate-gate crossing.
func (db *DB) AddLapSplit(s LapSplit) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO lap_splits (node_index, pilot_id, lap_id, split_id, split_time_stamp, split_time, split_speed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.NodeIndex, s.PilotID, s.LapID, s.SplitID, s.SplitTimeStamp, s.SplitTime, s.SplitSpeed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add lap split: %w", err)
	}
	return res.LastInsertId()
}
