package db

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// AddPilot creates a pilot with generated placeholder name and callsign.
func (db *DB) AddPilot() (*Pilot, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pilots`).Scan(&count); err != nil {
		return nil, err
	}
	p := &Pilot{
		Name:     fmt.Sprintf("Pilot %d Name", count+1),
		Callsign: fmt.Sprintf("Callsign %d", count+1),
		Team:     DefaultTeam,
	}
	res, err := db.Exec(
		`INSERT INTO pilots (name, callsign, team, phonetic, used_frequencies) VALUES (?, ?, ?, ?, ?)`,
		p.Name, p.Callsign, p.Team, p.Phonetic, p.UsedFrequencies,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add pilot: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	db.publish(eventbus.PilotAdd, eventbus.Data{"pilot_id": p.ID})
	return p, nil
}

// Pilot returns the pilot with the given id.
func (db *DB) Pilot(id int64) (*Pilot, error) {
	p := &Pilot{}
	err := db.QueryRow(
		`SELECT id, name, callsign, team, phonetic, used_frequencies FROM pilots WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Callsign, &p.Team, &p.Phonetic, &p.UsedFrequencies)
	if err != nil {
		return nil, fmt.Errorf("failed to get pilot %d: %w", id, err)
	}
	return p, nil
}

// Pilots lists pilots subject to opts.
func (db *DB) Pilots(opts ListOpts) ([]*Pilot, error) {
	clause, args := opts.clause()
	rows, err := db.Query(
		`SELECT id, name, callsign, team, phonetic, used_frequencies FROM pilots`+clause, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pilots: %w", err)
	}
	defer rows.Close()
	var out []*Pilot
	for rows.Next() {
		p := &Pilot{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Callsign, &p.Team, &p.Phonetic, &p.UsedFrequencies); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPilots counts pilots subject to opts.
func (db *DB) CountPilots(opts ListOpts) (int, error) {
	clause, args := opts.clause()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pilots`+clause, args...).Scan(&n)
	return n, err
}

// PilotPatch is a partial pilot update; nil fields are left unchanged.
type PilotPatch struct {
	ID              int64
	Name            *string
	Callsign        *string
	Team            *string
	Phonetic        *string
	UsedFrequencies *string
}

// AlterPilot applies patch. Changing callsign or team invalidates every saved
// race the pilot took part in, since leaderboards embed both. Returns the
// updated pilot and the ids of the invalidated races.
func (db *DB) AlterPilot(patch PilotPatch) (*Pilot, []int64, error) {
	p, err := db.Pilot(patch.ID)
	if err != nil {
		return nil, nil, err
	}

	identityChanged := false
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Callsign != nil && *patch.Callsign != p.Callsign {
		p.Callsign = *patch.Callsign
		identityChanged = true
	}
	if patch.Team != nil && *patch.Team != p.Team {
		p.Team = *patch.Team
		identityChanged = true
	}
	if patch.Phonetic != nil {
		p.Phonetic = *patch.Phonetic
	}
	if patch.UsedFrequencies != nil {
		p.UsedFrequencies = *patch.UsedFrequencies
	}

	var raceIDs []int64
	err = db.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE pilots SET name = ?, callsign = ?, team = ?, phonetic = ?, used_frequencies = ? WHERE id = ?`,
			p.Name, p.Callsign, p.Team, p.Phonetic, p.UsedFrequencies, p.ID,
		)
		if err != nil {
			return err
		}
		if identityChanged {
			rows, err := tx.Query(`SELECT DISTINCT race_id FROM saved_pilot_races WHERE pilot_id = ?`, p.ID)
			if err != nil {
				return err
			}
			raceIDs, err = collectIDs(rows)
			if err != nil {
				return err
			}
			return markPilotRacesInvalidTx(tx, p.ID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to alter pilot %d: %w", p.ID, err)
	}
	if identityChanged && len(raceIDs) > 0 {
		db.noteInvalidation()
	}
	db.publish(eventbus.PilotAlter, eventbus.Data{"pilot_id": p.ID})
	return p, raceIDs, nil
}

// DeletePilot removes a pilot unless a saved race references it. Heat slots
// holding the pilot are cleared.
func (db *DB) DeletePilot(id int64) error {
	var refs int
	if err := db.QueryRow(`SELECT COUNT(*) FROM saved_pilot_races WHERE pilot_id = ?`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("cannot delete pilot %d: referenced by %d saved races", id, refs)
	}
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE heat_slots SET pilot_id = ? WHERE pilot_id = ?`, PilotIDNone, id); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM pilots WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete pilot %d: %w", id, err)
	}
	db.publish(eventbus.PilotDelete, eventbus.Data{"pilot_id": id})
	return nil
}

// DuplicatePilot deep-copies a pilot with collision-suffixed name and
// callsign.
func (db *DB) DuplicatePilot(sourceID int64) (*Pilot, error) {
	src, err := db.Pilot(sourceID)
	if err != nil {
		return nil, err
	}
	names, err := db.takenNames("pilots", "name")
	if err != nil {
		return nil, err
	}
	callsigns, err := db.takenNames("pilots", "callsign")
	if err != nil {
		return nil, err
	}

	dup := *src
	dup.Name = uniqueName(src.Name, names)
	dup.Callsign = uniqueName(src.Callsign, callsigns)
	res, err := db.Exec(
		`INSERT INTO pilots (name, callsign, team, phonetic, used_frequencies) VALUES (?, ?, ?, ?, ?)`,
		dup.Name, dup.Callsign, dup.Team, dup.Phonetic, dup.UsedFrequencies,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate pilot %d: %w", sourceID, err)
	}
	dup.ID, _ = res.LastInsertId()
	db.publish(eventbus.PilotDuplicate, eventbus.Data{"pilot_id": dup.ID, "source_id": sourceID})
	return &dup, nil
}
