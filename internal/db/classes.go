package db

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// AddClass creates an empty race class.
func (db *DB) AddClass() (*RaceClass, error) {
	c := &RaceClass{CacheStatus: CacheInvalid}
	res, err := db.Exec(
		`INSERT INTO race_classes (name, description, format_id, cache_status) VALUES (?, ?, ?, ?)`,
		c.Name, c.Description, c.FormatID, c.CacheStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add class: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	db.publish(eventbus.ClassAdd, eventbus.Data{"class_id": c.ID})
	return c, nil
}

// Class returns the race class with the given id.
func (db *DB) Class(id int64) (*RaceClass, error) {
	c := &RaceClass{}
	err := db.QueryRow(
		`SELECT id, name, description, format_id, cache_status FROM race_classes WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.FormatID, &c.CacheStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to get class %d: %w", id, err)
	}
	return c, nil
}

// Classes lists race classes subject to opts.
func (db *DB) Classes(opts ListOpts) ([]*RaceClass, error) {
	clause, args := opts.clause()
	rows, err := db.Query(
		`SELECT id, name, description, format_id, cache_status FROM race_classes`+clause, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	defer rows.Close()
	var out []*RaceClass
	for rows.Next() {
		c := &RaceClass{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.FormatID, &c.CacheStatus); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClassPatch is a partial class update; nil fields are left unchanged.
type ClassPatch struct {
	ID          int64
	Name        *string
	Description *string
	FormatID    *int64
}

// AlterClass applies patch. A format change invalidates the class, every
// saved race and heat run under it, and the event, since scoring rules may
// differ.
func (db *DB) AlterClass(patch ClassPatch) (*RaceClass, error) {
	c, err := db.Class(patch.ID)
	if err != nil {
		return nil, err
	}

	formatChanged := false
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Description != nil {
		c.Description = *patch.Description
	}
	if patch.FormatID != nil && *patch.FormatID != c.FormatID {
		c.FormatID = *patch.FormatID
		formatChanged = true
	}

	err = db.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE race_classes SET name = ?, description = ?, format_id = ? WHERE id = ?`,
			c.Name, c.Description, c.FormatID, c.ID,
		)
		if err != nil {
			return err
		}
		if formatChanged {
			rows, err := tx.Query(`SELECT id FROM saved_races WHERE class_id = ?`, c.ID)
			if err != nil {
				return err
			}
			raceIDs, err := collectIDs(rows)
			if err != nil {
				return err
			}
			for _, id := range raceIDs {
				if err := markRaceInvalidTx(tx, id); err != nil {
					return err
				}
			}
			heatRows, err := tx.Query(`SELECT id FROM heats WHERE class_id = ?`, c.ID)
			if err != nil {
				return err
			}
			heatIDs, err := collectIDs(heatRows)
			if err != nil {
				return err
			}
			for _, id := range heatIDs {
				if err := markHeatInvalidTx(tx, id); err != nil {
					return err
				}
			}
			if err := markClassInvalidTx(tx, c.ID); err != nil {
				return err
			}
			return markEventInvalidTx(tx)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to alter class %d: %w", c.ID, err)
	}
	if formatChanged {
		db.noteInvalidation()
	}
	db.publish(eventbus.ClassAlter, eventbus.Data{"class_id": c.ID})
	return c, nil
}

// DeleteClass removes a class unless a saved race references it. Heats in
// the class are detached, not deleted.
func (db *DB) DeleteClass(id int64) error {
	var refs int
	if err := db.QueryRow(`SELECT COUNT(*) FROM saved_races WHERE class_id = ?`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("cannot delete class %d: referenced by %d saved races", id, refs)
	}
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE heats SET class_id = ? WHERE class_id = ?`, ClassIDNone, id); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM race_classes WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete class %d: %w", id, err)
	}
	db.publish(eventbus.ClassDelete, eventbus.Data{"class_id": id})
	return nil
}

// DuplicateClass deep-copies a class and the heats assigned to it.
func (db *DB) DuplicateClass(sourceID int64) (*RaceClass, error) {
	src, err := db.Class(sourceID)
	if err != nil {
		return nil, err
	}
	heats, err := db.Heats(ListOpts{Filter: map[string]any{"class_id": sourceID}, OrderBy: "id"})
	if err != nil {
		return nil, err
	}

	dup := *src
	dup.CacheStatus = CacheInvalid
	base := src.Name
	if base == "" {
		base = fmt.Sprintf("Class %d", sourceID)
	}
	names, err := db.takenNames("race_classes", "name")
	if err != nil {
		return nil, err
	}
	dup.Name = uniqueName(base, names)

	err = db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO race_classes (name, description, format_id, cache_status) VALUES (?, ?, ?, ?)`,
			dup.Name, dup.Description, dup.FormatID, dup.CacheStatus,
		)
		if err != nil {
			return err
		}
		dup.ID, _ = res.LastInsertId()

		for _, h := range heats {
			res, err := tx.Exec(
				`INSERT INTO heats (note, class_id, status, auto_frequency, cache_status) VALUES (?, ?, ?, ?, ?)`,
				h.Note, dup.ID, HeatPlanned, h.AutoFrequency, CacheInvalid,
			)
			if err != nil {
				return err
			}
			newHeatID, _ := res.LastInsertId()
			if _, err := tx.Exec(
				`INSERT INTO heat_slots (heat_id, node_index, pilot_id, method, seed_rank, seed_id)
				 SELECT ?, node_index, pilot_id, method, seed_rank, seed_id FROM heat_slots WHERE heat_id = ? ORDER BY id`,
				newHeatID, h.ID,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate class %d: %w", sourceID, err)
	}
	db.publish(eventbus.ClassDuplicate, eventbus.Data{"class_id": dup.ID, "source_id": sourceID})
	return &dup, nil
}
