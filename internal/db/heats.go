package db

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// AddHeat creates an empty heat with one slot per seat, node indexes
// pre-assigned in order.
func (db *DB) AddHeat(slotCount int) (*Heat, error) {
	h := &Heat{CacheStatus: CacheInvalid}
	err := db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO heats (note, class_id, status, auto_frequency, cache_status) VALUES (?, ?, ?, ?, ?)`,
			h.Note, h.ClassID, h.Status, h.AutoFrequency, h.CacheStatus,
		)
		if err != nil {
			return err
		}
		h.ID, _ = res.LastInsertId()
		for i := 0; i < slotCount; i++ {
			if _, err := tx.Exec(
				`INSERT INTO heat_slots (heat_id, node_index, pilot_id, method) VALUES (?, ?, ?, 0)`,
				h.ID, i, PilotIDNone,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add heat: %w", err)
	}
	db.publish(eventbus.HeatAdd, eventbus.Data{"heat_id": h.ID})
	return h, nil
}

// Heat returns the heat with the given id.
func (db *DB) Heat(id int64) (*Heat, error) {
	h := &Heat{}
	err := db.QueryRow(
		`SELECT id, note, class_id, status, auto_frequency, cache_status FROM heats WHERE id = ?`, id,
	).Scan(&h.ID, &h.Note, &h.ClassID, &h.Status, &h.AutoFrequency, &h.CacheStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to get heat %d: %w", id, err)
	}
	return h, nil
}

// Heats lists heats subject to opts.
func (db *DB) Heats(opts ListOpts) ([]*Heat, error) {
	clause, args := opts.clause()
	rows, err := db.Query(
		`SELECT id, note, class_id, status, auto_frequency, cache_status FROM heats`+clause, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list heats: %w", err)
	}
	defer rows.Close()
	var out []*Heat
	for rows.Next() {
		h := &Heat{}
		if err := rows.Scan(&h.ID, &h.Note, &h.ClassID, &h.Status, &h.AutoFrequency, &h.CacheStatus); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HeatSlots returns the slots of a heat ordered by id.
func (db *DB) HeatSlots(heatID int64) ([]*HeatSlot, error) {
	rows, err := db.Query(
		`SELECT id, heat_id, node_index, pilot_id, method, seed_rank, seed_id
		 FROM heat_slots WHERE heat_id = ? ORDER BY id`, heatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots for heat %d: %w", heatID, err)
	}
	defer rows.Close()
	var out []*HeatSlot
	for rows.Next() {
		s := &HeatSlot{}
		if err := rows.Scan(&s.ID, &s.HeatID, &s.NodeIndex, &s.PilotID, &s.Method, &s.SeedRank, &s.SeedID); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SlotPatch assigns one slot; nil fields are left unchanged.
type SlotPatch struct {
	SlotID    int64
	PilotID   *int64
	NodeIndex *int
	SeedRank  *int
	SeedID    *int64
	Method    *int
}

// HeatPatch is a partial heat update; nil fields are left unchanged.
type HeatPatch struct {
	ID            int64
	Note          *string
	ClassID       *int64
	Status        *HeatStatus
	AutoFrequency *bool
	Slots         []SlotPatch
}

// AlterHeat applies patch. Moving the heat to another class or changing a
// pilot assignment invalidates the heat's saved races, the heat, the source
// and destination classes and the event.
func (db *DB) AlterHeat(patch HeatPatch) (*Heat, error) {
	h, err := db.Heat(patch.ID)
	if err != nil {
		return nil, err
	}

	oldClassID := h.ClassID
	classChanged := false
	if patch.Note != nil {
		h.Note = *patch.Note
	}
	if patch.ClassID != nil && *patch.ClassID != h.ClassID {
		h.ClassID = *patch.ClassID
		classChanged = true
	}
	if patch.Status != nil {
		h.Status = *patch.Status
	}
	if patch.AutoFrequency != nil {
		h.AutoFrequency = *patch.AutoFrequency
	}

	pilotChanged := false
	err = db.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE heats SET note = ?, class_id = ?, status = ?, auto_frequency = ? WHERE id = ?`,
			h.Note, h.ClassID, h.Status, h.AutoFrequency, h.ID,
		)
		if err != nil {
			return err
		}

		for _, sp := range patch.Slots {
			if sp.PilotID != nil {
				var cur int64
				if err := tx.QueryRow(`SELECT pilot_id FROM heat_slots WHERE id = ? AND heat_id = ?`, sp.SlotID, h.ID).Scan(&cur); err != nil {
					return fmt.Errorf("slot %d not in heat %d: %w", sp.SlotID, h.ID, err)
				}
				if cur != *sp.PilotID {
					pilotChanged = true
				}
				if _, err := tx.Exec(`UPDATE heat_slots SET pilot_id = ? WHERE id = ?`, *sp.PilotID, sp.SlotID); err != nil {
					return err
				}
			}
			if sp.NodeIndex != nil {
				if _, err := tx.Exec(`UPDATE heat_slots SET node_index = ? WHERE id = ?`, *sp.NodeIndex, sp.SlotID); err != nil {
					return err
				}
			}
			if sp.SeedRank != nil {
				if _, err := tx.Exec(`UPDATE heat_slots SET seed_rank = ? WHERE id = ?`, *sp.SeedRank, sp.SlotID); err != nil {
					return err
				}
			}
			if sp.SeedID != nil {
				if _, err := tx.Exec(`UPDATE heat_slots SET seed_id = ? WHERE id = ?`, *sp.SeedID, sp.SlotID); err != nil {
					return err
				}
			}
			if sp.Method != nil {
				if _, err := tx.Exec(`UPDATE heat_slots SET method = ? WHERE id = ?`, *sp.Method, sp.SlotID); err != nil {
					return err
				}
			}
		}

		if classChanged || pilotChanged {
			if err := markHeatRacesInvalidTx(tx, h.ID); err != nil {
				return err
			}
			if classChanged {
				if err := markClassInvalidTx(tx, oldClassID); err != nil {
					return err
				}
				if err := markClassInvalidTx(tx, h.ClassID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to alter heat %d: %w", h.ID, err)
	}
	if classChanged || pilotChanged {
		db.noteInvalidation()
	}
	db.publish(eventbus.HeatAlter, eventbus.Data{"heat_id": h.ID})
	return h, nil
}

// DeleteHeat removes a heat and its slots. Refused when saved races reference
// the heat or when it is the last heat.
func (db *DB) DeleteHeat(id int64) error {
	var refs int
	if err := db.QueryRow(`SELECT COUNT(*) FROM saved_races WHERE heat_id = ?`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("cannot delete heat %d: referenced by %d saved races", id, refs)
	}
	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM heats`).Scan(&total); err != nil {
		return err
	}
	if total <= 1 {
		return fmt.Errorf("cannot delete heat %d: at least one heat must remain", id)
	}
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM heat_slots WHERE heat_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM heats WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete heat %d: %w", id, err)
	}
	db.publish(eventbus.HeatDelete, eventbus.Data{"heat_id": id})
	return nil
}

// DuplicateHeat deep-copies a heat and its slots. A non-empty note gets a
// collision-resolving suffix.
func (db *DB) DuplicateHeat(sourceID int64) (*Heat, error) {
	src, err := db.Heat(sourceID)
	if err != nil {
		return nil, err
	}
	slots, err := db.HeatSlots(sourceID)
	if err != nil {
		return nil, err
	}

	dup := *src
	dup.CacheStatus = CacheInvalid
	if src.Note != "" {
		notes, err := db.takenNames("heats", "note")
		if err != nil {
			return nil, err
		}
		dup.Note = uniqueName(src.Note, notes)
	}

	err = db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO heats (note, class_id, status, auto_frequency, cache_status) VALUES (?, ?, ?, ?, ?)`,
			dup.Note, dup.ClassID, HeatPlanned, dup.AutoFrequency, dup.CacheStatus,
		)
		if err != nil {
			return err
		}
		dup.ID, _ = res.LastInsertId()
		for _, s := range slots {
			if _, err := tx.Exec(
				`INSERT INTO heat_slots (heat_id, node_index, pilot_id, method, seed_rank, seed_id) VALUES (?, ?, ?, ?, ?, ?)`,
				dup.ID, s.NodeIndex, s.PilotID, s.Method, s.SeedRank, s.SeedID,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate heat %d: %w", sourceID, err)
	}
	db.publish(eventbus.HeatDuplicate, eventbus.Data{"heat_id": dup.ID, "source_id": sourceID})
	return &dup, nil
}
