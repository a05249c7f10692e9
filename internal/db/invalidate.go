package db

import (
	"database/sql"
	"fmt"
)

// OptEventCache is the option key holding the event-wide leaderboard status.
const OptEventCache = "eventResults_cacheStatus"

// Cache invalidation fans upward: a stale race makes its heat, class and the
// whole event stale. The tx helpers below run inside the mutating transaction
// so a rollback also rolls back the invalidation; noteInvalidation applies
// the in-memory side after commit.

func markEventInvalidTx(tx *sql.Tx) error {
	_, err := tx.Exec(
		`INSERT INTO global_settings (option_name, option_value) VALUES (?, ?)
		 ON CONFLICT(option_name) DO UPDATE SET option_value = excluded.option_value`,
		OptEventCache, string(CacheInvalid),
	)
	return err
}

func markHeatInvalidTx(tx *sql.Tx, heatID int64) error {
	if heatID == HeatIDNone {
		return nil
	}
	_, err := tx.Exec(`UPDATE heats SET cache_status = ? WHERE id = ?`, CacheInvalid, heatID)
	return err
}

func markClassInvalidTx(tx *sql.Tx, classID int64) error {
	if classID == ClassIDNone {
		return nil
	}
	_, err := tx.Exec(`UPDATE race_classes SET cache_status = ? WHERE id = ?`, CacheInvalid, classID)
	return err
}

// markRaceInvalidTx invalidates one saved race and its enclosing heat, class
// and event.
func markRaceInvalidTx(tx *sql.Tx, raceID int64) error {
	if _, err := tx.Exec(`UPDATE saved_races SET cache_status = ? WHERE id = ?`, CacheInvalid, raceID); err != nil {
		return err
	}
	var heatID, classID int64
	err := tx.QueryRow(`SELECT heat_id, class_id FROM saved_races WHERE id = ?`, raceID).Scan(&heatID, &classID)
	if err == sql.ErrNoRows {
		return markEventInvalidTx(tx)
	}
	if err != nil {
		return err
	}
	if err := markHeatInvalidTx(tx, heatID); err != nil {
		return err
	}
	if err := markClassInvalidTx(tx, classID); err != nil {
		return err
	}
	return markEventInvalidTx(tx)
}

// markPilotRacesInvalidTx invalidates every saved race the pilot took part
// in. Used when pilot identity (callsign, team) changes.
func markPilotRacesInvalidTx(tx *sql.Tx, pilotID int64) error {
	rows, err := tx.Query(`SELECT DISTINCT race_id FROM saved_pilot_races WHERE pilot_id = ?`, pilotID)
	if err != nil {
		return err
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := markRaceInvalidTx(tx, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		return markEventInvalidTx(tx)
	}
	return nil
}

// markHeatRacesInvalidTx invalidates the heat, every saved race run under it
// and the event.
func markHeatRacesInvalidTx(tx *sql.Tx, heatID int64) error {
	rows, err := tx.Query(`SELECT id FROM saved_races WHERE heat_id = ?`, heatID)
	if err != nil {
		return err
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := markRaceInvalidTx(tx, id); err != nil {
			return err
		}
	}
	if err := markHeatInvalidTx(tx, heatID); err != nil {
		return err
	}
	return markEventInvalidTx(tx)
}

// noteInvalidation applies the post-commit side of an invalidation: the
// in-memory option cache and the coarse page cache.
func (db *DB) noteInvalidation() {
	db.optMu.Lock()
	db.options[OptEventCache] = string(CacheInvalid)
	db.optMu.Unlock()
	db.pageCache.SetValid(false)
}

// SetRaceCacheStatus records a leaderboard build phase on a saved race.
func (db *DB) SetRaceCacheStatus(raceID int64, status CacheStatus) error {
	_, err := db.Exec(`UPDATE saved_races SET cache_status = ? WHERE id = ?`, status, raceID)
	if err != nil {
		return fmt.Errorf("failed to set race cache status: %w", err)
	}
	return nil
}

// SetHeatCacheStatus records a leaderboard build phase on a heat.
func (db *DB) SetHeatCacheStatus(heatID int64, status CacheStatus) error {
	_, err := db.Exec(`UPDATE heats SET cache_status = ? WHERE id = ?`, status, heatID)
	if err != nil {
		return fmt.Errorf("failed to set heat cache status: %w", err)
	}
	return nil
}

// SetClassCacheStatus records a leaderboard build phase on a class.
func (db *DB) SetClassCacheStatus(classID int64, status CacheStatus) error {
	_, err := db.Exec(`UPDATE race_classes SET cache_status = ? WHERE id = ?`, status, classID)
	if err != nil {
		return fmt.Errorf("failed to set class cache status: %w", err)
	}
	return nil
}

// EventCacheStatus returns the event-wide leaderboard status.
func (db *DB) EventCacheStatus() CacheStatus {
	return CacheStatus(db.Option(OptEventCache, string(CacheInvalid)))
}

// SetEventCacheStatus records a leaderboard build phase for the whole event.
func (db *DB) SetEventCacheStatus(status CacheStatus) error {
	return db.SetOption(OptEventCache, string(status))
}
