package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// BackupDir is where timestamped database copies are written, relative to
// the database file.
const BackupDir = "db_bkp"

const autoBkpPrefix = "autoBkp_"

// OptAutoBkpKeep names the option capping retained automatic backups.
const OptAutoBkpKeep = "DB_AUTOBKP_NUM_KEEP"

const defaultAutoBkpKeep = 30

// Backup writes a timestamped consistent copy of the database under
// BackupDir using VACUUM INTO and returns its path.
func (db *DB) Backup() (string, error) {
	return db.backup("")
}

// AutoBackup writes an automatic backup and prunes old ones beyond the
// DB_AUTOBKP_NUM_KEEP option.
func (db *DB) AutoBackup() (string, error) {
	path, err := db.backup(autoBkpPrefix)
	if err != nil {
		return "", err
	}
	db.pruneAutoBackups()
	return path, nil
}

func (db *DB) backup(prefix string) (string, error) {
	dir := filepath.Join(filepath.Dir(db.path), BackupDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}
	stamp := time.Now().Format("20060102_150405")
	base := filepath.Base(db.path)
	backupPath := filepath.Join(dir, fmt.Sprintf("%s%s_%s", prefix, stamp, base))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	db.publish(eventbus.DatabaseBackup, eventbus.Data{"path": backupPath})
	return backupPath, nil
}

func (db *DB) pruneAutoBackups() {
	keep := db.OptionInt(OptAutoBkpKeep, defaultAutoBkpKeep)
	if keep <= 0 {
		return
	}
	dir := filepath.Join(filepath.Dir(db.path), BackupDir)
	matches, err := filepath.Glob(filepath.Join(dir, autoBkpPrefix+"*"))
	if err != nil || len(matches) <= keep {
		return
	}
	// timestamped names sort chronologically
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-keep] {
		if err := os.Remove(old); err != nil {
			log.Printf("db: failed to prune backup %s: %v", old, err)
		}
	}
}

// LatestAutoBackup returns the newest automatic backup path, or "" when none
// exist.
func LatestAutoBackup(dbPath string) string {
	dir := filepath.Join(filepath.Dir(dbPath), BackupDir)
	matches, err := filepath.Glob(filepath.Join(dir, autoBkpPrefix+"*"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}

// OpenWithRecovery opens the database at path, falling back to the newest
// automatic backup when the primary file fails an integrity check.
func OpenWithRecovery(path string, bus *eventbus.Bus) (*DB, error) {
	db, err := Open(path, bus)
	if err == nil {
		if integrityOK(db.DB) {
			return db, nil
		}
		db.Close()
		err = fmt.Errorf("integrity check failed")
	}

	backup := LatestAutoBackup(path)
	if backup == "" {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	log.Printf("db: %s unusable (%v); restoring from %s", path, err, backup)
	if renameErr := os.Rename(path, path+".corrupt"); renameErr != nil && !os.IsNotExist(renameErr) {
		return nil, fmt.Errorf("failed to set aside corrupt database: %w", renameErr)
	}
	data, readErr := os.ReadFile(backup)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read backup %s: %w", backup, readErr)
	}
	if writeErr := os.WriteFile(path, data, 0o644); writeErr != nil {
		return nil, fmt.Errorf("failed to restore backup: %w", writeErr)
	}
	db, err = Open(path, bus)
	if err != nil {
		return nil, err
	}
	db.publish(eventbus.DatabaseRestore, eventbus.Data{"backup": backup})
	return db, nil
}

func integrityOK(sqlDB *sql.DB) bool {
	var result string
	if err := sqlDB.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return false
	}
	return result == "ok"
}

// ResetKind selects what a database reset clears.
type ResetKind string

const (
	ResetRaces   ResetKind = "races"
	ResetHeats   ResetKind = "heats"
	ResetClasses ResetKind = "classes"
	ResetPilots  ResetKind = "pilots"
	ResetFormats ResetKind = "formats"
	ResetAll     ResetKind = "all"
)

// Reset clears the selected entity kind, cascading where a kind depends on
// another (clearing pilots also clears races, etc.), then re-seeds the
// defaults for nodeCount seats.
func (db *DB) Reset(kind ResetKind, nodeCount int) error {
	if _, err := db.AutoBackup(); err != nil {
		log.Printf("db: reset backup failed: %v", err)
	}

	var err error
	switch kind {
	case ResetRaces:
		err = db.ClearRaces()
	case ResetHeats:
		err = db.resetTables("heat_slots", "heats")
	case ResetClasses:
		if err = db.resetTables("race_classes"); err == nil {
			_, err = db.Exec(`UPDATE heats SET class_id = ?`, ClassIDNone)
		}
	case ResetPilots:
		if err = db.resetTables("pilots"); err == nil {
			_, err = db.Exec(`UPDATE heat_slots SET pilot_id = ?`, PilotIDNone)
		}
	case ResetFormats:
		if err = db.resetTables("race_formats"); err == nil {
			_, err = db.Exec(`UPDATE race_classes SET format_id = ?`, FormatIDNone)
		}
	case ResetAll:
		err = db.resetTables("saved_laps", "lap_splits", "saved_pilot_races", "saved_races",
			"heat_slots", "heats", "race_classes", "race_formats", "pilots")
	default:
		return fmt.Errorf("unknown reset kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("failed to reset %s: %w", kind, err)
	}

	switch kind {
	case ResetHeats, ResetFormats, ResetAll:
		if err := db.EnsureDefaults(nodeCount); err != nil {
			return err
		}
	}

	db.noteInvalidation()
	db.publish(eventbus.DatabaseReset, eventbus.Data{"kind": string(kind)})
	return nil
}

// Races under a cleared kind would dangle, so race data goes first.
func (db *DB) resetTables(tables ...string) error {
	return db.inTx(func(tx *sql.Tx) error {
		for _, table := range append([]string{"saved_laps", "lap_splits", "saved_pilot_races", "saved_races"}, tables...) {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return err
			}
		}
		return markEventInvalidTx(tx)
	})
}
