package db

import (
	"fmt"
	"strconv"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// The options table is read on nearly every request, so the full set is held
// in memory and written through on change.

func (db *DB) primeOptionsCache() error {
	rows, err := db.Query(`SELECT option_name, option_value FROM global_settings`)
	if err != nil {
		return fmt.Errorf("failed to load global settings: %w", err)
	}
	defer rows.Close()

	opts := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		opts[name] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	db.optMu.Lock()
	db.options = opts
	db.optMu.Unlock()
	return nil
}

// Option returns the named option, or def when unset. A stored empty string
// counts as unset so callers always get a usable value.
func (db *DB) Option(name, def string) string {
	db.optMu.RLock()
	defer db.optMu.RUnlock()
	if v, ok := db.options[name]; ok && v != "" {
		return v
	}
	return def
}

// OptionInt returns the named option parsed as an int, or def when unset or
// unparseable.
func (db *DB) OptionInt(name string, def int) int {
	db.optMu.RLock()
	v, ok := db.options[name]
	db.optMu.RUnlock()
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// SetOption upserts the named option and updates the cache on success.
func (db *DB) SetOption(name, value string) error {
	_, err := db.Exec(
		`INSERT INTO global_settings (option_name, option_value) VALUES (?, ?)
		 ON CONFLICT(option_name) DO UPDATE SET option_value = excluded.option_value`,
		name, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set option %q: %w", name, err)
	}

	db.optMu.Lock()
	db.options[name] = value
	db.optMu.Unlock()

	db.publish(eventbus.OptionSet, eventbus.Data{"option": name, "value": value})
	return nil
}

// SetOptionInt stores an integer option.
func (db *DB) SetOptionInt(name string, value int) error {
	return db.SetOption(name, strconv.Itoa(value))
}
