// Package db is the transactional entity store for the timing server: pilots,
// heats, classes, formats, profiles, saved races and laps, and the global
// options table. Every mutation runs in a single transaction; the in-memory
// options cache and cache-status invalidations are applied only on commit.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/gatetimer/internal/eventbus"
	_ "modernc.org/sqlite"
)

// PageCache is the coarse valid/invalid flag consulted by the fan-out layer.
// The concrete cache lives in the results package; the store only invalidates.
type PageCache interface {
	SetValid(bool)
}

type noopPageCache struct{}

func (noopPageCache) SetValid(bool) {}

// DB wraps the sqlite handle with the entity operations of the timing server.
type DB struct {
	*sql.DB

	path string
	bus  *eventbus.Bus

	optMu   sync.RWMutex
	options map[string]string

	pageCache PageCache
}

// Open opens (creating if needed) the database at path, applies migrations and
// primes the options cache. Events raised by mutations are published on bus.
func Open(path string, bus *eventbus.Bus) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite handles one writer; serialize access through a single conn to
	// avoid SQLITE_BUSY under concurrent request handlers.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{
		DB:        sqlDB,
		path:      path,
		bus:       bus,
		options:   make(map[string]string),
		pageCache: noopPageCache{},
	}

	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.primeOptionsCache(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the backing file path.
func (db *DB) Path() string { return db.path }

// SetPageCache wires the fan-out layer's page cache for invalidation.
func (db *DB) SetPageCache(pc PageCache) {
	if pc != nil {
		db.pageCache = pc
	}
}

func (db *DB) publish(evt eventbus.Event, data eventbus.Data) {
	if db.bus != nil {
		db.bus.Publish(evt, data)
	}
}

// inTx runs fn inside a transaction with a deferred rollback; commit makes
// the rollback a no-op.
func (db *DB) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Printf("warning: failed to rollback transaction: %v", err)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// EnsureDefaults guarantees the minimum entity set the server needs: one
// profile with default frequencies for nodeCount seats, one race format and
// one empty heat with nodeCount slots.
func (db *DB) EnsureDefaults(nodeCount int) error {
	var profiles int
	if err := db.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&profiles); err != nil {
		return err
	}
	if profiles == 0 {
		freqs := DefaultFrequencies(nodeCount)
		fj, _ := json.Marshal(freqs)
		levels := ProfileLevels{V: make([]*int, nodeCount)}
		lj, _ := json.Marshal(levels)
		res, err := db.Exec(
			`INSERT INTO profiles (name, description, frequencies, enter_ats, exit_ats) VALUES (?, ?, ?, ?, ?)`,
			"Default", "Default profile", string(fj), string(lj), string(lj),
		)
		if err != nil {
			return fmt.Errorf("failed to seed default profile: %w", err)
		}
		id, _ := res.LastInsertId()
		if err := db.SetOption("currentProfile", fmt.Sprint(id)); err != nil {
			return err
		}
	}

	var formats int
	if err := db.QueryRow(`SELECT COUNT(*) FROM race_formats`).Scan(&formats); err != nil {
		return err
	}
	if formats == 0 {
		for _, f := range defaultFormats() {
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
				return fmt.Errorf("failed to seed format %q: %w", f.Name, err)
			}
			if db.Option("currentFormat", "") == "" {
				id, _ := res.LastInsertId()
				if err := db.SetOption("currentFormat", fmt.Sprint(id)); err != nil {
					return err
				}
			}
		}
	}

	var heats int
	if err := db.QueryRow(`SELECT COUNT(*) FROM heats`).Scan(&heats); err != nil {
		return err
	}
	if heats == 0 {
		if _, err := db.AddHeat(nodeCount); err != nil {
			return fmt.Errorf("failed to seed default heat: %w", err)
		}
	}
	return nil
}

func defaultFormats() []RaceFormat {
	return []RaceFormat{
		{
			Name: "2:00 Standard Race", RaceMode: RaceModeCountDown, RaceTimeSec: 120,
			LapGraceSec: -1, StagingFixedTones: 3, StartDelayMinMs: 1000, StartDelayMaxMs: 2000,
			StagingTones: TonesOnePerSecond, WinCondition: WinMostLaps,
		},
		{
			Name: "First to 3 Laps", RaceMode: RaceModeNoTimeLimit,
			LapGraceSec: -1, StagingFixedTones: 3, StartDelayMinMs: 1000, StartDelayMaxMs: 2000,
			StagingTones: TonesOnePerSecond, NumberLapsWin: 3, WinCondition: WinFirstToLapX,
		},
		{
			Name: "Open Practice", RaceMode: RaceModeNoTimeLimit,
			LapGraceSec: -1, StagingFixedTones: 3, StagingTones: TonesNone, WinCondition: WinNone,
		},
	}
}

// DefaultFrequencies returns the stock channel plan: R1367 for four or fewer
// seats, IMD6C above that.
func DefaultFrequencies(nodeCount int) ProfileFrequencies {
	bands := func(s ...string) []*string {
		out := make([]*string, len(s))
		for i := range s {
			v := s[i]
			out[i] = &v
		}
		return out
	}
	chans := func(c ...int) []*int {
		out := make([]*int, len(c))
		for i := range c {
			v := c[i]
			out[i] = &v
		}
		return out
	}

	var pf ProfileFrequencies
	if nodeCount < 5 {
		pf = ProfileFrequencies{
			Band:    bands("R", "R", "R", "R"),
			Channel: chans(1, 3, 6, 7),
			Freq:    []int{5658, 5732, 5843, 5880},
		}
	} else {
		pf = ProfileFrequencies{
			Band:    bands("R", "R", "F", "F", "R", "R"),
			Channel: chans(1, 2, 2, 4, 7, 8),
			Freq:    []int{5658, 5695, 5760, 5800, 5880, 5917},
		}
	}
	for len(pf.Freq) < nodeCount {
		pf.Band = append(pf.Band, nil)
		pf.Channel = append(pf.Channel, nil)
		pf.Freq = append(pf.Freq, FrequencyNone)
	}
	pf.Band = pf.Band[:nodeCount]
	pf.Channel = pf.Channel[:nodeCount]
	pf.Freq = pf.Freq[:nodeCount]
	return pf
}

// ListOpts is the query-builder value type accepted by list operations.
type ListOpts struct {
	// Filter maps column name to required value; entries are ANDed.
	Filter map[string]any
	// OrderBy is a raw ORDER BY clause body, e.g. "id DESC".
	OrderBy string
	// Limit caps the result set when > 0.
	Limit int
}

func (o ListOpts) clause() (string, []any) {
	var sb strings.Builder
	var args []any
	if len(o.Filter) > 0 {
		cols := make([]string, 0, len(o.Filter))
		for col := range o.Filter {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		sb.WriteString(" WHERE ")
		for i, col := range cols {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(col)
			sb.WriteString(" = ?")
			args = append(args, o.Filter[col])
		}
	}
	if o.OrderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(o.OrderBy)
	}
	if o.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", o.Limit))
	}
	return sb.String(), args
}
