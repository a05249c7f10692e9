package db

import (
	"database/sql"
	"fmt"
)

// collectIDs drains an id-only result set and closes it.
func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// uniqueName returns base if it does not collide with any name in taken,
// otherwise base with the lowest numeric suffix that avoids a collision.
func uniqueName(base string, taken []string) string {
	used := make(map[string]bool, len(taken))
	for _, n := range taken {
		used[n] = true
	}
	if !used[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s %d", base, i)
		if !used[candidate] {
			return candidate
		}
	}
}

// takenNames returns the values of a name column, used for collision
// resolution when duplicating entities.
func (db *DB) takenNames(table, column string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf(`SELECT %s FROM %s`, column, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
