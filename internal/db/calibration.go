package db

import (
	"database/sql"
	"fmt"
)

// BestThresholds finds the freshest recorded enter/exit pair for a node,
// narrowing the search scope step by step: same heat, then same class and
// pilot, then same pilot, then any race on the node. Pass the None sentinels
// to skip the scopes they gate. found is false when the node has no recorded
// history at all.
func (db *DB) BestThresholds(heatID, classID, pilotID int64, nodeIndex int) (enterAt, exitAt int, found bool, err error) {
	type scope struct {
		query string
		args  []any
	}
	var scopes []scope
	if heatID != HeatIDNone {
		scopes = append(scopes, scope{
			`SELECT pr.enter_at, pr.exit_at FROM saved_pilot_races pr
			 JOIN saved_races r ON r.id = pr.race_id
			 WHERE r.heat_id = ? AND pr.node_index = ?
			 ORDER BY pr.id DESC LIMIT 1`,
			[]any{heatID, nodeIndex},
		})
	}
	if classID != ClassIDNone && pilotID != PilotIDNone {
		scopes = append(scopes, scope{
			`SELECT pr.enter_at, pr.exit_at FROM saved_pilot_races pr
			 JOIN saved_races r ON r.id = pr.race_id
			 WHERE r.class_id = ? AND pr.pilot_id = ? AND pr.node_index = ?
			 ORDER BY pr.id DESC LIMIT 1`,
			[]any{classID, pilotID, nodeIndex},
		})
	}
	if pilotID != PilotIDNone {
		scopes = append(scopes, scope{
			`SELECT enter_at, exit_at FROM saved_pilot_races
			 WHERE pilot_id = ? AND node_index = ?
			 ORDER BY id DESC LIMIT 1`,
			[]any{pilotID, nodeIndex},
		})
	}
	scopes = append(scopes, scope{
		`SELECT enter_at, exit_at FROM saved_pilot_races
		 WHERE node_index = ?
		 ORDER BY id DESC LIMIT 1`,
		[]any{nodeIndex},
	})

	for _, s := range scopes {
		err := db.QueryRow(s.query, s.args...).Scan(&enterAt, &exitAt)
		switch {
		case err == sql.ErrNoRows:
			continue
		case err != nil:
			return 0, 0, false, fmt.Errorf("failed to search calibration history: %w", err)
		}
		return enterAt, exitAt, true, nil
	}
	return 0, 0, false, nil
}
