package db

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// OptCurrentProfile names the option holding the active profile id.
const OptCurrentProfile = "currentProfile"

// AddProfile creates a profile seeded with the stock channel plan for
// nodeCount seats.
func (db *DB) AddProfile(name string, nodeCount int) (*Profile, error) {
	if name == "" {
		name = "New profile"
	}
	names, err := db.takenNames("profiles", "name")
	if err != nil {
		return nil, err
	}

	fj, _ := json.Marshal(DefaultFrequencies(nodeCount))
	lj, _ := json.Marshal(ProfileLevels{V: make([]*int, nodeCount)})
	p := &Profile{
		Name:        uniqueName(name, names),
		Frequencies: string(fj),
		EnterAts:    string(lj),
		ExitAts:     string(lj),
	}
	res, err := db.Exec(
		`INSERT INTO profiles (name, description, frequencies, enter_ats, exit_ats) VALUES (?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.Frequencies, p.EnterAts, p.ExitAts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add profile: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	db.publish(eventbus.ProfileAdd, eventbus.Data{"profile_id": p.ID})
	return p, nil
}

// Profile returns the profile with the given id.
func (db *DB) Profile(id int64) (*Profile, error) {
	p := &Profile{}
	err := db.QueryRow(
		`SELECT id, name, description, frequencies, enter_ats, exit_ats FROM profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.Frequencies, &p.EnterAts, &p.ExitAts)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %d: %w", id, err)
	}
	return p, nil
}

// Profiles lists profiles subject to opts.
func (db *DB) Profiles(opts ListOpts) ([]*Profile, error) {
	clause, args := opts.clause()
	rows, err := db.Query(
		`SELECT id, name, description, frequencies, enter_ats, exit_ats FROM profiles`+clause, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()
	var out []*Profile
	for rows.Next() {
		p := &Profile{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Frequencies, &p.EnterAts, &p.ExitAts); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CurrentProfile resolves the active profile from the currentProfile option,
// falling back to the lowest-id profile when the option is stale.
func (db *DB) CurrentProfile() (*Profile, error) {
	if idStr := db.Option(OptCurrentProfile, ""); idStr != "" {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err == nil {
			if p, err := db.Profile(id); err == nil {
				return p, nil
			}
		}
	}
	ps, err := db.Profiles(ListOpts{OrderBy: "id", Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("no profiles exist")
	}
	return ps[0], nil
}

// SetCurrentProfile marks the given profile active.
func (db *DB) SetCurrentProfile(id int64) error {
	if _, err := db.Profile(id); err != nil {
		return err
	}
	if err := db.SetOption(OptCurrentProfile, strconv.FormatInt(id, 10)); err != nil {
		return err
	}
	db.publish(eventbus.ProfileSet, eventbus.Data{"profile_id": id})
	return nil
}

// ProfilePatch is a partial profile update; nil fields are left unchanged.
type ProfilePatch struct {
	ID          int64
	Name        *string
	Description *string
	Frequencies *string
	EnterAts    *string
	ExitAts     *string
}

// AlterProfile applies patch.
func (db *DB) AlterProfile(patch ProfilePatch) (*Profile, error) {
	p, err := db.Profile(patch.ID)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Frequencies != nil {
		p.Frequencies = *patch.Frequencies
	}
	if patch.EnterAts != nil {
		p.EnterAts = *patch.EnterAts
	}
	if patch.ExitAts != nil {
		p.ExitAts = *patch.ExitAts
	}
	_, err = db.Exec(
		`UPDATE profiles SET name = ?, description = ?, frequencies = ?, enter_ats = ?, exit_ats = ? WHERE id = ?`,
		p.Name, p.Description, p.Frequencies, p.EnterAts, p.ExitAts, p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to alter profile %d: %w", p.ID, err)
	}
	db.publish(eventbus.ProfileAlter, eventbus.Data{"profile_id": p.ID})
	return p, nil
}

// DeleteProfile removes a profile; at least one profile must remain. Deleting
// the active profile switches the currentProfile option to the lowest
// remaining id.
func (db *DB) DeleteProfile(id int64) error {
	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&total); err != nil {
		return err
	}
	if total <= 1 {
		return fmt.Errorf("cannot delete profile %d: at least one profile must remain", id)
	}
	if _, err := db.Exec(`DELETE FROM profiles WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete profile %d: %w", id, err)
	}
	if db.Option(OptCurrentProfile, "") == strconv.FormatInt(id, 10) {
		ps, err := db.Profiles(ListOpts{OrderBy: "id", Limit: 1})
		if err == nil && len(ps) > 0 {
			if err := db.SetOption(OptCurrentProfile, strconv.FormatInt(ps[0].ID, 10)); err != nil {
				return err
			}
		}
	}
	db.publish(eventbus.ProfileDelete, eventbus.Data{"profile_id": id})
	return nil
}

// DuplicateProfile copies a profile with a collision-suffixed name.
func (db *DB) DuplicateProfile(sourceID int64) (*Profile, error) {
	src, err := db.Profile(sourceID)
	if err != nil {
		return nil, err
	}
	names, err := db.takenNames("profiles", "name")
	if err != nil {
		return nil, err
	}
	dup := *src
	dup.Name = uniqueName(src.Name, names)
	res, err := db.Exec(
		`INSERT INTO profiles (name, description, frequencies, enter_ats, exit_ats) VALUES (?, ?, ?, ?, ?)`,
		dup.Name, dup.Description, dup.Frequencies, dup.EnterAts, dup.ExitAts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate profile %d: %w", sourceID, err)
	}
	dup.ID, _ = res.LastInsertId()
	db.publish(eventbus.ProfileDuplicate, eventbus.Data{"profile_id": dup.ID, "source_id": sourceID})
	return &dup, nil
}

// DecodeFrequencies parses the profile's frequency JSON, padding or trimming
// to nodeCount seats.
func (p *Profile) DecodeFrequencies(nodeCount int) (ProfileFrequencies, error) {
	var pf ProfileFrequencies
	if p.Frequencies != "" {
		if err := json.Unmarshal([]byte(p.Frequencies), &pf); err != nil {
			return pf, fmt.Errorf("failed to decode profile %d frequencies: %w", p.ID, err)
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
	return pf, nil
}

// DecodeLevels parses an enter/exit level JSON blob, padded to nodeCount.
func DecodeLevels(raw string, nodeCount int) (ProfileLevels, error) {
	var pl ProfileLevels
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &pl); err != nil {
			return pl, fmt.Errorf("failed to decode level set: %w", err)
		}
	}
	for len(pl.V) < nodeCount {
		pl.V = append(pl.V, nil)
	}
	pl.V = pl.V[:nodeCount]
	return pl, nil
}
