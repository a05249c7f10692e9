package api

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// presetEntry is one seat of a frequency preset.
type presetEntry struct {
	Band    string
	Channel int
	Freq    int
}

// Fixed channel plans. All-N1 is handled separately: it copies seat 0
// across every seat.
var frequencyPresets = map[string][]presetEntry{
	"RB-4": {
		{"R", 1, 5658}, {"R", 3, 5732}, {"R", 6, 5843}, {"R", 7, 5880},
	},
	"RB-8": {
		{"R", 1, 5658}, {"R", 2, 5695}, {"R", 3, 5732}, {"R", 4, 5769},
		{"R", 5, 5806}, {"R", 6, 5843}, {"R", 7, 5880}, {"R", 8, 5917},
	},
	"IMD5C": {
		{"R", 1, 5658}, {"R", 2, 5695}, {"F", 2, 5760}, {"F", 4, 5800}, {"E", 5, 5885},
	},
	"IMD6C": {
		{"R", 1, 5658}, {"R", 2, 5695}, {"F", 2, 5760}, {"F", 4, 5800},
		{"R", 7, 5880}, {"R", 8, 5917},
	},
}

func presetNames() []string {
	names := []string{"All-N1"}
	for name := range frequencyPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) cmdSetFrequency(body json.RawMessage) (any, error) {
	var req struct {
		Node      int     `json:"node"`
		Band      *string `json:"band"`
		Channel   *int    `json:"channel"`
		Frequency int     `json:"frequency"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid set_frequency payload: %w", err)
	}
	if req.Node < 0 || req.Node >= s.iface.NodeCount() {
		return nil, fmt.Errorf("node %d out of range", req.Node)
	}
	if err := s.iface.SetFrequency(req.Node, req.Frequency); err != nil {
		return nil, err
	}
	if err := s.storeFrequency(req.Node, req.Band, req.Channel, req.Frequency); err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.FrequencySet, eventbus.Data{
		"node_index": req.Node, "frequency": req.Frequency,
	})
	return nil, nil
}

func (s *Server) cmdSetFrequencyPreset(body json.RawMessage) (any, error) {
	var req struct {
		Preset string `json:"preset"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid set_frequency_preset payload: %w", err)
	}

	count := s.iface.NodeCount()
	var entries []presetEntry
	if req.Preset == "All-N1" {
		p, err := s.store.CurrentProfile()
		if err != nil {
			return nil, err
		}
		var pf db.ProfileFrequencies
		if err := json.Unmarshal([]byte(p.Frequencies), &pf); err != nil || len(pf.Freq) == 0 {
			return nil, fmt.Errorf("current profile has no seat 0 frequency")
		}
		first := presetEntry{Freq: pf.Freq[0]}
		if len(pf.Band) > 0 && pf.Band[0] != nil {
			first.Band = *pf.Band[0]
		}
		if len(pf.Channel) > 0 && pf.Channel[0] != nil {
			first.Channel = *pf.Channel[0]
		}
		for i := 0; i < count; i++ {
			entries = append(entries, first)
		}
	} else {
		table, ok := frequencyPresets[req.Preset]
		if !ok {
			return nil, fmt.Errorf("unknown frequency preset %q", req.Preset)
		}
		entries = table
	}

	for i := 0; i < count; i++ {
		entry := presetEntry{Freq: db.FrequencyNone}
		if i < len(entries) {
			entry = entries[i]
		}
		if err := s.iface.SetFrequency(i, entry.Freq); err != nil {
			return nil, err
		}
		band, channel := entry.Band, entry.Channel
		var bandPtr *string
		var chanPtr *int
		if band != "" {
			bandPtr, chanPtr = &band, &channel
		}
		if err := s.storeFrequency(i, bandPtr, chanPtr, entry.Freq); err != nil {
			return nil, err
		}
		s.bus.Publish(eventbus.FrequencySet, eventbus.Data{
			"node_index": i, "frequency": entry.Freq,
		})
	}
	return nil, nil
}

// storeFrequency writes one seat of the current profile's channel plan.
func (s *Server) storeFrequency(nodeIndex int, band *string, channel *int, freq int) error {
	p, err := s.store.CurrentProfile()
	if err != nil {
		return err
	}
	var pf db.ProfileFrequencies
	if err := json.Unmarshal([]byte(p.Frequencies), &pf); err != nil {
		pf = db.ProfileFrequencies{}
	}
	count := s.iface.NodeCount()
	for len(pf.Band) < count {
		pf.Band = append(pf.Band, nil)
	}
	for len(pf.Channel) < count {
		pf.Channel = append(pf.Channel, nil)
	}
	for len(pf.Freq) < count {
		pf.Freq = append(pf.Freq, db.FrequencyNone)
	}
	pf.Band[nodeIndex] = band
	pf.Channel[nodeIndex] = channel
	pf.Freq[nodeIndex] = freq

	raw, err := json.Marshal(pf)
	if err != nil {
		return err
	}
	fj := string(raw)
	_, err = s.store.AlterProfile(db.ProfilePatch{ID: p.ID, Frequencies: &fj})
	return err
}

// applyProfile pushes a profile's frequencies and thresholds to the nodes.
func (s *Server) applyProfile(profileID int64) error {
	p, err := s.store.Profile(profileID)
	if err != nil {
		return err
	}
	var pf db.ProfileFrequencies
	if err := json.Unmarshal([]byte(p.Frequencies), &pf); err != nil {
		return fmt.Errorf("profile %d has invalid frequencies: %w", profileID, err)
	}
	var enterAts, exitAts db.ProfileLevels
	json.Unmarshal([]byte(p.EnterAts), &enterAts)
	json.Unmarshal([]byte(p.ExitAts), &exitAts)

	for i := 0; i < s.iface.NodeCount(); i++ {
		if i < len(pf.Freq) {
			if err := s.iface.SetFrequency(i, pf.Freq[i]); err != nil {
				return err
			}
			s.bus.Publish(eventbus.FrequencySet, eventbus.Data{
				"node_index": i, "frequency": pf.Freq[i],
			})
		}
		if i < len(enterAts.V) && enterAts.V[i] != nil {
			if err := s.iface.SetEnterAtLevel(i, *enterAts.V[i]); err != nil {
				return err
			}
		}
		if i < len(exitAts.V) && exitAts.V[i] != nil {
			if err := s.iface.SetExitAtLevel(i, *exitAts.V[i]); err != nil {
				return err
			}
		}
	}
	s.bus.Publish(eventbus.ProfileSet, eventbus.Data{"profile_id": profileID})
	return nil
}

func (s *Server) setLEDEffect(event, color string) error {
	if event == "" {
		return fmt.Errorf("missing event name")
	}
	return s.leds.SetEffect(event, color)
}
