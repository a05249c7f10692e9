package api

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/banshee-data/gatetimer/internal/db"
)

// cmdGenerateHeats builds a heat plan in the output class from either the
// pilot roster (random seeding) or the input class leaderboard (ranked
// seeding, best pilots in the last heat so finals run last).
func (s *Server) cmdGenerateHeats(body json.RawMessage) (any, error) {
	var req struct {
		Generator   string `json:"generator"`
		InputClass  int64  `json:"input_class"`
		OutputClass int64  `json:"output_class"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid generate_heats_v2 payload: %w", err)
	}

	var pilotIDs []int64
	switch req.Generator {
	case "", "random":
		pilots, err := s.store.Pilots(listAll)
		if err != nil {
			return nil, err
		}
		for _, p := range pilots {
			pilotIDs = append(pilotIDs, p.ID)
		}
		rand.Shuffle(len(pilotIDs), func(i, j int) {
			pilotIDs[i], pilotIDs[j] = pilotIDs[j], pilotIDs[i]
		})
	case "ranked":
		if req.InputClass == db.ClassIDNone {
			return nil, fmt.Errorf("ranked seeding needs an input class")
		}
		board, err := s.cache.Class(req.InputClass)
		if err != nil {
			return nil, err
		}
		// leaderboard order, reversed so the strongest group races last
		for i := len(board.Lines) - 1; i >= 0; i-- {
			pilotIDs = append(pilotIDs, board.Lines[i].PilotID)
		}
	default:
		return nil, fmt.Errorf("unknown heat generator %q", req.Generator)
	}
	if len(pilotIDs) == 0 {
		return nil, fmt.Errorf("no pilots to seed")
	}

	count := s.iface.NodeCount()
	var plan []map[string]any
	for start := 0; start < len(pilotIDs); start += count {
		group := pilotIDs[start:min(start+count, len(pilotIDs))]
		heat, err := s.store.AddHeat(count)
		if err != nil {
			return nil, err
		}
		slots, err := s.store.HeatSlots(heat.ID)
		if err != nil {
			return nil, err
		}
		patch := db.HeatPatch{ID: heat.ID}
		if req.OutputClass != db.ClassIDNone {
			classID := req.OutputClass
			patch.ClassID = &classID
		}
		for i := range group {
			pilotID := group[i]
			nodeIndex := i
			patch.Slots = append(patch.Slots, db.SlotPatch{
				SlotID: slots[i].ID, PilotID: &pilotID, NodeIndex: &nodeIndex,
			})
		}
		heat, err = s.store.AlterHeat(patch)
		if err != nil {
			return nil, err
		}
		slots, err = s.store.HeatSlots(heat.ID)
		if err != nil {
			return nil, err
		}
		plan = append(plan, map[string]any{"heat": heat, "slots": slots})
	}

	return map[string]any{
		"heat_plan_result": plan,
		"calc_result":      fmt.Sprintf("%d heats from %d pilots", len(plan), len(pilotIDs)),
	}, nil
}
