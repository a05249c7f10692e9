// Package calibration seeds per-node enter/exit thresholds from race
// history. When a heat is set it searches saved pilot races from the
// narrowest matching scope outward and applies the freshest recorded pair;
// nodes with no history fall back to quantiles of the live RSSI trace.
package calibration

import (
	"log"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/node"
)

// Quantiles of the recent RSSI trace used when no saved race can seed a
// node. The enter level sits near the top of the observed range so only a
// close pass opens the crossing window.
const (
	enterQuantile = 0.85
	exitQuantile  = 0.55
)

// Tuner applies historical thresholds through the node interface.
type Tuner struct {
	store *db.DB
	iface node.Interface
	bus   *eventbus.Bus
}

// New creates a Tuner.
func New(store *db.DB, iface node.Interface, bus *eventbus.Bus) *Tuner {
	return &Tuner{store: store, iface: iface, bus: bus}
}

// ApplyHeat seeds every node's thresholds for the given heat seating.
// Implements the race controller's Calibrator contract.
func (t *Tuner) ApplyHeat(heatID int64, nodePilots []int64) {
	classID := db.ClassIDNone
	if heatID != db.HeatIDNone {
		if heat, err := t.store.Heat(heatID); err == nil {
			classID = heat.ClassID
		}
	}

	for i := 0; i < t.iface.NodeCount(); i++ {
		pilotID := db.PilotIDNone
		if i < len(nodePilots) {
			pilotID = nodePilots[i]
		}
		enterAt, exitAt, found, err := t.store.BestThresholds(heatID, classID, pilotID, i)
		if err != nil {
			log.Printf("calibration: node %d: %v", i, err)
			continue
		}
		if !found {
			enterAt, exitAt, found = t.proposeFromHistory(i)
		}
		if !found || enterAt <= exitAt {
			continue // keep current thresholds
		}
		t.apply(i, enterAt, exitAt)
	}
}

func (t *Tuner) apply(nodeIndex, enterAt, exitAt int) {
	if err := t.iface.SetEnterAtLevel(nodeIndex, enterAt); err != nil {
		log.Printf("calibration: set enter level node %d: %v", nodeIndex, err)
		return
	}
	if err := t.iface.SetExitAtLevel(nodeIndex, exitAt); err != nil {
		log.Printf("calibration: set exit level node %d: %v", nodeIndex, err)
		return
	}
	t.bus.Publish(eventbus.EnterAtLevelSet, eventbus.Data{"node_index": nodeIndex, "level": enterAt})
	t.bus.Publish(eventbus.ExitAtLevelSet, eventbus.Data{"node_index": nodeIndex, "level": exitAt})
}

// proposeFromHistory derives thresholds from the node's recent RSSI trace.
// Needs a reasonably filled trace to say anything useful.
func (t *Tuner) proposeFromHistory(nodeIndex int) (enterAt, exitAt int, ok bool) {
	n := t.iface.Node(nodeIndex)
	if n == nil {
		return 0, 0, false
	}
	values, _ := n.History()
	if len(values) < 10 {
		return 0, 0, false
	}
	samples := make([]float64, len(values))
	for i, v := range values {
		samples[i] = float64(v)
	}
	sort.Float64s(samples)
	enterAt = int(stat.Quantile(enterQuantile, stat.Empirical, samples, nil))
	exitAt = int(stat.Quantile(exitQuantile, stat.Empirical, samples, nil))
	if enterAt <= exitAt {
		return 0, 0, false
	}
	return enterAt, exitAt, true
}
