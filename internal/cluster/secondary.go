package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/banshee-data/gatetimer/internal/clock"
	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/race"
)

// Events never re-published locally from a cluster trigger.
var filteredEvents = map[string]bool{
	string(eventbus.Startup):      true,
	string(eventbus.LEDSetManual): true,
}

// Agent is the secondary's side of the cluster link. In split mode it runs
// its own races off the primary's sequencing events and reports passes
// upstream; in mirror mode it only follows the primary's race status.
type Agent struct {
	mode  Mode
	clk   clock.Clock
	bus   *eventbus.Bus
	store *db.DB
	ctrl  *race.Controller

	conn   msgConn
	joined bool
}

// NewAgent creates an Agent in the given mode.
func NewAgent(mode Mode, clk clock.Clock, bus *eventbus.Bus, store *db.DB, ctrl *race.Controller) *Agent {
	return &Agent{mode: mode, clk: clk, bus: bus, store: store, ctrl: ctrl}
}

// Run joins the primary at addr and serves the link until ctx is cancelled
// or the connection drops.
func (a *Agent) Run(ctx context.Context, addr string) error {
	conn, err := Dial(ctx, addr)
	if err != nil {
		return err
	}
	a.conn = conn
	defer conn.Close()

	if err := a.prepareFirstJoin(); err != nil {
		return err
	}

	env, err := envelope(TypeJoin, JoinPayload{Mode: a.mode})
	if err != nil {
		return err
	}
	if err := conn.WriteMsg(ctx, env); err != nil {
		return fmt.Errorf("failed to send join: %w", err)
	}
	resp, err := conn.ReadMsg(ctx)
	if err != nil {
		return fmt.Errorf("failed to read join response: %w", err)
	}
	if resp.Type != TypeJoinResponse {
		return fmt.Errorf("expected %s, got %q", TypeJoinResponse, resp.Type)
	}
	var joinResp JoinResponsePayload
	if err := json.Unmarshal(resp.Payload, &joinResp); err != nil {
		return fmt.Errorf("failed to decode join response: %w", err)
	}
	log.Printf("cluster: joined primary in %s mode (primary start epoch %.0f)", a.mode, joinResp.ProgStartEpoch)
	a.bus.Publish(eventbus.ClusterJoin, eventbus.Data{"mode": string(a.mode)})

	if a.mode == ModeSplit {
		a.bus.Subscribe(eventbus.RaceLapRecorded, "cluster-agent", func(data eventbus.Data) {
			a.sendPass(ctx, data)
		})
		defer a.bus.Unsubscribe(eventbus.RaceLapRecorded, "cluster-agent")
	}

	for {
		env, err := a.conn.ReadMsg(ctx)
		if err != nil {
			return fmt.Errorf("cluster link lost: %w", err)
		}
		a.handle(ctx, env)
	}
}

// prepareFirstJoin readies a split secondary the first time it joins: local
// race history would collide with the primary's sequencing, so it is
// snapshotted and cleared, and the controller switches to the relaxed
// secondary rules.
func (a *Agent) prepareFirstJoin() error {
	if a.joined {
		return nil
	}
	a.joined = true
	if a.mode != ModeSplit {
		return nil
	}
	races, err := a.store.SavedRaces(db.ListOpts{Limit: 1})
	if err != nil {
		return err
	}
	if len(races) > 0 {
		if _, err := a.store.AutoBackup(); err != nil {
			return fmt.Errorf("failed to snapshot database before join: %w", err)
		}
		if err := a.store.ClearRaces(); err != nil {
			return fmt.Errorf("failed to clear race data before join: %w", err)
		}
		log.Print("cluster: snapshotted and cleared local race data for split join")
	}
	a.ctrl.SetSecondaryMode(true)
	return nil
}

func (a *Agent) handle(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypeCheckQuery:
		var check CheckPayload
		if err := json.Unmarshal(env.Payload, &check); err != nil {
			return
		}
		resp, err := envelope(TypeCheckResponse, check)
		if err == nil {
			if err := a.conn.WriteMsg(ctx, resp); err != nil {
				log.Printf("cluster: check response: %v", err)
			}
		}
	case TypeEventTrigger:
		var trig EventTriggerPayload
		if err := json.Unmarshal(env.Payload, &trig); err != nil {
			log.Printf("cluster: bad event trigger: %v", err)
			return
		}
		a.applyTrigger(trig)
		ack, err := envelope(TypeAck, AckPayload{MessageType: TypeEventTrigger, MessagePayload: trig.EvtName})
		if err == nil {
			if err := a.conn.WriteMsg(ctx, ack); err != nil {
				log.Printf("cluster: ack: %v", err)
			}
		}
	default:
		log.Printf("cluster: unexpected %q from primary", env.Type)
	}
}

// applyTrigger mirrors the primary's race sequencing and re-publishes the
// event locally. Payload references to the primary's race entities are
// discarded; local ids mean something else entirely.
func (a *Agent) applyTrigger(trig EventTriggerPayload) {
	if filteredEvents[trig.EvtName] {
		return
	}

	switch eventbus.Event(trig.EvtName) {
	case eventbus.RaceStage:
		if err := a.ctrl.Stage(); err != nil {
			log.Printf("cluster: mirror stage: %v", err)
		}
		return // the local stage publishes its own RACE_STAGE
	case eventbus.RaceStop:
		if err := a.ctrl.Stop(); err != nil {
			log.Printf("cluster: mirror stop: %v", err)
		}
		return
	case eventbus.LapsDiscard:
		if err := a.ctrl.Discard(); err != nil {
			log.Printf("cluster: mirror discard: %v", err)
		}
		return
	}

	data := eventbus.Data(trig.EvtArgs)
	delete(data, "race")
	delete(data, "race_id")
	a.bus.Publish(eventbus.Event(trig.EvtName), data)
}

func (a *Agent) sendPass(ctx context.Context, data eventbus.Data) {
	nodeIndex, _ := data["node_index"].(int)
	lap, ok := data["lap"].(race.Lap)
	if !ok {
		return
	}
	env, err := envelope(TypePassRecord, PassRecordPayload{
		Node:         nodeIndex,
		LapTimeStamp: lap.LapTimeStamp,
	})
	if err != nil {
		return
	}
	if err := a.conn.WriteMsg(ctx, env); err != nil {
		log.Printf("cluster: pass record: %v", err)
	}
}
