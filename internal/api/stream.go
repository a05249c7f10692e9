package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// heartbeatInterval paces the node RSSI push to browsers.
const heartbeatInterval = 500 * time.Millisecond

// pushNames maps bus events to the wire-level push names browsers listen
// for. Events not listed here are not streamed.
var pushNames = map[eventbus.Event]string{
	eventbus.RaceSchedule:       "race_scheduled",
	eventbus.RaceScheduleCancel: "race_schedule_cancelled",
	eventbus.RaceStage:          "stage_ready",
	eventbus.RaceStart:          "race_started",
	eventbus.RaceFinish:         "race_finished",
	eventbus.RaceStop:           "stop_timer",
	eventbus.RaceLapRecorded:    "race_details",
	eventbus.RacePilotDone:      "pilot_done",
	eventbus.RaceWin:            "race_win",
	eventbus.LapDelete:          "race_details",
	eventbus.LapRestoreDeleted:  "race_details",
	eventbus.LapsDiscard:        "laps_cleared",
	eventbus.LapsClear:          "laps_cleared",
	eventbus.HeatSet:            "current_heat",
	eventbus.FrequencySet:       "frequency_set",
	eventbus.EnterAtLevelSet:    "node_tuning",
	eventbus.ExitAtLevelSet:     "node_tuning",
	eventbus.PilotAdd:           "pilot_data",
	eventbus.PilotAlter:         "pilot_data",
	eventbus.PilotDelete:        "pilot_data",
	eventbus.HeatAdd:            "heat_data",
	eventbus.HeatAlter:          "heat_data",
	eventbus.HeatDelete:         "heat_data",
	eventbus.DatabaseBackup:     "database_bkp_done",
	eventbus.DatabaseReset:      "reset_confirm",
	eventbus.DatabaseExport:     "exported_data",
	eventbus.TimeOffsetSet:      "pi_time",
	eventbus.MessageUI:          "priority_message",
	eventbus.ClusterJoin:        "cluster_status",
}

type sseMsg struct {
	name string
	data any
}

// streamHub fans bus events out to connected SSE sessions.
type streamHub struct {
	s *Server

	mu       sync.Mutex
	sessions map[string]chan sseMsg
}

func newStreamHub(s *Server) *streamHub {
	h := &streamHub{s: s, sessions: make(map[string]chan sseMsg)}
	for evt, name := range pushNames {
		name := name
		s.bus.Subscribe(evt, "api-stream", func(data eventbus.Data) {
			h.broadcast(sseMsg{name: name, data: map[string]any(data)})
		})
	}
	return h
}

// Run pushes the heartbeat until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ticker := s.clk.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.stream.broadcast(sseMsg{name: "heartbeat", data: map[string]any{
				"nodes":     s.nodeSnapshots(),
				"pi_time_s": s.src.Monotonic(),
			}})
		}
	}
}

func (h *streamHub) broadcast(msg sseMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.sessions {
		select {
		case ch <- msg:
		default:
			log.Printf("api: stream session %s lagging, dropping %s", id, msg.name)
		}
	}
}

func (h *streamHub) register() (string, chan sseMsg) {
	id := uuid.NewString()
	ch := make(chan sseMsg, 64)
	h.mu.Lock()
	h.sessions[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *streamHub) unregister(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (h *streamHub) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.s.writeJSONError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, ch := h.register()
	defer h.unregister(id)

	if err := writeSSE(w, sseMsg{name: "snapshot", data: h.s.snapshot()}); err != nil {
		return
	}
	if err := writeSSE(w, sseMsg{name: "hardware_log_init", data: ServerLog.Lines()}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case msg := <-ch:
			if err := writeSSE(w, msg); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, msg sseMsg) error {
	payload, err := json.Marshal(msg.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.name, payload)
	return err
}

// snapshot is the full state push a browser receives on connect.
func (s *Server) snapshot() map[string]any {
	out := map[string]any{
		"server_info": map[string]any{
			"version":    s.version,
			"node_count": s.iface.NodeCount(),
		},
	}
	for _, typ := range []string{
		"pilots", "heats", "classes", "formats", "profiles",
		"current_profile", "node_data", "race_status", "last_race", "led_setup",
		"frequency_presets",
	} {
		data, err := s.loadOne(typ)
		if err != nil {
			log.Printf("api: snapshot %s: %v", typ, err)
			continue
		}
		out[typ] = data
	}
	return out
}
