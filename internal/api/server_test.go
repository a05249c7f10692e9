package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/gatetimer/internal/clock"
	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/led"
	"github.com/banshee-data/gatetimer/internal/node"
	"github.com/banshee-data/gatetimer/internal/race"
	"github.com/banshee-data/gatetimer/internal/results"
)

type rig struct {
	srv   *Server
	mux   *http.ServeMux
	store *db.DB
	bus   *eventbus.Bus
	iface *node.MockInterface
	ctrl  *race.Controller
}

func newRig(t *testing.T) *rig {
	t.Helper()
	bus := eventbus.New()
	store, err := db.Open(filepath.Join(t.TempDir(), "api.db"), bus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureDefaults(2); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}
	clk := clock.NewMockClock(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	iface := node.NewMock(2)
	cache := results.New(store)
	ctrl := race.New(clk, clock.NewSource(clk), bus, store, cache, iface)
	leds := led.New(store, bus, nil)
	leds.Start()

	srv := NewServer(Config{
		Store: store, Bus: bus, Race: ctrl, Nodes: iface,
		Results: cache, LEDs: leds, Source: clock.NewSource(clk), Clock: clk,
		Shutdown: func(string) {}, Version: "test",
	})
	return &rig{srv: srv, mux: srv.ServeMux(), store: store, bus: bus, iface: iface, ctrl: ctrl}
}

// post sends a command and decodes the JSON response.
func (r *rig) post(t *testing.T, cmd string, body any) (int, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/"+cmd, bytes.NewReader(payload))
	w := httptest.NewRecorder()
	r.mux.ServeHTTP(w, req)
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s response %q: %v", cmd, w.Body.String(), err)
	}
	return w.Code, out
}

func (r *rig) postOK(t *testing.T, cmd string, body any) map[string]any {
	t.Helper()
	code, out := r.post(t, cmd, body)
	if code != http.StatusOK || out["success"] != true {
		t.Fatalf("%s failed: %d %v", cmd, code, out)
	}
	return out
}

func TestStageRaceCommand(t *testing.T) {
	r := newRig(t)
	r.postOK(t, "stage_race", nil)
	if got := r.ctrl.Status(); got != race.StatusStaging {
		t.Errorf("status after stage_race = %v, want %v", got, race.StatusStaging)
	}
}

func TestCommandErrorIsPriorityMessage(t *testing.T) {
	r := newRig(t)
	code, out := r.post(t, "delete_pilot", map[string]any{"id": 999})
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", code, http.StatusBadRequest)
	}
	if out["success"] != false || out["priority"] != "ui-message" {
		t.Errorf("error envelope = %v", out)
	}
	if msg, _ := out["message"].(string); msg == "" {
		t.Error("error response has no message")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	r := newRig(t)
	req := httptest.NewRequest(http.MethodGet, "/api/stage_race", nil)
	w := httptest.NewRecorder()
	r.mux.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestSetFrequencyUpdatesNodeAndProfile(t *testing.T) {
	r := newRig(t)
	r.postOK(t, "set_frequency", map[string]any{
		"node": 0, "band": "R", "channel": 2, "frequency": 5695,
	})

	if got := r.iface.Node(0).Snapshot().Frequency; got != 5695 {
		t.Errorf("node 0 frequency = %d, want 5695", got)
	}
	p, err := r.store.CurrentProfile()
	if err != nil {
		t.Fatalf("CurrentProfile: %v", err)
	}
	var pf db.ProfileFrequencies
	if err := json.Unmarshal([]byte(p.Frequencies), &pf); err != nil {
		t.Fatalf("decode frequencies: %v", err)
	}
	if pf.Freq[0] != 5695 || pf.Band[0] == nil || *pf.Band[0] != "R" {
		t.Errorf("profile seat 0 = %+v", pf)
	}
}

func TestFrequencyPresetRB4(t *testing.T) {
	r := newRig(t)
	r.postOK(t, "set_frequency_preset", map[string]any{"preset": "RB-4"})

	want := []int{5658, 5732}
	for i, freq := range want {
		if got := r.iface.Node(i).Snapshot().Frequency; got != freq {
			t.Errorf("node %d frequency = %d, want %d", i, got, freq)
		}
	}
}

func TestFrequencyPresetAllN1(t *testing.T) {
	r := newRig(t)
	r.postOK(t, "set_frequency", map[string]any{"node": 0, "frequency": 5800})
	r.postOK(t, "set_frequency_preset", map[string]any{"preset": "All-N1"})
	for i := 0; i < 2; i++ {
		if got := r.iface.Node(i).Snapshot().Frequency; got != 5800 {
			t.Errorf("node %d frequency = %d, want 5800", i, got)
		}
	}
}

func TestLoadDataReturnsRequestedTypes(t *testing.T) {
	r := newRig(t)
	if _, err := r.store.AddPilot(); err != nil {
		t.Fatalf("AddPilot: %v", err)
	}
	out := r.postOK(t, "load_data", map[string]any{"types": []string{"pilots", "race_status"}})
	data, _ := out["data"].(map[string]any)
	if data == nil {
		t.Fatalf("no data in %v", out)
	}
	pilots, _ := data["pilots"].([]any)
	if len(pilots) != 1 {
		t.Errorf("pilots = %v, want one entry", data["pilots"])
	}
	status, _ := data["race_status"].(map[string]any)
	if status["race_status"] != "READY" {
		t.Errorf("race_status = %v", status)
	}
}

func TestAlterPilotCallsign(t *testing.T) {
	r := newRig(t)
	p, err := r.store.AddPilot()
	if err != nil {
		t.Fatalf("AddPilot: %v", err)
	}
	out := r.postOK(t, "alter_pilot", map[string]any{"pilot_id": p.ID, "callsign": "HAWK"})
	data, _ := out["data"].(map[string]any)
	if data["callsign"] != "HAWK" {
		t.Errorf("altered pilot = %v", data)
	}
}

func TestGenerateHeatsRandom(t *testing.T) {
	r := newRig(t)
	for i := 0; i < 5; i++ {
		if _, err := r.store.AddPilot(); err != nil {
			t.Fatalf("AddPilot: %v", err)
		}
	}
	out := r.postOK(t, "generate_heats_v2", map[string]any{"generator": "random"})
	data, _ := out["data"].(map[string]any)
	plan, _ := data["heat_plan_result"].([]any)
	if len(plan) != 3 {
		t.Fatalf("plan has %d heats, want 3 for 5 pilots on 2 nodes", len(plan))
	}
	seen := map[float64]bool{}
	for _, entry := range plan {
		slots := entry.(map[string]any)["slots"].([]any)
		for _, raw := range slots {
			slot := raw.(map[string]any)
			if id, _ := slot["pilot_id"].(float64); id != 0 {
				if seen[id] {
					t.Errorf("pilot %v seated twice", id)
				}
				seen[id] = true
			}
		}
	}
	if len(seen) != 5 {
		t.Errorf("%d pilots seated, want 5", len(seen))
	}
}

func TestResetDatabasePilots(t *testing.T) {
	r := newRig(t)
	if _, err := r.store.AddPilot(); err != nil {
		t.Fatalf("AddPilot: %v", err)
	}
	r.postOK(t, "reset_database", map[string]any{"reset_type": "pilots"})
	n, err := r.store.CountPilots(db.ListOpts{})
	if err != nil {
		t.Fatalf("CountPilots: %v", err)
	}
	if n != 0 {
		t.Errorf("%d pilots after reset, want 0", n)
	}
}

func TestBackupDatabaseListsBackups(t *testing.T) {
	r := newRig(t)
	out := r.postOK(t, "backup_database", nil)
	data, _ := out["data"].(map[string]any)
	file, _ := data["backup_file"].(string)
	if file == "" {
		t.Fatalf("no backup file in %v", out)
	}
	list, _ := data["backups_list"].([]any)
	found := false
	for _, entry := range list {
		if entry == file {
			found = true
		}
	}
	if !found {
		t.Errorf("backup %s missing from list %v", file, list)
	}
}

func TestStreamSnapshotAndDelta(t *testing.T) {
	r := newRig(t)
	ts := httptest.NewServer(r.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, data := readEvent()
	if name != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", name)
	}
	var snap map[string]any
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	for _, key := range []string{"server_info", "pilots", "race_status", "frequency_presets"} {
		if _, ok := snap[key]; !ok {
			t.Errorf("snapshot missing %s", key)
		}
	}

	name, _ = readEvent()
	if name != "hardware_log_init" {
		t.Fatalf("second event = %q, want hardware_log_init", name)
	}

	r.bus.Publish(eventbus.MessageUI, eventbus.Data{"message": "hello"})
	name, data = readEvent()
	if name != "priority_message" {
		t.Fatalf("delta event = %q, want priority_message", name)
	}
	if !strings.Contains(data, "hello") {
		t.Errorf("delta payload = %s", data)
	}
}

func TestStatusEndpoint(t *testing.T) {
	r := newRig(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	r.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["race_status"] != "READY" || out["version"] != "test" {
		t.Errorf("status payload = %v", out)
	}
}

func TestUnknownPresetRejected(t *testing.T) {
	r := newRig(t)
	code, out := r.post(t, "set_frequency_preset", map[string]any{"preset": "XYZ"})
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
	if msg := fmt.Sprint(out["message"]); !strings.Contains(msg, "XYZ") {
		t.Errorf("message %q does not name the preset", msg)
	}
}
