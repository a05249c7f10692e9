package led

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
)

type recordingRenderer struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recordingRenderer) Render(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingRenderer) last(t *testing.T) Frame {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		t.Fatal("nothing rendered")
	}
	return r.frames[len(r.frames)-1]
}

func newTestManager(t *testing.T) (*Manager, *recordingRenderer, *eventbus.Bus, *db.DB) {
	t.Helper()
	bus := eventbus.New()
	store, err := db.Open(filepath.Join(t.TempDir(), "led.db"), bus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	r := &recordingRenderer{}
	m := New(store, bus, r)
	m.Start()
	return m, r, bus, store
}

func TestRaceEventColors(t *testing.T) {
	m, r, bus, _ := newTestManager(t)

	bus.Publish(eventbus.RaceStage, nil)
	if got := r.last(t); got.Color != ColorOrange || got.Brightness != defaultBrightness {
		t.Errorf("stage frame = %+v", got)
	}
	bus.Publish(eventbus.RaceStart, nil)
	if got := r.last(t); got.Color != ColorGreen {
		t.Errorf("start color = %v, want %v", got.Color, ColorGreen)
	}
	bus.Publish(eventbus.RaceStop, nil)
	if got := m.Current(); got.Color != ColorRed {
		t.Errorf("stop color = %v, want %v", got.Color, ColorRed)
	}
}

func TestLapFlashUsesSeatColor(t *testing.T) {
	_, r, bus, _ := newTestManager(t)
	bus.Publish(eventbus.RaceLapRecorded, eventbus.Data{"node_index": 1})
	if got := r.last(t); got.Color != SeatColor(1) {
		t.Errorf("lap color = %v, want %v", got.Color, SeatColor(1))
	}
}

func TestManualOverrideHoldsUntilStage(t *testing.T) {
	m, r, bus, _ := newTestManager(t)

	bus.Publish(eventbus.LEDSetManual, eventbus.Data{"color": "#00FFDD"})
	if got := r.last(t); got.Color != 0x00FFDD {
		t.Fatalf("manual color = %v", got.Color)
	}

	// event-driven colors are suppressed while manual
	bus.Publish(eventbus.RaceLapRecorded, eventbus.Data{"node_index": 0})
	if got := m.Current(); got.Color != 0x00FFDD {
		t.Errorf("lap overrode manual color: %v", got.Color)
	}

	bus.Publish(eventbus.RaceStage, nil)
	if got := m.Current(); got.Color != ColorOrange {
		t.Errorf("stage did not resume event display: %v", got.Color)
	}
}

func TestBrightnessPersists(t *testing.T) {
	m, _, bus, store := newTestManager(t)
	bus.Publish(eventbus.LEDBrightnessSet, eventbus.Data{"brightness": 128})
	if got := m.Current(); got.Brightness != 128 {
		t.Errorf("brightness = %d, want 128", got.Brightness)
	}
	if got := store.OptionInt(OptBrightness, 0); got != 128 {
		t.Errorf("persisted brightness = %d, want 128", got)
	}
}

func TestBrightnessFromForwardedEvent(t *testing.T) {
	m, _, bus, store := newTestManager(t)

	// a secondary republishes trigger args decoded from JSON, where every
	// number arrives as a float64
	raw, err := json.Marshal(eventbus.Data{"brightness": 128})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var forwarded eventbus.Data
	if err := json.Unmarshal(raw, &forwarded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	bus.Publish(eventbus.LEDBrightnessSet, forwarded)

	if got := m.Current(); got.Brightness != 128 {
		t.Errorf("brightness = %d, want 128", got.Brightness)
	}
	if got := store.OptionInt(OptBrightness, 0); got != 128 {
		t.Errorf("persisted brightness = %d, want 128", got)
	}
}

func TestEffectOverridesFromOption(t *testing.T) {
	bus := eventbus.New()
	store, err := db.Open(filepath.Join(t.TempDir(), "led.db"), bus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.SetOption(OptEffects, `{"RACE_START": "#112233"}`); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	r := &recordingRenderer{}
	New(store, bus, r).Start()

	bus.Publish(eventbus.RaceStart, nil)
	if got := r.last(t); got.Color != 0x112233 {
		t.Errorf("overridden start color = %v, want #112233", got.Color)
	}
}

func TestParseColor(t *testing.T) {
	if c, err := ParseColor("#FF7F00"); err != nil || c != ColorOrange {
		t.Errorf("ParseColor(#FF7F00) = %v, %v", c, err)
	}
	if _, err := ParseColor("red"); err == nil {
		t.Error("ParseColor accepted a non-hex string")
	}
	if got := ColorOrange.String(); got != "#FF7F00" {
		t.Errorf("String() = %q", got)
	}
}
