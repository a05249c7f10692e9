// Package led turns server events into strip colors. The manager owns the
// event-to-color mapping and the brightness setting; actual output goes
// through a Renderer so the hardware driver stays out of process when there
// is none.
package led

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// Color is a packed 0xRRGGBB value.
type Color uint32

// RGB packs a color.
func RGB(r, g, b uint8) Color {
	return Color(uint32(r)<<16 | uint32(g)<<8 | uint32(b))
}

const (
	ColorOff    Color = 0x000000
	ColorRed    Color = 0xFF0000
	ColorGreen  Color = 0x00FF00
	ColorBlue   Color = 0x0000FF
	ColorOrange Color = 0xFF7F00
	ColorWhite  Color = 0xFFFFFF
)

// seatColors is the per-node palette, indexed by node number modulo its
// length.
var seatColors = []Color{
	0x0022FF, // blue
	0xFF5500, // orange
	0xFF0055, // magenta
	0xDDFF00, // yellow
	0x7700FF, // purple
	0x00FFDD, // teal
	0x00FF22, // green
	0xFF0022, // red
}

// SeatColor returns the display color for a node index.
func SeatColor(nodeIndex int) Color {
	return seatColors[nodeIndex%len(seatColors)]
}

// Frame is one strip state.
type Frame struct {
	Color      Color
	Brightness int
}

// Renderer drives the physical strip.
type Renderer interface {
	Render(Frame) error
}

// NoopRenderer discards frames. Used when no strip hardware is configured.
type NoopRenderer struct{}

func (NoopRenderer) Render(Frame) error { return nil }

// Option names.
const (
	OptEffects    = "ledEffects"
	OptBrightness = "ledBrightness"
)

const defaultBrightness = 32

// defaultEffects maps race events to colors. The ledEffects option overlays
// hex overrides per event name.
var defaultEffects = map[eventbus.Event]Color{
	eventbus.Startup:    ColorOff,
	eventbus.Shutdown:   ColorOff,
	eventbus.RaceStage:  ColorOrange,
	eventbus.RaceStart:  ColorGreen,
	eventbus.RaceFinish: ColorWhite,
	eventbus.RaceStop:   ColorRed,
	eventbus.LapsClear:  ColorOff,
}

// Manager resolves events to frames and forwards them to the renderer.
type Manager struct {
	store    *db.DB
	bus      *eventbus.Bus
	renderer Renderer

	mu         sync.Mutex
	brightness int
	effects    map[eventbus.Event]Color
	manual     bool
	current    Frame
}

// New creates a Manager rendering through r.
func New(store *db.DB, bus *eventbus.Bus, r Renderer) *Manager {
	if r == nil {
		r = NoopRenderer{}
	}
	return &Manager{store: store, bus: bus, renderer: r}
}

// Start loads the persisted effect overrides and subscribes the event set.
func (m *Manager) Start() {
	m.mu.Lock()
	m.brightness = m.store.OptionInt(OptBrightness, defaultBrightness)
	m.effects = loadEffects(m.store.Option(OptEffects, ""))
	m.mu.Unlock()

	for evt := range defaultEffects {
		evt := evt
		m.bus.Subscribe(evt, "led", func(eventbus.Data) { m.onEvent(evt) })
	}
	m.bus.Subscribe(eventbus.RaceLapRecorded, "led", m.onLap)
	m.bus.Subscribe(eventbus.CrossingEnter, "led", m.onCrossingEnter)
	m.bus.Subscribe(eventbus.CrossingExit, "led", m.onCrossingExit)
	m.bus.Subscribe(eventbus.LEDManual, "led", m.onManual)
	m.bus.Subscribe(eventbus.LEDSetManual, "led", m.onManual)
	m.bus.Subscribe(eventbus.LEDBrightnessSet, "led", m.onBrightness)
}

// loadEffects merges hex overrides from the ledEffects option over the
// defaults.
func loadEffects(raw string) map[eventbus.Event]Color {
	effects := make(map[eventbus.Event]Color, len(defaultEffects))
	for evt, c := range defaultEffects {
		effects[evt] = c
	}
	if raw == "" {
		return effects
	}
	var overrides map[string]string
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		log.Printf("led: bad %s option: %v", OptEffects, err)
		return effects
	}
	for name, hex := range overrides {
		c, err := ParseColor(hex)
		if err != nil {
			log.Printf("led: effect %s: %v", name, err)
			continue
		}
		effects[eventbus.Event(name)] = c
	}
	return effects
}

// ParseColor reads a "#RRGGBB" or "RRGGBB" string.
func ParseColor(s string) (Color, error) {
	s = strings.TrimPrefix(s, "#")
	var v uint32
	if _, err := fmt.Sscanf(s, "%06x", &v); err != nil || len(s) != 6 {
		return 0, fmt.Errorf("invalid color %q", s)
	}
	return Color(v), nil
}

// String formats the color as "#RRGGBB".
func (c Color) String() string {
	return fmt.Sprintf("#%06X", uint32(c))
}

func (m *Manager) onEvent(evt eventbus.Event) {
	m.mu.Lock()
	if evt == eventbus.RaceStage {
		m.manual = false // staging resumes event-driven display
	}
	if m.manual {
		m.mu.Unlock()
		return
	}
	c := m.effects[evt]
	m.mu.Unlock()
	m.render(c)
}

func (m *Manager) onLap(data eventbus.Data) {
	if nodeIndex, ok := intValue(data["node_index"]); ok {
		m.renderUnlessManual(SeatColor(nodeIndex))
	}
}

func (m *Manager) onCrossingEnter(data eventbus.Data) {
	if nodeIndex, ok := intValue(data["node_index"]); ok {
		m.renderUnlessManual(SeatColor(nodeIndex))
	}
}

// intValue reads a numeric payload field. Events replayed from a cluster
// primary pass through JSON, which turns every number into a float64, so
// handlers must accept both forms.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func (m *Manager) onCrossingExit(data eventbus.Data) {
	m.renderUnlessManual(ColorOff)
}

func (m *Manager) onManual(data eventbus.Data) {
	c := ColorOff
	if s, ok := data["color"].(string); ok {
		parsed, err := ParseColor(s)
		if err != nil {
			log.Printf("led: %v", err)
			return
		}
		c = parsed
	}
	m.mu.Lock()
	m.manual = true
	m.mu.Unlock()
	m.render(c)
}

func (m *Manager) onBrightness(data eventbus.Data) {
	b, ok := intValue(data["brightness"])
	if !ok || b < 0 || b > 255 {
		return
	}
	m.mu.Lock()
	m.brightness = b
	cur := m.current.Color
	m.mu.Unlock()
	if err := m.store.SetOptionInt(OptBrightness, b); err != nil {
		log.Printf("led: persist brightness: %v", err)
	}
	m.render(cur)
}

func (m *Manager) renderUnlessManual(c Color) {
	m.mu.Lock()
	manual := m.manual
	m.mu.Unlock()
	if !manual {
		m.render(c)
	}
}

func (m *Manager) render(c Color) {
	m.mu.Lock()
	frame := Frame{Color: c, Brightness: m.brightness}
	m.current = frame
	m.mu.Unlock()
	if err := m.renderer.Render(frame); err != nil {
		log.Printf("led: render: %v", err)
	}
}

// SetEffect overrides the color for one event and persists the full effect
// table.
func (m *Manager) SetEffect(event, hex string) error {
	c, err := ParseColor(hex)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.effects == nil {
		m.effects = loadEffects("")
	}
	m.effects[eventbus.Event(event)] = c
	persisted := make(map[string]string, len(m.effects))
	for evt, col := range m.effects {
		persisted[string(evt)] = col.String()
	}
	m.mu.Unlock()
	raw, err := json.Marshal(persisted)
	if err != nil {
		return err
	}
	return m.store.SetOption(OptEffects, string(raw))
}

// Current returns the last rendered frame.
func (m *Manager) Current() Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
