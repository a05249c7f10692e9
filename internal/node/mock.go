package node

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/banshee-data/gatetimer/internal/db"
)

// MockInterface is an in-memory Interface used in tests and as the fallback
// node set when no hardware is attached, so the UI stays usable.
type MockInterface struct {
	nodes    []*State
	handlers Handlers

	mu       sync.Mutex
	commands []string
	started  chan struct{}
	once     sync.Once
}

// NewMock creates a MockInterface with nodeCount nodes.
func NewMock(nodeCount int) *MockInterface {
	m := &MockInterface{started: make(chan struct{})}
	for i := 0; i < nodeCount; i++ {
		m.nodes = append(m.nodes, &State{Index: i})
	}
	return m
}

func (m *MockInterface) NodeCount() int { return len(m.nodes) }

func (m *MockInterface) Node(index int) *State {
	if index < 0 || index >= len(m.nodes) {
		return nil
	}
	return m.nodes[index]
}

func (m *MockInterface) SetHandlers(h Handlers) { m.handlers = h }

// Start blocks until ctx is cancelled.
func (m *MockInterface) Start(ctx context.Context) error {
	m.once.Do(func() { close(m.started) })
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockInterface) record(format string, args ...any) {
	m.mu.Lock()
	m.commands = append(m.commands, fmt.Sprintf(format, args...))
	m.mu.Unlock()
}

// Commands returns every command issued so far, in order.
func (m *MockInterface) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *MockInterface) SetFrequency(nodeIndex, hz int) error {
	m.record("F %d %d", nodeIndex, hz)
	if n := m.Node(nodeIndex); n != nil {
		n.Lock()
		n.Frequency = hz
		n.Unlock()
	}
	return nil
}

func (m *MockInterface) SetEnterAtLevel(nodeIndex, level int) error {
	m.record("EA %d %d", nodeIndex, level)
	if n := m.Node(nodeIndex); n != nil {
		n.Lock()
		n.EnterAt = level
		n.Unlock()
	}
	return nil
}

func (m *MockInterface) SetExitAtLevel(nodeIndex, level int) error {
	m.record("XA %d %d", nodeIndex, level)
	if n := m.Node(nodeIndex); n != nil {
		n.Lock()
		n.ExitAt = level
		n.Unlock()
	}
	return nil
}

func (m *MockInterface) TransmitEnterAtLevel(nodeIndex, level int) error {
	m.record("TEA %d %d", nodeIndex, level)
	return nil
}

func (m *MockInterface) TransmitExitAtLevel(nodeIndex, level int) error {
	m.record("TXA %d %d", nodeIndex, level)
	return nil
}

func (m *MockInterface) ForceEndCrossing(nodeIndex int) error {
	m.record("FEC %d", nodeIndex)
	if n := m.Node(nodeIndex); n != nil {
		n.Lock()
		n.Crossing = false
		n.Unlock()
	}
	return nil
}

func (m *MockInterface) EnableCalibrationMode() error {
	m.record("CAL 1")
	return nil
}

func (m *MockInterface) SetRaceStatus(status RaceStatus) error {
	m.record("RS %d", int(status))
	return nil
}

func (m *MockInterface) StartCaptureEnterAtLevel(nodeIndex int) error {
	m.record("CAP %d E", nodeIndex)
	return nil
}

func (m *MockInterface) StartCaptureExitAtLevel(nodeIndex int) error {
	m.record("CAP %d X", nodeIndex)
	return nil
}

func (m *MockInterface) AttachAdminRoutes(*http.ServeMux) {}

func (m *MockInterface) Close() error { return nil }

// InjectPass simulates a gate pass at monotonic hub time ts.
func (m *MockInterface) InjectPass(nodeIndex int, ts float64) {
	if m.handlers.OnPassRecord != nil {
		m.handlers.OnPassRecord(nodeIndex, ts, db.SourceRF)
	}
}

// InjectCrossing simulates a crossing window change.
func (m *MockInterface) InjectCrossing(nodeIndex int, crossing bool, rssi int) {
	if n := m.Node(nodeIndex); n != nil {
		n.Lock()
		n.Crossing = crossing
		n.CurrentRSSI = rssi
		n.Unlock()
	}
	if m.handlers.OnCrossingChange != nil {
		m.handlers.OnCrossingChange(nodeIndex, crossing, rssi)
	}
}

// InjectCapturedLevel simulates a completed threshold capture.
func (m *MockInterface) InjectCapturedLevel(nodeIndex, level int, isEnter bool) {
	if n := m.Node(nodeIndex); n != nil {
		n.Lock()
		if isEnter {
			n.EnterAt = level
		} else {
			n.ExitAt = level
		}
		n.Unlock()
	}
	if m.handlers.OnCapturedLevel != nil {
		m.handlers.OnCapturedLevel(nodeIndex, level, isEnter)
	}
}
