package node

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/gatetimer/internal/db"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want hubEvent
	}{
		{"P 2 123.456 88", hubEvent{kind: eventPass, nodeIndex: 2, ts: 123.456, rssi: 88}},
		{"C 0 1 95", hubEvent{kind: eventCrossing, nodeIndex: 0, crossing: true, rssi: 95}},
		{"C 0 0 70", hubEvent{kind: eventCrossing, nodeIndex: 0, crossing: false, rssi: 70}},
		{"R 3 42", hubEvent{kind: eventRSSI, nodeIndex: 3, rssi: 42}},
		{"L 1 E 90", hubEvent{kind: eventCapture, nodeIndex: 1, level: 90, isEnter: true}},
		{"L 1 X 80", hubEvent{kind: eventCapture, nodeIndex: 1, level: 80, isEnter: false}},
		{"hub ready v1.2", hubEvent{kind: eventUnknown}},
		{"", hubEvent{kind: eventUnknown}},
	}
	for _, tt := range tests {
		got, err := parseLine(tt.line)
		if err != nil {
			t.Errorf("parseLine(%q): %v", tt.line, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLine(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{"P 1 2", "P x 1.0 3", "C 0 1", "L 1 E x"} {
		if _, err := parseLine(line); err == nil {
			t.Errorf("parseLine(%q) accepted malformed line", line)
		}
	}
}

type pipePort struct {
	io.Reader
	io.Writer
	closed bool
}

func (p *pipePort) Close() error { p.closed = true; return nil }

func TestSerialInterfaceDispatch(t *testing.T) {
	pr, pw := io.Pipe()
	var wrote strings.Builder
	port := &pipePort{Reader: pr, Writer: &wrote}
	s := NewSerialInterface(port, 2)

	var mu sync.Mutex
	var passes []float64
	var crossings []bool
	done := make(chan struct{})
	s.SetHandlers(Handlers{
		OnPassRecord: func(nodeIndex int, ts float64, source db.LapSource) {
			mu.Lock()
			passes = append(passes, ts)
			mu.Unlock()
			close(done)
		},
		OnCrossingChange: func(nodeIndex int, crossing bool, rssi int) {
			mu.Lock()
			crossings = append(crossings, crossing)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	go func() {
		pw.Write([]byte("C 0 1 95\nR 0 80\nP 0 12.5 92\n"))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pass handler never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(passes) != 1 || passes[0] != 12.5 {
		t.Errorf("passes = %v", passes)
	}
	if len(crossings) != 1 || !crossings[0] {
		t.Errorf("crossings = %v", crossings)
	}
	if got := s.Node(0).Snapshot().CurrentRSSI; got != 92 {
		t.Errorf("node rssi = %d, want 92", got)
	}
}

func TestSerialInterfaceCommands(t *testing.T) {
	var wrote strings.Builder
	port := &pipePort{Reader: strings.NewReader(""), Writer: &wrote}
	s := NewSerialInterface(port, 2)

	if err := s.SetFrequency(0, 5658); err != nil {
		t.Fatalf("SetFrequency: %v", err)
	}
	if err := s.SetEnterAtLevel(1, 90); err != nil {
		t.Fatalf("SetEnterAtLevel: %v", err)
	}
	if err := s.TransmitEnterAtLevel(1, 85); err != nil {
		t.Fatalf("TransmitEnterAtLevel: %v", err)
	}

	got := wrote.String()
	want := "F 0 5658\nEA 1 90\nEA 1 85\n"
	if got != want {
		t.Errorf("wrote %q, want %q", got, want)
	}

	// persistent set updates state, transmit does not
	if s.Node(1).Snapshot().EnterAt != 90 {
		t.Errorf("enterAt = %d, want 90", s.Node(1).Snapshot().EnterAt)
	}
}

func TestMockInterfaceInjection(t *testing.T) {
	m := NewMock(2)
	var gotTS float64
	m.SetHandlers(Handlers{
		OnPassRecord: func(nodeIndex int, ts float64, source db.LapSource) { gotTS = ts },
	})
	m.InjectPass(1, 42.0)
	if gotTS != 42.0 {
		t.Errorf("ts = %v, want 42.0", gotTS)
	}

	m.SetEnterAtLevel(0, 88)
	m.ForceEndCrossing(0)
	cmds := m.Commands()
	if len(cmds) != 2 || cmds[0] != "EA 0 88" || cmds[1] != "FEC 0" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestStateResetRaceScoped(t *testing.T) {
	s := &State{Index: 0}
	s.RecordHistory(80, 1.0)
	s.RecordHistory(85, 2.0)
	s.Lock()
	s.UnderMinLapCount = 2
	s.FirstCrossFlag = true
	s.Unlock()

	s.ResetRaceScoped()
	vals, times := s.History()
	if len(vals) != 0 || len(times) != 0 {
		t.Errorf("history not cleared: %v %v", vals, times)
	}
	if snap := s.Snapshot(); snap.UnderMinLapCount != 0 {
		t.Errorf("underMinLapCount = %d, want 0", snap.UnderMinLapCount)
	}
}
