package node

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"go.bug.st/serial"
	"tailscale.com/tsweb"

	"github.com/banshee-data/gatetimer/internal/db"
)

// ErrWriteFailed is returned when a command is only partially written.
var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// SerialPorter is the minimal serial port contract, satisfiable by a pipe in
// tests.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialInterface drives a timing hub over a serial port. Multiple admin
// subscribers can tail the raw line stream while the monitor loop feeds the
// parsed events to the registered Handlers.
type SerialInterface struct {
	port  SerialPorter
	nodes []*State

	handlers Handlers

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// OpenSerial opens the hub at path (8N1) and probes it for its node count.
func OpenSerial(path string, baud, nodeCount int) (*SerialInterface, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewSerialInterface(port, nodeCount), nil
}

// NewSerialInterface wraps an open port. Exposed separately so tests can
// substitute a pipe for the hardware.
func NewSerialInterface(port SerialPorter, nodeCount int) *SerialInterface {
	s := &SerialInterface{
		port:        port,
		subscribers: make(map[string]chan string),
	}
	for i := 0; i < nodeCount; i++ {
		s.nodes = append(s.nodes, &State{Index: i})
	}
	return s
}

func (s *SerialInterface) NodeCount() int { return len(s.nodes) }

func (s *SerialInterface) Node(index int) *State {
	if index < 0 || index >= len(s.nodes) {
		return nil
	}
	return s.nodes[index]
}

func (s *SerialInterface) SetHandlers(h Handlers) { s.handlers = h }

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a channel receiving every raw line from the hub. The id
// identifies the subscription for Unsubscribe.
func (s *SerialInterface) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a raw-line subscriber.
func (s *SerialInterface) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// sendCommand writes one command line to the hub.
func (s *SerialInterface) sendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

func (s *SerialInterface) SetFrequency(nodeIndex, hz int) error {
	if err := s.sendCommand(fmt.Sprintf("F %d %d", nodeIndex, hz)); err != nil {
		return err
	}
	if n := s.Node(nodeIndex); n != nil {
		n.Lock()
		n.Frequency = hz
		n.Unlock()
	}
	return nil
}

func (s *SerialInterface) SetEnterAtLevel(nodeIndex, level int) error {
	if err := s.sendCommand(fmt.Sprintf("EA %d %d", nodeIndex, level)); err != nil {
		return err
	}
	if n := s.Node(nodeIndex); n != nil {
		n.Lock()
		n.EnterAt = level
		n.Unlock()
	}
	return nil
}

func (s *SerialInterface) SetExitAtLevel(nodeIndex, level int) error {
	if err := s.sendCommand(fmt.Sprintf("XA %d %d", nodeIndex, level)); err != nil {
		return err
	}
	if n := s.Node(nodeIndex); n != nil {
		n.Lock()
		n.ExitAt = level
		n.Unlock()
	}
	return nil
}

// Transmit variants push a level without updating node state, so the
// persistent thresholds can be restored later.
func (s *SerialInterface) TransmitEnterAtLevel(nodeIndex, level int) error {
	return s.sendCommand(fmt.Sprintf("EA %d %d", nodeIndex, level))
}

func (s *SerialInterface) TransmitExitAtLevel(nodeIndex, level int) error {
	return s.sendCommand(fmt.Sprintf("XA %d %d", nodeIndex, level))
}

func (s *SerialInterface) ForceEndCrossing(nodeIndex int) error {
	return s.sendCommand(fmt.Sprintf("FEC %d", nodeIndex))
}

func (s *SerialInterface) EnableCalibrationMode() error {
	return s.sendCommand("CAL 1")
}

func (s *SerialInterface) SetRaceStatus(status RaceStatus) error {
	return s.sendCommand(fmt.Sprintf("RS %d", int(status)))
}

func (s *SerialInterface) StartCaptureEnterAtLevel(nodeIndex int) error {
	return s.sendCommand(fmt.Sprintf("CAP %d E", nodeIndex))
}

func (s *SerialInterface) StartCaptureExitAtLevel(nodeIndex int) error {
	return s.sendCommand(fmt.Sprintf("CAP %d X", nodeIndex))
}

// Start reads lines from the hub until ctx is cancelled, dispatching parsed
// events to the Handlers and raw lines to admin subscribers.
func (s *SerialInterface) Start(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs in its own goroutine so the outer loop can
	// await lines and context cancellation together
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				if err := scan.Err(); err != nil {
					return err
				}
				return nil
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.dispatch(line)

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					// skip a full subscriber rather than block the loop
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialInterface) dispatch(line string) {
	evt, err := parseLine(line)
	if err != nil {
		log.Printf("node: %v", err)
		return
	}
	n := s.Node(evt.nodeIndex)
	if evt.kind != eventUnknown && n == nil {
		log.Printf("node: event for unknown node %d: %q", evt.nodeIndex, line)
		return
	}
	switch evt.kind {
	case eventPass:
		n.Lock()
		n.CurrentRSSI = evt.rssi
		n.Unlock()
		if s.handlers.OnPassRecord != nil {
			s.handlers.OnPassRecord(evt.nodeIndex, evt.ts, db.SourceRF)
		}
	case eventCrossing:
		n.Lock()
		n.Crossing = evt.crossing
		n.CurrentRSSI = evt.rssi
		n.Unlock()
		if s.handlers.OnCrossingChange != nil {
			s.handlers.OnCrossingChange(evt.nodeIndex, evt.crossing, evt.rssi)
		}
	case eventRSSI:
		n.Lock()
		n.CurrentRSSI = evt.rssi
		n.Unlock()
	case eventCapture:
		n.Lock()
		if evt.isEnter {
			n.EnterAt = evt.level
		} else {
			n.ExitAt = evt.level
		}
		n.Unlock()
		if s.handlers.OnCapturedLevel != nil {
			s.handlers.OnCapturedLevel(evt.nodeIndex, evt.level, evt.isEnter)
		}
	}
}

// Close closes all subscriber channels and the port.
func (s *SerialInterface) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// AttachAdminRoutes mounts a command sender and an SSE line tail under
// /debug/ for hardware bring-up.
func (s *SerialInterface) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.sendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
