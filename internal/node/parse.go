package node

import (
	"fmt"
	"strconv"
	"strings"
)

// The hub speaks a line protocol over serial. Inbound event lines:
//
//	P <node> <ts_seconds> <rssi>   gate pass at monotonic hub time
//	C <node> <0|1> <rssi>          crossing window exited/entered
//	R <node> <rssi>                periodic rssi sample
//	L <node> <E|X> <level>         threshold capture complete
//
// Anything else is a status line and is ignored by the parser.

type eventKind int

const (
	eventUnknown eventKind = iota
	eventPass
	eventCrossing
	eventRSSI
	eventCapture
)

type hubEvent struct {
	kind      eventKind
	nodeIndex int
	ts        float64
	rssi      int
	level     int
	crossing  bool
	isEnter   bool
}

func parseLine(line string) (hubEvent, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return hubEvent{kind: eventUnknown}, nil
	}
	var evt hubEvent
	var err error
	switch fields[0] {
	case "P":
		if len(fields) != 4 {
			return evt, fmt.Errorf("malformed pass line %q", line)
		}
		evt.kind = eventPass
		if evt.nodeIndex, err = strconv.Atoi(fields[1]); err != nil {
			return evt, fmt.Errorf("bad node in %q: %w", line, err)
		}
		if evt.ts, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return evt, fmt.Errorf("bad timestamp in %q: %w", line, err)
		}
		if evt.rssi, err = strconv.Atoi(fields[3]); err != nil {
			return evt, fmt.Errorf("bad rssi in %q: %w", line, err)
		}
	case "C":
		if len(fields) != 4 {
			return evt, fmt.Errorf("malformed crossing line %q", line)
		}
		evt.kind = eventCrossing
		if evt.nodeIndex, err = strconv.Atoi(fields[1]); err != nil {
			return evt, fmt.Errorf("bad node in %q: %w", line, err)
		}
		evt.crossing = fields[2] == "1"
		if evt.rssi, err = strconv.Atoi(fields[3]); err != nil {
			return evt, fmt.Errorf("bad rssi in %q: %w", line, err)
		}
	case "R":
		if len(fields) != 3 {
			return evt, fmt.Errorf("malformed rssi line %q", line)
		}
		evt.kind = eventRSSI
		if evt.nodeIndex, err = strconv.Atoi(fields[1]); err != nil {
			return evt, fmt.Errorf("bad node in %q: %w", line, err)
		}
		if evt.rssi, err = strconv.Atoi(fields[2]); err != nil {
			return evt, fmt.Errorf("bad rssi in %q: %w", line, err)
		}
	case "L":
		if len(fields) != 4 {
			return evt, fmt.Errorf("malformed capture line %q", line)
		}
		evt.kind = eventCapture
		if evt.nodeIndex, err = strconv.Atoi(fields[1]); err != nil {
			return evt, fmt.Errorf("bad node in %q: %w", line, err)
		}
		evt.isEnter = fields[2] == "E"
		if evt.level, err = strconv.Atoi(fields[3]); err != nil {
			return evt, fmt.Errorf("bad level in %q: %w", line, err)
		}
	default:
		evt.kind = eventUnknown
	}
	return evt, nil
}
