package api

import (
	"strings"
	"sync"
)

// logRingDepth bounds the lines replayed to a connecting client.
const logRingDepth = 512

// ServerLog retains recent log output for the hardware_log_init push. main
// tees the log package output into it alongside stderr.
var ServerLog = &logRing{}

type logRing struct {
	mu      sync.Mutex
	lines   []string
	partial string
}

func (r *logRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	text := r.partial + string(p)
	parts := strings.Split(text, "\n")
	r.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		r.lines = append(r.lines, line)
	}
	if excess := len(r.lines) - logRingDepth; excess > 0 {
		r.lines = append([]string(nil), r.lines[excess:]...)
	}
	return len(p), nil
}

// Lines returns the retained log lines, oldest first.
func (r *logRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
