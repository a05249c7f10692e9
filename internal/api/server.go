// Package api is the operator-facing HTTP surface: one POST route per wire
// command, an SSE event stream for browsers, and JSON status reads. Command
// names match the browser protocol and are stable.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/gatetimer/internal/clock"
	"github.com/banshee-data/gatetimer/internal/cluster"
	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/led"
	"github.com/banshee-data/gatetimer/internal/node"
	"github.com/banshee-data/gatetimer/internal/race"
	"github.com/banshee-data/gatetimer/internal/results"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Config carries the server's collaborators.
type Config struct {
	Store    *db.DB
	Bus      *eventbus.Bus
	Race     *race.Controller
	Nodes    node.Interface
	Results  *results.Cache
	LEDs     *led.Manager
	Cluster  *cluster.Coordinator // nil when not acting as a primary
	Source   *clock.Source
	Clock    clock.Clock
	Shutdown func(reason string) // terminates the server; nil disables the endpoints
	Version  string
}

type Server struct {
	store    *db.DB
	bus      *eventbus.Bus
	ctrl     *race.Controller
	iface    node.Interface
	cache    *results.Cache
	leds     *led.Manager
	coord    *cluster.Coordinator
	src      *clock.Source
	clk      clock.Clock
	shutdown func(string)
	version  string

	stream *streamHub
}

func NewServer(cfg Config) *Server {
	s := &Server{
		store:    cfg.Store,
		bus:      cfg.Bus,
		ctrl:     cfg.Race,
		iface:    cfg.Nodes,
		cache:    cfg.Results,
		leds:     cfg.LEDs,
		coord:    cfg.Cluster,
		src:      cfg.Source,
		clk:      cfg.Clock,
		shutdown: cfg.Shutdown,
		version:  cfg.Version,
	}
	s.stream = newStreamHub(s)
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux mounts the command routes, the event stream, the status reads and
// the store/hardware admin routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	for name, fn := range s.commands() {
		mux.HandleFunc("/api/"+name, s.command(fn))
	}
	mux.HandleFunc("/api/stream", s.stream.handle)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/nodes", s.showNodes)
	mux.HandleFunc("/api/leaderboard", s.showLeaderboard)
	s.store.AttachAdminRoutes(mux)
	s.iface.AttachAdminRoutes(mux)
	return mux
}

// cmdFunc handles one decoded command body. A non-nil error is reported to
// the requester as a priority ui-message and refuses the mutation.
type cmdFunc func(body json.RawMessage) (any, error)

func (s *Server) command(fn cmdFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Failed to read request body")
			return
		}
		if len(body) == 0 {
			body = []byte("{}")
		}
		out, err := fn(body)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{
				"success":  false,
				"message":  err.Error(),
				"priority": "ui-message",
			})
			return
		}
		resp := map[string]any{"success": true}
		if out != nil {
			resp["data"] = out
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	winStatus, message := s.ctrl.WinStatusNow()
	scheduled, at := s.ctrl.Scheduled()
	status := map[string]any{
		"version":          s.version,
		"race_status":      s.ctrl.Status().String(),
		"current_heat":     s.ctrl.CurrentHeatID(),
		"win_status":       int(winStatus),
		"status_message":   message,
		"scheduled":        scheduled,
		"any_race_started": s.ctrl.AnyRaceStarted(),
		"pi_time_s":        s.src.Monotonic(),
	}
	if scheduled {
		status["scheduled_at"] = at
	}
	if s.coord != nil {
		secs := make([]map[string]any, 0)
		for _, sec := range s.coord.Secondaries() {
			secs = append(secs, map[string]any{
				"id": sec.ID, "address": sec.Addr,
				"mode": string(sec.Mode), "latency_ms": sec.LatencyMs(),
			})
		}
		status["cluster"] = secs
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) showNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.nodeSnapshots())
}

func (s *Server) nodeSnapshots() []node.StateSnapshot {
	nodes := make([]node.StateSnapshot, s.iface.NodeCount())
	for i := range nodes {
		nodes[i] = s.iface.Node(i).Snapshot()
	}
	return nodes
}

func (s *Server) showLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	q := r.URL.Query()
	var (
		board any
		err   error
	)
	switch {
	case q.Get("race") != "":
		board, err = s.cache.Race(parseID(q.Get("race")))
	case q.Get("heat") != "":
		board, err = s.cache.Heat(parseID(q.Get("heat")))
	case q.Get("class") != "":
		board, err = s.cache.Class(parseID(q.Get("class")))
	default:
		board, err = s.cache.Event()
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to build leaderboard: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, board)
}

func parseID(s string) int64 {
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}
