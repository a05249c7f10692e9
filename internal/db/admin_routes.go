package db

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts the operator debug surface: a tailSQL live query
// UI, an on-demand gzip backup download and a lap-time chart per saved race.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://gatetimer.db", db.DB, &tailsql.DBOptions{
		Label: "Race DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.handleBackupDownload))
	debug.Handle("race-chart", "Lap time chart for a saved race (?race_id=N)", http.HandlerFunc(db.handleRaceChart))
}

func (db *DB) handleBackupDownload(w http.ResponseWriter, r *http.Request) {
	backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			log.Printf("Failed to remove backup file: %v", err)
		}
	}()

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
		return
	}
}

// handleRaceChart renders lap times of one saved race as a line chart, one
// series per pilot. Deleted laps are skipped.
func (db *DB) handleRaceChart(w http.ResponseWriter, r *http.Request) {
	raceID, err := strconv.ParseInt(r.URL.Query().Get("race_id"), 10, 64)
	if err != nil {
		http.Error(w, "race_id query parameter required", http.StatusBadRequest)
		return
	}
	race, err := db.SavedRaceByID(raceID)
	if err != nil {
		http.Error(w, fmt.Sprintf("no such race: %v", err), http.StatusNotFound)
		return
	}
	laps, err := db.Laps(raceID)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to load laps: %v", err), http.StatusInternalServerError)
		return
	}

	// series keyed by pilot, X axis is lap number
	maxLap := 0
	byPilot := make(map[int64][]*SavedLap)
	var order []int64
	for _, l := range laps {
		if l.Deleted || l.LapNumber == 0 {
			continue
		}
		if _, seen := byPilot[l.PilotID]; !seen {
			order = append(order, l.PilotID)
		}
		byPilot[l.PilotID] = append(byPilot[l.PilotID], l)
		if l.LapNumber > maxLap {
			maxLap = l.LapNumber
		}
	}

	x := make([]string, maxLap)
	for i := range x {
		x[i] = fmt.Sprintf("Lap %d", i+1)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Race Laps", Theme: "dark", Width: "1100px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Race %d (heat %d round %d)", race.ID, race.HeatID, race.RoundID),
			Subtitle: race.StartTimeWall,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Lap time (s)"}),
	)
	line.SetXAxis(x)

	for _, pilotID := range order {
		name := fmt.Sprintf("Pilot %d", pilotID)
		if p, err := db.Pilot(pilotID); err == nil && p.Callsign != "" {
			name = p.Callsign
		}
		data := make([]opts.LineData, maxLap)
		for _, l := range byPilot[pilotID] {
			data[l.LapNumber-1] = opts.LineData{Value: l.LapTime / 1000}
		}
		line.AddSeries(name, data)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
