package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/gatetimer/internal/api"
	"github.com/banshee-data/gatetimer/internal/calibration"
	"github.com/banshee-data/gatetimer/internal/clock"
	"github.com/banshee-data/gatetimer/internal/cluster"
	"github.com/banshee-data/gatetimer/internal/db"
	"github.com/banshee-data/gatetimer/internal/eventbus"
	"github.com/banshee-data/gatetimer/internal/led"
	"github.com/banshee-data/gatetimer/internal/node"
	"github.com/banshee-data/gatetimer/internal/race"
	"github.com/banshee-data/gatetimer/internal/results"
	"github.com/banshee-data/gatetimer/internal/version"
)

var (
	listen      = flag.String("listen", ":5000", "Listen address")
	dbFile      = flag.String("db", "gatetimer.db", "Database file path")
	serialPort  = flag.String("serial", "/dev/ttyUSB0", "Timing hub serial port")
	serialBaud  = flag.Int("baud", 115200, "Timing hub baud rate")
	nodeCount   = flag.Int("nodes", 4, "Receiver node count")
	mockNodes   = flag.Bool("mock", false, "Use mock timing nodes")
	joinPrimary = flag.String("join", "", "Cluster primary websocket URL to join as a secondary")
	clusterMode = flag.String("cluster-mode", "split", "Cluster secondary mode: split or mirror")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	// retain recent lines for the stream's hardware_log_init replay
	log.SetOutput(io.MultiWriter(os.Stderr, api.ServerLog))

	bus := eventbus.New()

	store, err := db.OpenWithRecovery(*dbFile, bus)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	var iface node.Interface
	if *mockNodes {
		iface = node.NewMock(*nodeCount)
	} else {
		serial, err := node.OpenSerial(*serialPort, *serialBaud, *nodeCount)
		if err != nil {
			// the UI must stay usable on a bench without hardware
			log.Printf("serial hub unavailable, falling back to mock nodes: %v", err)
			iface = node.NewMock(*nodeCount)
		} else {
			iface = serial
		}
	}
	defer iface.Close()

	if err := store.EnsureDefaults(iface.NodeCount()); err != nil {
		log.Fatalf("Failed to seed defaults: %v", err)
	}

	clk := clock.SystemClock{}
	src := clock.NewSource(clk)
	cache := results.New(store)
	ctrl := race.New(clk, src, bus, store, cache, iface)
	ctrl.SetCalibrator(calibration.New(store, iface, bus))

	leds := led.New(store, bus, nil)
	leds.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord := cluster.NewCoordinator(clk, src, bus, map[string]any{
		"version":    version.Version,
		"node_count": iface.NodeCount(),
	})
	coord.Start(ctx)

	var restorePath string
	var restoreMu sync.Mutex
	shutdown := func(reason string) {
		if path, ok := strings.CutPrefix(reason, "restore:"); ok {
			restoreMu.Lock()
			restorePath = path
			restoreMu.Unlock()
		}
		log.Printf("server terminating: %s", reason)
		stop()
	}

	srv := api.NewServer(api.Config{
		Store: store, Bus: bus, Race: ctrl, Nodes: iface,
		Results: cache, LEDs: leds, Cluster: coord,
		Source: src, Clock: clk,
		Shutdown: shutdown, Version: version.Version,
	})

	var wg sync.WaitGroup

	// wall-clock drift watcher
	wg.Add(1)
	go func() {
		defer wg.Done()
		src.Watch(ctx, bus)
	}()

	// hardware event loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := iface.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("node interface stopped: %v", err)
		}
	}()

	// pass-record FIFO
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("race controller stopped: %v", err)
		}
	}()

	// browser heartbeat
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("stream heartbeat stopped: %v", err)
		}
	}()

	// cluster secondary link, with reconnects
	if *joinPrimary != "" {
		mode := cluster.Mode(*clusterMode)
		if mode != cluster.ModeSplit && mode != cluster.ModeMirror {
			log.Fatalf("unknown cluster mode %q", *clusterMode)
		}
		agent := cluster.NewAgent(mode, clk, bus, store, ctrl)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := agent.Run(ctx, *joinPrimary); err != nil {
					log.Printf("cluster link: %v", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}()
	}

	// HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := srv.ServeMux()
		mux.Handle("/cluster", coord.Handler())

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	bus.Publish(eventbus.Startup, eventbus.Data{"version": version.Version})

	wg.Wait()

	restoreMu.Lock()
	path := restorePath
	restoreMu.Unlock()
	if path != "" {
		if err := applyRestore(store, path); err != nil {
			log.Printf("restore failed: %v", err)
		} else {
			log.Printf("restored database from %s; restart to continue", path)
		}
	}
	log.Printf("Graceful shutdown complete")
}

// applyRestore swaps the requested backup in for the live database file. The
// store must be closed first so the copy is consistent.
func applyRestore(store *db.DB, backupPath string) error {
	target := store.Path()
	if err := store.Close(); err != nil {
		return err
	}
	src, err := os.Open(backupPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}
