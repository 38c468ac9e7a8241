// fieldsyncd runs the offline sync core as a local daemon: it monitors
// connectivity, drains the offline queue, serves cached map tiles and pushes
// status events to the UI over a localhost WebSocket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olivetrack/fieldsync/internal/client"
	"github.com/olivetrack/fieldsync/internal/config"
	"github.com/olivetrack/fieldsync/internal/connectivity"
	"github.com/olivetrack/fieldsync/internal/events"
	"github.com/olivetrack/fieldsync/internal/logging"
	"github.com/olivetrack/fieldsync/internal/queue"
	"github.com/olivetrack/fieldsync/internal/store"
	"github.com/olivetrack/fieldsync/internal/syncer"
	"github.com/olivetrack/fieldsync/internal/tiles"

	respcache "github.com/olivetrack/fieldsync/internal/cache"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fieldsyncd: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewConsole(cfg.LogLevel)
	log.Info().Str("data_dir", cfg.DataDir).Str("api", cfg.APIBaseURL).Msg("fieldsyncd starting")

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	prober := connectivity.NewProber(cfg.APIBaseURL+"/health", cfg.ProbeTimeout, log)
	monitor := connectivity.NewMonitor(prober, bus, cfg.PollInterval, log)

	q := queue.New(db, log)
	cache := respcache.New(db, log)

	api := client.New(client.Options{
		BaseURL:        cfg.APIBaseURL,
		RequestTimeout: cfg.RequestTimeout,
		Checker:        monitor.Checker(),
		Queue:          q,
		Cache:          cache,
		Store:          db,
		Bus:            bus,
		Logger:         log,
		ListCacheAge:   cfg.ListCacheAge,
		TreesCacheAge:  cfg.TreesCacheAge,
		DetailCacheAge: cfg.DetailCacheAge,
	})

	engine := syncer.New(syncer.Options{
		Queue:    q,
		Store:    db,
		Replayer: api,
		Bus:      bus,
		Logger:   log,
	})
	engine.Start(ctx)
	defer engine.Stop()

	tileMgr, err := tiles.NewManager(tiles.Options{
		Dir:         cfg.DataDir + "/tiles",
		URLTemplate: cfg.TileServerURL,
		Store:       db,
		Checker:     monitor.Checker(),
		Logger:      log,
		BudgetBytes: cfg.TileCacheBudgetBytes,
		Retention:   cfg.TileRetention,
		PauseEvery:  cfg.PreloadPauseEvery,
		Pause:       cfg.PreloadPause,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tile cache")
	}
	if _, err := tileMgr.CleanCache(); err != nil {
		log.Warn().Err(err).Msg("startup tile cache cleanup failed")
	}

	monitor.Start(ctx)
	defer monitor.Stop()

	hub := NewWSHub(log)
	detach := hub.Attach(bus)
	defer detach()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handleHealth)
	mux.HandleFunc("/api/status", handleStatus(monitor, engine, tileMgr))
	mux.HandleFunc("/api/sync", handleSync(ctx, engine))
	mux.HandleFunc("/api/tiles/", handleTile(tileMgr))
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown failed")
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fieldsyncd"})
}

func handleStatus(monitor *connectivity.Monitor, engine *syncer.Engine, tileMgr *tiles.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		syncStatus, err := engine.Status()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		tileStats, err := tileMgr.Stats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"online": monitor.Online(),
			"sync":   syncStatus,
			"tiles":  tileStats,
		})
	}
}

func handleSync(ctx context.Context, engine *syncer.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		res, err := engine.Drain(ctx, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// handleTile serves /api/tiles/{z}/{x}/{y}.png from the local cache,
// fetching on demand when online.
func handleTile(tileMgr *tiles.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/api/tiles/")
		rest = strings.TrimSuffix(rest, ".png")
		parts := strings.Split(rest, "/")
		if len(parts) != 3 {
			http.Error(w, "expected /api/tiles/{z}/{x}/{y}.png", http.StatusBadRequest)
			return
		}

		z, errZ := strconv.Atoi(parts[0])
		x, errX := strconv.Atoi(parts[1])
		y, errY := strconv.Atoi(parts[2])
		if errZ != nil || errX != nil || errY != nil {
			http.Error(w, "tile coordinates must be integers", http.StatusBadRequest)
			return
		}

		path := tileMgr.GetTile(r.Context(), z, x, y)
		w.Header().Set("Content-Type", "image/png")
		http.ServeFile(w, r, path)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
