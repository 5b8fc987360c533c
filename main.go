// loadengine is a local HTTP load-testing engine daemon: a control surface
// for defining requests/collections/environments, running either a single
// "design" request or a full load-test strategy against a target, and
// streaming back live metrics.
//
// Startup sequence, generalized from the teacher's own (config → proxy list
// → metrics → dashboard → session manager → worker pool → scheduler →
// signal-driven shutdown):
//  1. Parse flags, load configuration (JSON file or defaults).
//  2. Open the embedded store.
//  3. Build the shared collaborators: DNS cache, script sandbox, logger.
//  4. Build the run manager and the control surface's HTTP router.
//  5. Serve on loopback only (spec §1 Non-goal: no auth, no non-loopback
//     exposure).
//  6. Block until SIGINT/SIGTERM, then drain active runs and shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/firasghr/loadengine/internal/config"
	"github.com/firasghr/loadengine/internal/control"
	"github.com/firasghr/loadengine/internal/dnscache"
	"github.com/firasghr/loadengine/internal/logger"
	"github.com/firasghr/loadengine/internal/runmanager"
	"github.com/firasghr/loadengine/internal/sandbox"
	"github.com/firasghr/loadengine/internal/store"
	"github.com/firasghr/loadengine/internal/transport"
)

const version = "0.1.0"

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	dbPath := flag.String("db", "loadengine.db", "Path to the SQLite store file")
	addr := flag.String("addr", "127.0.0.1:9876", "Loopback address the control surface listens on")
	flag.Parse()

	// ── Logger ─────────────────────────────────────────────────────────────
	log := logger.New(logger.LevelInfo)
	log.Info("loadengine starting up")

	// ── Configuration ──────────────────────────────────────────────────────
	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			log.Errorf("failed to load config from %q: %v", *configFile, err)
			os.Exit(1)
		}
		log.Infof("configuration loaded from %q", *configFile)
	} else {
		cfg = config.DefaultConfig()
		log.Info("using default configuration")
	}
	cfgStore := config.NewStore(cfg)

	// ── Store ──────────────────────────────────────────────────────────────
	db, err := store.Open(store.Config{Path: *dbPath, WAL: true})
	if err != nil {
		log.Errorf("failed to open store at %q: %v", *dbPath, err)
		os.Exit(1)
	}
	log.Infof("store opened at %q", *dbPath)

	if err := db.SaveConfigEntries(context.Background(), cfgStore.Entries()); err != nil {
		log.Errorf("failed to persist startup config: %v", err)
	}

	// ── Shared collaborators ───────────────────────────────────────────────
	dns := dnscache.New(time.Duration(cfg.DNSCacheTTLSeconds) * time.Second)
	sb := sandbox.New(sandbox.Limits{
		Timeout:     time.Duration(cfg.ScriptTimeoutMs) * time.Millisecond,
		MemoryBytes: cfg.ScriptMemoryBytes,
		StackBytes:  cfg.ScriptStackBytes,
	}, 64)

	runs := runmanager.New()

	// ── HTTP server ────────────────────────────────────────────────────────
	var srv *http.Server
	ctrl := &control.Server{
		Store:   db,
		Config:  cfgStore,
		Runs:    runs,
		Sandbox: sb,
		DNS:     dns,
		Log:     log,
		TransportCfg: func() transport.Config {
			return transport.DefaultConfig(cfgStore.Get().MaxPerHost)
		},
		Version: version,
		Shutdown: func() {
			if srv != nil {
				_ = srv.Close()
			}
		},
	}
	router := control.NewRouter(ctrl)

	srv = &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams and long-running responses must not be cut off
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("control surface listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Println()
		log.Infof("received signal %s; shutting down", sig)
	case err := <-serveErr:
		if err != nil {
			log.Errorf("control surface error: %v", err)
		}
	}

	for _, id := range runs.ActiveRunIDs() {
		log.Infof("stopping active run %s", id)
		runs.Stop(id, time.Duration(cfgStore.Get().GracefulStopMs)*time.Millisecond+time.Second)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http server shutdown: %v", err)
	}

	log.Info("loadengine shut down cleanly")
}
