// Klingwatch daemon.
//
// Usage:
//
//	klingwatchd --addresses=bc1q...   Watch addresses
//	klingwatchd --help                Show help
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingwatch/config"
	"github.com/Klingon-tech/klingwatch/internal/backlog"
	"github.com/Klingon-tech/klingwatch/internal/conn"
	"github.com/Klingon-tech/klingwatch/internal/log"
	"github.com/Klingon-tech/klingwatch/internal/metrics"
	"github.com/Klingon-tech/klingwatch/internal/snapshot"
	"github.com/Klingon-tech/klingwatch/internal/storage"
	"github.com/Klingon-tech/klingwatch/internal/wallet"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("Daemon stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log.Info().
		Str("network", string(cfg.Network)).
		Int("addresses", len(cfg.Addresses)).
		Msg("Starting klingwatchd")

	// Snapshot persistence.
	var store *snapshot.Store
	var db storage.DB
	if cfg.Store.Enabled {
		var err error
		if cfg.Store.InMemory {
			db = storage.NewMemory()
		} else {
			db, err = storage.NewBadger(cfg.SnapshotDir())
			if err != nil {
				return fmt.Errorf("open snapshot db: %w", err)
			}
		}
		defer db.Close()
		store = snapshot.NewStore(db)
	}

	fetcher := backlog.NewEsploraClientWithTimeout(cfg.API.URL, cfg.API.Timeout)

	manager := conn.New(conn.Config{
		URL:               cfg.Live.URL,
		ConnectTimeout:    cfg.Live.ConnectTimeout,
		HeartbeatInterval: cfg.Live.HeartbeatInterval,
		StaleAfter:        cfg.Live.StaleAfter,
	})
	defer manager.Close()

	orch := wallet.New(wallet.Config{
		Fetcher:   fetcher,
		Live:      manager,
		Snapshots: store,
	})
	orch.Attach(manager)

	// Rehydrate from the last snapshot, then make sure every configured
	// address is tracked. Both run before the first connect, so the
	// resync it triggers covers everything.
	if restored, err := orch.RestoreFromStore(); err != nil {
		log.Warn().Err(err).Msg("Snapshot restore failed, starting fresh")
	} else if restored {
		log.Info().Msg("Restored wallet snapshot")
	}
	if err := orch.TrackAddresses(cfg.Addresses); err != nil {
		return fmt.Errorf("track addresses: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.Serve(cfg.Metrics.Addr)
		defer metricsSrv.Close()
	}

	// The heartbeat only runs after the first successful connect, so
	// retry the initial dial here until it sticks or we are told to stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for delay := time.Second; ; delay = min(delay*2, 30*time.Second) {
			if err := manager.Connect(); err == nil || err == conn.ErrClosed {
				return
			}
			log.Warn().Dur("retry_in", delay).Msg("Initial connect failed")
			time.Sleep(delay)
		}
	}()

	<-sigCh
	log.Info().Msg("Shutting down")

	if store != nil {
		if err := orch.SaveSnapshot(); err != nil {
			log.Error().Err(err).Msg("Snapshot save failed")
		}
	}
	return nil
}
