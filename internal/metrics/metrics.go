// Package metrics exposes prometheus instrumentation for klingwatch.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Klingon-tech/klingwatch/internal/log"
)

const namespace = "klingwatch"

var (
	// Reconnects counts heartbeat-forced reconnect attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_forced_reconnects_total",
		Help:      "Reconnects forced by the heartbeat staleness check",
	})

	// Disconnects counts transport-level connection losses.
	Disconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_disconnects_total",
		Help:      "Websocket connections lost to transport errors",
	})

	// MalformedFrames counts inbound frames dropped as unparsable.
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_malformed_frames_total",
		Help:      "Inbound frames dropped because they could not be parsed",
	})

	// LiveEvents counts routed live transaction events by kind.
	LiveEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "live_events_total",
		Help:      "Live transaction events routed to ledgers, by kind",
	}, []string{"kind"})

	// UnknownAddressEvents counts live events for untracked addresses.
	UnknownAddressEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unknown_address_events_total",
		Help:      "Live events dropped because the address is not tracked",
	})

	// ResyncsStarted counts resync loops started.
	ResyncsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resyncs_started_total",
		Help:      "Resync loops started",
	})

	// ResyncsInterrupted counts resync loops stopped before completion.
	ResyncsInterrupted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resyncs_interrupted_total",
		Help:      "Resync loops interrupted by disconnects or fetch errors",
	})

	// TrackedAddresses reports the current number of tracked addresses.
	TrackedAddresses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_addresses",
		Help:      "Number of currently tracked addresses",
	})

	// WalletBalance reports the aggregate wallet balance per bucket.
	WalletBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "wallet_balance_sats",
		Help:      "Aggregate wallet balance in satoshis, by bucket",
	}, []string{"bucket"})
)

// Serve starts an HTTP server exposing /metrics on addr. The server
// runs until Close is called on the returned handle.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger := log.Metrics
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	return srv
}
