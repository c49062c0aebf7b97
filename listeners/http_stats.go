// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package listeners serves the provisioner's runtime counters over http.
package listeners

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mochi-mqtt/provisioner/system"
)

// Config contains configuration values for a listener.
type Config struct {
	// TLSConfig is a tls.Config configuration to be used with the listener.
	TLSConfig *tls.Config
}

// HTTPStats is a listener presenting the client counters as JSON on /, in
// the prometheus format on /metrics, and a healthcheck on /healthcheck.
type HTTPStats struct {
	sync.RWMutex
	id       string               // the internal id of the listener
	address  string               // the network address to bind to
	config   *Config              // configuration values for the listener
	listen   *http.Server         // the http server
	log      *slog.Logger         // client logger
	sysInfo  *system.Info         // pointers to the client counters
	registry *prometheus.Registry // the registry the counters are exported on
	end      uint32               // ensure the close methods are only called once
}

// NewHTTPStats initialises and returns a new HTTP listener, listening on an address.
func NewHTTPStats(id, address string, config *Config, sysInfo *system.Info) *HTTPStats {
	if config == nil {
		config = new(Config)
	}

	if sysInfo == nil {
		sysInfo = new(system.Info)
	}

	return &HTTPStats{
		id:      id,
		address: address,
		sysInfo: sysInfo,
		config:  config,
	}
}

// ID returns the id of the listener.
func (l *HTTPStats) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *HTTPStats) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *HTTPStats) Protocol() string {
	if l.listen != nil && l.listen.TLSConfig != nil {
		return "https"
	}

	return "http"
}

// Init initializes the listener.
func (l *HTTPStats) Init(log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	l.log = log

	l.registry = prometheus.NewRegistry()
	l.sysInfo.RegisterPrometheusMetrics(l.registry)

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.jsonHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	l.listen = &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Addr:         l.address,
		Handler:      mux,
	}

	if l.config.TLSConfig != nil {
		l.listen.TLSConfig = l.config.TLSConfig
	}

	return nil
}

// Serve starts listening for new connections and serving responses. It
// returns once the listener is closed.
func (l *HTTPStats) Serve() error {
	var err error
	if l.listen.TLSConfig != nil {
		err = l.listen.ListenAndServeTLS("", "")
	} else {
		err = l.listen.ListenAndServe()
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Close shuts the listener down.
func (l *HTTPStats) Close() {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) && l.listen != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.listen.Shutdown(ctx); err != nil {
			l.log.Warn("failed to shut down stats listener", "listener", l.id, "error", err)
		}
	}
}

// jsonHandler is an HTTP handler which outputs the counters as JSON.
func (l *HTTPStats) jsonHandler(w http.ResponseWriter, req *http.Request) {
	out, err := json.MarshalIndent(l.sysInfo.Clone(), "", "\t")
	if err != nil {
		_, _ = io.WriteString(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
