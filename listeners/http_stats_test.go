// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/provisioner/system"
)

const testAddr = "127.0.0.1:0"

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func TestNewHTTPStats(t *testing.T) {
	l := NewHTTPStats("t1", testAddr, nil, nil)
	require.Equal(t, "t1", l.id)
	require.Equal(t, testAddr, l.address)
	require.NotNil(t, l.sysInfo)
	require.NotNil(t, l.config)
}

func TestHTTPStatsID(t *testing.T) {
	l := NewHTTPStats("t1", testAddr, nil, nil)
	require.Equal(t, "t1", l.ID())
}

func TestHTTPStatsAddress(t *testing.T) {
	l := NewHTTPStats("t1", testAddr, nil, nil)
	require.Equal(t, testAddr, l.Address())
}

func TestHTTPStatsProtocol(t *testing.T) {
	l := NewHTTPStats("t1", testAddr, nil, nil)
	require.Equal(t, "http", l.Protocol())
}

func TestHTTPStatsTLSProtocol(t *testing.T) {
	l := NewHTTPStats("t1", testAddr, &Config{
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}, nil)

	require.NoError(t, l.Init(logger))
	require.Equal(t, "https", l.Protocol())
}

func TestHTTPStatsInit(t *testing.T) {
	sysInfo := new(system.Info)
	l := NewHTTPStats("t1", testAddr, nil, sysInfo)
	require.NoError(t, l.Init(logger))

	require.Equal(t, sysInfo, l.sysInfo)
	require.NotNil(t, l.listen)
	require.NotNil(t, l.registry)
	require.Equal(t, testAddr, l.listen.Addr)
}

func TestHTTPStatsJSON(t *testing.T) {
	sysInfo := &system.Info{Version: "test", RegistrationsAssigned: 3}
	l := NewHTTPStats("t1", testAddr, nil, sysInfo)
	require.NoError(t, l.Init(logger))

	w := httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	got := new(system.Info)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), got))
	require.Equal(t, "test", got.Version)
	require.Equal(t, int64(3), got.RegistrationsAssigned)
}

func TestHTTPStatsMetrics(t *testing.T) {
	sysInfo := &system.Info{TransientResponses: 2}
	l := NewHTTPStats("t1", testAddr, nil, sysInfo)
	require.NoError(t, l.Init(logger))

	w := httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "transient_responses")
}

func TestHTTPStatsHealthcheck(t *testing.T) {
	l := NewHTTPStats("t1", testAddr, nil, nil)
	require.NoError(t, l.Init(logger))

	w := httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthcheck", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHTTPStatsServeAndClose(t *testing.T) {
	l := NewHTTPStats("t1", testAddr, nil, nil)
	require.NoError(t, l.Init(logger))

	done := make(chan error)
	go func() {
		done <- l.Serve()
	}()

	time.Sleep(50 * time.Millisecond)
	l.Close()
	require.NoError(t, <-done)
	l.Close()
}
