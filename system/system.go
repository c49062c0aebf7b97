// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Info contains atomic counters and values for client statistics, shared by
// the mqtt session, the http client and the provisioning transports.
type Info struct {
	Version               string `json:"version"`                // the version of the client
	Started               int64  `json:"started"`                // the time the client started in unix seconds
	BytesReceived         int64  `json:"bytes_received"`         // total number of bytes received
	BytesSent             int64  `json:"bytes_sent"`             // total number of bytes sent
	PacketsReceived       int64  `json:"packets_received"`       // total number of mqtt packets received
	PacketsSent           int64  `json:"packets_sent"`           // total number of mqtt packets sent
	MessagesReceived      int64  `json:"messages_received"`      // total number of publish messages received
	MessagesSent          int64  `json:"messages_sent"`          // total number of publish messages sent
	PingsSent             int64  `json:"pings_sent"`             // total number of ping requests sent
	RequestsSent          int64  `json:"requests_sent"`          // total number of http requests sent
	ResponsesReceived     int64  `json:"responses_received"`     // total number of http responses parsed
	Connections           int64  `json:"connections"`            // number of currently open connections
	RegistrationsStarted  int64  `json:"registrations_started"`  // total number of registrations requested
	RegistrationsAssigned int64  `json:"registrations_assigned"` // total number of registrations assigned
	RegistrationsFailed   int64  `json:"registrations_failed"`   // total number of registrations which ended in error
	TransientResponses    int64  `json:"transient_responses"`    // total number of throttled or transient service responses
}

// Clone makes a copy of Info using atomic operation
func (i *Info) Clone() *Info {
	return &Info{
		Version:               i.Version,
		Started:               atomic.LoadInt64(&i.Started),
		BytesReceived:         atomic.LoadInt64(&i.BytesReceived),
		BytesSent:             atomic.LoadInt64(&i.BytesSent),
		PacketsReceived:       atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:           atomic.LoadInt64(&i.PacketsSent),
		MessagesReceived:      atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:          atomic.LoadInt64(&i.MessagesSent),
		PingsSent:             atomic.LoadInt64(&i.PingsSent),
		RequestsSent:          atomic.LoadInt64(&i.RequestsSent),
		ResponsesReceived:     atomic.LoadInt64(&i.ResponsesReceived),
		Connections:           atomic.LoadInt64(&i.Connections),
		RegistrationsStarted:  atomic.LoadInt64(&i.RegistrationsStarted),
		RegistrationsAssigned: atomic.LoadInt64(&i.RegistrationsAssigned),
		RegistrationsFailed:   atomic.LoadInt64(&i.RegistrationsFailed),
		TransientResponses:    atomic.LoadInt64(&i.TransientResponses),
	}
}

// RegisterPrometheusMetrics exposes every counter on registry, or on the
// default registerer if registry is nil.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metrics struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metrics{
		{"c", "bytes_received", "A counter of total number of bytes received", &i.BytesReceived},
		{"c", "bytes_sent", "A counter of total number of bytes sent", &i.BytesSent},
		{"c", "packets_received", "A counter of the total number of mqtt packets received", &i.PacketsReceived},
		{"c", "packets_sent", "A counter of the total number of mqtt packets sent", &i.PacketsSent},
		{"c", "messages_received", "A counter of total number of publish messages received", &i.MessagesReceived},
		{"c", "messages_sent", "A counter of total number of publish messages sent", &i.MessagesSent},
		{"c", "pings_sent", "A counter of total number of ping requests sent", &i.PingsSent},
		{"c", "requests_sent", "A counter of total number of http requests sent", &i.RequestsSent},
		{"c", "responses_received", "A counter of total number of http responses parsed", &i.ResponsesReceived},
		{"g", "connections", "A gauge of the number of currently open connections", &i.Connections},
		{"c", "registrations_started", "A counter of registrations requested", &i.RegistrationsStarted},
		{"c", "registrations_assigned", "A counter of registrations assigned", &i.RegistrationsAssigned},
		{"c", "registrations_failed", "A counter of registrations which ended in error", &i.RegistrationsFailed},
		{"c", "transient_responses", "A counter of throttled or transient service responses", &i.TransientResponses},
	}

	for _, m := range metricsList {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		switch m.metricType {
		case "c":
			registry.MustRegister(
				prometheus.NewCounterFunc(
					prometheus.CounterOpts{
						Name: m.name,
						Help: m.help,
					},
					fn,
				),
			)
		case "g":
			registry.MustRegister(
				prometheus.NewGaugeFunc(
					prometheus.GaugeOpts{
						Name: m.name,
						Help: m.help,
					},
					fn,
				),
			)
		}
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build Information",
		},
		[]string{"goversion", "version"},
	)
	registry.MustRegister(buildInfo)
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)
}
