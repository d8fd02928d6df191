// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	ChannelConnections prometheus.Gauge
	ChannelBroadcasts  *prometheus.CounterVec
	LockDenials        prometheus.Counter
	AuthFailures       *prometheus.CounterVec
}

// NewMetrics creates and registers the server collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overshare",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "overshare",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		ChannelConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overshare",
			Name:      "channel_connections",
			Help:      "Open channel subscriptions.",
		}),
		ChannelBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overshare",
			Name:      "channel_broadcasts_total",
			Help:      "Broadcast frames relayed by event.",
		}, []string{"event"}),
		LockDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overshare",
			Name:      "edit_lock_denials_total",
			Help:      "Edit lock requests denied because another member holds the lease.",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overshare",
			Name:      "auth_failures_total",
			Help:      "Rejected authenticated calls by error code.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.HTTPRequests,
		m.HTTPDuration,
		m.ChannelConnections,
		m.ChannelBroadcasts,
		m.LockDenials,
		m.AuthFailures,
	)
	return m
}

// Registry exposes the private registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the matched route template
func (m *Metrics) Middleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snoop := httpsnoop.CaptureMetrics(next, w, r)
			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(snoop.Code)).Inc()
			m.HTTPDuration.WithLabelValues(route).Observe(snoop.Duration.Seconds())
			if logger != nil {
				logger.Debug("handled", "method", r.Method, "route", route, "status", snoop.Code, "duration", snoop.Duration)
			}
		})
	}
}
