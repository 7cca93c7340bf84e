// Package stats exposes the gateway's Prometheus metrics: resident archive
// count, admission/eviction counters, admission latency, and resolver cache
// hit/miss: a single bundle constructed once at startup and handed to
// every subsystem that reports.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats bundles every metric the gateway reports. Reg is a dedicated
// registry rather than prometheus.DefaultRegisterer so that unit tests can
// construct independent instances without colliding on metric names.
type Stats struct {
	Reg *prometheus.Registry

	Resident         prometheus.Gauge
	Admissions       prometheus.Counter
	AdmissionFailed  *prometheus.CounterVec
	Evictions        *prometheus.CounterVec
	AdmissionLatency prometheus.Histogram
	ResolverHits     prometheus.Counter
	ResolverMisses   prometheus.Counter
}

// New constructs a Stats bundle registered against a fresh registry.
func New() *Stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Stats{
		Reg: reg,

		Resident: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "datgate",
			Subsystem: "registry",
			Name:      "resident_archives",
			Help:      "Number of archives currently resident in the registry.",
		}),
		Admissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datgate",
			Subsystem: "registry",
			Name:      "admissions_total",
			Help:      "Total number of archives successfully admitted.",
		}),
		AdmissionFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datgate",
			Subsystem: "registry",
			Name:      "admission_failures_total",
			Help:      "Total number of failed admissions, by reason.",
		}, []string{"reason"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datgate",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Total number of archives removed from the registry, by cause.",
		}, []string{"cause"}),
		AdmissionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "datgate",
			Subsystem: "registry",
			Name:      "admission_latency_seconds",
			Help:      "Time from the start of an admission to archive readiness or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ResolverHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datgate",
			Subsystem: "resolver",
			Name:      "cache_hits_total",
			Help:      "Total number of DNS resolutions served from cache.",
		}),
		ResolverMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "datgate",
			Subsystem: "resolver",
			Name:      "cache_misses_total",
			Help:      "Total number of DNS resolutions that required a network lookup.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.Reg, promhttp.HandlerOpts{})
}

const (
	EvictCauseLRU      = "lru"
	EvictCauseTTL      = "ttl"
	EvictCauseExplicit = "explicit"
	EvictCauseShutdown = "shutdown"

	FailReasonTimeout  = "timeout"
	FailReasonAdapter  = "adapter"
	FailReasonCapacity = "capacity"
)
