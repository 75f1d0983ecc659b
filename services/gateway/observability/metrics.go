// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides the Prometheus metrics for the streaming
// surfaces.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Endpoint label values used across the streaming surfaces.
const (
	EndpointProxyChat     = "proxy_chat"
	EndpointProxyGenerate = "proxy_generate"
	EndpointContinue      = "continue"
	EndpointExtend        = "extend"
	EndpointAutoname      = "autoname"
)

// StreamingMetrics are the counters and histograms of the inference
// pipeline.
type StreamingMetrics struct {
	RequestsTotal     *prometheus.CounterVec
	TokensStreamed    *prometheus.CounterVec
	StreamDuration    *prometheus.HistogramVec
	TimeToFirstToken  *prometheus.HistogramVec
	ActiveStreams     *prometheus.GaugeVec
	ClientDisconnects *prometheus.CounterVec
	KeepAlivesEmitted prometheus.Counter
	RetrievalRuns     *prometheus.CounterVec
}

// NewStreamingMetrics registers the metric family on the given registerer.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "gateway",
			Name:      "stream_requests_total",
			Help:      "Streaming requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		TokensStreamed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "gateway",
			Name:      "tokens_streamed_total",
			Help:      "Response tokens streamed to clients by endpoint.",
		}, []string{"endpoint"}),
		StreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aleutian",
			Subsystem: "gateway",
			Name:      "stream_duration_seconds",
			Help:      "Wall-clock duration of streaming requests.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"endpoint"}),
		TimeToFirstToken: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aleutian",
			Subsystem: "gateway",
			Name:      "stream_first_token_seconds",
			Help:      "Delay between request arrival and the first content token.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"endpoint"}),
		ActiveStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aleutian",
			Subsystem: "gateway",
			Name:      "active_streams",
			Help:      "Streams currently being drained to clients.",
		}, []string{"endpoint"}),
		ClientDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "gateway",
			Name:      "client_disconnects_total",
			Help:      "Streams whose client went away before the terminal frame.",
		}, []string{"endpoint"}),
		KeepAlivesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "gateway",
			Name:      "keepalive_frames_total",
			Help:      "Synthetic keep-alive frames emitted during stalls.",
		}),
		RetrievalRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "gateway",
			Name:      "retrieval_runs_total",
			Help:      "Retrieval augmentations by policy.",
		}, []string{"policy"}),
	}
}

// ObserveStream records one completed streaming request.
func (m *StreamingMetrics) ObserveStream(endpoint, outcome string, dur time.Duration, tokens int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.StreamDuration.WithLabelValues(endpoint).Observe(dur.Seconds())
	if tokens > 0 {
		m.TokensStreamed.WithLabelValues(endpoint).Add(float64(tokens))
	}
}

// ObserveFirstToken records the delay to the first content token.
func (m *StreamingMetrics) ObserveFirstToken(endpoint string, dur time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstToken.WithLabelValues(endpoint).Observe(dur.Seconds())
}

// StreamOpened marks a stream as live. Pair with StreamClosed.
func (m *StreamingMetrics) StreamOpened(endpoint string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(endpoint).Inc()
}

// StreamClosed marks a stream as finished.
func (m *StreamingMetrics) StreamClosed(endpoint string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(endpoint).Dec()
}

// ObserveDisconnect counts one client that went away mid-stream.
func (m *StreamingMetrics) ObserveDisconnect(endpoint string) {
	if m == nil {
		return
	}
	m.ClientDisconnects.WithLabelValues(endpoint).Inc()
}

// ObserveKeepAlive counts one synthetic frame.
func (m *StreamingMetrics) ObserveKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesEmitted.Inc()
}

// ObserveRetrieval counts one augmentation run.
func (m *StreamingMetrics) ObserveRetrieval(policy string) {
	if m == nil {
		return
	}
	m.RetrievalRuns.WithLabelValues(policy).Inc()
}

var (
	defaultOnce    sync.Once
	defaultMetrics *StreamingMetrics
)

// DefaultMetrics returns the process-wide metrics registered on the
// default Prometheus registry.
func DefaultMetrics() *StreamingMetrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewStreamingMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
