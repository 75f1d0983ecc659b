// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveStream_CountsRequestAndTokens(t *testing.T) {
	t.Parallel()
	m := NewStreamingMetrics(prometheus.NewRegistry())

	m.ObserveStream(EndpointProxyChat, "ok", 2*time.Second, 42)
	m.ObserveStream(EndpointProxyChat, "error", time.Second, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.RequestsTotal.WithLabelValues(EndpointProxyChat, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.RequestsTotal.WithLabelValues(EndpointProxyChat, "error")))
	// Zero-token streams must not create a tokens sample.
	assert.Equal(t, 42.0, testutil.ToFloat64(
		m.TokensStreamed.WithLabelValues(EndpointProxyChat)))
}

func TestActiveStreams_GaugePairsUp(t *testing.T) {
	t.Parallel()
	m := NewStreamingMetrics(prometheus.NewRegistry())

	m.StreamOpened(EndpointContinue)
	m.StreamOpened(EndpointContinue)
	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.ActiveStreams.WithLabelValues(EndpointContinue)))

	m.StreamClosed(EndpointContinue)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.ActiveStreams.WithLabelValues(EndpointContinue)))
}

func TestStreamingMetrics_NilReceiverIsInert(t *testing.T) {
	t.Parallel()

	var m *StreamingMetrics
	m.ObserveStream(EndpointExtend, "ok", time.Second, 1)
	m.ObserveFirstToken(EndpointExtend, time.Millisecond)
	m.StreamOpened(EndpointExtend)
	m.StreamClosed(EndpointExtend)
	m.ObserveDisconnect(EndpointExtend)
	m.ObserveKeepAlive()
	m.ObserveRetrieval("simple")
}
