// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"WARN", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{" error ", slog.LevelError, true},
		{"verbose", 0, false},
	}
	for _, tc := range cases {
		level, err := ParseLevel(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, level, tc.in)
	}
}

func TestInit_FileLoggingIsJSON(t *testing.T) {
	dir := t.TempDir()
	logger, err := Init(Config{
		Level:   "debug",
		LogDir:  dir,
		Service: "gateway",
		Quiet:   true,
	})
	require.NoError(t, err)

	logger.Slog().Info("file sink check", "key", "value")
	require.NoError(t, logger.Close())

	name := "gateway_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "file sink check", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "gateway", entry["service"])
}

func TestInit_LevelFiltersRecords(t *testing.T) {
	dir := t.TempDir()
	logger, err := Init(Config{
		Level:   "warn",
		LogDir:  dir,
		Service: "gateway",
		Quiet:   true,
	})
	require.NoError(t, err)

	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept")
	require.NoError(t, logger.Close())

	name := "gateway_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestInit_RejectsUnknownLevel(t *testing.T) {
	t.Parallel()
	_, err := Init(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestMultiHandler_FansOut(t *testing.T) {
	t.Parallel()
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewTextHandler(&b, nil),
	}}
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "gateway")}))
	logger.Info("both sinks")

	assert.Contains(t, a.String(), `"both sinks"`)
	assert.Contains(t, b.String(), "both sinks")
	assert.Contains(t, a.String(), `"service":"gateway"`)
}

func TestMultiHandler_EnabledWhenAnyIs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}}
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	slog.New(h).Debug("debug record")
	// Only the debug-level handler writes.
	assert.Equal(t, 1, strings.Count(buf.String(), "debug record"))
}

func TestExpandPath(t *testing.T) {
	t.Parallel()
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".aleutian/logs"), expandPath("~/.aleutian/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "relative/path", expandPath("relative/path"))
}
