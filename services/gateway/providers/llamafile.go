// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/iterstream"
)

// LlamafileProvider catalogs llamafile binaries found in a directory.
//
// # Description
//
// A llamafile is a self-contained model plus runtime in one executable.
// This provider only inventories them so the model history knows they
// exist; it does not launch them.
//
// A filesystem watcher invalidates the listing cache whenever the
// directory changes, so newly dropped files appear without waiting out
// the TTL.
type LlamafileProvider struct {
	label   string
	dir     string
	record  *datatypes.ProviderRecord
	watcher *fsnotify.Watcher
	cache   listingCache
}

// NewLlamafile builds the provider scanning dir. The watcher is best
// effort; when it cannot be created the cache simply expires on TTL.
func NewLlamafile(label, dir string) (*LlamafileProvider, error) {
	idents, err := datatypes.CanonicalizeMap(map[string]any{
		"kind": "llamafile",
		"dir":  dir,
	})
	if err != nil {
		return nil, err
	}
	human := "llamafile directory " + dir
	p := &LlamafileProvider{
		label: label,
		dir:   dir,
		record: &datatypes.ProviderRecord{
			Identifiers: idents,
			CreatedAt:   time.Now().UTC(),
			MachineInfo: hostMachineInfo(),
			HumanInfo:   &human,
		},
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Llamafile watcher unavailable, relying on cache TTL", "error", err)
		return p, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		slog.Warn("Llamafile watcher cannot watch dir, relying on cache TTL",
			"dir", dir, "error", err)
		return p, nil
	}
	p.watcher = watcher
	go p.watch()
	return p, nil
}

func (p *LlamafileProvider) watch() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				p.cache.invalidate()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Llamafile watcher error", "error", err)
		}
	}
}

// Close stops the directory watcher.
func (p *LlamafileProvider) Close() error {
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

func (p *LlamafileProvider) Kind() string                      { return "llamafile" }
func (p *LlamafileProvider) Label() string                     { return p.label }
func (p *LlamafileProvider) Record() *datatypes.ProviderRecord { return p.record }

// Available reports whether the directory exists and is readable.
func (p *LlamafileProvider) Available(ctx context.Context) bool {
	info, err := os.Stat(p.dir)
	return err == nil && info.IsDir()
}

// ListModels scans the directory for *.llamafile entries.
//
// # Description
//
// Identity is the file's size and a digest of its first megabyte; hashing
// multi-gigabyte model files in full on every scan would be prohibitive.
func (p *LlamafileProvider) ListModels(ctx context.Context) ([]*datatypes.FoundationModel, error) {
	return p.cache.get(ctx, func(ctx context.Context) ([]*datatypes.FoundationModel, error) {
		entries, err := os.ReadDir(p.dir)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		var out []*datatypes.FoundationModel
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".llamafile") {
				continue
			}
			path := filepath.Join(p.dir, e.Name())
			info, err := e.Info()
			if err != nil {
				continue
			}
			digest, err := headDigest(path)
			if err != nil {
				slog.Warn("Llamafile digest failed, skipping", "path", path, "error", err)
				continue
			}
			idents, err := datatypes.CanonicalizeMap(map[string]any{
				"digest_1m": digest,
				"size":      info.Size(),
			})
			if err != nil {
				return nil, err
			}
			out = append(out, &datatypes.FoundationModel{
				HumanID:             strings.TrimSuffix(e.Name(), ".llamafile"),
				FirstSeenAt:         &now,
				LastSeen:            &now,
				ProviderIdentifiers: p.record.Identifiers,
				ModelIdentifiers:    &idents,
			})
		}
		return out, nil
	})
}

// ChatNoLog is not supported: inventoried llamafiles are not running
// servers.
func (p *LlamafileProvider) ChatNoLog(ctx context.Context, req *datatypes.ChatRequest) (iterstream.Stream[datatypes.StreamFrame], error) {
	return nil, ErrNotImplemented
}

func headDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyN(h, f, 1<<20); err != nil && err != io.EOF {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
