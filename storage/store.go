// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/telemetryd/telemetryd/lib/clock"
	"github.com/telemetryd/telemetryd/lib/schema"
)

const (
	configsDir = "configs"
	reportsDir = "reports"
)

// Store is the daemon's durable state directory. Safe for concurrent
// use; every operation works on whole files and writes atomically.
type Store struct {
	root   string
	ttl    time.Duration
	clk    clock.Clock
	logger *slog.Logger

	// sequence disambiguates report files written within the same
	// clock reading.
	sequence atomic.Uint64
}

// Open prepares the state directory layout and returns a store. The
// root directory itself must already exist (the daemon creates it from
// configuration at startup); the configs and reports subdirectories
// are created here. A non-positive ttl disables expiry sweeping.
func Open(root string, ttl time.Duration, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage: root directory is required")
	}
	for _, sub := range []string{configsDir, reportsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return nil, fmt.Errorf("storage: creating %s directory: %w", sub, err)
		}
	}
	return &Store{
		root:   root,
		ttl:    ttl,
		clk:    clk,
		logger: logger,
	}, nil
}

// WriteConfig persists the raw payload for one config key. The payload
// is stored exactly as received (CBOR or JSONC text); parsing is the
// engine's business.
func (s *Store) WriteConfig(key schema.ConfigKey, payload []byte) error {
	path := filepath.Join(s.root, configsDir, configFileName(key))
	if err := writeFileAtomic(path, payload); err != nil {
		return fmt.Errorf("storage: writing config %s: %w", key, err)
	}
	return nil
}

// DeleteConfig removes the persisted payload for one config key.
// Idempotent: deleting an absent config is not an error.
func (s *Store) DeleteConfig(key schema.ConfigKey) error {
	path := filepath.Join(s.root, configsDir, configFileName(key))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: deleting config %s: %w", key, err)
	}
	return nil
}

// ReadConfigs loads every persisted config payload, keyed by config
// key. Files whose names do not parse are skipped with a warning (they
// are not ours).
func (s *Store) ReadConfigs() (map[schema.ConfigKey][]byte, error) {
	dir := filepath.Join(s.root, configsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: reading configs directory: %w", err)
	}

	configs := make(map[schema.ConfigKey][]byte)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := parseConfigFileName(entry.Name())
		if !ok {
			s.logger.Warn("skipping unrecognized file in configs directory", "name", entry.Name())
			continue
		}
		payload, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("storage: reading config %s: %w", key, err)
		}
		configs[key] = payload
	}
	return configs, nil
}

// configFileName is "<uid>_<id>.cfg".
func configFileName(key schema.ConfigKey) string {
	return fmt.Sprintf("%d_%d.cfg", key.Uid, key.Id)
}

func parseConfigFileName(name string) (schema.ConfigKey, bool) {
	base, found := strings.CutSuffix(name, ".cfg")
	if !found {
		return schema.ConfigKey{}, false
	}
	uidPart, idPart, found := strings.Cut(base, "_")
	if !found {
		return schema.ConfigKey{}, false
	}
	uid, err := strconv.ParseInt(uidPart, 10, 32)
	if err != nil {
		return schema.ConfigKey{}, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return schema.ConfigKey{}, false
	}
	return schema.ConfigKey{Uid: int32(uid), Id: id}, true
}

// writeFileAtomic writes data to path via a temporary file in the same
// directory: write, fsync, close, rename, then fsync the parent
// directory so the rename survives power loss. Mode 0600.
func writeFileAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}

	return nil
}
