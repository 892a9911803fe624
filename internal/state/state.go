// Package state persists the pipeline's high-water marks: one ISO-8601
// timestamp string per destination table, stored as a JSON object at a
// fixed path. The file is the durable cursor for incremental extraction.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"trafficlake/internal/domain"
)

// Store guards the watermark map. Multiple table workers mutate it
// concurrently, so read-modify-persist runs under a single mutex and the
// file is rewritten in full on every update.
type Store struct {
	path             string
	defaultWatermark string
	logger           *slog.Logger

	mu         sync.Mutex
	watermarks map[string]string
}

// Open loads the watermark file. A missing or unreadable file is not an
// error: the store starts empty and every table runs from its default
// watermark (effectively a full first extraction).
func Open(path, defaultWatermark string, logger *slog.Logger) *Store {
	s := &Store{
		path:             path,
		defaultWatermark: defaultWatermark,
		logger:           logger,
		watermarks:       make(map[string]string),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("state file unreadable, starting from scratch", "path", path, "error", err)
		} else {
			logger.Info("no state file found, assuming first run", "path", path)
		}
		return s
	}

	if err := json.Unmarshal(raw, &s.watermarks); err != nil {
		logger.Warn("state file corrupt, starting from scratch", "path", path, "error", err)
		s.watermarks = make(map[string]string)
	}
	return s
}

// Get returns the watermark for the destination table, or the default
// when the table has never committed.
func (s *Store) Get(dest string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.watermarks[dest]; ok {
		return ts
	}
	return s.defaultWatermark
}

// Commit updates the table's watermark and rewrites the state file.
// The update and the persist happen under one critical section so that
// concurrent table commits cannot interleave a stale map onto disk.
func (s *Store) Commit(dest, watermark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watermarks[dest] = watermark
	return s.persistLocked()
}

// Reset drops the table's watermark (used by forced full reloads) and
// rewrites the state file.
func (s *Store) Reset(dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watermarks[dest]; !ok {
		return nil
	}
	delete(s.watermarks, dest)
	return s.persistLocked()
}

// Snapshot returns a copy of the current watermark map.
func (s *Store) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.watermarks))
	for k, v := range s.watermarks {
		out[k] = v
	}
	return out
}

func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &domain.StateIOError{Path: s.path, Err: err}
	}

	raw, err := json.MarshalIndent(s.watermarks, "", "  ")
	if err != nil {
		return &domain.StateIOError{Path: s.path, Err: fmt.Errorf("marshal state: %w", err)}
	}

	// Write-then-rename so a crash mid-write cannot truncate the cursor.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return &domain.StateIOError{Path: s.path, Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &domain.StateIOError{Path: s.path, Err: err}
	}
	return nil
}
