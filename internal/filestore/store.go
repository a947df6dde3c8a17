// Package filestore persists relay state as two JSON documents in a
// directory: config.json and history.json.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"chatrelay/internal/config"
	"chatrelay/internal/protocol"
)

const (
	ConfigFile  = "config.json"
	HistoryFile = "history.json"
)

// Store reads and writes the JSON documents under rootDir.
type Store struct {
	rootDir string
}

// New creates a file store rooted at rootDir, creating the directory.
func New(rootDir string) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	slog.Debug("file store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir}, nil
}

// SaveConfig writes config.json, indented.
func (s *Store) SaveConfig(_ context.Context, cfg config.Config) error {
	data, err := json.MarshalIndent(cfg.Normalized(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return s.writeAtomic(ConfigFile, data)
}

// LoadConfig reads config.json. A missing file yields the defaults.
func (s *Store) LoadConfig(_ context.Context) (config.Config, error) {
	data, err := os.ReadFile(filepath.Join(s.rootDir, ConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("no config file, using defaults", "dir", s.rootDir)
		return config.Default(), nil
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	return config.Decode(data)
}

// SaveHistory writes history.json.
func (s *Store) SaveHistory(_ context.Context, records []protocol.Record) error {
	if records == nil {
		records = []protocol.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return s.writeAtomic(HistoryFile, data)
}

// LoadHistory reads history.json. A missing file yields no records.
func (s *Store) LoadHistory(_ context.Context) ([]protocol.Record, error) {
	data, err := os.ReadFile(filepath.Join(s.rootDir, HistoryFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var records []protocol.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return records, nil
}

// writeAtomic writes data to a temp file in rootDir and renames it over name,
// so readers never observe a partial document.
func (s *Store) writeAtomic(name string, data []byte) error {
	tempFile, err := os.CreateTemp(s.rootDir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tempPath := tempFile.Name()

	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()
	if writeErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("write %s: %w", name, writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close %s: %w", name, closeErr)
	}

	finalPath := filepath.Join(s.rootDir, name)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("move %s into place: %w", name, err)
	}
	slog.Debug("document written", "file", name, "size", len(data))
	return nil
}
