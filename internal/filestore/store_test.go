package filestore

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"chatrelay/internal/config"
	"chatrelay/internal/protocol"
)

func TestNewRequiresDir(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for blank directory")
	}
}

func TestMissingFilesYieldDefaults(t *testing.T) {
	t.Parallel()
	st, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	cfg, err := st.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !reflect.DeepEqual(cfg, config.Default()) {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	records, err := st.LoadHistory(ctx)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no history, got %v", records)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	cfg := config.Default()
	cfg.BanWords = []string{"spam"}
	cfg.UserPasswords["alice"] = "pw"
	cfg.HistoryCount = 3
	if err := st.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	history := []protocol.Record{
		{Username: "alice", Content: "hi", Time: "09:00:00"},
		{Username: "bob", Content: "@alice yo", Time: "09:00:05"},
	}
	if err := st.SaveHistory(ctx, history); err != nil {
		t.Fatalf("save history: %v", err)
	}

	gotCfg, err := st.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !reflect.DeepEqual(gotCfg, cfg) {
		t.Fatalf("config mismatch:\n got  %+v\n want %+v", gotCfg, cfg)
	}
	gotHistory, err := st.LoadHistory(ctx)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if !reflect.DeepEqual(gotHistory, history) {
		t.Fatalf("history mismatch: %v", gotHistory)
	}

	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		t.Fatalf("read config file: %v", err)
	}
	if !strings.Contains(string(raw), "\n  \"maxUsers\": 2000") {
		t.Fatalf("expected indented config document, got %s", raw)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := st.SaveHistory(context.Background(), nil); err != nil {
			t.Fatalf("save history: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != HistoryFile {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only %s, got %v", HistoryFile, names)
	}
}

func TestLoadConfigPartialDocument(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{"maxUsers": 5}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	st, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cfg, err := st.LoadConfig(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxUsers != 5 || cfg.AdminPassword != config.DefaultAdminPassword {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
