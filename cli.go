package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"chatrelay/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	handled, err := runCLI(context.Background(), args, dbPath, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return handled
}

func runCLI(ctx context.Context, args []string, dbPath string, out io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(out, "chatrelay %s\n", Version)
		return true, nil
	case "status":
		return true, withStore(dbPath, func(st *store.Store) error { return cliStatus(ctx, st, dbPath, out) })
	case "config":
		return true, withStore(dbPath, func(st *store.Store) error { return cliConfig(ctx, st, out) })
	case "history":
		return true, withStore(dbPath, func(st *store.Store) error { return cliHistory(ctx, st, args[1:], out) })
	case "audit":
		return true, withStore(dbPath, func(st *store.Store) error { return cliAudit(ctx, st, args[1:], out) })
	case "backup":
		outPath := "chatrelay-backup.db"
		if len(args) > 1 {
			outPath = args[1]
		}
		return true, withStore(dbPath, func(st *store.Store) error {
			if err := st.Backup(ctx, outPath); err != nil {
				return err
			}
			fmt.Fprintf(out, "Database backed up to %s\n", outPath)
			return nil
		})
	default:
		return false, nil
	}
}

func withStore(dbPath string, fn func(*store.Store) error) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()
	return fn(st)
}

func cliStatus(ctx context.Context, st *store.Store, dbPath string, out io.Writer) error {
	cfg, err := st.LoadConfig(ctx)
	if err != nil {
		return err
	}
	history, err := st.LoadHistory(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database: %s\n", dbPath)
	fmt.Fprintf(out, "Version: %s\n", Version)
	fmt.Fprintf(out, "Max users: %d\n", cfg.MaxUsers)
	fmt.Fprintf(out, "History: %d/%d\n", len(history), cfg.HistoryCount)
	fmt.Fprintf(out, "Banned IPs: %d\n", len(cfg.BannedIPs))
	fmt.Fprintf(out, "Banned words: %d\n", len(cfg.BanWords))
	return nil
}

func cliConfig(ctx context.Context, st *store.Store, out io.Writer) error {
	cfg, err := st.LoadConfig(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func cliHistory(ctx context.Context, st *store.Store, args []string, out io.Writer) error {
	limit, err := parseLimit(args)
	if err != nil {
		return err
	}
	history, err := st.LoadHistory(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Fprintln(out, "No history.")
		return nil
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	for _, r := range history {
		fmt.Fprintf(out, "[%s] %s: %s\n", r.Time, r.Username, r.Content)
	}
	return nil
}

func cliAudit(ctx context.Context, st *store.Store, args []string, out io.Writer) error {
	limit, err := parseLimit(args)
	if err != nil {
		return err
	}
	entries, err := st.AuditEntries(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s  %-22s %s\n", e.CreatedAt.Format(time.RFC3339), e.Action, e.Target)
	}
	return nil
}

func parseLimit(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid count %q", args[0])
	}
	return n, nil
}
