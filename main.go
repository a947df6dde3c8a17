package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/core"
	"chatrelay/internal/filestore"
	"chatrelay/internal/httpapi"
	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
	"chatrelay/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// persistence is what main needs from either backend.
type persistence interface {
	core.Persister
	LoadConfig(ctx context.Context) (config.Config, error)
	LoadHistory(ctx context.Context) ([]protocol.Record, error)
}

func main() {
	addr := flag.String("addr", ":3000", "HTTP and websocket listen address")
	backend := flag.String("store", "sqlite", "Persistence backend: sqlite or file")
	dbPath := flag.String("db", "chatrelay.db", "SQLite database path")
	dataDir := flag.String("data-dir", ".", "Directory for config.json and history.json (file backend)")
	trustProxy := flag.Bool("trust-proxy", false, "Take client addresses from X-Forwarded-For")
	sendBuffer := flag.Int("send-buffer", core.DefaultSendBuffer, "Outbound queue depth per session")
	metricsInterval := flag.Duration("metrics-interval", time.Minute, "Interval between stats log lines (0 disables)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	if RunCLI(flag.Args(), *dbPath) {
		return
	}

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting relay", "version", Version, "addr", *addr, "store", *backend)

	if err := run(*addr, *backend, *dbPath, *dataDir, *trustProxy, *sendBuffer, *metricsInterval); err != nil {
		slog.Error("relay error", "err", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}

func run(addr, backend, dbPath, dataDir string, trustProxy bool, sendBuffer int, metricsInterval time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []core.Option{core.WithSendBuffer(sendBuffer)}

	var p persistence
	switch backend {
	case "sqlite":
		st, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("close sqlite store", "err", closeErr)
			}
		}()
		p = st
		opts = append(opts, core.WithAuditor(st))
	case "file":
		fs, err := filestore.New(dataDir)
		if err != nil {
			return fmt.Errorf("open file store: %w", err)
		}
		p = fs
	default:
		return fmt.Errorf("unknown store %q (want sqlite or file)", backend)
	}

	cfg, err := p.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	history, err := p.LoadHistory(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	slog.Info("state loaded", "history", len(history), "max_users", cfg.MaxUsers, "banned_ips", len(cfg.BannedIPs))

	m := metrics.New()
	opts = append(opts, core.WithPersister(p), core.WithMetrics(m))
	relay := core.NewRelay(cfg, history, opts...)

	if metricsInterval > 0 {
		go metrics.RunReporter(ctx, m, metricsInterval)
	}

	server := httpapi.New(relay, httpapi.Options{Metrics: m, TrustProxy: trustProxy})
	return server.Run(ctx, addr)
}
