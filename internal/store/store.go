package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chatrelay/internal/config"
	"chatrelay/internal/protocol"
)

// MaxAuditRows caps the audit log; older rows are pruned on insert.
const MaxAuditRows = 10_000

// migrations are applied in order and recorded in schema_migrations. Append
// only: never edit a migration that has shipped.
var migrations = []string{
	`
CREATE TABLE settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE history (
	pos INTEGER PRIMARY KEY,
	username TEXT NOT NULL,
	content TEXT NOT NULL,
	time TEXT NOT NULL
);
`,
	`
CREATE TABLE audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	target TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX idx_audit_log_created_at ON audit_log(created_at_unix_ms);
`,
}

// Store persists relay state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Single connection: concurrent writers would hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const bootstrap = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at_unix_ms INTEGER NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, bootstrap); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at_unix_ms) VALUES (?, ?)`,
				version, time.Now().UnixMilli())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		slog.Debug("sqlite migration applied", "version", version)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to path.
func (s *Store) Backup(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("backup path is required")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("backup target %s already exists", path)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into %s: %w", path, err)
	}
	slog.Info("sqlite backup written", "path", path)
	return nil
}

// SaveConfig writes every config field as its own settings row.
func (s *Store) SaveConfig(ctx context.Context, cfg config.Config) error {
	raw, err := json.Marshal(cfg.Normalized())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("split config fields: %w", err)
	}

	const q = `INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for key, value := range fields {
			if _, err := tx.ExecContext(ctx, q, key, string(value)); err != nil {
				return fmt.Errorf("upsert setting %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("config persisted", "fields", len(fields))
	return nil
}

// LoadConfig reads the settings rows. Fields with no row take their default.
func (s *Store) LoadConfig(ctx context.Context) (config.Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return config.Config{}, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return config.Config{}, fmt.Errorf("scan setting: %w", err)
		}
		fields[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return config.Config{}, fmt.Errorf("iterate settings: %w", err)
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return config.Config{}, fmt.Errorf("join config fields: %w", err)
	}
	cfg, err := config.Decode(raw)
	if err != nil {
		return config.Config{}, fmt.Errorf("decode stored config: %w", err)
	}
	slog.Debug("config loaded", "fields", len(fields))
	return cfg, nil
}

// SaveHistory replaces the stored history with records, oldest first.
func (s *Store) SaveHistory(ctx context.Context, records []protocol.Record) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history`); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO history (pos, username, content, time) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare history insert: %w", err)
		}
		defer stmt.Close()
		for i, r := range records {
			if _, err := stmt.ExecContext(ctx, i, r.Username, r.Content, r.Time); err != nil {
				return fmt.Errorf("insert history row %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("history persisted", "count", len(records))
	return nil
}

// LoadHistory returns the stored history, oldest first.
func (s *Store) LoadHistory(ctx context.Context) ([]protocol.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, content, time FROM history ORDER BY pos`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []protocol.Record
	for rows.Next() {
		var r protocol.Record
		if err := rows.Scan(&r.Username, &r.Content, &r.Time); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, r)
	}
	slog.Debug("history loaded", "count", len(out))
	return out, rows.Err()
}

// AuditEntry is one recorded admin mutation.
type AuditEntry struct {
	ID        int64
	Action    string
	Target    string
	CreatedAt time.Time
}

// InsertAudit records an admin mutation and prunes rows beyond MaxAuditRows.
func (s *Store) InsertAudit(ctx context.Context, action, target string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO audit_log (action, target, created_at_unix_ms) VALUES (?, ?, ?)`,
			action, target, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		id, _ := res.LastInsertId()
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit_log WHERE id <= ?`, id-MaxAuditRows); err != nil {
			return fmt.Errorf("prune audit log: %w", err)
		}
		return nil
	})
}

// AuditEntries returns the most recent audit entries, ordered oldest first.
func (s *Store) AuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, action, target, created_at_unix_ms
FROM audit_log
ORDER BY id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Target, &ms); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
