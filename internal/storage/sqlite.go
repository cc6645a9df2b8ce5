package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"huniebot/internal/event"
	logx "huniebot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps pragmas on a single session.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) GetUserLevel(ctx context.Context, server, user string) (event.Level, bool, error) {
	if s.closed.Load() {
		return 0, false, ErrClosed
	}
	var lvl int64
	err := s.db.QueryRowContext(ctx,
		`SELECT level FROM user_permissions WHERE server_id = ? AND user_id = ?`,
		server, user,
	).Scan(&lvl)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get user level: %w", err)
	}
	return event.Level(lvl), true, nil
}

func (s *sqliteStore) PutUserLevel(ctx context.Context, server, user string, lvl event.Level) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_permissions(server_id, user_id, level, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(server_id, user_id) DO UPDATE SET level=excluded.level, updated_at=excluded.updated_at`,
		server, user, int64(lvl), now(),
	)
	if err != nil {
		return fmt.Errorf("put user level: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetChannelCommand(ctx context.Context, server, channel, command string) (bool, bool, error) {
	if s.closed.Load() {
		return false, false, ErrClosed
	}
	var en int64
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM channel_permissions WHERE server_id = ? AND channel_id = ? AND command = ?`,
		server, channel, command,
	).Scan(&en)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("get channel command: %w", err)
	}
	return en != 0, true, nil
}

func (s *sqliteStore) PutChannelCommand(ctx context.Context, server, channel, command string, enabled bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	en := 0
	if enabled {
		en = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_permissions(server_id, channel_id, command, enabled, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(server_id, channel_id, command) DO UPDATE SET enabled=excluded.enabled, updated_at=excluded.updated_at`,
		server, channel, command, en, now(),
	)
	if err != nil {
		return fmt.Errorf("put channel command: %w", err)
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, server_id, action, target, detail) VALUES(?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.Actor), nullStr(e.Server), e.Action,
		nullStr(e.Target), nullStr(e.Detail),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// Maintain folds the WAL back into the database file and refreshes planner
// statistics.
func (s *sqliteStore) Maintain(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
