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
	"time"

	_ "modernc.org/sqlite"

	"followbot/internal/engine/followup"
	"followbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", cfg.Path))
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

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadRecord(ctx context.Context, key string) (followup.Record, bool, error) {
	if key == "" {
		return followup.Record{}, false, followup.ErrEmptyKey
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT status, last_reply_at, attempts, cooldown_until FROM contacts WHERE key = ?`, key)

	var (
		status   string
		lastStr  sql.NullString
		attempts int
		coolStr  sql.NullString
	)
	err := row.Scan(&status, &lastStr, &attempts, &coolStr)
	if errors.Is(err, sql.ErrNoRows) {
		return followup.Record{}, false, nil
	}
	if err != nil {
		return followup.Record{}, false, err
	}

	rec := followup.Record{
		Key:      key,
		Status:   followup.Status(status),
		Attempts: attempts,
	}
	if rec.LastReplyAt, err = parseNullTime(lastStr); err != nil {
		return followup.Record{}, false, fmt.Errorf("contact %s: %w", key, err)
	}
	if rec.CooldownUntil, err = parseNullTime(coolStr); err != nil {
		return followup.Record{}, false, fmt.Errorf("contact %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *sqliteStore) SaveRecord(ctx context.Context, rec followup.Record) error {
	if rec.Key == "" {
		return followup.ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(key, status, last_reply_at, attempts, cooldown_until, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		   status=excluded.status,
		   last_reply_at=excluded.last_reply_at,
		   attempts=excluded.attempts,
		   cooldown_until=excluded.cooldown_until,
		   updated_at=excluded.updated_at`,
		rec.Key, string(rec.Status), nullTime(rec.LastReplyAt), rec.Attempts,
		nullTime(rec.CooldownUntil), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteRecord(ctx context.Context, key string) error {
	if key == "" {
		return followup.ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE key = ?`, key)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s.String, err)
	}
	return t, nil
}
