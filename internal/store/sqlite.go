package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "blastd/pkg/logx"
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
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
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

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateSession(ctx context.Context, rec Record) (Record, error) {
	targets, err := json.Marshal(rec.Targets)
	if err != nil {
		return Record{}, err
	}
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return Record{}, err
	}
	now := time.Now().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, targets, messages, delay_seconds, mode, active, message_count, created_at, updated_at)
		 VALUES(?,?,?,?,?,0,0,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   targets=excluded.targets, messages=excluded.messages,
		   delay_seconds=excluded.delay_seconds, mode=excluded.mode,
		   updated_at=excluded.updated_at`,
		rec.ID, string(targets), string(messages), rec.DelaySeconds, rec.Mode, now, now,
	)
	if err != nil {
		return Record{}, err
	}
	return s.GetSession(ctx, rec.ID)
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, targets, messages, delay_seconds, mode, active, message_count, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanRecord(row)
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, targets, messages, delay_seconds, mode, active, message_count, created_at, updated_at
		 FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateActive(ctx context.Context, id string, active bool) (Record, error) {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), now, id)
	if err != nil {
		return Record{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Record{}, ErrNotFound
	}
	return s.GetSession(ctx, id)
}

func (s *sqliteStore) IncrementDeliveryCount(ctx context.Context, id string) (int64, error) {
	now := time.Now().Format(time.RFC3339Nano)
	var count int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, updated_at = ?
		 WHERE id = ? RETURNING message_count`, now, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                  Record
		targets, messages    string
		active               int
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.ID, &targets, &messages, &rec.DelaySeconds, &rec.Mode,
		&active, &rec.MessageCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(targets), &rec.Targets); err != nil {
		return Record{}, fmt.Errorf("decode targets for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(messages), &rec.Messages); err != nil {
		return Record{}, fmt.Errorf("decode messages for %s: %w", rec.ID, err)
	}
	rec.Active = active != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
