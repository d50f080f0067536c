package configstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/calliope-ai/conduit/internal/config"
)

// SQLite persists providers and run history in a local database.
// Providers loaded from the config file act as defaults for every
// user; rows in the database shadow them, including tombstones for
// deleted defaults.
type SQLite struct {
	db       *sql.DB
	defaults map[string]config.Provider
}

// NewSQLite opens (or creates) the database at path and runs
// migrations. cfg may be nil when there are no file-configured
// providers to fall back on.
func NewSQLite(path string, cfg *config.Config) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids table-lock contention between writers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, defaults: make(map[string]config.Provider)}
	if cfg != nil {
		for name, p := range cfg.Providers {
			s.defaults[name] = p
		}
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS providers (
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			config TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, name)
		);

		CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			task TEXT NOT NULL,
			output TEXT NOT NULL,
			steps INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_task_runs_user ON task_runs(user_id, started_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetProvider(userID, name string) (*config.Provider, error) {
	var raw string
	var deleted bool
	err := s.db.QueryRow(`SELECT config, deleted FROM providers WHERE user_id = ? AND name = ?`,
		userID, name).Scan(&raw, &deleted)
	switch {
	case err == sql.ErrNoRows:
		if p, ok := s.defaults[name]; ok {
			return &p, nil
		}
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("get provider: %w", err)
	}
	if deleted {
		return nil, ErrNotFound
	}
	var p config.Provider
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode provider %s: %w", name, err)
	}
	return &p, nil
}

func (s *SQLite) SetProvider(userID string, p config.Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode provider %s: %w", p.Name, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO providers (user_id, name, config, deleted, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (user_id, name) DO UPDATE SET
			config = excluded.config,
			deleted = 0,
			updated_at = excluded.updated_at
	`, userID, p.Name, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set provider: %w", err)
	}
	return nil
}

func (s *SQLite) ListProviders(userID string) ([]config.Provider, error) {
	rows, err := s.db.Query(`SELECT name, config, deleted FROM providers WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	merged := make(map[string]config.Provider, len(s.defaults))
	for name, p := range s.defaults {
		merged[name] = p
	}
	for rows.Next() {
		var name, raw string
		var deleted bool
		if err := rows.Scan(&name, &raw, &deleted); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if deleted {
			delete(merged, name)
			continue
		}
		var p config.Provider
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode provider %s: %w", name, err)
		}
		merged[name] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	out := make([]config.Provider, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *SQLite) DeleteProvider(userID, name string) error {
	// Tombstone rather than delete, so file-configured defaults stay
	// hidden for this user.
	_, err := s.db.Exec(`
		INSERT INTO providers (user_id, name, config, deleted, updated_at)
		VALUES (?, ?, '{}', 1, ?)
		ON CONFLICT (user_id, name) DO UPDATE SET
			deleted = 1,
			updated_at = excluded.updated_at
	`, userID, name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return nil
}

func (s *SQLite) RecordRun(run TaskRun) error {
	_, err := s.db.Exec(`
		INSERT INTO task_runs (id, user_id, task, output, steps, succeeded, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID.String(), run.UserID, run.Task, run.Output, run.Steps, run.Succeeded, run.Error,
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

func (s *SQLite) ListRuns(userID string, limit int) ([]TaskRun, error) {
	query := `SELECT id, user_id, task, output, steps, succeeded, error, started_at, finished_at
		FROM task_runs WHERE user_id = ? ORDER BY started_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var run TaskRun
		var id, started, finished string
		var errText sql.NullString
		if err := rows.Scan(&id, &run.UserID, &run.Task, &run.Output, &run.Steps,
			&run.Succeeded, &errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.ID, _ = uuid.Parse(id)
		run.Error = errText.String
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}
