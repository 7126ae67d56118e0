package calibration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/e7canasta/orion-posture/internal/types"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pragmas applied to every connection
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// SQLiteStore persists baselines in a local SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("calibration: open %s: %w", path, err)
	}
	// a single writer keeps WAL and migrations simple
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("calibration: %s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("calibration: sqlite store opened", "path", path)
	return s, nil
}

func (s *SQLiteStore) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateUp runs all pending migrations. The migrate instance is not
// closed: that would close the shared *sql.DB.
func (s *SQLiteStore) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return fmt.Errorf("calibration: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("calibration: migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version and dirty flag
func (s *SQLiteStore) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Load implements Store
func (s *SQLiteStore) Load(ctx context.Context, mode types.Mode) (float64, bool, error) {
	var value float64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM baselines WHERE key = ?`, Key(mode),
	).Scan(&value)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, wrapStoreErr("load", mode, err)
	}
	return value, true, nil
}

// Save implements Store
func (s *SQLiteStore) Save(ctx context.Context, mode types.Mode, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baselines (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		Key(mode), value,
	)
	if err != nil {
		return wrapStoreErr("save", mode, err)
	}
	return nil
}

// RecordAttempt implements HistoryRecorder
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a Attempt) error {
	var value sql.NullFloat64
	if a.Success {
		value = sql.NullFloat64{Float64: a.Value, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calibration_history (mode, value, success, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(a.Mode), value, a.Success, a.Reason, a.RecordedAt.UTC(),
	)
	if err != nil {
		return wrapStoreErr("record attempt", a.Mode, err)
	}
	return nil
}

// History returns the most recent attempts for a mode, newest first
func (s *SQLiteStore) History(ctx context.Context, mode types.Mode, limit int) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mode, value, success, COALESCE(reason, ''), recorded_at
		FROM calibration_history
		WHERE mode = ?
		ORDER BY id DESC
		LIMIT ?`,
		string(mode), limit,
	)
	if err != nil {
		return nil, wrapStoreErr("history", mode, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a     Attempt
			m     string
			value sql.NullFloat64
		)
		if err := rows.Scan(&m, &value, &a.Success, &a.Reason, &a.RecordedAt); err != nil {
			return nil, wrapStoreErr("history", mode, err)
		}
		a.Mode = types.Mode(m)
		a.Value = value.Float64
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrateLogger routes golang-migrate logging to slog
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	slog.Debug("calibration: migrate", "msg", fmt.Sprintf(format, v...))
}

func (migrateLogger) Verbose() bool {
	return false
}
