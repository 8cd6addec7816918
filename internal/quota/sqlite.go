package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/paths"
)

const sqliteOpenOptions = "?_busy_timeout=5000&_journal_mode=WAL"

const schemaSQL = `CREATE TABLE IF NOT EXISTS usage_counters (
	user_key      TEXT NOT NULL,
	resource_kind TEXT NOT NULL,
	day           TEXT NOT NULL,
	count         INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (user_key, resource_kind, day)
)`

// SQLiteStore keeps counters in a local SQLite database.
// Each operation is a single statement, so per-key updates are atomic.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the counter database at dbPath.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath, err := paths.ExpandTilde(dbPath)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureParentDir(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+sqliteOpenOptions)
	if err != nil {
		return nil, fmt.Errorf("open quota db: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create quota schema: %w", err)
	}

	L_debug("quota: sqlite store ready", "path", dbPath)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Count(ctx context.Context, k Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM usage_counters WHERE user_key = ? AND resource_kind = ? AND day = ?`,
		k.User, string(k.Kind), k.Date).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *SQLiteStore) Increment(ctx context.Context, k Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO usage_counters (user_key, resource_kind, day, count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(user_key, resource_kind, day) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
		RETURNING count`,
		k.User, string(k.Kind), k.Date, time.Now().Unix()).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Reserve(ctx context.Context, k Key, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counters (user_key, resource_kind, day, count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(user_key, resource_kind, day) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
		WHERE usage_counters.count < ?`,
		k.User, string(k.Kind), k.Date, time.Now().Unix(), limit)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) Release(ctx context.Context, k Key) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_counters SET count = count - 1, updated_at = ?
		WHERE user_key = ? AND resource_kind = ? AND day = ? AND count > 0`,
		time.Now().Unix(), k.User, string(k.Kind), k.Date)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
