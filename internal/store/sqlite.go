package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the persistent store backend: one row per hash field.
// Connections are capped at one so every transaction serializes, which is
// what makes the multi-statement primitives (HIncrBy, HSetNX) atomic.
type SQLite struct {
	db      *sql.DB
	timeout time.Duration
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS push_hash (
	key   TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, field)
);
CREATE INDEX IF NOT EXISTS idx_push_hash_key ON push_hash(key);
`

// NewSQLite opens (or creates) the store database at path.
func NewSQLite(path string, timeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	// WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create store schema: %w", err)
	}

	return &SQLite{db: db, timeout: timeout}, nil
}

// globToLike converts a '*' glob into a LIKE pattern with '\' escaping.
func globToLike(pattern string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return strings.ReplaceAll(r.Replace(pattern), "*", "%")
}

func (s *SQLite) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := guard(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT key FROM push_hash WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		globToLike(pattern))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, mapErr(err)
		}
		keys = append(keys, k)
	}
	return keys, mapErr(rows.Err())
}

func (s *SQLite) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, cancel := guard(ctx, s.timeout)
	defer cancel()

	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM push_hash WHERE key = ? AND field = ?`, key, field).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr(err)
	}
	return v, true, nil
}

func (s *SQLite) HMGet(ctx context.Context, key string, fields []string) (map[string]string, error) {
	all, err := s.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := all[f]; ok {
			result[f] = v
		}
	}
	return result, nil
}

func (s *SQLite) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := guard(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM push_hash WHERE key = ?`, key)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, mapErr(err)
		}
		result[f] = v
	}
	return result, mapErr(rows.Err())
}

func (s *SQLite) HSet(ctx context.Context, key string, fields map[string]string) error {
	ctx, cancel := guard(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	for f, v := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO push_hash (key, field, value) VALUES (?, ?, ?)
			 ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`,
			key, f, v); err != nil {
			return mapErr(err)
		}
	}
	return mapErr(tx.Commit())
}

func (s *SQLite) HSetNX(ctx context.Context, key string, fields map[string]string) (bool, error) {
	ctx, cancel := guard(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, mapErr(err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM push_hash WHERE key = ?`, key).Scan(&n); err != nil {
		return false, mapErr(err)
	}
	if n > 0 {
		return false, nil
	}
	for f, v := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO push_hash (key, field, value) VALUES (?, ?, ?)`,
			key, f, v); err != nil {
			return false, mapErr(err)
		}
	}
	return true, mapErr(tx.Commit())
}

func (s *SQLite) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	ctx, cancel := guard(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr(err)
	}
	defer tx.Rollback()

	var cur int64
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM push_hash WHERE key = ? AND field = ?`, key, field).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		cur = 0
	case err != nil:
		return 0, mapErr(err)
	default:
		cur, _ = strconv.ParseInt(raw, 10, 64)
	}

	cur += delta
	if cur <= 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM push_hash WHERE key = ? AND field = ?`, key, field); err != nil {
			return 0, mapErr(err)
		}
		return 0, mapErr(tx.Commit())
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO push_hash (key, field, value) VALUES (?, ?, ?)
		 ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`,
		key, field, strconv.FormatInt(cur, 10)); err != nil {
		return 0, mapErr(err)
	}
	return cur, mapErr(tx.Commit())
}

func (s *SQLite) HDel(ctx context.Context, key string, fields ...string) error {
	ctx, cancel := guard(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	for _, f := range fields {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM push_hash WHERE key = ? AND field = ?`, key, f); err != nil {
			return mapErr(err)
		}
	}
	return mapErr(tx.Commit())
}

func (s *SQLite) Del(ctx context.Context, keys ...string) (int64, error) {
	ctx, cancel := guard(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr(err)
	}
	defer tx.Rollback()

	var n int64
	for _, k := range keys {
		res, err := tx.ExecContext(ctx, `DELETE FROM push_hash WHERE key = ?`, k)
		if err != nil {
			return 0, mapErr(err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, mapErr(tx.Commit())
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
