// Package store is Raskol's embedded accounting database: a single SQLite
// file tracking, per user, how many requests they've made, when they last
// hit the proxy, and how many upstream tokens they've consumed today.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/org/raskol/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS hits (
	uid          TEXT PRIMARY KEY,
	count_of_all INTEGER NOT NULL DEFAULT 0,
	time_of_last INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tokens (
	uid   TEXT NOT NULL,
	day   TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (uid, day)
);
CREATE INDEX IF NOT EXISTS tokens_uid_idx ON tokens (uid);
`

// Hit is the result of recording a request: the caller's running request
// count including this one, and the time elapsed since their previous hit.
// IsFirstEver is set on the user's first recorded hit, when SinceLast is zero.
type Hit struct {
	CountOfAll   uint64
	SinceLast    time.Duration
	IsFirstEver  bool
}

// DayTotal is one day's worth of token usage for a single user.
type DayTotal struct {
	Day   string `json:"day"`
	Total uint64 `json:"total"`
}

// UserStats mirrors the original implementation's per-user stats payload,
// extended with the full per-day token history.
type UserStats struct {
	UID             string     `json:"uid"`
	TotalHits       uint64     `json:"total_hits"`
	LastHitTime     int64      `json:"last_hit_time"`
	TokensUsedToday uint64     `json:"tokens_used_today"`
	PerDay          []DayTotal `json:"per_day"`
}

// Store is a single-writer, multi-reader handle onto the accounting
// database. SQLite only tolerates one writer at a time even under WAL, so
// all writes funnel through mu; reads use the shared *sql.DB pool directly.
type Store struct {
	db *sql.DB
	mu sync.Mutex
	now func() time.Time
}

// Open creates (if needed) and migrates the database file at path, enabling
// WAL journaling and the given busy timeout so concurrent readers don't
// immediately collide with the writer.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		path, busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordHit increments uid's all-time hit counter and reports how long it's
// been since their previous hit. The read-then-branch shape (rather than a
// single upsert) is required because the caller needs the PREVIOUS
// time_of_last to compute elapsed time, which an INSERT ... ON CONFLICT
// can't expose alongside its own RETURNING row.
func (s *Store) RecordHit(ctx context.Context, uid string) (Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Hit{}, busyOrInternal("begin hit transaction", err)
	}
	defer tx.Rollback()

	var prevCount uint64
	var prevTime int64
	err = tx.QueryRowContext(ctx, "SELECT count_of_all, time_of_last FROM hits WHERE uid = ?", uid).
		Scan(&prevCount, &prevTime)

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO hits (uid, count_of_all, time_of_last) VALUES (?, 1, ?)",
			uid, now,
		); err != nil {
			return Hit{}, busyOrInternal("insert hit", err)
		}
		if err := tx.Commit(); err != nil {
			return Hit{}, busyOrInternal("commit hit", err)
		}
		return Hit{CountOfAll: 1, SinceLast: 0, IsFirstEver: true}, nil

	case err != nil:
		return Hit{}, busyOrInternal("select hit", err)

	default:
		if _, err := tx.ExecContext(ctx,
			"UPDATE hits SET count_of_all = count_of_all + 1, time_of_last = ? WHERE uid = ?",
			now, uid,
		); err != nil {
			return Hit{}, busyOrInternal("update hit", err)
		}
		if err := tx.Commit(); err != nil {
			return Hit{}, busyOrInternal("commit hit", err)
		}
		elapsed := time.Duration(now-prevTime) * time.Second
		return Hit{CountOfAll: prevCount + 1, SinceLast: elapsed}, nil
	}
}

// TokensUsedToday returns how many tokens uid has consumed on the current
// UTC day.
func (s *Store) TokensUsedToday(ctx context.Context, uid string) (uint64, error) {
	var count uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT count FROM tokens WHERE uid = ? AND day = ?",
		uid, today(s.now()),
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, busyOrInternal("select tokens", err)
	}
	return count, nil
}

// AddTokens adds n tokens to uid's running total for today.
func (s *Store) AddTokens(ctx context.Context, uid string, n uint64) error {
	if n == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (uid, day, count) VALUES (?, ?, ?)
		ON CONFLICT (uid, day) DO UPDATE SET count = count + excluded.count
	`, uid, today(s.now()), n)
	if err != nil {
		return busyOrInternal("add tokens", err)
	}
	return nil
}

// StatsFor returns the accounting snapshot for a single user, including
// their full per-day token history in descending date order.
func (s *Store) StatsFor(ctx context.Context, uid string) (UserStats, error) {
	stats := UserStats{UID: uid}
	err := s.db.QueryRowContext(ctx,
		"SELECT count_of_all, time_of_last FROM hits WHERE uid = ?", uid,
	).Scan(&stats.TotalHits, &stats.LastHitTime)
	if err != nil && err != sql.ErrNoRows {
		return UserStats{}, busyOrInternal("select stats", err)
	}

	tokens, err := s.TokensUsedToday(ctx, uid)
	if err != nil {
		return UserStats{}, err
	}
	stats.TokensUsedToday = tokens

	perDay, err := s.perDayFor(ctx, uid)
	if err != nil {
		return UserStats{}, err
	}
	stats.PerDay = perDay

	return stats, nil
}

// TotalStats returns the accounting snapshot, including per-day token
// history, for every user who has ever hit the proxy, for the ADMIN-only
// /total-stats endpoint.
func (s *Store) TotalStats(ctx context.Context) ([]UserStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT uid, count_of_all, time_of_last FROM hits")
	if err != nil {
		return nil, busyOrInternal("select all hits", err)
	}
	defer rows.Close()

	var all []UserStats
	for rows.Next() {
		var st UserStats
		if err := rows.Scan(&st.UID, &st.TotalHits, &st.LastHitTime); err != nil {
			return nil, busyOrInternal("scan hit row", err)
		}
		all = append(all, st)
	}
	if err := rows.Err(); err != nil {
		return nil, busyOrInternal("iterate hits", err)
	}
	// The pool holds a single connection, so the hits cursor must be closed
	// before the per-user token queries below can run.
	rows.Close()

	for i := range all {
		tokens, err := s.TokensUsedToday(ctx, all[i].UID)
		if err != nil {
			return nil, err
		}
		all[i].TokensUsedToday = tokens

		perDay, err := s.perDayFor(ctx, all[i].UID)
		if err != nil {
			return nil, err
		}
		all[i].PerDay = perDay
	}
	return all, nil
}

// perDayFor returns uid's token consumption for every day it has any
// recorded usage, most recent day first.
func (s *Store) perDayFor(ctx context.Context, uid string) ([]DayTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT day, count FROM tokens WHERE uid = ? ORDER BY day DESC", uid,
	)
	if err != nil {
		return nil, busyOrInternal("select per-day tokens", err)
	}
	defer rows.Close()

	var perDay []DayTotal
	for rows.Next() {
		var dt DayTotal
		if err := rows.Scan(&dt.Day, &dt.Total); err != nil {
			return nil, busyOrInternal("scan per-day row", err)
		}
		perDay = append(perDay, dt)
	}
	if err := rows.Err(); err != nil {
		return nil, busyOrInternal("iterate per-day tokens", err)
	}
	return perDay, nil
}

func today(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func busyOrInternal(op string, err error) error {
	if err == nil {
		return nil
	}
	if sqliteErr, ok := asBusy(err); ok {
		return apperrors.NewStoreBusyError(op, sqliteErr)
	}
	return apperrors.NewInternalError(op, err)
}

// asBusy reports whether err indicates the database was locked or busy past
// the configured timeout. Kept as a narrow string check rather than a type
// assertion on mattn/go-sqlite3's error type so the store package doesn't
// need to import its internal error codes for a single classification.
func asBusy(err error) (error, bool) {
	msg := err.Error()
	for _, sub := range []string{"database is locked", "SQLITE_BUSY", "database table is locked"} {
		if strings.Contains(msg, sub) {
			return err, true
		}
	}
	return nil, false
}
