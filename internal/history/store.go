// Package history keeps a local SQLite log of message deliveries.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Delivery is one send attempt and its outcome.
type Delivery struct {
	ID           string
	Source       string // cli | relay | queue
	AgentID      int64
	MsgType      string
	ToUser       string // pipe-joined, as sent on the wire
	ToParty      string
	ToTag        string
	Result       string // ok | vendor | transport | auth | invalid
	ErrCode      int
	ErrMsg       string
	MsgID        string
	InvalidUser  string
	InvalidParty string
	InvalidTag   string
	Latency      time.Duration
	CreatedAt    time.Time
}

// SQLiteStore records deliveries in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the history database at dbPath and
// applies pending migrations.
func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Record stores d, assigning an ID and timestamp when they are empty.
// It returns the stored ID.
func (s *SQLiteStore) Record(ctx context.Context, d Delivery) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, source, agent_id, msg_type, to_user, to_party, to_tag,
			result, err_code, err_msg, msg_id, invalid_user, invalid_party, invalid_tag,
			latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Source, d.AgentID, d.MsgType, d.ToUser, d.ToParty, d.ToTag,
		d.Result, d.ErrCode, d.ErrMsg, d.MsgID, d.InvalidUser, d.InvalidParty, d.InvalidTag,
		d.Latency.Milliseconds(), d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("record delivery: %w", err)
	}
	return d.ID, nil
}

// Recent returns up to limit deliveries, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, agent_id, msg_type, to_user, to_party, to_tag,
			result, err_code, err_msg, msg_id, invalid_user, invalid_party, invalid_tag,
			latency_ms, created_at
		 FROM deliveries ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d         Delivery
			latencyMS int64
			createdMS int64
		)
		if err := rows.Scan(&d.ID, &d.Source, &d.AgentID, &d.MsgType, &d.ToUser, &d.ToParty, &d.ToTag,
			&d.Result, &d.ErrCode, &d.ErrMsg, &d.MsgID, &d.InvalidUser, &d.InvalidParty, &d.InvalidTag,
			&latencyMS, &createdMS); err != nil {
			return nil, err
		}
		d.Latency = time.Duration(latencyMS) * time.Millisecond
		d.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountByResult returns the number of stored deliveries per result label.
func (s *SQLiteStore) CountByResult(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT result, COUNT(*) FROM deliveries GROUP BY result`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			result string
			n      int
		)
		if err := rows.Scan(&result, &n); err != nil {
			return nil, err
		}
		counts[result] = n
	}
	return counts, rows.Err()
}

// Purge deletes deliveries older than olderThan and returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged delivery history", "rows", n, "older_than", olderThan)
	}
	return n, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
