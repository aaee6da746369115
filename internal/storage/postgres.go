// Package storage implements the repository backed by PostgreSQL,
// plus the blob store for enrollment images and match snapshots.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore is the concrete repository; it is the only coupling
// other components have to any particular SQL dialect.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects using dsn and verifies the connection with
// a ping.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// HasFaceData reports whether enrollID already has a face template on
// file — the precondition enrollment start checks before collecting
// shots.
func (s *PostgresStore) HasFaceData(ctx context.Context, enrollID int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE enroll_id = $1 AND backup_num = 50 AND record IS NOT NULL)`,
		enrollID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has_face_data: %w", err)
	}
	return exists, nil
}

// UpsertUser writes or replaces a single (enroll_id, backup_num) row.
// backup_num=50 is the face template slot.
func (s *PostgresStore) UpsertUser(ctx context.Context, enrollID int, name string, backupNum int, isAdmin bool, record []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (enroll_id, name, backup_num, is_admin, record, is_active)
		VALUES ($1, $2, $3, $4, $5, true)
		ON CONFLICT (enroll_id, backup_num) DO UPDATE
		SET name = EXCLUDED.name, is_admin = EXCLUDED.is_admin, record = EXCLUDED.record`,
		enrollID, name, backupNum, isAdmin, record,
	)
	if err != nil {
		return fmt.Errorf("upsert_user: %w", err)
	}
	return nil
}

// DeleteUser purges every row for enrollID, not just the face slot.
func (s *PostgresStore) DeleteUser(ctx context.Context, enrollID int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM users WHERE enroll_id = $1`, enrollID)
	if err != nil {
		return fmt.Errorf("delete_user: %w", err)
	}
	return nil
}

// SetUserActive flips the active flag for every row belonging to
// enrollID.
func (s *PostgresStore) SetUserActive(ctx context.Context, enrollID int, active bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET is_active = $2 WHERE enroll_id = $1`, enrollID, active)
	if err != nil {
		return fmt.Errorf("set_user_active: %w", err)
	}
	return nil
}

// LogAttendance inserts an attendance row unless one already exists
// for this enroll_id within the last 20 seconds, debouncing repeat
// recognitions of the same person at the same device. The row also
// carries the embedding and score behind which the match was made, via
// pgvector, so the attendance log doubles as a forensic event log:
// "who else looked like this" queries run against this table without
// ever touching the live gallery.
func (s *PostgresStore) LogAttendance(ctx context.Context, enrollID int, deviceSerial string, ts time.Time, embedding []float32, score float32) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO attendance (enroll_id, device_serial, ts, embedding, match_score)
		SELECT $1, $2, $3, $4, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM attendance
			WHERE enroll_id = $1 AND ts > $3 - interval '20 seconds'
		)`,
		enrollID, deviceSerial, ts, pgvector.NewVector(embedding), score,
	)
	if err != nil {
		return fmt.Errorf("log_attendance: %w", err)
	}
	_ = tag
	return nil
}

// UserRow is one row of a search_users_by_name reply.
type UserRow struct {
	EnrollID int
	Name     string
	IsActive bool
}

// SearchUsersByName is a case-insensitive substring search.
func (s *PostgresStore) SearchUsersByName(ctx context.Context, fragment string) ([]UserRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT enroll_id, name, is_active FROM users
		WHERE name ILIKE '%' || $1 || '%'
		ORDER BY enroll_id`,
		fragment,
	)
	if err != nil {
		return nil, fmt.Errorf("search_users_by_name: %w", err)
	}
	defer rows.Close()

	var out []UserRow
	for rows.Next() {
		var r UserRow
		if err := rows.Scan(&r.EnrollID, &r.Name, &r.IsActive); err != nil {
			return nil, fmt.Errorf("search_users_by_name scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextEnrollID returns a fresh, monotonically increasing id, floored
// to 1000, reading max(enroll_id) under a row-level lock so concurrent
// callers never observe the same value twice.
func (s *PostgresStore) NextEnrollID(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("next_enroll_id begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(enroll_id), 999) FROM enroll_sequence FOR UPDATE`).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("next_enroll_id read: %w", err)
	}

	next := current + 1
	if next < 1000 {
		next = 1000
	}

	if _, err := tx.Exec(ctx, `INSERT INTO enroll_sequence (enroll_id) VALUES ($1)`, next); err != nil {
		return 0, fmt.Errorf("next_enroll_id reserve: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("next_enroll_id commit: %w", err)
	}
	return next, nil
}

// SnapshotActiveFaceUsers returns the light (enroll_id, is_active) set
// for every id with a face template — it MUST NOT pull embedding blobs.
func (s *PostgresStore) SnapshotActiveFaceUsers(ctx context.Context) (map[int]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT enroll_id, is_active FROM users
		WHERE backup_num = 50 AND record IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("snapshot_active_face_users: %w", err)
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var id int
		var active bool
		if err := rows.Scan(&id, &active); err != nil {
			return nil, fmt.Errorf("snapshot_active_face_users scan: %w", err)
		}
		out[id] = active
	}
	return out, rows.Err()
}

// FetchFaceRow fetches one user's full face row, record included.
func (s *PostgresStore) FetchFaceRow(ctx context.Context, enrollID int) (name string, record []byte, isActive bool, ok bool, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT name, record, is_active FROM users
		WHERE enroll_id = $1 AND backup_num = 50`,
		enrollID,
	).Scan(&name, &record, &isActive)
	if err == pgx.ErrNoRows {
		return "", nil, false, false, nil
	}
	if err != nil {
		return "", nil, false, false, fmt.Errorf("fetch_face_row: %w", err)
	}
	return name, record, isActive, true, nil
}

// AttendanceRow is one row of a QueryAttendance reply, for the
// read-only admin HTTP surface.
type AttendanceRow struct {
	EnrollID     int
	Name         string
	DeviceSerial string
	Timestamp    time.Time
}

// QueryAttendance backs the GET /v1/attendance admin endpoint:
// optional enroll_id filter, newest first, capped at limit.
func (s *PostgresStore) QueryAttendance(ctx context.Context, enrollID int, limit int) ([]AttendanceRow, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT a.enroll_id, u.name, a.device_serial, a.ts
		FROM attendance a
		JOIN users u ON u.enroll_id = a.enroll_id AND u.backup_num = 50`)
	args := []any{}
	if enrollID > 0 {
		args = append(args, enrollID)
		fmt.Fprintf(&b, " WHERE a.enroll_id = $%d", len(args))
	}
	b.WriteString(" ORDER BY a.ts DESC")
	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query_attendance: %w", err)
	}
	defer rows.Close()

	var out []AttendanceRow
	for rows.Next() {
		var r AttendanceRow
		if err := rows.Scan(&r.EnrollID, &r.Name, &r.DeviceSerial, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("query_attendance scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListUsers backs GET /v1/users.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]UserRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT enroll_id, name, is_active FROM users ORDER BY enroll_id`)
	if err != nil {
		return nil, fmt.Errorf("list_users: %w", err)
	}
	defer rows.Close()

	var out []UserRow
	for rows.Next() {
		var r UserRow
		if err := rows.Scan(&r.EnrollID, &r.Name, &r.IsActive); err != nil {
			return nil, fmt.Errorf("list_users scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
