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

	"cronwell/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const scheduleColumns = `id, owner_id, trigger_type, description, cron_expression, timezone,
	next_execution_at, minimum_interval_seconds, only_when_pending, enabled,
	last_triggered_at, dependencies, execution_id, created_at, updated_at`

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

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

func (s *sqliteStore) Insert(ctx context.Context, sc *Schedule) error {
	deps, err := json.Marshal(depsOrEmpty(sc.Dependencies))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.OwnerID, string(sc.TriggerType), sc.Description,
		nullStr(sc.CronExpr), nullStr(sc.Timezone),
		nullMillis(sc.NextFireAt), sc.MinIntervalSeconds, sc.OnlyWhenPending, sc.Enabled,
		nullMillis(sc.LastFiredAt), string(deps), nullStr(sc.ExecutionID),
		sc.CreatedAt.UnixMilli(), sc.UpdatedAt.UnixMilli(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrExists
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

func (s *sqliteStore) ByOwner(ctx context.Context, ownerID string) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE owner_id = ? ORDER BY created_at ASC, rowid ASC`,
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *sqliteStore) ByOwnerDescription(ctx context.Context, ownerID, description string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE owner_id = ? AND description = ?
		 ORDER BY created_at ASC, rowid ASC LIMIT 1`,
		ownerID, description)
	return scanSchedule(row)
}

func (s *sqliteStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.updateRow(ctx,
		`UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UnixMilli(), id)
}

func (s *sqliteStore) SetDependencies(ctx context.Context, id string, deps []string) error {
	b, err := json.Marshal(depsOrEmpty(deps))
	if err != nil {
		return err
	}
	return s.updateRow(ctx,
		`UPDATE schedules SET dependencies = ?, updated_at = ? WHERE id = ?`,
		string(b), time.Now().UnixMilli(), id)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	return s.updateRow(ctx, `DELETE FROM schedules WHERE id = ?`, id)
}

func (s *sqliteStore) DueBefore(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled = 1
		   AND next_execution_at IS NOT NULL
		   AND next_execution_at <= ?
		   AND execution_id IS NULL
		 ORDER BY next_execution_at ASC, created_at ASC, rowid ASC`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ClaimExecution is the row-level lock acquire: it succeeds only when no
// execution handle is currently set.
func (s *sqliteStore) ClaimExecution(ctx context.Context, id, execID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET execution_id = ?, updated_at = ?
		 WHERE id = ? AND execution_id IS NULL`,
		execID, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "lost the race" from "row gone".
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

// ReleaseExecution clears the handle only if it still holds execID.
func (s *sqliteStore) ReleaseExecution(ctx context.Context, id, execID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET execution_id = NULL, updated_at = ?
		 WHERE id = ? AND execution_id = ?`,
		time.Now().UnixMilli(), id, execID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) RecordFire(ctx context.Context, id string, firedAt time.Time, next *time.Time) error {
	return s.updateRow(ctx,
		`UPDATE schedules SET last_triggered_at = ?, next_execution_at = ?, updated_at = ? WHERE id = ?`,
		firedAt.UnixMilli(), nullMillis(next), time.Now().UnixMilli(), id)
}

func (s *sqliteStore) updateRow(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sc          Schedule
		trigger     string
		cronExpr    sql.NullString
		tz          sql.NullString
		nextAt      sql.NullInt64
		lastAt      sql.NullInt64
		deps        string
		execID      sql.NullString
		created     int64
		updated     int64
		onlyPending int
		enabled     int
	)
	err := row.Scan(
		&sc.ID, &sc.OwnerID, &trigger, &sc.Description, &cronExpr, &tz,
		&nextAt, &sc.MinIntervalSeconds, &onlyPending, &enabled,
		&lastAt, &deps, &execID, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sc.TriggerType = TriggerType(trigger)
	sc.CronExpr = cronExpr.String
	sc.Timezone = tz.String
	sc.OnlyWhenPending = onlyPending != 0
	sc.Enabled = enabled != 0
	sc.ExecutionID = execID.String
	sc.NextFireAt = millisPtr(nextAt)
	sc.LastFiredAt = millisPtr(lastAt)
	sc.CreatedAt = time.UnixMilli(created).UTC()
	sc.UpdatedAt = time.UnixMilli(updated).UTC()

	// Malformed dependency JSON degrades to "no dependencies" rather than
	// failing the read.
	if err := json.Unmarshal([]byte(deps), &sc.Dependencies); err != nil {
		sc.Dependencies = nil
	}
	return &sc, nil
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func depsOrEmpty(deps []string) []string {
	if deps == nil {
		return []string{}
	}
	return deps
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
