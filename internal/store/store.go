// Package store persists schedule definitions and their runtime state.
//
// The schedules table is the single coordination point between the
// manager, resolver, and poll loop: the execution_id column doubles as a
// per-schedule mutual-exclusion lock, so every driver must implement
// ClaimExecution/ReleaseExecution as an atomic compare-and-set on that
// one column. No in-process lock substitutes for it.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"cronwell/pkg/logx"
)

var (
	ErrNotFound = errors.New("schedule not found")
	ErrExists   = errors.New("schedule already exists")
)

type TriggerType string

const (
	TriggerCron       TriggerType = "cron"
	TriggerContinuous TriggerType = "continuous"
	TriggerReactive   TriggerType = "reactive"
)

// Schedule is one row of the schedules table.
//
// NextFireAt and LastFiredAt are nil until set; ExecutionID is empty when
// no run is in flight. MinIntervalSeconds and OnlyWhenPending are carried
// for the work function's benefit and never evaluated here.
type Schedule struct {
	ID                 string
	OwnerID            string
	TriggerType        TriggerType
	Description        string
	CronExpr           string
	Timezone           string
	NextFireAt         *time.Time
	MinIntervalSeconds int64
	OnlyWhenPending    bool
	Enabled            bool
	LastFiredAt        *time.Time
	Dependencies       []string
	ExecutionID        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Clone returns a deep copy so callers can hold snapshots safely.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	cp := *s
	if s.NextFireAt != nil {
		t := *s.NextFireAt
		cp.NextFireAt = &t
	}
	if s.LastFiredAt != nil {
		t := *s.LastFiredAt
		cp.LastFiredAt = &t
	}
	if s.Dependencies != nil {
		cp.Dependencies = append([]string(nil), s.Dependencies...)
	}
	return &cp
}

// Store is the persistence API for schedules.
//
// Claim/Release are the only mutation paths for execution_id and must be
// atomic per row: Claim succeeds only when the column is currently empty,
// Release only when it holds the given execution id. Both report whether
// the swap happened.
type Store interface {
	Insert(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	ByOwner(ctx context.Context, ownerID string) ([]*Schedule, error)
	ByOwnerDescription(ctx context.Context, ownerID, description string) (*Schedule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	SetDependencies(ctx context.Context, id string, deps []string) error
	Delete(ctx context.Context, id string) error

	// DueBefore returns enabled schedules with a non-null next fire time
	// at or before now and no execution handle, ordered by next fire time
	// ascending with insertion order as the tie-break.
	DueBefore(ctx context.Context, now time.Time) ([]*Schedule, error)

	ClaimExecution(ctx context.Context, id, execID string) (bool, error)
	ReleaseExecution(ctx context.Context, id, execID string) (bool, error)

	// RecordFire sets last_triggered_at and advances next_execution_at in
	// one row update.
	RecordFire(ctx context.Context, id string, firedAt time.Time, next *time.Time) error

	Close() error
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (tests, ephemeral runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
