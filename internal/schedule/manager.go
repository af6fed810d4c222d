// Package schedule owns the schedules table: creation and validation of
// schedule definitions, readiness queries, and completion bookkeeping.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronwell/internal/cronspec"
	"cronwell/internal/store"
	"cronwell/pkg/logx"
)

var (
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrScheduleNotFound      = errors.New("schedule not found")
	ErrDependencyCycle       = errors.New("dependency cycle")
)

type Manager struct {
	st  store.Store
	log logx.Logger
	now func() time.Time
}

type Option func(*Manager)

// WithClock overrides the time source. Tests use this for determinism.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(st store.Store, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{st: st, log: log, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CronScheduleParams describes a new cron-triggered schedule.
// Zero values give the defaults: UTC timezone, enabled, no dependencies.
type CronScheduleParams struct {
	OwnerID      string
	Description  string
	CronExpr     string
	Timezone     string
	Disabled     bool
	Dependencies []string

	// Extra eligibility gates carried for the work function; the core
	// persists them and nothing else.
	MinIntervalSeconds int64
	OnlyWhenPending    bool
}

// CreateCronSchedule validates the cron expression, computes the first
// fire time strictly after now, and persists the schedule. The expression
// is never stored if it does not parse.
func (m *Manager) CreateCronSchedule(ctx context.Context, p CronScheduleParams) (string, error) {
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if err := cronspec.Validate(p.CronExpr, tz); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}

	now := m.now()
	next, err := cronspec.Next(p.CronExpr, tz, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	next = next.UTC()

	id := uuid.NewString()
	deps := dedupe(p.Dependencies)
	if err := m.validateDependencies(ctx, id, deps); err != nil {
		return "", err
	}

	sc := &store.Schedule{
		ID:                 id,
		OwnerID:            p.OwnerID,
		TriggerType:        store.TriggerCron,
		Description:        p.Description,
		CronExpr:           p.CronExpr,
		Timezone:           tz,
		NextFireAt:         &next,
		MinIntervalSeconds: p.MinIntervalSeconds,
		OnlyWhenPending:    p.OnlyWhenPending,
		Enabled:            !p.Disabled,
		Dependencies:       deps,
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}
	if err := m.st.Insert(ctx, sc); err != nil {
		return "", err
	}
	m.log.Info("schedule created",
		logx.String("id", id),
		logx.String("owner", p.OwnerID),
		logx.String("cron", p.CronExpr),
		logx.Time("next_fire_at", next))
	return id, nil
}

// CreateSchedule persists a continuous or reactive schedule. These carry
// no fire time; something other than the poll loop decides when they run.
func (m *Manager) CreateSchedule(ctx context.Context, trigger store.TriggerType, p CronScheduleParams) (string, error) {
	if trigger == store.TriggerCron {
		return "", errors.New("use CreateCronSchedule for cron triggers")
	}
	if trigger != store.TriggerContinuous && trigger != store.TriggerReactive {
		return "", fmt.Errorf("unknown trigger type %q", trigger)
	}

	now := m.now()
	id := uuid.NewString()
	deps := dedupe(p.Dependencies)
	if err := m.validateDependencies(ctx, id, deps); err != nil {
		return "", err
	}

	sc := &store.Schedule{
		ID:                 id,
		OwnerID:            p.OwnerID,
		TriggerType:        trigger,
		Description:        p.Description,
		MinIntervalSeconds: p.MinIntervalSeconds,
		OnlyWhenPending:    p.OnlyWhenPending,
		Enabled:            !p.Disabled,
		Dependencies:       deps,
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}
	if err := m.st.Insert(ctx, sc); err != nil {
		return "", err
	}
	m.log.Info("schedule created",
		logx.String("id", id),
		logx.String("owner", p.OwnerID),
		logx.String("trigger", string(trigger)))
	return id, nil
}

// Ensure registers a well-known job exactly once per owner+description.
// Calling it again returns the existing schedule id without touching the
// row, so startup registration is idempotent.
func (m *Manager) Ensure(ctx context.Context, p CronScheduleParams) (string, error) {
	existing, err := m.st.ByOwnerDescription(ctx, p.OwnerID, p.Description)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	return m.CreateCronSchedule(ctx, p)
}

func (m *Manager) Get(ctx context.Context, id string) (*store.Schedule, error) {
	sc, err := m.st.Get(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return sc, nil
}

func (m *Manager) ByOwner(ctx context.Context, ownerID string) ([]*store.Schedule, error) {
	return m.st.ByOwner(ctx, ownerID)
}

// Enable and Disable are idempotent and never touch NextFireAt.
func (m *Manager) Enable(ctx context.Context, id string) error {
	return mapNotFound(m.st.SetEnabled(ctx, id, true))
}

func (m *Manager) Disable(ctx context.Context, id string) error {
	return mapNotFound(m.st.SetEnabled(ctx, id, false))
}

// Delete removes the schedule. Dependents keep the dangling id; the
// resolver treats a missing dependency as never satisfied.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return mapNotFound(m.st.Delete(ctx, id))
}

// SetDependencies replaces the dependency list after the same self and
// cycle checks creation applies.
func (m *Manager) SetDependencies(ctx context.Context, id string, deps []string) error {
	deps = dedupe(deps)
	if err := m.validateDependencies(ctx, id, deps); err != nil {
		return err
	}
	return mapNotFound(m.st.SetDependencies(ctx, id, deps))
}

// Dependencies returns the declared dependency ids, or nil when the
// schedule is absent. It never fails: a malformed or missing row reads
// as an empty list.
func (m *Manager) Dependencies(ctx context.Context, id string) []string {
	sc, err := m.st.Get(ctx, id)
	if err != nil {
		return nil
	}
	return sc.Dependencies
}

// ReadyByTime returns enabled, not-currently-running schedules whose next
// fire time is due, earliest first.
func (m *Manager) ReadyByTime(ctx context.Context) ([]*store.Schedule, error) {
	return m.st.DueBefore(ctx, m.now())
}

// Ready is the fully-ready set: time-ready and dependency-satisfied.
func (m *Manager) Ready(ctx context.Context) ([]*store.Schedule, error) {
	due, err := m.ReadyByTime(ctx)
	if err != nil {
		return nil, err
	}
	return FilterReady(ctx, m.st, due), nil
}

// ClaimExecution attaches the execution handle if and only if none is
// set. A false return without error means another claimant won.
func (m *Manager) ClaimExecution(ctx context.Context, id, execID string) (bool, error) {
	ok, err := m.st.ClaimExecution(ctx, id, execID)
	if err != nil {
		return false, mapNotFound(err)
	}
	return ok, nil
}

// ReleaseExecution detaches the handle if it still holds execID. Releasing
// a deleted schedule is a no-op: the row is gone and so is the lock.
func (m *Manager) ReleaseExecution(ctx context.Context, id, execID string) error {
	ok, err := m.st.ReleaseExecution(ctx, id, execID)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Debug("stale execution release", logx.String("id", id), logx.String("execution_id", execID))
	}
	return nil
}

// RecordCompletion marks the most recent run finished: last fire time set
// to now, next fire time advanced from the previous one. Advancing from
// the previous fire time rather than the wall clock means a late poll
// loop neither drifts nor skips occurrences.
func (m *Manager) RecordCompletion(ctx context.Context, id string) error {
	sc, err := m.st.Get(ctx, id)
	if err != nil {
		return mapNotFound(err)
	}
	if sc.CronExpr == "" {
		return fmt.Errorf("%w: schedule %s has no cron expression", ErrScheduleNotFound, id)
	}

	now := m.now()
	ref := now
	if sc.NextFireAt != nil {
		ref = *sc.NextFireAt
	}
	next, err := cronspec.Next(sc.CronExpr, sc.Timezone, ref)
	if err != nil {
		return fmt.Errorf("advance %s: %w", id, err)
	}
	next = next.UTC()

	if err := m.st.RecordFire(ctx, id, now.UTC(), &next); err != nil {
		return mapNotFound(err)
	}
	m.log.Debug("completion recorded",
		logx.String("id", id),
		logx.Time("next_fire_at", next))
	return nil
}

// validateDependencies rejects self-references and any path through the
// persisted dependency lists that leads back to id. Dangling ids are
// allowed (they resolve as never-satisfied, not as errors).
func (m *Manager) validateDependencies(ctx context.Context, id string, deps []string) error {
	for _, dep := range deps {
		if dep == id {
			return fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, id)
		}
	}

	visited := map[string]bool{}
	var walk func(cur string) error
	walk = func(cur string) error {
		if cur == id {
			return fmt.Errorf("%w: path back to %s", ErrDependencyCycle, id)
		}
		if visited[cur] {
			return nil
		}
		visited[cur] = true
		sc, err := m.st.Get(ctx, cur)
		if err != nil {
			// Dangling id: nothing to walk.
			return nil
		}
		for _, next := range sc.Dependencies {
			if err := walk(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range deps {
		if err := walk(dep); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrScheduleNotFound, err)
	}
	return err
}
