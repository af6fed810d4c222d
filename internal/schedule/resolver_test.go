package schedule

import (
	"context"
	"testing"
	"time"

	"cronwell/internal/store"
)

// Diamond: A has no deps, B and C depend on A, D depends on B and C.
func TestDiamondDependencyResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newTestManager(t, "2026-01-20T10:00:00Z")

	create := func(desc string, deps ...string) string {
		id, err := m.CreateCronSchedule(ctx, CronScheduleParams{
			OwnerID:      "team",
			Description:  desc,
			CronExpr:     "0 2 * * *",
			Dependencies: deps,
		})
		if err != nil {
			t.Fatalf("create %s: %v", desc, err)
		}
		return id
	}

	a := create("a")
	b := create("b", a)
	c := create("c", a)
	d := create("d", b, c)

	// All four are overdue; only dependencies gate them now.
	clock.Set(time.Date(2026, 1, 23, 0, 0, 0, 0, time.UTC))

	assertReady := func(stage string, want ...string) {
		t.Helper()
		ready, err := m.Ready(ctx)
		if err != nil {
			t.Fatalf("%s: ready: %v", stage, err)
		}
		got := map[string]bool{}
		for _, sc := range ready {
			got[sc.ID] = true
		}
		if len(got) != len(want) {
			t.Fatalf("%s: ready = %v, want %v", stage, scheduleIDs(ready), want)
		}
		for _, id := range want {
			if !got[id] {
				t.Fatalf("%s: ready = %v, missing %s", stage, scheduleIDs(ready), id)
			}
		}
	}

	// Before A fires, only A passes.
	assertReady("before A", a)

	// A completed: still time-ready itself (its advanced fire time is
	// still in the past), and B/C are now dependency-satisfied.
	if err := m.RecordCompletion(ctx, a); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	assertReady("after A", a, b, c)

	// D joins only after both arms of the diamond have completed.
	if err := m.RecordCompletion(ctx, b); err != nil {
		t.Fatalf("complete b: %v", err)
	}
	assertReady("after A+B", a, b, c)
	if err := m.RecordCompletion(ctx, c); err != nil {
		t.Fatalf("complete c: %v", err)
	}
	assertReady("after A+B+C", a, b, c, d)
}

func TestResolverRunningDependencyBlocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newTestManager(t, "2026-01-20T10:00:00Z")

	a, err := m.CreateCronSchedule(ctx, CronScheduleParams{
		OwnerID: "o", Description: "upstream", CronExpr: "0 2 * * *",
	})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := m.CreateCronSchedule(ctx, CronScheduleParams{
		OwnerID: "o", Description: "downstream", CronExpr: "0 2 * * *", Dependencies: []string{a},
	})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	clock.Set(time.Date(2026, 1, 23, 0, 0, 0, 0, time.UTC))
	if err := m.RecordCompletion(ctx, a); err != nil {
		t.Fatalf("complete a: %v", err)
	}

	// A fired but is running again right now: B must wait for it to
	// finish, not just to have fired once.
	if ok, err := m.ClaimExecution(ctx, a, "exec-a"); err != nil || !ok {
		t.Fatalf("claim a: ok=%v err=%v", ok, err)
	}
	ready, err := m.Ready(ctx)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	for _, sc := range ready {
		if sc.ID == b {
			t.Fatal("dependent ready while dependency is executing")
		}
	}

	if err := m.ReleaseExecution(ctx, a, "exec-a"); err != nil {
		t.Fatalf("release a: %v", err)
	}
	ready, err = m.Ready(ctx)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	found := false
	for _, sc := range ready {
		found = found || sc.ID == b
	}
	if !found {
		t.Fatalf("dependent not ready after dependency released: %v", scheduleIDs(ready))
	}
}

func TestResolverDanglingDependencyNeverSatisfied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, clock := newTestManager(t, "2026-01-20T10:00:00Z")

	a, err := m.CreateCronSchedule(ctx, CronScheduleParams{
		OwnerID: "o", Description: "upstream", CronExpr: "0 2 * * *",
	})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := m.CreateCronSchedule(ctx, CronScheduleParams{
		OwnerID: "o", Description: "downstream", CronExpr: "0 2 * * *", Dependencies: []string{a},
	})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	clock.Set(time.Date(2026, 1, 23, 0, 0, 0, 0, time.UTC))
	if err := m.RecordCompletion(ctx, a); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	// Deleting A leaves B with a dangling id: B drops out of the ready
	// set permanently rather than erroring.
	if err := m.Delete(ctx, a); err != nil {
		t.Fatalf("delete a: %v", err)
	}

	ready, err := m.Ready(ctx)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	for _, sc := range ready {
		if sc.ID == b {
			t.Fatal("schedule with dangling dependency reported ready")
		}
	}
}

// The resolver is also callable as a plain filter, with no manager.
func TestFilterReadyDirect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()

	fired := time.Date(2026, 1, 21, 2, 0, 0, 0, time.UTC)
	dep := &store.Schedule{ID: "dep", OwnerID: "o", TriggerType: store.TriggerCron, Enabled: true, LastFiredAt: &fired}
	leaf := &store.Schedule{ID: "leaf", OwnerID: "o", TriggerType: store.TriggerCron, Enabled: true, Dependencies: []string{"dep"}}
	lone := &store.Schedule{ID: "lone", OwnerID: "o", TriggerType: store.TriggerCron, Enabled: true}
	for _, sc := range []*store.Schedule{dep, leaf, lone} {
		if err := st.Insert(ctx, sc); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got := FilterReady(ctx, st, []*store.Schedule{leaf, lone})
	if len(got) != 2 {
		t.Fatalf("filter = %v, want both", scheduleIDs(got))
	}

	// Empty candidate list stays empty, not nil-panicky.
	if got := FilterReady(ctx, st, nil); len(got) != 0 {
		t.Fatalf("filter(nil) = %v", scheduleIDs(got))
	}
}
