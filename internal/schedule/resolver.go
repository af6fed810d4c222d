package schedule

import (
	"context"

	"cronwell/internal/store"
)

// FilterReady narrows a time-ready set to the schedules whose direct
// dependencies have all completed: each dependency must exist, have fired
// at least once, and have no run in flight. An empty dependency list
// always passes; a dangling id never does.
//
// Nothing is cached across poll ticks; dependency state moves between
// them, so every call reads fresh rows. Diamond graphs need no
// topological pass: each node only consults its direct dependencies'
// persisted completion flags, so the cost is O(candidates * fan-in)
// per tick.
func FilterReady(ctx context.Context, st store.Store, candidates []*store.Schedule) []*store.Schedule {
	out := make([]*store.Schedule, 0, len(candidates))
	for _, sc := range candidates {
		if dependenciesSatisfied(ctx, st, sc) {
			out = append(out, sc)
		}
	}
	return out
}

func dependenciesSatisfied(ctx context.Context, st store.Store, sc *store.Schedule) bool {
	for _, depID := range sc.Dependencies {
		dep, err := st.Get(ctx, depID)
		if err != nil {
			return false
		}
		if dep.LastFiredAt == nil {
			return false
		}
		if dep.ExecutionID != "" {
			return false
		}
	}
	return true
}
