package memstore

import (
	"context"
	"sort"
	"time"

	"go.chromium.org/luci/common/clock"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// GetABTest implements store.ABTestStore.
func (s *Store) GetABTest(ctx context.Context, testID string) (*rules.ABTest, error) {
	defer s.enter(ctx)()
	t, ok := s.state.abtests[testID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

// UpsertABTest implements store.ABTestStore.
func (s *Store) UpsertABTest(ctx context.Context, t *rules.ABTest) error {
	if err := rules.ValidateABTest(t); err != nil {
		return err
	}
	defer s.enter(ctx)()
	now := clock.Now(ctx)
	cp := *t
	if existing, ok := s.state.abtests[t.TestID]; ok {
		cp.CreationTime = existing.CreationTime
	} else {
		cp.CreationTime = now
	}
	cp.LastUpdated = now
	s.state.abtests[t.TestID] = &cp
	*t = cp
	return nil
}

// ListABTests implements store.ABTestStore.
func (s *Store) ListABTests(ctx context.Context) ([]*rules.ABTest, error) {
	defer s.enter(ctx)()
	out := make([]*rules.ABTest, 0, len(s.state.abtests))
	for _, t := range s.state.abtests {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestID < out[j].TestID })
	return out, nil
}

// DeleteABTest implements store.ABTestStore. Assignments owned by
// the test are deleted with it.
func (s *Store) DeleteABTest(ctx context.Context, testID string) error {
	defer s.enter(ctx)()
	if _, ok := s.state.abtests[testID]; !ok {
		return store.ErrNotFound
	}
	delete(s.state.abtests, testID)
	for k := range s.state.assignments {
		if k.testID == testID {
			delete(s.state.assignments, k)
		}
	}
	return nil
}

// GetAssignment implements store.ABTestStore.
func (s *Store) GetAssignment(ctx context.Context, testID, key string) (*rules.TestAssignment, error) {
	defer s.enter(ctx)()
	a, ok := s.state.assignments[assignmentKey{testID, key}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

// InsertAssignment implements store.ABTestStore. The (test, key)
// pair is unique; a losing racer receives ErrAlreadyExists and must
// re-read the winner's row.
func (s *Store) InsertAssignment(ctx context.Context, a *rules.TestAssignment) error {
	defer s.enter(ctx)()
	k := assignmentKey{a.ABTestID, a.AssignmentKey}
	if _, ok := s.state.assignments[k]; ok {
		return store.ErrAlreadyExists
	}
	cp := *a
	if cp.LastExecutionAt.IsZero() {
		cp.LastExecutionAt = clock.Now(ctx)
	}
	s.state.assignments[k] = &cp
	*a = cp
	return nil
}

// TouchAssignment implements store.ABTestStore.
func (s *Store) TouchAssignment(ctx context.Context, testID, key string, at time.Time) error {
	defer s.enter(ctx)()
	k := assignmentKey{testID, key}
	existing, ok := s.state.assignments[k]
	if !ok {
		return store.ErrNotFound
	}
	cp := *existing
	cp.ExecutionCount++
	cp.LastExecutionAt = at
	s.state.assignments[k] = &cp
	return nil
}

// CountAssignments implements store.ABTestStore.
func (s *Store) CountAssignments(ctx context.Context, testID string) (map[rules.Variant]int64, error) {
	defer s.enter(ctx)()
	out := make(map[rules.Variant]int64)
	for k, a := range s.state.assignments {
		if k.testID == testID {
			out[a.Variant]++
		}
	}
	return out, nil
}
