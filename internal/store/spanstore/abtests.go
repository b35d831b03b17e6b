package spanstore

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/server/span"
	"google.golang.org/grpc/codes"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// GetABTest implements store.ABTestStore.
func (s *Store) GetABTest(ctx context.Context, testID string) (*rules.ABTest, error) {
	stmt := spanner.NewStatement(`
		SELECT TestJson
		FROM ABTests
		WHERE TestId = @testID
	`)
	stmt.Params = map[string]interface{}{"testID": testID}
	var out *rules.ABTest
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		var testJSON spanner.NullString
		if err := row.Columns(&testJSON); err != nil {
			return errors.Annotate(err, "read ab test row").Err()
		}
		t := &rules.ABTest{}
		if err := fromJSON(testJSON, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query ab test %s", testID).Err()
	}
	if out == nil {
		return nil, store.ErrNotFound
	}
	return out, nil
}

// UpsertABTest implements store.ABTestStore.
func (s *Store) UpsertABTest(ctx context.Context, t *rules.ABTest) error {
	if err := rules.ValidateABTest(t); err != nil {
		return err
	}
	return s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		now := clock.Now(ctx)
		cp := *t
		existing, err := s.GetABTest(ctx, t.TestID)
		switch {
		case err == store.ErrNotFound:
			cp.CreationTime = now
		case err != nil:
			return err
		default:
			cp.CreationTime = existing.CreationTime
		}
		cp.LastUpdated = now
		testJSON, err := toJSON(&cp)
		if err != nil {
			return err
		}
		m := spanner.InsertOrUpdateMap("ABTests", map[string]interface{}{
			"TestId":       cp.TestID,
			"TestJson":     testJSON,
			"Status":       string(cp.Status),
			"CreationTime": cp.CreationTime,
			"LastUpdated":  spanner.CommitTimestamp,
		})
		if err := s.write(ctx, m); err != nil {
			return err
		}
		*t = cp
		return nil
	})
}

// ListABTests implements store.ABTestStore.
func (s *Store) ListABTests(ctx context.Context) ([]*rules.ABTest, error) {
	stmt := spanner.NewStatement(`
		SELECT TestJson
		FROM ABTests
		ORDER BY TestId
	`)
	var out []*rules.ABTest
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		var testJSON spanner.NullString
		if err := row.Columns(&testJSON); err != nil {
			return errors.Annotate(err, "read ab test row").Err()
		}
		t := &rules.ABTest{}
		if err := fromJSON(testJSON, t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query ab tests").Err()
	}
	return out, nil
}

// DeleteABTest implements store.ABTestStore. The test's assignments
// are deleted with it.
func (s *Store) DeleteABTest(ctx context.Context, testID string) error {
	return s.write(ctx,
		spanner.Delete("ABTests", spanner.Key{testID}),
		spanner.Delete("TestAssignments", spanner.Key{testID}.AsPrefix()),
	)
}

// GetAssignment implements store.ABTestStore.
func (s *Store) GetAssignment(ctx context.Context, testID, key string) (*rules.TestAssignment, error) {
	stmt := spanner.NewStatement(`
		SELECT ABTestId, AssignmentKey, Variant, ExecutionCount, LastExecutionAt
		FROM TestAssignments
		WHERE ABTestId = @testID AND AssignmentKey = @key
	`)
	stmt.Params = map[string]interface{}{
		"testID": testID,
		"key":    key,
	}
	var out *rules.TestAssignment
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		var a rules.TestAssignment
		var variant string
		err := row.Columns(&a.ABTestID, &a.AssignmentKey, &variant,
			&a.ExecutionCount, &a.LastExecutionAt)
		if err != nil {
			return errors.Annotate(err, "read assignment row").Err()
		}
		a.Variant = rules.Variant(variant)
		out = &a
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query assignment (%s, %s)", testID, key).Err()
	}
	if out == nil {
		return nil, store.ErrNotFound
	}
	return out, nil
}

// InsertAssignment implements store.ABTestStore. The read-then-insert
// runs in one transaction, so racing first-time assignments resolve
// to a single stored row.
func (s *Store) InsertAssignment(ctx context.Context, a *rules.TestAssignment) error {
	err := s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		_, err := s.GetAssignment(ctx, a.ABTestID, a.AssignmentKey)
		switch {
		case err == nil:
			return store.ErrAlreadyExists
		case err != store.ErrNotFound:
			return err
		}
		return s.write(ctx, spanner.InsertMap("TestAssignments", map[string]interface{}{
			"ABTestId":        a.ABTestID,
			"AssignmentKey":   a.AssignmentKey,
			"Variant":         string(a.Variant),
			"ExecutionCount":  a.ExecutionCount,
			"LastExecutionAt": a.LastExecutionAt,
		}))
	})
	// The loser of a racing insert passes the read but aborts at
	// commit; callers only handle store.ErrAlreadyExists.
	return mapAlreadyExists(err)
}

// mapAlreadyExists converts a Spanner ALREADY_EXISTS commit error to
// store.ErrAlreadyExists.
func mapAlreadyExists(err error) error {
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return store.ErrAlreadyExists
	}
	return err
}

// TouchAssignment implements store.ABTestStore.
func (s *Store) TouchAssignment(ctx context.Context, testID, key string, at time.Time) error {
	return s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		a, err := s.GetAssignment(ctx, testID, key)
		if err != nil {
			return err
		}
		return s.write(ctx, spanner.UpdateMap("TestAssignments", map[string]interface{}{
			"ABTestId":        testID,
			"AssignmentKey":   key,
			"ExecutionCount":  a.ExecutionCount + 1,
			"LastExecutionAt": at,
		}))
	})
}

// CountAssignments implements store.ABTestStore.
func (s *Store) CountAssignments(ctx context.Context, testID string) (map[rules.Variant]int64, error) {
	stmt := spanner.NewStatement(`
		SELECT Variant, COUNT(*)
		FROM TestAssignments
		WHERE ABTestId = @testID
		GROUP BY Variant
	`)
	stmt.Params = map[string]interface{}{"testID": testID}
	out := make(map[rules.Variant]int64)
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		var variant string
		var count int64
		if err := row.Columns(&variant, &count); err != nil {
			return errors.Annotate(err, "read assignment count row").Err()
		}
		out[rules.Variant(variant)] = count
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query assignment counts").Err()
	}
	return out, nil
}
