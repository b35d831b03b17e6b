package spanstore

import (
	"context"

	"cloud.google.com/go/spanner"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/server/span"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

const versionColumns = `RuleId, VersionNumber, Id, IsCurrent, ChangeReason,
	  SnapshotJson, CreationTime`

func scanVersion(row *spanner.Row) (*rules.RuleVersion, error) {
	var v rules.RuleVersion
	var isCurrent spanner.NullBool
	var snapshotJSON spanner.NullString
	err := row.Columns(&v.RuleID, &v.VersionNumber, &v.ID, &isCurrent,
		&v.ChangeReason, &snapshotJSON, &v.CreationTime)
	if err != nil {
		return nil, errors.Annotate(err, "read rule version row").Err()
	}
	v.IsCurrent = isCurrent.Valid && isCurrent.Bool
	if err := fromJSON(snapshotJSON, &v.Snapshot); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) queryVersions(ctx context.Context, stmt spanner.Statement) ([]*rules.RuleVersion, error) {
	var out []*rules.RuleVersion
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		v, err := scanVersion(row)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query rule versions").Err()
	}
	return out, nil
}

// ListRuleVersions implements store.VersionStore.
func (s *Store) ListRuleVersions(ctx context.Context, ruleID string) ([]*rules.RuleVersion, error) {
	stmt := spanner.NewStatement(`
		SELECT ` + versionColumns + `
		FROM RuleVersions
		WHERE RuleId = @ruleID
		ORDER BY VersionNumber
	`)
	stmt.Params = map[string]interface{}{"ruleID": ruleID}
	return s.queryVersions(ctx, stmt)
}

// GetRuleVersion implements store.VersionStore.
func (s *Store) GetRuleVersion(ctx context.Context, ruleID string, versionNumber int64) (*rules.RuleVersion, error) {
	stmt := spanner.NewStatement(`
		SELECT ` + versionColumns + `
		FROM RuleVersions
		WHERE RuleId = @ruleID AND VersionNumber = @versionNumber
	`)
	stmt.Params = map[string]interface{}{
		"ruleID":        ruleID,
		"versionNumber": versionNumber,
	}
	vs, err := s.queryVersions(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, store.ErrNotFound
	}
	return vs[0], nil
}

// CurrentRuleVersion implements store.VersionStore.
func (s *Store) CurrentRuleVersion(ctx context.Context, ruleID string) (*rules.RuleVersion, error) {
	stmt := spanner.NewStatement(`
		SELECT ` + versionColumns + `
		FROM RuleVersions
		WHERE RuleId = @ruleID AND IsCurrent
	`)
	stmt.Params = map[string]interface{}{"ruleID": ruleID}
	vs, err := s.queryVersions(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, store.ErrNotFound
	}
	return vs[0], nil
}

// InsertRuleVersion implements store.VersionStore. A zero version
// number allocates the next number for the rule; inserting a
// current version demotes the previous one in the same transaction.
func (s *Store) InsertRuleVersion(ctx context.Context, v *rules.RuleVersion) error {
	return s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		existing, err := s.ListRuleVersions(ctx, v.RuleID)
		if err != nil {
			return err
		}
		if v.VersionNumber == 0 {
			var max int64
			for _, e := range existing {
				if e.VersionNumber > max {
					max = e.VersionNumber
				}
			}
			v.VersionNumber = max + 1
		} else {
			for _, e := range existing {
				if e.VersionNumber == v.VersionNumber {
					return store.ErrAlreadyExists
				}
			}
		}

		now := clock.Now(ctx)
		v.ID = now.UnixNano()
		v.CreationTime = now

		var ms []*spanner.Mutation
		if v.IsCurrent {
			for _, e := range existing {
				if e.IsCurrent {
					ms = append(ms, spanner.UpdateMap("RuleVersions", map[string]interface{}{
						"RuleId":        e.RuleID,
						"VersionNumber": e.VersionNumber,
						// IsCurrent uses NULL to indicate false.
						"IsCurrent": spanner.NullBool{},
					}))
				}
			}
		}
		snapshotJSON, err := toJSON(v.Snapshot)
		if err != nil {
			return err
		}
		ms = append(ms, spanner.InsertMap("RuleVersions", map[string]interface{}{
			"RuleId":        v.RuleID,
			"VersionNumber": v.VersionNumber,
			"Id":            v.ID,
			"IsCurrent":     spanner.NullBool{Bool: v.IsCurrent, Valid: v.IsCurrent},
			"ChangeReason":  v.ChangeReason,
			"SnapshotJson":  snapshotJSON,
			"CreationTime":  spanner.CommitTimestamp,
		}))
		return s.write(ctx, ms...)
	})
}

// SetCurrentRuleVersion implements store.VersionStore.
func (s *Store) SetCurrentRuleVersion(ctx context.Context, ruleID string, versionNumber int64) error {
	return s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		existing, err := s.ListRuleVersions(ctx, ruleID)
		if err != nil {
			return err
		}
		found := false
		var ms []*spanner.Mutation
		for _, e := range existing {
			switch {
			case e.VersionNumber == versionNumber:
				found = true
				ms = append(ms, spanner.UpdateMap("RuleVersions", map[string]interface{}{
					"RuleId":        ruleID,
					"VersionNumber": e.VersionNumber,
					"IsCurrent":     spanner.NullBool{Bool: true, Valid: true},
				}))
			case e.IsCurrent:
				ms = append(ms, spanner.UpdateMap("RuleVersions", map[string]interface{}{
					"RuleId":        ruleID,
					"VersionNumber": e.VersionNumber,
					"IsCurrent":     spanner.NullBool{},
				}))
			}
		}
		if !found {
			return store.ErrNotFound
		}
		return s.write(ctx, ms...)
	})
}
