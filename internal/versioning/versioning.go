// Package versioning maintains the immutable version history of
// rules: snapshot capture on mutation, field-by-field diff and
// rollback.
package versioning

import (
	"context"

	"go.chromium.org/luci/common/errors"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/rules/ruleerror"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// Manager applies rule mutations with version capture. All rule
// writes made by the platform go through the manager; the execution
// path never writes rules.
type Manager struct {
	store store.Store
}

// NewManager initialises a version manager over the given store.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// Apply persists a rule mutation and, in the same transaction,
// demotes the current version and inserts a new current version
// capturing the post-mutation state.
func (m *Manager) Apply(ctx context.Context, r *rules.Rule, changeReason string) error {
	return m.store.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		if err := m.store.UpsertRule(ctx, r); err != nil {
			return errors.Annotate(err, "upsert rule").Err()
		}
		v := &rules.RuleVersion{
			RuleID:       r.RuleID,
			IsCurrent:    true,
			ChangeReason: changeReason,
			Snapshot:     rules.SnapshotOf(r),
		}
		if err := m.store.InsertRuleVersion(ctx, v); err != nil {
			return errors.Annotate(err, "insert rule version").Err()
		}
		return nil
	})
}

// CurrentVersion returns the version of the rule marked current.
func (m *Manager) CurrentVersion(ctx context.Context, ruleID string) (*rules.RuleVersion, error) {
	v, err := m.store.CurrentRuleVersion(ctx, ruleID)
	if err == store.ErrNotFound {
		return nil, ruleerror.Newf(ruleerror.Validation, ruleerror.CodeVersionNotFound,
			"rule %q has no current version", ruleID).With("rule_id", ruleID)
	}
	return v, err
}

// Rollback restores the state captured by the target version. The
// current state is first snapshotted as a pre-rollback backup, the
// target's fields are copied onto the live rule, and the restored
// state becomes a new current version. All steps are one atomic
// unit.
func (m *Manager) Rollback(ctx context.Context, ruleID string, versionNumber int64, changeReason string) (*rules.RuleVersion, error) {
	var restored *rules.RuleVersion
	err := m.store.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		target, err := m.store.GetRuleVersion(ctx, ruleID, versionNumber)
		if err == store.ErrNotFound {
			return ruleerror.Newf(ruleerror.Validation, ruleerror.CodeVersionNotFound,
				"rule %q has no version %d", ruleID, versionNumber).
				With("rule_id", ruleID).
				With("version_number", versionNumber)
		}
		if err != nil {
			return errors.Annotate(err, "load target version").Err()
		}

		live, err := m.store.GetRule(ctx, ruleID)
		if err == store.ErrNotFound {
			return ruleerror.Newf(ruleerror.Validation, ruleerror.CodeRuleNotFound,
				"rule %q not found", ruleID).With("rule_id", ruleID)
		}
		if err != nil {
			return errors.Annotate(err, "load live rule").Err()
		}

		// Version numbers are allocated here, not by the store: reads
		// inside the transaction cannot observe buffered inserts, so
		// implicit numbering would hand the backup and the restored
		// version the same number.
		existing, err := m.store.ListRuleVersions(ctx, ruleID)
		if err != nil {
			return errors.Annotate(err, "list versions").Err()
		}
		next := int64(1)
		for _, v := range existing {
			if v.VersionNumber >= next {
				next = v.VersionNumber + 1
			}
		}

		// Snapshot the live state before it is overwritten, so the
		// rollback itself can be rolled back. Skipped when the current
		// version already captures the live state exactly; a backup
		// would only duplicate it.
		if dirty, err := m.liveStateDirty(ctx, live); err != nil {
			return err
		} else if dirty {
			backup := &rules.RuleVersion{
				RuleID:        ruleID,
				VersionNumber: next,
				ChangeReason:  "Pre-rollback backup: " + changeReason,
				Snapshot:      rules.SnapshotOf(live),
			}
			if err := m.store.InsertRuleVersion(ctx, backup); err != nil {
				return errors.Annotate(err, "insert pre-rollback backup").Err()
			}
			next++
		}

		mutated := *live
		target.Snapshot.Restore(&mutated)
		if err := m.store.UpsertRule(ctx, &mutated); err != nil {
			return errors.Annotate(err, "restore rule").Err()
		}

		restored = &rules.RuleVersion{
			RuleID:        ruleID,
			VersionNumber: next,
			IsCurrent:     true,
			ChangeReason:  changeReason,
			Snapshot:      target.Snapshot,
		}
		if err := m.store.InsertRuleVersion(ctx, restored); err != nil {
			return errors.Annotate(err, "insert restored version").Err()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// liveStateDirty reports whether the live rule's versioned fields
// have drifted from the current version's snapshot.
func (m *Manager) liveStateDirty(ctx context.Context, live *rules.Rule) (bool, error) {
	current, err := m.store.CurrentRuleVersion(ctx, live.RuleID)
	if err == store.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, errors.Annotate(err, "load current version").Err()
	}
	liveFields := rules.SnapshotOf(live).Fields()
	currentFields := current.Snapshot.Fields()
	for _, field := range rules.VersionedFields {
		if liveFields[field] != currentFields[field] {
			return true, nil
		}
	}
	return false, nil
}

// FieldDiff is the difference on one versioned field.
type FieldDiff struct {
	Field string      `json:"field"`
	A     interface{} `json:"a"`
	B     interface{} `json:"b"`
}

// Comparison is a field-by-field diff of two versions of a rule
// over the fixed versioned attribute set.
type Comparison struct {
	RuleID         string      `json:"ruleId"`
	VersionA       int64       `json:"versionA"`
	VersionB       int64       `json:"versionB"`
	HasDifferences bool        `json:"hasDifferences"`
	Differences    []FieldDiff `json:"differences"`
}

// Compare diffs versions a and b of the given rule.
func (m *Manager) Compare(ctx context.Context, ruleID string, a, b int64) (*Comparison, error) {
	va, err := m.loadVersion(ctx, ruleID, a)
	if err != nil {
		return nil, err
	}
	vb, err := m.loadVersion(ctx, ruleID, b)
	if err != nil {
		return nil, err
	}

	fieldsA := va.Snapshot.Fields()
	fieldsB := vb.Snapshot.Fields()
	cmp := &Comparison{RuleID: ruleID, VersionA: a, VersionB: b}
	for _, field := range rules.VersionedFields {
		if fieldsA[field] != fieldsB[field] {
			cmp.Differences = append(cmp.Differences, FieldDiff{
				Field: field,
				A:     fieldsA[field],
				B:     fieldsB[field],
			})
		}
	}
	cmp.HasDifferences = len(cmp.Differences) > 0
	return cmp, nil
}

// History returns every version of the rule, ascending by version
// number.
func (m *Manager) History(ctx context.Context, ruleID string) ([]*rules.RuleVersion, error) {
	return m.store.ListRuleVersions(ctx, ruleID)
}

func (m *Manager) loadVersion(ctx context.Context, ruleID string, versionNumber int64) (*rules.RuleVersion, error) {
	v, err := m.store.GetRuleVersion(ctx, ruleID, versionNumber)
	if err == store.ErrNotFound {
		return nil, ruleerror.Newf(ruleerror.Validation, ruleerror.CodeVersionNotFound,
			"rule %q has no version %d", ruleID, versionNumber).
			With("rule_id", ruleID).
			With("version_number", versionNumber)
	}
	return v, err
}
