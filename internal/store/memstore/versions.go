package memstore

import (
	"context"
	"sort"

	"go.chromium.org/luci/common/clock"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// ListRuleVersions implements store.VersionStore.
func (s *Store) ListRuleVersions(ctx context.Context, ruleID string) ([]*rules.RuleVersion, error) {
	defer s.enter(ctx)()
	versions := s.state.versions[ruleID]
	out := append([]*rules.RuleVersion(nil), versions...)
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

// GetRuleVersion implements store.VersionStore.
func (s *Store) GetRuleVersion(ctx context.Context, ruleID string, versionNumber int64) (*rules.RuleVersion, error) {
	defer s.enter(ctx)()
	for _, v := range s.state.versions[ruleID] {
		if v.VersionNumber == versionNumber {
			return v, nil
		}
	}
	return nil, store.ErrNotFound
}

// CurrentRuleVersion implements store.VersionStore.
func (s *Store) CurrentRuleVersion(ctx context.Context, ruleID string) (*rules.RuleVersion, error) {
	defer s.enter(ctx)()
	for _, v := range s.state.versions[ruleID] {
		if v.IsCurrent {
			return v, nil
		}
	}
	return nil, store.ErrNotFound
}

// InsertRuleVersion implements store.VersionStore. A zero
// VersionNumber allocates max+1. Inserting a current version marks
// every other version of the rule not current.
func (s *Store) InsertRuleVersion(ctx context.Context, v *rules.RuleVersion) error {
	defer s.enter(ctx)()
	now := clock.Now(ctx)
	versions := s.state.versions[v.RuleID]

	cp := *v
	if cp.VersionNumber == 0 {
		var max int64
		for _, existing := range versions {
			if existing.VersionNumber > max {
				max = existing.VersionNumber
			}
		}
		cp.VersionNumber = max + 1
	} else {
		for _, existing := range versions {
			if existing.VersionNumber == cp.VersionNumber {
				return store.ErrAlreadyExists
			}
		}
	}
	cp.ID = s.state.nextID
	s.state.nextID++
	cp.CreationTime = now

	next := make([]*rules.RuleVersion, 0, len(versions)+1)
	for _, existing := range versions {
		if cp.IsCurrent && existing.IsCurrent {
			demoted := *existing
			demoted.IsCurrent = false
			existing = &demoted
		}
		next = append(next, existing)
	}
	next = append(next, &cp)
	s.state.versions[v.RuleID] = next
	*v = cp
	return nil
}

// SetCurrentRuleVersion implements store.VersionStore.
func (s *Store) SetCurrentRuleVersion(ctx context.Context, ruleID string, versionNumber int64) error {
	defer s.enter(ctx)()
	versions := s.state.versions[ruleID]
	found := false
	next := make([]*rules.RuleVersion, 0, len(versions))
	for _, existing := range versions {
		cp := *existing
		cp.IsCurrent = cp.VersionNumber == versionNumber
		if cp.IsCurrent {
			found = true
		}
		next = append(next, &cp)
	}
	if !found {
		return store.ErrNotFound
	}
	s.state.versions[ruleID] = next
	return nil
}
