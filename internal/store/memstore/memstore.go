// Package memstore provides an in-memory RuleStore implementation.
//
// It backs unit tests and embedded single-process deployments. All
// mutations store cloned records, so returned values may be read
// without locking and transactions roll back by restoring the
// previous containers.
package memstore

import (
	"context"
	"sort"
	"sync"

	"go.chromium.org/luci/common/clock"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

type assignmentKey struct {
	testID string
	key    string
}

type counterKey struct {
	consumerID string
	ruleID     string
}

type state struct {
	rules       map[string]*rules.Rule
	rulesets    map[string]*rules.Ruleset
	conditions  map[string]*rules.Condition
	attributes  map[string]*rules.Attribute
	actionsets  map[string]map[string]*rules.ActionsetEntry
	consumers   map[string]*rules.Consumer
	versions    map[string][]*rules.RuleVersion
	abtests     map[string]*rules.ABTest
	assignments map[assignmentKey]*rules.TestAssignment
	logs        []*rules.ExecutionLog
	counters    map[counterKey]int64
	nextID      int64
}

func newState() *state {
	return &state{
		rules:       make(map[string]*rules.Rule),
		rulesets:    make(map[string]*rules.Ruleset),
		conditions:  make(map[string]*rules.Condition),
		attributes:  make(map[string]*rules.Attribute),
		actionsets:  make(map[string]map[string]*rules.ActionsetEntry),
		consumers:   make(map[string]*rules.Consumer),
		versions:    make(map[string][]*rules.RuleVersion),
		abtests:     make(map[string]*rules.ABTest),
		assignments: make(map[assignmentKey]*rules.TestAssignment),
		counters:    make(map[counterKey]int64),
		nextID:      1,
	}
}

// clone copies every container. Stored records are never mutated in
// place, so container-level copies are sufficient for rollback.
func (s *state) clone() *state {
	next := &state{
		rules:       make(map[string]*rules.Rule, len(s.rules)),
		rulesets:    make(map[string]*rules.Ruleset, len(s.rulesets)),
		conditions:  make(map[string]*rules.Condition, len(s.conditions)),
		attributes:  make(map[string]*rules.Attribute, len(s.attributes)),
		actionsets:  make(map[string]map[string]*rules.ActionsetEntry, len(s.actionsets)),
		consumers:   make(map[string]*rules.Consumer, len(s.consumers)),
		versions:    make(map[string][]*rules.RuleVersion, len(s.versions)),
		abtests:     make(map[string]*rules.ABTest, len(s.abtests)),
		assignments: make(map[assignmentKey]*rules.TestAssignment, len(s.assignments)),
		logs:        append([]*rules.ExecutionLog(nil), s.logs...),
		counters:    make(map[counterKey]int64, len(s.counters)),
		nextID:      s.nextID,
	}
	for k, v := range s.rules {
		next.rules[k] = v
	}
	for k, v := range s.rulesets {
		next.rulesets[k] = v
	}
	for k, v := range s.conditions {
		next.conditions[k] = v
	}
	for k, v := range s.attributes {
		next.attributes[k] = v
	}
	for k, entries := range s.actionsets {
		m := make(map[string]*rules.ActionsetEntry, len(entries))
		for pk, e := range entries {
			m[pk] = e
		}
		next.actionsets[k] = m
	}
	for k, v := range s.consumers {
		next.consumers[k] = v
	}
	for k, v := range s.versions {
		next.versions[k] = append([]*rules.RuleVersion(nil), v...)
	}
	for k, v := range s.abtests {
		next.abtests[k] = v
	}
	for k, v := range s.assignments {
		next.assignments[k] = v
	}
	for k, v := range s.counters {
		next.counters[k] = v
	}
	return next
}

// Store is an in-memory RuleStore.
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.Store = (*Store)(nil)

// New initialises an empty in-memory store.
func New() *Store {
	return &Store{state: newState()}
}

type txnKeyType struct{}

var txnKey txnKeyType

// enter acquires the store for one operation. Inside a transaction
// the lock is already held by the transaction runner.
func (s *Store) enter(ctx context.Context) func() {
	if ctx.Value(txnKey) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// ReadWriteTransaction implements store.Store. The store lock is
// held for the whole transaction; on error the previous state is
// restored.
func (s *Store) ReadWriteTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txnKey) != nil {
		// Already transactional; join the outer transaction.
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	backup := s.state.clone()
	if err := fn(context.WithValue(ctx, txnKey, s)); err != nil {
		s.state = backup
		return err
	}
	return nil
}

// ListActiveRules implements store.RuleReader.
func (s *Store) ListActiveRules(ctx context.Context, f store.Filter) ([]*rules.Rule, error) {
	defer s.enter(ctx)()
	var out []*rules.Rule
	for _, r := range s.state.rules {
		if r.Status != rules.StatusActive {
			continue
		}
		if f.RulesetID != "" && r.RulesetID != f.RulesetID {
			continue
		}
		if f.RuleID != "" && r.RuleID != f.RuleID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return rules.RuleLess(out[i], out[j]) })
	return out, nil
}

// ListActiveRulesets implements store.RuleReader.
func (s *Store) ListActiveRulesets(ctx context.Context, f store.Filter) ([]*rules.Ruleset, error) {
	defer s.enter(ctx)()
	var out []*rules.Ruleset
	for _, rs := range s.state.rulesets {
		if rs.Status != rules.StatusActive {
			continue
		}
		if f.RulesetID != "" && rs.RulesetID != f.RulesetID {
			continue
		}
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListConditions implements store.RuleReader.
func (s *Store) ListConditions(ctx context.Context) ([]*rules.Condition, error) {
	defer s.enter(ctx)()
	out := make([]*rules.Condition, 0, len(s.state.conditions))
	for _, c := range s.state.conditions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConditionID < out[j].ConditionID })
	return out, nil
}

// ListActionset implements store.RuleReader.
func (s *Store) ListActionset(ctx context.Context, rulesetID string) ([]*rules.ActionsetEntry, error) {
	defer s.enter(ctx)()
	entries := s.state.actionsets[rulesetID]
	out := make([]*rules.ActionsetEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatternKey < out[j].PatternKey })
	return out, nil
}

// GetRule implements store.RuleReader.
func (s *Store) GetRule(ctx context.Context, ruleID string) (*rules.Rule, error) {
	defer s.enter(ctx)()
	r, ok := s.state.rules[ruleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

// UpsertRule implements store.RuleWriter. Every write assigns a new
// row ID and stamps LastUpdated; RuleID is the stable identity.
func (s *Store) UpsertRule(ctx context.Context, r *rules.Rule) error {
	if err := rules.ValidateRule(r); err != nil {
		return err
	}
	defer s.enter(ctx)()
	now := clock.Now(ctx)
	cp := *r
	if existing, ok := s.state.rules[r.RuleID]; ok {
		cp.CreationTime = existing.CreationTime
		cp.Version = existing.Version + 1
	} else {
		cp.CreationTime = now
		if cp.Version == 0 {
			cp.Version = 1
		}
	}
	cp.ID = s.state.nextID
	s.state.nextID++
	cp.LastUpdated = now
	s.state.rules[r.RuleID] = &cp
	*r = cp
	return nil
}

// DeleteRule implements store.RuleWriter.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	defer s.enter(ctx)()
	if _, ok := s.state.rules[ruleID]; !ok {
		return store.ErrNotFound
	}
	delete(s.state.rules, ruleID)
	return nil
}

// UpsertRuleset implements store.RuleWriter.
func (s *Store) UpsertRuleset(ctx context.Context, rs *rules.Ruleset) error {
	if err := rules.ValidateRuleset(rs); err != nil {
		return err
	}
	defer s.enter(ctx)()
	now := clock.Now(ctx)
	cp := *rs
	if existing, ok := s.state.rulesets[rs.RulesetID]; ok {
		cp.CreationTime = existing.CreationTime
		cp.Version = existing.Version + 1
	} else {
		cp.CreationTime = now
		if cp.Version == 0 {
			cp.Version = 1
		}
	}
	cp.LastUpdated = now
	s.state.rulesets[rs.RulesetID] = &cp
	*rs = cp
	return nil
}

// DeleteRuleset implements store.RuleWriter. Deletion cascades to
// the ruleset's rules and actionset entries.
func (s *Store) DeleteRuleset(ctx context.Context, rulesetID string) error {
	defer s.enter(ctx)()
	if _, ok := s.state.rulesets[rulesetID]; !ok {
		return store.ErrNotFound
	}
	delete(s.state.rulesets, rulesetID)
	delete(s.state.actionsets, rulesetID)
	for id, r := range s.state.rules {
		if r.RulesetID == rulesetID {
			delete(s.state.rules, id)
		}
	}
	return nil
}

// UpsertCondition implements store.RuleWriter.
func (s *Store) UpsertCondition(ctx context.Context, c *rules.Condition) error {
	if err := rules.ValidateCondition(c); err != nil {
		return err
	}
	defer s.enter(ctx)()
	cp := *c
	s.state.conditions[c.ConditionID] = &cp
	return nil
}

// DeleteCondition implements store.RuleWriter.
func (s *Store) DeleteCondition(ctx context.Context, conditionID string) error {
	defer s.enter(ctx)()
	if _, ok := s.state.conditions[conditionID]; !ok {
		return store.ErrNotFound
	}
	delete(s.state.conditions, conditionID)
	return nil
}

// UpsertAttribute implements store.RuleWriter.
func (s *Store) UpsertAttribute(ctx context.Context, a *rules.Attribute) error {
	defer s.enter(ctx)()
	cp := *a
	s.state.attributes[a.AttributeID] = &cp
	return nil
}

// ListAttributes implements store.RuleWriter.
func (s *Store) ListAttributes(ctx context.Context) ([]*rules.Attribute, error) {
	defer s.enter(ctx)()
	out := make([]*rules.Attribute, 0, len(s.state.attributes))
	for _, a := range s.state.attributes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttributeID < out[j].AttributeID })
	return out, nil
}

// UpsertActionsetEntry implements store.RuleWriter.
func (s *Store) UpsertActionsetEntry(ctx context.Context, e *rules.ActionsetEntry) error {
	defer s.enter(ctx)()
	entries, ok := s.state.actionsets[e.RulesetID]
	if !ok {
		entries = make(map[string]*rules.ActionsetEntry)
	} else {
		m := make(map[string]*rules.ActionsetEntry, len(entries))
		for k, v := range entries {
			m[k] = v
		}
		entries = m
	}
	cp := *e
	entries[e.PatternKey] = &cp
	s.state.actionsets[e.RulesetID] = entries
	return nil
}

// DeleteActionsetEntry implements store.RuleWriter.
func (s *Store) DeleteActionsetEntry(ctx context.Context, rulesetID, patternKey string) error {
	defer s.enter(ctx)()
	entries, ok := s.state.actionsets[rulesetID]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := entries[patternKey]; !ok {
		return store.ErrNotFound
	}
	m := make(map[string]*rules.ActionsetEntry, len(entries))
	for k, v := range entries {
		if k != patternKey {
			m[k] = v
		}
	}
	s.state.actionsets[rulesetID] = m
	return nil
}

// UpsertConsumer implements store.RuleWriter.
func (s *Store) UpsertConsumer(ctx context.Context, c *rules.Consumer) error {
	defer s.enter(ctx)()
	cp := *c
	s.state.consumers[c.ConsumerID] = &cp
	return nil
}
