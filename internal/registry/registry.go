// Package registry holds the process-wide, versioned, in-memory
// view of the active rules consumed by the evaluation path.
//
// Reads are served from an immutable snapshot and never block
// behind writers beyond the acquisition of a read lock; writers
// build a new snapshot and publish it atomically, so a reader never
// observes a half-applied change. Every write bumps a monotonically
// increasing version.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/khoantd/rule-engine-sub000/internal/compile"
	"github.com/khoantd/rule-engine-sub000/internal/rules"
)

// EventType identifies a registry change event.
type EventType string

const (
	EventRuleAdded       EventType = "rule_added"
	EventRuleUpdated     EventType = "rule_updated"
	EventRuleRemoved     EventType = "rule_removed"
	EventRulesetAdded    EventType = "ruleset_added"
	EventRulesetRemoved  EventType = "ruleset_removed"
	EventRegistryCleared EventType = "registry_cleared"
	EventRulesReloaded   EventType = "rules_reloaded"
)

// Event is a registry change notification. Delivery is best-effort
// and in-process; events are not durable.
type Event struct {
	Type    EventType
	Payload map[string]interface{}
}

// Snapshot is an immutable view of the registry contents. It is
// safe to share across goroutines; none of the returned collections
// may be mutated.
type Snapshot struct {
	rulesByID      map[string]*rules.Rule
	rulesetsByID   map[string]*rules.Ruleset
	rulesetsByName map[string]*rules.Ruleset
	prepared       map[string][]*compile.PreparedRule
	actionsets     map[string]map[string]string
	conditions     []*rules.Condition

	version    int64
	lastReload time.Time
}

// Rule returns the rule with the given rule ID.
func (s *Snapshot) Rule(ruleID string) (*rules.Rule, bool) {
	r, ok := s.rulesByID[ruleID]
	return r, ok
}

// Rules returns the rules in the given ruleset (all rules if
// rulesetID is empty), in store order.
func (s *Snapshot) Rules(rulesetID string) []*rules.Rule {
	var out []*rules.Rule
	for _, r := range s.rulesByID {
		if rulesetID == "" || r.RulesetID == rulesetID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return rules.RuleLess(out[i], out[j]) })
	return out
}

// Ruleset returns the ruleset with the given ID.
func (s *Snapshot) Ruleset(rulesetID string) (*rules.Ruleset, bool) {
	rs, ok := s.rulesetsByID[rulesetID]
	return rs, ok
}

// RulesetByName returns the ruleset with the given name.
func (s *Snapshot) RulesetByName(name string) (*rules.Ruleset, bool) {
	rs, ok := s.rulesetsByName[name]
	return rs, ok
}

// DefaultRuleset resolves the ruleset used when an evaluation does
// not name one: the active default ruleset, else the first active
// ruleset by name.
func (s *Snapshot) DefaultRuleset() (*rules.Ruleset, bool) {
	var first *rules.Ruleset
	names := make([]string, 0, len(s.rulesetsByName))
	for name := range s.rulesetsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rs := s.rulesetsByName[name]
		if rs.Status != rules.StatusActive {
			continue
		}
		if rs.IsDefault {
			return rs, true
		}
		if first == nil {
			first = rs
		}
	}
	if first != nil {
		return first, true
	}
	return nil, false
}

// Prepared returns the prepared rules of the given ruleset, sorted
// ascending by priority. The returned slice must not be mutated.
func (s *Snapshot) Prepared(rulesetID string) []*compile.PreparedRule {
	return s.prepared[rulesetID]
}

// Actionset returns the pattern-key→recommendation map of the given
// ruleset. The returned map must not be mutated.
func (s *Snapshot) Actionset(rulesetID string) map[string]string {
	return s.actionsets[rulesetID]
}

// Conditions returns the condition set the snapshot was built
// against. The returned slice must not be mutated.
func (s *Snapshot) Conditions() []*rules.Condition {
	return s.conditions
}

// Version is the registry version this snapshot was published at.
func (s *Snapshot) Version() int64 {
	return s.version
}

// LastReload is when the snapshot's contents were last rebuilt from
// the authoritative store.
func (s *Snapshot) LastReload() time.Time {
	return s.lastReload
}

// Stats describes the registry contents.
type Stats struct {
	RuleCount            int       `json:"ruleCount"`
	RulesetCount         int       `json:"rulesetCount"`
	Version              int64     `json:"version"`
	LastReload           time.Time `json:"lastReload"`
	SubscriberCount      int       `json:"subscriberCount"`
	DroppedNotifications int64     `json:"droppedNotifications"`
}

type subscriber struct {
	callback func(Event)
	ch       chan Event
}

// Registry is the concurrency-safe, versioned rule registry.
type Registry struct {
	mu   sync.RWMutex
	snap *Snapshot

	// idTrail records, per rule ID, the ordered list of store row
	// IDs the registry has observed. A lightweight version trail.
	idTrail map[string][]int64

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	dropped int64
}

// New initialises an empty registry at version 0.
func New() *Registry {
	return &Registry{
		snap:    emptySnapshot(),
		idTrail: make(map[string][]int64),
		subs:    make(map[int]*subscriber),
	}
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		rulesByID:      make(map[string]*rules.Rule),
		rulesetsByID:   make(map[string]*rules.Ruleset),
		rulesetsByName: make(map[string]*rules.Ruleset),
		prepared:       make(map[string][]*compile.PreparedRule),
		actionsets:     make(map[string]map[string]string),
	}
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Version returns the current registry version.
func (r *Registry) Version() int64 {
	return r.Snapshot().version
}

// VersionTrail returns the ordered store row IDs observed for the
// given rule ID.
func (r *Registry) VersionTrail(ruleID string) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	trail := r.idTrail[ruleID]
	return append([]int64(nil), trail...)
}

// GetStats returns the registry statistics.
func (r *Registry) GetStats() Stats {
	snap := r.Snapshot()
	r.subMu.Lock()
	subscribers := len(r.subs)
	r.subMu.Unlock()
	return Stats{
		RuleCount:            len(snap.rulesByID),
		RulesetCount:         len(snap.rulesetsByID),
		Version:              snap.version,
		LastReload:           snap.lastReload,
		SubscriberCount:      subscribers,
		DroppedNotifications: atomic.LoadInt64(&r.dropped),
	}
}

// mutate builds a new snapshot from a copy of the current one,
// bumps the version and publishes it atomically. The trail update
// runs under the same write lock.
func (r *Registry) mutate(fn func(next *Snapshot)) *Snapshot {
	r.mu.Lock()
	next := r.copySnapshotLocked()
	fn(next)
	next.version = r.snap.version + 1
	r.snap = next
	r.mu.Unlock()
	return next
}

func (r *Registry) copySnapshotLocked() *Snapshot {
	next := &Snapshot{
		rulesByID:      make(map[string]*rules.Rule, len(r.snap.rulesByID)),
		rulesetsByID:   make(map[string]*rules.Ruleset, len(r.snap.rulesetsByID)),
		rulesetsByName: make(map[string]*rules.Ruleset, len(r.snap.rulesetsByName)),
		prepared:       make(map[string][]*compile.PreparedRule, len(r.snap.prepared)),
		actionsets:     make(map[string]map[string]string, len(r.snap.actionsets)),
		conditions:     r.snap.conditions,
		lastReload:     r.snap.lastReload,
	}
	for k, v := range r.snap.rulesByID {
		next.rulesByID[k] = v
	}
	for k, v := range r.snap.rulesetsByID {
		next.rulesetsByID[k] = v
	}
	for k, v := range r.snap.rulesetsByName {
		next.rulesetsByName[k] = v
	}
	for k, v := range r.snap.prepared {
		next.prepared[k] = v
	}
	for k, v := range r.snap.actionsets {
		next.actionsets[k] = v
	}
	return next
}

// AddRule adds a rule and its compiled form to the registry.
func (r *Registry) AddRule(ctx context.Context, rule *rules.Rule, prepared *compile.PreparedRule) {
	r.addOrUpdateRule(ctx, rule, prepared, EventRuleAdded)
}

// UpdateRule replaces a rule and its compiled form.
func (r *Registry) UpdateRule(ctx context.Context, rule *rules.Rule, prepared *compile.PreparedRule) {
	r.addOrUpdateRule(ctx, rule, prepared, EventRuleUpdated)
}

func (r *Registry) addOrUpdateRule(ctx context.Context, rule *rules.Rule, prepared *compile.PreparedRule, event EventType) {
	r.mu.Lock()
	next := r.copySnapshotLocked()
	next.rulesByID[rule.RuleID] = rule
	next.prepared[rule.RulesetID] = replacePrepared(next.prepared[rule.RulesetID], prepared)
	next.version = r.snap.version + 1
	r.snap = next
	r.appendTrailLocked(rule.RuleID, rule.ID)
	r.mu.Unlock()

	r.notify(ctx, Event{Type: event, Payload: map[string]interface{}{
		"rule_id":    rule.RuleID,
		"ruleset_id": rule.RulesetID,
		"version":    next.version,
	}})
}

// RemoveRule removes a rule from the registry.
func (r *Registry) RemoveRule(ctx context.Context, ruleID string) {
	var rulesetID string
	next := r.mutate(func(next *Snapshot) {
		rule, ok := next.rulesByID[ruleID]
		if !ok {
			return
		}
		rulesetID = rule.RulesetID
		delete(next.rulesByID, ruleID)
		next.prepared[rulesetID] = removePrepared(next.prepared[rulesetID], ruleID)
	})
	r.notify(ctx, Event{Type: EventRuleRemoved, Payload: map[string]interface{}{
		"rule_id":    ruleID,
		"ruleset_id": rulesetID,
		"version":    next.version,
	}})
}

// AddRuleset installs a ruleset, its rules, their compiled forms
// and its actionset in one atomic write. An existing ruleset with
// the same ID is replaced.
func (r *Registry) AddRuleset(ctx context.Context, ruleset *rules.Ruleset, ruleList []*rules.Rule, prepared []*compile.PreparedRule, actionset []*rules.ActionsetEntry) {
	r.mu.Lock()
	next := r.copySnapshotLocked()
	installRulesetLocked(next, ruleset, ruleList, prepared, actionset)
	next.version = r.snap.version + 1
	r.snap = next
	for _, rule := range ruleList {
		r.appendTrailLocked(rule.RuleID, rule.ID)
	}
	r.mu.Unlock()

	r.notify(ctx, Event{Type: EventRulesetAdded, Payload: map[string]interface{}{
		"ruleset_id": ruleset.RulesetID,
		"rule_count": len(ruleList),
		"version":    next.version,
	}})
}

// RemoveRuleset removes a ruleset and everything it owns.
func (r *Registry) RemoveRuleset(ctx context.Context, rulesetID string) {
	next := r.mutate(func(next *Snapshot) {
		removeRulesetLocked(next, rulesetID)
	})
	r.notify(ctx, Event{Type: EventRulesetRemoved, Payload: map[string]interface{}{
		"ruleset_id": rulesetID,
		"version":    next.version,
	}})
}

// ReplaceAll atomically replaces the entire registry contents, as a
// full reload does. Readers observe either the previous snapshot or
// the complete new one, never a mix.
func (r *Registry) ReplaceAll(ctx context.Context, rulesets []*rules.Ruleset, rulesByRuleset map[string][]*rules.Rule, preparedByRuleset map[string][]*compile.PreparedRule, actionsets map[string][]*rules.ActionsetEntry, conditions []*rules.Condition) {
	now := clock.Now(ctx)
	r.mu.Lock()
	next := emptySnapshot()
	next.conditions = conditions
	for _, rs := range rulesets {
		installRulesetLocked(next, rs, rulesByRuleset[rs.RulesetID], preparedByRuleset[rs.RulesetID], actionsets[rs.RulesetID])
	}
	next.version = r.snap.version + 1
	next.lastReload = now
	r.snap = next
	for _, ruleList := range rulesByRuleset {
		for _, rule := range ruleList {
			r.appendTrailLocked(rule.RuleID, rule.ID)
		}
	}
	r.mu.Unlock()

	r.notify(ctx, Event{Type: EventRulesReloaded, Payload: map[string]interface{}{
		"ruleset_count": len(rulesets),
		"version":       next.version,
		"reloaded_at":   now,
	}})
}

// Clear empties the registry.
func (r *Registry) Clear(ctx context.Context) {
	r.mu.Lock()
	next := emptySnapshot()
	next.version = r.snap.version + 1
	next.lastReload = r.snap.lastReload
	r.snap = next
	r.mu.Unlock()

	r.notify(ctx, Event{Type: EventRegistryCleared, Payload: map[string]interface{}{
		"version": next.version,
	}})
}

func (r *Registry) appendTrailLocked(ruleID string, dbID int64) {
	trail := r.idTrail[ruleID]
	if len(trail) > 0 && trail[len(trail)-1] == dbID {
		return
	}
	r.idTrail[ruleID] = append(trail, dbID)
}

func installRulesetLocked(next *Snapshot, ruleset *rules.Ruleset, ruleList []*rules.Rule, prepared []*compile.PreparedRule, actionset []*rules.ActionsetEntry) {
	removeRulesetLocked(next, ruleset.RulesetID)
	next.rulesetsByID[ruleset.RulesetID] = ruleset
	next.rulesetsByName[ruleset.Name] = ruleset
	for _, rule := range ruleList {
		next.rulesByID[rule.RuleID] = rule
	}
	sorted := append([]*compile.PreparedRule(nil), prepared...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].RuleID < sorted[j].RuleID
	})
	next.prepared[ruleset.RulesetID] = sorted
	patterns := make(map[string]string, len(actionset))
	for _, entry := range actionset {
		patterns[entry.PatternKey] = entry.ActionRecommendation
	}
	next.actionsets[ruleset.RulesetID] = patterns
}

func removeRulesetLocked(next *Snapshot, rulesetID string) {
	if existing, ok := next.rulesetsByID[rulesetID]; ok {
		delete(next.rulesetsByName, existing.Name)
	}
	delete(next.rulesetsByID, rulesetID)
	delete(next.prepared, rulesetID)
	delete(next.actionsets, rulesetID)
	for id, rule := range next.rulesByID {
		if rule.RulesetID == rulesetID {
			delete(next.rulesByID, id)
		}
	}
}

func replacePrepared(prepared []*compile.PreparedRule, p *compile.PreparedRule) []*compile.PreparedRule {
	out := make([]*compile.PreparedRule, 0, len(prepared)+1)
	for _, existing := range prepared {
		if existing.RuleID != p.RuleID {
			out = append(out, existing)
		}
	}
	out = append(out, p)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

func removePrepared(prepared []*compile.PreparedRule, ruleID string) []*compile.PreparedRule {
	out := make([]*compile.PreparedRule, 0, len(prepared))
	for _, existing := range prepared {
		if existing.RuleID != ruleID {
			out = append(out, existing)
		}
	}
	return out
}

// Subscribe registers a callback invoked synchronously from the
// writer's goroutine on every registry change. A panicking callback
// is isolated: it never blocks other subscribers or prevents the
// write. The returned function unsubscribes.
func (r *Registry) Subscribe(cb func(Event)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = &subscriber{callback: cb}
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

// SubscribeChan registers a bounded-channel subscriber. Events are
// published with a non-blocking send; an event that does not fit is
// dropped and counted, never blocking the writer.
func (r *Registry) SubscribeChan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = &subscriber{ch: ch}
	r.subMu.Unlock()
	return ch, func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

// DroppedNotifications returns the number of events dropped on full
// subscriber channels.
func (r *Registry) DroppedNotifications() int64 {
	return atomic.LoadInt64(&r.dropped)
}

func (r *Registry) notify(ctx context.Context, event Event) {
	r.subMu.Lock()
	subs := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subMu.Unlock()

	for _, s := range subs {
		if s.ch != nil {
			select {
			case s.ch <- event:
			default:
				atomic.AddInt64(&r.dropped, 1)
			}
			continue
		}
		r.invoke(ctx, s.callback, event)
	}
}

func (r *Registry) invoke(ctx context.Context, cb func(Event), event Event) {
	defer func() {
		if p := recover(); p != nil {
			logging.Errorf(ctx, "registry subscriber panicked on %s: %v", event.Type, p)
		}
	}()
	cb(event)
}
