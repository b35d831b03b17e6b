// Package store defines the RuleStore contract the rule platform
// depends on: a passive, transactional store of rules, rulesets,
// conditions, actionset entries, versions, A/B tests, assignments
// and execution logs.
//
// The core never writes rule rows except through the versioning and
// rollback path; mutation of live rules belongs to the management
// surface.
package store

import (
	"context"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: record not found")

// ErrAlreadyExists is returned when an insert violates a uniqueness
// constraint. Callers racing on first-time inserts resolve the race
// by re-reading the winner's row.
var ErrAlreadyExists = errors.New("store: record already exists")

// Filter scopes a rule or ruleset listing.
type Filter struct {
	RulesetID string
	RuleID    string
}

// LogQuery scopes an execution log query. Zero fields are
// unconstrained.
type LogQuery struct {
	Since    time.Time
	Until    time.Time
	ABTestID string
	Variant  rules.Variant
	Limit    int
}

// RuleReader is the read surface the hot-reload controller depends
// on.
type RuleReader interface {
	// ListActiveRules returns active rules under the given filter, in
	// ascending (priority, rule ID) order.
	ListActiveRules(ctx context.Context, f Filter) ([]*rules.Rule, error)
	// ListActiveRulesets returns active rulesets under the given
	// filter, ordered by name.
	ListActiveRulesets(ctx context.Context, f Filter) ([]*rules.Ruleset, error)
	// ListConditions returns every stored condition.
	ListConditions(ctx context.Context) ([]*rules.Condition, error)
	// ListActionset returns the actionset entries of one ruleset.
	ListActionset(ctx context.Context, rulesetID string) ([]*rules.ActionsetEntry, error)
	// GetRule returns a rule by rule ID, active or not.
	GetRule(ctx context.Context, ruleID string) (*rules.Rule, error)
}

// RuleWriter is the management-surface mutation contract.
type RuleWriter interface {
	UpsertRule(ctx context.Context, r *rules.Rule) error
	DeleteRule(ctx context.Context, ruleID string) error
	UpsertRuleset(ctx context.Context, rs *rules.Ruleset) error
	// DeleteRuleset cascades to the ruleset's rules and actionset
	// entries.
	DeleteRuleset(ctx context.Context, rulesetID string) error
	UpsertCondition(ctx context.Context, c *rules.Condition) error
	DeleteCondition(ctx context.Context, conditionID string) error
	UpsertAttribute(ctx context.Context, a *rules.Attribute) error
	ListAttributes(ctx context.Context) ([]*rules.Attribute, error)
	UpsertActionsetEntry(ctx context.Context, e *rules.ActionsetEntry) error
	DeleteActionsetEntry(ctx context.Context, rulesetID, patternKey string) error
	UpsertConsumer(ctx context.Context, c *rules.Consumer) error
}

// VersionStore persists immutable rule version snapshots.
type VersionStore interface {
	// ListRuleVersions returns all versions of a rule, ascending by
	// version number.
	ListRuleVersions(ctx context.Context, ruleID string) ([]*rules.RuleVersion, error)
	// GetRuleVersion returns one version of a rule.
	GetRuleVersion(ctx context.Context, ruleID string, versionNumber int64) (*rules.RuleVersion, error)
	// CurrentRuleVersion returns the version marked current.
	CurrentRuleVersion(ctx context.Context, ruleID string) (*rules.RuleVersion, error)
	InsertRuleVersion(ctx context.Context, v *rules.RuleVersion) error
	// SetCurrentRuleVersion marks the given version current and every
	// other version of the rule not current.
	SetCurrentRuleVersion(ctx context.Context, ruleID string, versionNumber int64) error
}

// ABTestStore persists A/B tests and their assignments.
type ABTestStore interface {
	GetABTest(ctx context.Context, testID string) (*rules.ABTest, error)
	UpsertABTest(ctx context.Context, t *rules.ABTest) error
	ListABTests(ctx context.Context) ([]*rules.ABTest, error)
	DeleteABTest(ctx context.Context, testID string) error

	// GetAssignment returns the stored assignment for the pair.
	GetAssignment(ctx context.Context, testID, key string) (*rules.TestAssignment, error)
	// InsertAssignment inserts a first-time assignment; it returns
	// ErrAlreadyExists if the (test, key) pair is already assigned.
	InsertAssignment(ctx context.Context, a *rules.TestAssignment) error
	// TouchAssignment increments the assignment's execution count and
	// stamps its last execution time.
	TouchAssignment(ctx context.Context, testID, key string, at time.Time) error
	// CountAssignments returns the number of assignments per variant.
	CountAssignments(ctx context.Context, testID string) (map[rules.Variant]int64, error)
}

// LogStore persists the append-only execution log.
type LogStore interface {
	AppendExecutionLogs(ctx context.Context, logs []*rules.ExecutionLog) error
	QueryExecutionLogs(ctx context.Context, q LogQuery) ([]*rules.ExecutionLog, error)
	// IncrementRuleExecution bumps the per-(consumer, rule) execution
	// counter.
	IncrementRuleExecution(ctx context.Context, consumerID, ruleID string) error
	RuleExecutionCount(ctx context.Context, consumerID, ruleID string) (int64, error)
}

// Store is the full RuleStore contract.
type Store interface {
	RuleReader
	RuleWriter
	VersionStore
	ABTestStore
	LogStore

	// ReadWriteTransaction runs fn atomically: either every store
	// operation performed with the callback's context commits, or
	// none do. Required for rule mutation + version insert to be one
	// unit.
	ReadWriteTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
