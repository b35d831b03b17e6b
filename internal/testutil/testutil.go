// Package testutil provides builders and fixtures for tests.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// TestRulesetID is the ruleset fixtures attach to by default.
const TestRulesetID = "rs-default"

// RuleBuilder provides methods to build a rule for testing.
type RuleBuilder struct {
	uniqifier    int
	rulesetID    string
	priority     int64
	rulePoint    int64
	weight       float64
	actionResult string
	active       bool
	conditions   *rules.ConditionRef
}

// NewRule starts building a new rule.
func NewRule(uniqifier int) *RuleBuilder {
	return &RuleBuilder{
		uniqifier:    uniqifier,
		rulesetID:    TestRulesetID,
		priority:     int64(uniqifier * 10),
		rulePoint:    10,
		weight:       1.0,
		actionResult: "A",
		active:       true,
		conditions:   &rules.ConditionRef{Item: fmt.Sprintf("cond-%v", uniqifier)},
	}
}

// WithRuleset specifies the ruleset the rule belongs to.
func (b *RuleBuilder) WithRuleset(rulesetID string) *RuleBuilder {
	b.rulesetID = rulesetID
	return b
}

// WithPriority specifies the rule's priority.
func (b *RuleBuilder) WithPriority(priority int64) *RuleBuilder {
	b.priority = priority
	return b
}

// WithPoints specifies the rule's point value and weight.
func (b *RuleBuilder) WithPoints(rulePoint int64, weight float64) *RuleBuilder {
	b.rulePoint = rulePoint
	b.weight = weight
	return b
}

// WithActionResult specifies the token emitted on match.
func (b *RuleBuilder) WithActionResult(actionResult string) *RuleBuilder {
	b.actionResult = actionResult
	return b
}

// WithActive specifies whether the rule will be active.
func (b *RuleBuilder) WithActive(active bool) *RuleBuilder {
	b.active = active
	return b
}

// WithConditions specifies the rule's structured condition
// reference.
func (b *RuleBuilder) WithConditions(ref *rules.ConditionRef) *RuleBuilder {
	b.conditions = ref
	return b
}

// Build produces the rule.
func (b *RuleBuilder) Build() *rules.Rule {
	ruleIDBytes := sha256.Sum256([]byte(fmt.Sprintf("rule-id%v", b.uniqifier)))
	status := rules.StatusInactive
	if b.active {
		status = rules.StatusActive
	}
	return &rules.Rule{
		RuleID:       hex.EncodeToString(ruleIDBytes[0:16]),
		RuleName:     fmt.Sprintf("Rule %v", b.uniqifier),
		RulesetID:    b.rulesetID,
		Conditions:   b.conditions,
		RulePoint:    b.rulePoint,
		Weight:       b.weight,
		Priority:     b.priority,
		ActionResult: b.actionResult,
		Status:       status,
		CreationTime: time.Date(1900, 1, 2, 3, 4, 5, b.uniqifier, time.UTC),
		LastUpdated:  time.Date(1900, 1, 2, 3, 4, 5, b.uniqifier, time.UTC),
	}
}

// NewCondition builds a condition with the identity the default
// rule fixtures reference.
func NewCondition(uniqifier int, attribute string, op rules.Operator, value string) *rules.Condition {
	return &rules.Condition{
		ConditionID: fmt.Sprintf("cond-%v", uniqifier),
		Attribute:   attribute,
		Operator:    op,
		Value:       value,
	}
}

// NewRuleset builds an active ruleset.
func NewRuleset(rulesetID, name string, isDefault bool) *rules.Ruleset {
	return &rules.Ruleset{
		RulesetID: rulesetID,
		Name:      name,
		Status:    rules.StatusActive,
		IsDefault: isDefault,
	}
}

// ABTestBuilder provides methods to build an A/B test for testing.
type ABTestBuilder struct {
	uniqifier int
	ruleID    string
	splitA    float64
	status    rules.ABTestStatus
}

// NewABTest starts building a new A/B test over the given rule.
func NewABTest(uniqifier int, ruleID string) *ABTestBuilder {
	return &ABTestBuilder{
		uniqifier: uniqifier,
		ruleID:    ruleID,
		splitA:    0.5,
		status:    rules.ABTestDraft,
	}
}

// WithSplit specifies the variant A traffic share.
func (b *ABTestBuilder) WithSplit(splitA float64) *ABTestBuilder {
	b.splitA = splitA
	return b
}

// WithStatus specifies the test's lifecycle state.
func (b *ABTestBuilder) WithStatus(status rules.ABTestStatus) *ABTestBuilder {
	b.status = status
	return b
}

// Build produces the test.
func (b *ABTestBuilder) Build() *rules.ABTest {
	return &rules.ABTest{
		TestID:          fmt.Sprintf("test-%v", b.uniqifier),
		Name:            fmt.Sprintf("Test %v", b.uniqifier),
		RuleID:          b.ruleID,
		RulesetID:       TestRulesetID,
		VariantAVersion: 1,
		VariantBVersion: 2,
		TrafficSplitA:   b.splitA,
		TrafficSplitB:   1 - b.splitA,
		Status:          b.status,
		MinSampleSize:   10,
		ConfidenceLevel: 0.95,
	}
}

// SetRulesForTesting replaces the stored rules of the default
// ruleset with the given set.
func SetRulesForTesting(ctx context.Context, s store.Store, rs []*rules.Rule) error {
	return s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		for _, r := range rs {
			if err := s.UpsertRule(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}
