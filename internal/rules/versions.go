package rules

import (
	"time"

	"go.chromium.org/luci/common/errors"
)

// VersionedFields is the fixed attribute set captured by a rule
// version snapshot and compared by version diffs.
var VersionedFields = []string{
	"rule_name", "attribute", "condition", "constant", "message",
	"weight", "rule_point", "priority", "action_result", "status",
}

// RuleSnapshot captures the mutable state of a rule at one point in
// time.
type RuleSnapshot struct {
	RuleName     string   `json:"ruleName"`
	Attribute    string   `json:"attribute"`
	Condition    Operator `json:"condition"`
	Constant     string   `json:"constant"`
	Message      string   `json:"message"`
	Weight       float64  `json:"weight"`
	RulePoint    int64    `json:"rulePoint"`
	Priority     int64    `json:"priority"`
	ActionResult string   `json:"actionResult"`
	Status       Status   `json:"status"`
	// Conditions preserves the structured condition reference so a
	// restored rule keeps its predicate.
	Conditions *ConditionRef `json:"conditions,omitempty"`
}

// SnapshotOf captures the versioned fields of the given rule.
func SnapshotOf(r *Rule) RuleSnapshot {
	var ref *ConditionRef
	if r.Conditions != nil {
		c := *r.Conditions
		if c.Items != nil {
			c.Items = append([]string(nil), c.Items...)
		}
		ref = &c
	}
	return RuleSnapshot{
		RuleName:     r.RuleName,
		Attribute:    r.Attribute,
		Condition:    r.Condition,
		Constant:     r.Constant,
		Message:      r.Message,
		Weight:       r.Weight,
		RulePoint:    r.RulePoint,
		Priority:     r.Priority,
		ActionResult: r.ActionResult,
		Status:       r.Status,
		Conditions:   ref,
	}
}

// Restore copies the snapshot's fields onto the given rule.
func (s RuleSnapshot) Restore(r *Rule) {
	r.RuleName = s.RuleName
	r.Attribute = s.Attribute
	r.Condition = s.Condition
	r.Constant = s.Constant
	r.Message = s.Message
	r.Weight = s.Weight
	r.RulePoint = s.RulePoint
	r.Priority = s.Priority
	r.ActionResult = s.ActionResult
	r.Status = s.Status
	if s.Conditions != nil {
		c := *s.Conditions
		if c.Items != nil {
			c.Items = append([]string(nil), c.Items...)
		}
		r.Conditions = &c
	} else {
		r.Conditions = nil
	}
}

// Fields returns the snapshot as a map keyed by VersionedFields
// names, for field-by-field comparison.
func (s RuleSnapshot) Fields() map[string]interface{} {
	return map[string]interface{}{
		"rule_name":     s.RuleName,
		"attribute":     s.Attribute,
		"condition":     string(s.Condition),
		"constant":      s.Constant,
		"message":       s.Message,
		"weight":        s.Weight,
		"rule_point":    s.RulePoint,
		"priority":      s.Priority,
		"action_result": s.ActionResult,
		"status":        string(s.Status),
	}
}

// RuleVersion is an immutable snapshot of a rule. Exactly one
// version per rule ID is current at any time; version numbers are
// strictly increasing per rule ID. Versions outlive the rule row
// they were captured from.
type RuleVersion struct {
	ID            int64        `json:"id"`
	RuleID        string       `json:"ruleId"`
	VersionNumber int64        `json:"versionNumber"`
	IsCurrent     bool         `json:"isCurrent"`
	ChangeReason  string       `json:"changeReason"`
	Snapshot      RuleSnapshot `json:"snapshot"`
	CreationTime  time.Time    `json:"creationTime"`
}

// ABTestStatus is the lifecycle state of an A/B test.
type ABTestStatus string

const (
	ABTestDraft     ABTestStatus = "draft"
	ABTestRunning   ABTestStatus = "running"
	ABTestCompleted ABTestStatus = "completed"
)

// Variant identifies one arm of an A/B test.
type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

// ABTest routes a share of evaluations of one rule to an alternate
// rule version.
type ABTest struct {
	TestID    string `json:"testId"`
	Name      string `json:"name"`
	RuleID    string `json:"ruleId"`
	RulesetID string `json:"rulesetId"`

	// VariantAVersion and VariantBVersion are rule version numbers.
	// Variant A is the control.
	VariantAVersion int64 `json:"variantAVersion"`
	VariantBVersion int64 `json:"variantBVersion"`

	// TrafficSplitA and TrafficSplitB are each in [0, 1] and must sum
	// to 1 within ±0.01.
	TrafficSplitA float64 `json:"trafficSplitA"`
	TrafficSplitB float64 `json:"trafficSplitB"`

	Status        ABTestStatus `json:"status"`
	StartTime     time.Time    `json:"startTime"`
	EndTime       time.Time    `json:"endTime"`
	DurationHours int64        `json:"durationHours"`
	MinSampleSize int64        `json:"minSampleSize"`
	// ConfidenceLevel is in (0, 1].
	ConfidenceLevel float64 `json:"confidenceLevel"`

	// WinningVariant is set on completion, if a winner was declared.
	WinningVariant Variant `json:"winningVariant,omitempty"`
	// StatisticalSignificance is 1−p for the variant×success
	// contingency table, persisted when the test is stopped with a
	// declared winner.
	StatisticalSignificance float64 `json:"statisticalSignificance,omitempty"`

	CreationTime time.Time `json:"creationTime"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// splitTolerance is the allowed deviation of TrafficSplitA +
// TrafficSplitB from 1.
const splitTolerance = 0.01

// ValidateABTest checks the structural validity of an A/B test
// record.
func ValidateABTest(t *ABTest) error {
	switch {
	case t == nil:
		return errors.New("test must not be nil")
	case t.TestID == "":
		return errors.New("test ID must be set")
	case t.RuleID == "":
		return errors.New("rule ID must be set")
	case t.TrafficSplitA < 0 || t.TrafficSplitA > 1:
		return errors.Reason("traffic split A %v must be in [0, 1]", t.TrafficSplitA).Err()
	case t.TrafficSplitB < 0 || t.TrafficSplitB > 1:
		return errors.Reason("traffic split B %v must be in [0, 1]", t.TrafficSplitB).Err()
	case t.ConfidenceLevel <= 0 || t.ConfidenceLevel > 1:
		return errors.Reason("confidence level %v must be in (0, 1]", t.ConfidenceLevel).Err()
	}
	sum := t.TrafficSplitA + t.TrafficSplitB
	if sum < 1-splitTolerance || sum > 1+splitTolerance {
		return errors.Reason("traffic splits must sum to 1, got %v", sum).Err()
	}
	if t.WinningVariant != "" && t.WinningVariant != VariantA && t.WinningVariant != VariantB {
		return errors.Reason("winning variant %q must be A or B", t.WinningVariant).Err()
	}
	return nil
}

// TestAssignment records the variant assigned to one assignment key
// for one A/B test. Unique on (ABTestID, AssignmentKey); once made,
// an assignment is never changed while the test is running.
type TestAssignment struct {
	ABTestID        string    `json:"abTestId"`
	AssignmentKey   string    `json:"assignmentKey"`
	Variant         Variant   `json:"variant"`
	ExecutionCount  int64     `json:"executionCount"`
	LastExecutionAt time.Time `json:"lastExecutionAt"`
}

// ExecutionLog is an append-only record of one evaluation.
type ExecutionLog struct {
	ExecutionID     string                 `json:"executionId"`
	InputData       map[string]interface{} `json:"inputData"`
	OutputData      map[string]interface{} `json:"outputData"`
	RulesetID       string                 `json:"rulesetId"`
	TotalPoints     float64                `json:"totalPoints"`
	PatternResult   string                 `json:"patternResult"`
	ExecutionTimeMS float64                `json:"executionTimeMs"`
	Success         bool                   `json:"success"`
	ABTestID        string                 `json:"abTestId,omitempty"`
	ABTestVariant   Variant                `json:"abTestVariant,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}
