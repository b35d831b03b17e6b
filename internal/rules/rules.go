// Package rules contains the data model for the rule execution
// platform: attributes, conditions, rules, rulesets, actionset
// entries, rule versions, A/B tests, test assignments and
// execution logs.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"

	"go.chromium.org/luci/common/errors"
)

// RuleIDRe matches validly formed rule IDs: 32 lowercase hexadecimal
// characters.
var RuleIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// RulesetIDRe matches validly formed ruleset IDs.
var RulesetIDRe = regexp.MustCompile(`^[a-z0-9\-_.]{1,64}$`)

// StartingEpoch is the rules version of a store that has never
// had any rules written to it.
var StartingEpoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// GenerateID produces a 128-bit identifier as 32 lowercase hex
// characters, derived from the given seed.
func GenerateID(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:16])
}

// Operator is a condition operator. Exactly eleven operators are
// defined; the string values are bit-exact for store and wire
// compatibility. No aliases, no case folding.
type Operator string

const (
	OpEqual              Operator = "equal"
	OpNotEqual           Operator = "not_equal"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpRange              Operator = "range"
	OpContains           Operator = "contains"
	OpRegex              Operator = "regex"
)

// Operators enumerates every valid operator.
var Operators = []Operator{
	OpEqual, OpNotEqual,
	OpGreaterThan, OpGreaterThanOrEqual,
	OpLessThan, OpLessThanOrEqual,
	OpIn, OpNotIn, OpRange,
	OpContains, OpRegex,
}

// ValidOperator returns whether op is one of the eleven defined
// operators.
func ValidOperator(op Operator) bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

// ListOperator returns whether the operator's value operand encodes
// a JSON-serialized list.
func ListOperator(op Operator) bool {
	return op == OpIn || op == OpNotIn || op == OpRange
}

// DataType describes the type of an attribute's values.
type DataType string

const (
	TypeString  DataType = "string"
	TypeNumber  DataType = "number"
	TypeInteger DataType = "integer"
	TypeBoolean DataType = "boolean"
	TypeDate    DataType = "date"
	TypeArray   DataType = "array"
	TypeObject  DataType = "object"
)

// Status is the lifecycle status of a rule, ruleset, attribute or
// consumer.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Mode combines the conditions of a complex rule.
type Mode string

const (
	ModeAnd Mode = "and"
	ModeOr  Mode = "or"
)

// Attribute is a fact descriptor. AttributeID is the key a fact
// record uses and the key a Condition references.
type Attribute struct {
	AttributeID string   `json:"attributeId"`
	Name        string   `json:"name"`
	DataType    DataType `json:"dataType"`
	Status      Status   `json:"status"`
}

// Condition is an atomic boolean expression factored for reuse
// across rules. For the in, not_in and range operators, Value
// encodes a JSON-serialized list.
type Condition struct {
	ConditionID string   `json:"conditionId"`
	Attribute   string   `json:"attribute"`
	Operator    Operator `json:"operator"`
	Value       string   `json:"value"`
}

// ConditionRef is the structured condition reference carried by a
// rule. A simple rule sets Item; a complex rule sets Items and Mode.
type ConditionRef struct {
	// Item is the condition referenced by a simple rule.
	Item string `json:"item,omitempty"`
	// Items are the conditions referenced by a complex rule, in order.
	Items []string `json:"items,omitempty"`
	// Mode combines Items. Required when Items is set.
	Mode Mode `json:"mode,omitempty"`
}

// Simple returns whether the reference is the simple (single
// condition) shape.
func (c *ConditionRef) Simple() bool {
	return c != nil && c.Item != ""
}

// Rule is a business rule: a predicate over a fact record plus a
// weighted score and an action symbol.
//
// A rule carries one of two condition shapes. The structured shape
// uses Conditions. The flat shape carries Attribute, Condition,
// Constant and Message directly; the compiler rewrites flat rules to
// the structured shape by locating the matching stored condition.
// New writes canonicalize on the structured shape at the store
// boundary.
type Rule struct {
	// ID is the numeric store identifier of this rule row. It
	// changes on every write; RuleID is the stable identity.
	ID int64 `json:"id"`
	// RuleID uniquely identifies the rule, as 32 lowercase hex
	// characters.
	RuleID    string `json:"ruleId"`
	RuleName  string `json:"ruleName"`
	RulesetID string `json:"rulesetId"`

	// Conditions is the structured condition reference, if any.
	Conditions *ConditionRef `json:"conditions,omitempty"`

	// Flat shape fields. Condition holds the operator.
	Attribute string   `json:"attribute,omitempty"`
	Condition Operator `json:"condition,omitempty"`
	Constant  string   `json:"constant,omitempty"`
	Message   string   `json:"message,omitempty"`

	// RulePoint is the score contributed on match, before weighting.
	RulePoint int64 `json:"rulePoint"`
	// Weight scales RulePoint. The points contributed by a match are
	// RulePoint × Weight.
	Weight float64 `json:"weight"`
	// Priority orders rules within a ruleset; lower evaluates earlier.
	Priority int64 `json:"priority"`
	// ActionResult is the token emitted on match: a single symbolic
	// character or a FEEL-subset template.
	ActionResult string `json:"actionResult"`

	Status  Status `json:"status"`
	Version int64  `json:"version"`

	CreationTime time.Time `json:"creationTime"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// CalculatedPoints is the score this rule contributes on match.
func (r *Rule) CalculatedPoints() float64 {
	return float64(r.RulePoint) * r.Weight
}

// Flat returns whether the rule carries the flat condition shape.
func (r *Rule) Flat() bool {
	return r.Conditions == nil && (r.Attribute != "" || r.Constant != "")
}

// Ruleset is a named collection of rules plus an actionset,
// evaluated as a unit. A ruleset exclusively owns its rules and
// actionset entries.
type Ruleset struct {
	RulesetID string `json:"rulesetId"`
	// Name uniquely identifies the ruleset to callers.
	Name    string `json:"name"`
	Version int64  `json:"version"`
	Status  Status `json:"status"`
	// IsDefault marks the ruleset chosen when an evaluation does not
	// name one. At most one active ruleset may be default.
	IsDefault bool `json:"isDefault"`

	CreationTime time.Time `json:"creationTime"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// ActionsetEntry maps a pattern key to an action recommendation for
// one ruleset. The pattern key is matched against the concatenation
// of per-rule action tokens in priority order, by exact string
// equality.
type ActionsetEntry struct {
	RulesetID  string `json:"rulesetId"`
	PatternKey string `json:"patternKey"`
	// ActionRecommendation is the recommendation returned when the
	// evaluation's pattern result equals PatternKey.
	ActionRecommendation string `json:"actionRecommendation"`
	// PatternID is the identifier actions attach to.
	PatternID string `json:"patternId,omitempty"`
}

// Consumer is an opaque identity used to attribute per-rule
// execution counters.
type Consumer struct {
	ConsumerID string `json:"consumerId"`
	Name       string `json:"name"`
	Status     Status `json:"status"`
}

// ValidateRule checks the structural validity of a rule record.
func ValidateRule(r *Rule) error {
	switch {
	case r == nil:
		return errors.New("rule must not be nil")
	case !RuleIDRe.MatchString(r.RuleID):
		return errors.New("rule ID must be valid")
	case r.RuleName == "":
		return errors.New("rule name must be set")
	case r.RulesetID == "":
		return errors.New("ruleset ID must be set")
	case r.RulePoint < 0:
		return errors.New("rule point must be non-negative")
	case r.Weight < 0:
		return errors.New("weight must be non-negative")
	}
	if r.Condition != "" && !ValidOperator(r.Condition) {
		return errors.Reason("operator %q is not valid", r.Condition).Err()
	}
	return nil
}

// ValidateRuleset checks the structural validity of a ruleset record.
func ValidateRuleset(rs *Ruleset) error {
	switch {
	case rs == nil:
		return errors.New("ruleset must not be nil")
	case !RulesetIDRe.MatchString(rs.RulesetID):
		return errors.New("ruleset ID must be valid")
	case rs.Name == "":
		return errors.New("ruleset name must be set")
	}
	return nil
}

// ValidateCondition checks the structural validity of a condition
// record.
func ValidateCondition(c *Condition) error {
	switch {
	case c == nil:
		return errors.New("condition must not be nil")
	case c.ConditionID == "":
		return errors.New("condition ID must be set")
	case c.Attribute == "":
		return errors.New("condition attribute must be set")
	case !ValidOperator(c.Operator):
		return errors.Reason("operator %q is not valid", c.Operator).Err()
	}
	return nil
}

// RuleLess orders rules the way the store returns them: ascending
// priority, then rule ID.
func RuleLess(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.RuleID < b.RuleID
}
