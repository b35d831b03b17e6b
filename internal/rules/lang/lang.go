// Package lang provides the compiled predicate representation
// evaluated on the hot path, and its evaluation semantics.
//
// A predicate is a flat boolean combination of comparisons, each of
// the form `attribute OP operand`. Expressions are immutable once
// built and therefore safe to share across goroutines.
package lang

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
)

// MissingAttributeError reports a fact map that does not carry an
// attribute referenced by a comparison. It is a non-fatal
// evaluation failure: the engine treats the rule as not matched.
type MissingAttributeError struct {
	// Attribute is the missing symbol.
	Attribute string
	// Available are the keys present in the fact map, sorted.
	Available []string
}

// Error implements the error interface.
func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("attribute %q not present in fact map (available: %s)",
		e.Attribute, strings.Join(e.Available, ", "))
}

// Comparison is a single `attribute OP operand` term.
type Comparison struct {
	// Attribute is the fact map key the comparison reads.
	Attribute string
	// Op is one of the eleven operators.
	Op rules.Operator
	// Operand is the right-hand side for scalar operators.
	Operand string
	// ListOperand is the right-hand side for the in, not_in and
	// range operators.
	ListOperand []string
}

// NewComparison builds a comparison term from a stored condition,
// decoding the JSON list operand where the operator requires one.
func NewComparison(c *rules.Condition) (*Comparison, error) {
	if err := rules.ValidateCondition(c); err != nil {
		return nil, err
	}
	cmp := &Comparison{
		Attribute: c.Attribute,
		Op:        c.Operator,
	}
	if rules.ListOperator(c.Operator) {
		list, err := decodeList(c.Value)
		if err != nil {
			return nil, errors.Annotate(err, "condition %s: value is not a JSON list", c.ConditionID).Err()
		}
		if c.Operator == rules.OpRange && len(list) != 2 {
			return nil, errors.Reason("condition %s: range requires a two-element list, got %d", c.ConditionID, len(list)).Err()
		}
		cmp.ListOperand = list
	} else {
		cmp.Operand = c.Value
	}
	return cmp, nil
}

// decodeList decodes a JSON array of scalars into canonical string
// form.
func decodeList(value string) ([]string, error) {
	var raw []interface{}
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, err
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i] = Canonical(v)
	}
	return out, nil
}

// Canonical converts a scalar fact value to its canonical string
// form. Numbers print without a trailing fractional zero, so 15 and
// 15.0 compare equal.
func Canonical(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Evaluate evaluates the comparison against a fact map.
//
// A missing attribute yields a *MissingAttributeError. Numeric
// comparisons coerce strings that parse as numbers; non-numeric
// operands on a numeric comparison yield false without error. A
// regex operand that fails to compile yields an error.
func (c *Comparison) Evaluate(facts map[string]interface{}) (bool, error) {
	value, ok := facts[c.Attribute]
	if !ok {
		return false, &MissingAttributeError{
			Attribute: c.Attribute,
			Available: factKeys(facts),
		}
	}

	switch c.Op {
	case rules.OpEqual:
		return Canonical(value) == c.Operand, nil
	case rules.OpNotEqual:
		return Canonical(value) != c.Operand, nil
	case rules.OpGreaterThan, rules.OpGreaterThanOrEqual, rules.OpLessThan, rules.OpLessThanOrEqual:
		lhs, lok := toNumber(value)
		rhs, rok := parseNumber(c.Operand)
		if !lok || !rok {
			return false, nil
		}
		switch c.Op {
		case rules.OpGreaterThan:
			return lhs > rhs, nil
		case rules.OpGreaterThanOrEqual:
			return lhs >= rhs, nil
		case rules.OpLessThan:
			return lhs < rhs, nil
		default:
			return lhs <= rhs, nil
		}
	case rules.OpIn:
		return contains(c.ListOperand, Canonical(value)), nil
	case rules.OpNotIn:
		return !contains(c.ListOperand, Canonical(value)), nil
	case rules.OpRange:
		lhs, lok := toNumber(value)
		lo, look := parseNumber(c.ListOperand[0])
		hi, hok := parseNumber(c.ListOperand[1])
		if !lok || !look || !hok {
			return false, nil
		}
		// Inclusive on both endpoints.
		return lhs >= lo && lhs <= hi, nil
	case rules.OpContains:
		if list, ok := value.([]interface{}); ok {
			for _, item := range list {
				if Canonical(item) == c.Operand {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(Canonical(value), c.Operand), nil
	case rules.OpRegex:
		re, err := regexp.Compile(c.Operand)
		if err != nil {
			return false, errors.Annotate(err, "compiling regex operand").Err()
		}
		return re.MatchString(Canonical(value)), nil
	default:
		return false, errors.Reason("operator %q is not valid", c.Op).Err()
	}
}

// String returns the normalized text form of the comparison.
func (c *Comparison) String() string {
	if rules.ListOperator(c.Op) {
		quoted := make([]string, len(c.ListOperand))
		for i, v := range c.ListOperand {
			quoted[i] = strconv.Quote(v)
		}
		return fmt.Sprintf("%s %s [%s]", c.Attribute, c.Op, strings.Join(quoted, ", "))
	}
	return fmt.Sprintf("%s %s %s", c.Attribute, c.Op, strconv.Quote(c.Operand))
}

// Expr is a compiled predicate: one or more comparisons combined by
// a single boolean mode.
type Expr struct {
	comparisons []*Comparison
	mode        rules.Mode
}

// NewExpr builds a predicate from the given comparisons. The mode
// is ignored for a single comparison.
func NewExpr(comparisons []*Comparison, mode rules.Mode) (*Expr, error) {
	if len(comparisons) == 0 {
		return nil, errors.New("expression requires at least one comparison")
	}
	if len(comparisons) > 1 && mode != rules.ModeAnd && mode != rules.ModeOr {
		return nil, errors.Reason("mode %q is not valid", mode).Err()
	}
	return &Expr{comparisons: comparisons, mode: mode}, nil
}

// Evaluate evaluates the predicate against a fact map.
//
// For `and`, evaluation stops at the first non-match; for `or`, at
// the first match. Errors short-circuit evaluation.
func (e *Expr) Evaluate(facts map[string]interface{}) (bool, error) {
	if len(e.comparisons) == 1 {
		return e.comparisons[0].Evaluate(facts)
	}
	for _, c := range e.comparisons {
		ok, err := c.Evaluate(facts)
		if err != nil {
			return false, err
		}
		if e.mode == rules.ModeOr && ok {
			return true, nil
		}
		if e.mode == rules.ModeAnd && !ok {
			return false, nil
		}
	}
	return e.mode == rules.ModeAnd, nil
}

// Comparisons returns the comparison terms. The returned slice must
// not be mutated.
func (e *Expr) Comparisons() []*Comparison {
	return e.comparisons
}

// String returns the normalized text form of the predicate, e.g.
// `(status equal "open") and (priority greater_than "10")`.
func (e *Expr) String() string {
	if len(e.comparisons) == 1 {
		return e.comparisons[0].String()
	}
	parts := make([]string, len(e.comparisons))
	for i, c := range e.comparisons {
		parts[i] = "(" + c.String() + ")"
	}
	return strings.Join(parts, " "+string(e.mode)+" ")
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func factKeys(facts map[string]interface{}) []string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		return parseNumber(t)
	default:
		return 0, false
	}
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}
