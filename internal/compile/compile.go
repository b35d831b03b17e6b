// Package compile lowers declarative rule records and their
// referenced conditions into prepared rules ready for evaluation.
//
// The compiler is pure: the rule set and the condition set are
// injected, no I/O is performed, and compilation of a given input is
// deterministic. Prepared rules are returned sorted ascending by
// priority, which is the canonical evaluation order.
package compile

import (
	"sort"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/rules/lang"
	"github.com/khoantd/rule-engine-sub000/internal/rules/ruleerror"
)

// PreparedRule is a compiled rule ready for evaluation. It should
// be treated as immutable, and is therefore safe to share across
// multiple goroutines.
type PreparedRule struct {
	// Priority orders prepared rules; lower evaluates earlier.
	Priority int64
	// RuleID is the stable rule identity.
	RuleID string
	// RuleName names the rule in errors and logs.
	RuleName string
	// RulesetID is the owning ruleset.
	RulesetID string
	// Predicate is the compiled predicate expression.
	Predicate *lang.Expr
	// RulePoint and Weight determine the points contributed on
	// match: RulePoint × Weight.
	RulePoint int64
	Weight    float64
	// ActionResult is the token emitted on match, before template
	// expansion.
	ActionResult string
	// DBID is the numeric store row identity the rule was compiled
	// from, recorded on the registry's version trail.
	DBID int64
}

// CalculatedPoints is the score the rule contributes on match.
func (p *PreparedRule) CalculatedPoints() float64 {
	return float64(p.RulePoint) * p.Weight
}

// ConditionIndex resolves condition references during compilation.
type ConditionIndex struct {
	byID     map[string]*rules.Condition
	byTriple map[conditionTriple]*rules.Condition
}

type conditionTriple struct {
	attribute string
	operator  rules.Operator
	constant  string
}

// NewConditionIndex indexes the given conditions by ID and by
// (attribute, operator, value) triple.
func NewConditionIndex(conditions []*rules.Condition) *ConditionIndex {
	idx := &ConditionIndex{
		byID:     make(map[string]*rules.Condition, len(conditions)),
		byTriple: make(map[conditionTriple]*rules.Condition, len(conditions)),
	}
	for _, c := range conditions {
		idx.byID[c.ConditionID] = c
		idx.byTriple[conditionTriple{c.Attribute, c.Operator, c.Value}] = c
	}
	return idx
}

// ByID resolves a condition reference.
func (i *ConditionIndex) ByID(conditionID string) (*rules.Condition, bool) {
	c, ok := i.byID[conditionID]
	return c, ok
}

// ByTriple locates an existing condition with the given attribute,
// operator and constant. Used to rewrite flat rules to the
// structured form.
func (i *ConditionIndex) ByTriple(attribute string, op rules.Operator, constant string) (*rules.Condition, bool) {
	c, ok := i.byTriple[conditionTriple{attribute, op, constant}]
	return c, ok
}

// Compile lowers the given rules against the given conditions,
// returning prepared rules sorted ascending by priority (ties
// broken by rule ID, the store's natural order). The first rule
// that fails to compile aborts compilation.
func Compile(ruleList []*rules.Rule, conditions []*rules.Condition) ([]*PreparedRule, error) {
	idx := NewConditionIndex(conditions)
	prepared := make([]*PreparedRule, 0, len(ruleList))
	for _, r := range ruleList {
		p, err := CompileRule(r, idx)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, p)
	}
	sortPrepared(prepared)
	return prepared, nil
}

// RuleResult is the per-rule outcome of a validation pass.
type RuleResult struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Valid    bool   `json:"valid"`
	// Error is the compilation failure, if any.
	Error error `json:"-"`
	// Message is the narrative form of Error for reports.
	Message string `json:"message,omitempty"`
}

// ValidateAll compiles every rule and reports per-rule results
// without aborting on the first failure. Used by reload validation,
// which must aggregate all errors.
func ValidateAll(ruleList []*rules.Rule, conditions []*rules.Condition) []RuleResult {
	idx := NewConditionIndex(conditions)
	results := make([]RuleResult, 0, len(ruleList))
	for _, r := range ruleList {
		res := RuleResult{Valid: true}
		if r != nil {
			res.RuleID = r.RuleID
			res.RuleName = r.RuleName
		}
		if _, err := CompileRule(r, idx); err != nil {
			res.Valid = false
			res.Error = err
			res.Message = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// CompileRule lowers a single rule to a prepared rule.
func CompileRule(r *rules.Rule, idx *ConditionIndex) (*PreparedRule, error) {
	if r == nil || (r.RuleID == "" && r.RuleName == "") {
		return nil, ruleerror.New(ruleerror.Compilation, ruleerror.CodeRuleEmpty,
			"rule is empty")
	}

	ref, err := normalize(r, idx)
	if err != nil {
		return nil, err
	}

	var comparisons []*lang.Comparison
	var mode rules.Mode
	if ref.Simple() {
		cmp, err := lowerCondition(r, ref.Item, idx)
		if err != nil {
			return nil, err
		}
		comparisons = []*lang.Comparison{cmp}
	} else {
		mode = ref.Mode
		for _, id := range ref.Items {
			cmp, err := lowerCondition(r, id, idx)
			if err != nil {
				return nil, err
			}
			comparisons = append(comparisons, cmp)
		}
	}

	expr, err := lang.NewExpr(comparisons, mode)
	if err != nil {
		return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeRuleInvalidConditions,
			"rule %q: %s", r.RuleName, err).With("rule_name", r.RuleName)
	}

	return &PreparedRule{
		Priority:     r.Priority,
		RuleID:       r.RuleID,
		RuleName:     r.RuleName,
		RulesetID:    r.RulesetID,
		Predicate:    expr,
		RulePoint:    r.RulePoint,
		Weight:       r.Weight,
		ActionResult: r.ActionResult,
		DBID:         r.ID,
	}, nil
}

// normalize resolves the rule's condition shape to the structured
// form. Flat rules are rewritten by locating an existing condition
// with a matching (attribute, operator, constant) triple.
func normalize(r *rules.Rule, idx *ConditionIndex) (*rules.ConditionRef, error) {
	if r.Conditions != nil {
		ref := r.Conditions
		switch {
		case ref.Item != "" && len(ref.Items) > 0:
			return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeRuleInvalidConditions,
				"rule %q: conditions carry both item and items", r.RuleName).
				With("rule_name", r.RuleName)
		case ref.Item != "":
			return ref, nil
		case ref.Items == nil && ref.Mode != "":
			return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeRuleMissingConditionsItems,
				"rule %q: conditions missing items", r.RuleName).
				With("rule_name", r.RuleName)
		case ref.Items == nil:
			return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeRuleMissingConditionItem,
				"rule %q: conditions missing item", r.RuleName).
				With("rule_name", r.RuleName)
		case len(ref.Items) == 0:
			return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeRuleEmptyConditions,
				"rule %q: conditions items is empty", r.RuleName).
				With("rule_name", r.RuleName)
		case ref.Mode != rules.ModeAnd && ref.Mode != rules.ModeOr:
			return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeRuleMissingMode,
				"rule %q: conditions missing mode", r.RuleName).
				With("rule_name", r.RuleName)
		default:
			return ref, nil
		}
	}

	// Flat shape.
	if r.Attribute == "" && r.Constant == "" && r.Condition == "" {
		return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeRuleInvalidType,
			"rule %q carries neither structured nor flat conditions", r.RuleName).
			With("rule_name", r.RuleName)
	}
	if r.Attribute == "" || r.Constant == "" {
		return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeConditionEmpty,
			"rule %q: flat condition has empty attribute or constant", r.RuleName).
			With("rule_name", r.RuleName)
	}
	if !rules.ValidOperator(r.Condition) {
		return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeRuleInvalidType,
			"rule %q: operator %q is not valid", r.RuleName, r.Condition).
			With("rule_name", r.RuleName)
	}
	c, ok := idx.ByTriple(r.Attribute, r.Condition, r.Constant)
	if !ok {
		return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeConditionNotFound,
			"rule %q: no condition matches (%s, %s, %s)",
			r.RuleName, r.Attribute, r.Condition, r.Constant).
			With("rule_name", r.RuleName).
			With("attribute", r.Attribute).
			With("operator", string(r.Condition)).
			With("constant", r.Constant)
	}
	return &rules.ConditionRef{Item: c.ConditionID}, nil
}

// lowerCondition resolves one condition reference and lowers it to
// a comparison term.
func lowerCondition(r *rules.Rule, conditionID string, idx *ConditionIndex) (*lang.Comparison, error) {
	c, ok := idx.ByID(conditionID)
	if !ok {
		return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeConditionNotFound,
			"rule %q references unknown condition %q", r.RuleName, conditionID).
			With("rule_name", r.RuleName).
			With("condition_id", conditionID)
	}
	cmp, err := lang.NewComparison(c)
	if err != nil {
		return nil, ruleerror.Newf(ruleerror.Compilation, ruleerror.CodeRuleInvalidConditions,
			"rule %q: condition %q: %s", r.RuleName, conditionID, err).
			With("rule_name", r.RuleName).
			With("condition_id", conditionID)
	}
	return cmp, nil
}

func sortPrepared(prepared []*PreparedRule) {
	sort.SliceStable(prepared, func(i, j int) bool {
		if prepared[i].Priority != prepared[j].Priority {
			return prepared[i].Priority < prepared[j].Priority
		}
		return prepared[i].RuleID < prepared[j].RuleID
	})
}
