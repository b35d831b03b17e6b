// Package engine evaluates fact records against the active ruleset:
// per-rule predicate evaluation in priority order, weighted scoring,
// positional action pattern assembly and actionset lookup.
//
// The evaluation path is synchronous and read-only: rules come from
// the registry snapshot, never recompiled on the hot path, and one
// broken rule never sinks a batch — a per-rule evaluation fault
// yields the "-" token and a warning.
package engine

import (
	"context"

	"github.com/google/uuid"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/khoantd/rule-engine-sub000/internal/abtest"
	"github.com/khoantd/rule-engine-sub000/internal/compile"
	"github.com/khoantd/rule-engine-sub000/internal/registry"
	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/rules/feel"
	"github.com/khoantd/rule-engine-sub000/internal/rules/lang"
	"github.com/khoantd/rule-engine-sub000/internal/rules/ruleerror"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// NoMatchToken is emitted for a rule that did not match or faulted
// during evaluation.
const NoMatchToken = "-"

// Options scope one evaluation.
type Options struct {
	// RulesetName selects the ruleset; empty selects the default.
	RulesetName string
	// ABTestID routes the evaluation through a running A/B test.
	ABTestID string
	// AssignmentKey overrides the assignment key derived from the
	// fact map.
	AssignmentKey string
	// DryRun evaluates without writing an execution log and returns
	// per-rule match detail.
	DryRun bool
	// ConsumerID attributes per-rule execution counters.
	ConsumerID string
}

// DryRunRule is the per-rule detail returned for dry runs.
type DryRunRule struct {
	RuleName   string  `json:"ruleName"`
	WouldMatch bool    `json:"wouldMatch"`
	Points     float64 `json:"points"`
}

// Result is the outcome of one evaluation.
type Result struct {
	TotalPoints   float64 `json:"totalPoints"`
	PatternResult string  `json:"patternResult"`
	// ActionRecommendation is nil when no actionset entry matches the
	// pattern result.
	ActionRecommendation *string `json:"actionRecommendation"`
	RulesExecuted        int     `json:"rulesExecuted"`
	RulesMatched         int     `json:"rulesMatched"`
	// RulesFaulted counts rules whose evaluation faulted. Faults are
	// contained per rule, but any fault marks the execution log
	// unsuccessful.
	RulesFaulted         int     `json:"rulesFaulted,omitempty"`
	ExecutionTimeMS      float64 `json:"executionTimeMs"`
	// RegistryVersion lets callers detect a stale snapshot.
	RegistryVersion int64  `json:"registryVersion"`
	RulesetID       string `json:"rulesetId"`

	ABTestID      string        `json:"abTestId,omitempty"`
	ABTestVariant rules.Variant `json:"abTestVariant,omitempty"`

	// DryRunRules is populated only for dry runs.
	DryRunRules []DryRunRule `json:"dryRunRules,omitempty"`
}

// Engine is the rule execution engine. Collaborators are injected
// at construction; the engine holds no global state.
type Engine struct {
	registry *registry.Registry
	store    store.Store
	router   *abtest.Router
	logs     *LogAppender
}

// New initialises an engine. The router and log appender may be nil
// to disable A/B routing and execution logging.
func New(reg *registry.Registry, s store.Store, router *abtest.Router, logs *LogAppender) *Engine {
	return &Engine{
		registry: reg,
		store:    s,
		router:   router,
		logs:     logs,
	}
}

// Evaluate evaluates a fact map against the resolved ruleset.
//
// A nil fact map is rejected; an empty-but-present fact map is
// legal. Rules are evaluated strictly in ascending priority order;
// the per-rule action tokens concatenate to the pattern result that
// keys the actionset lookup. A missing actionset entry is not an
// error: the recommendation is simply nil.
func (e *Engine) Evaluate(ctx context.Context, facts map[string]interface{}, opts Options) (*Result, error) {
	if facts == nil {
		return nil, ruleerror.New(ruleerror.Validation, ruleerror.CodeDataInvalidType,
			"input data must be a fact map")
	}

	snap := e.registry.Snapshot()
	ruleset, err := resolveRuleset(snap, opts.RulesetName)
	if err != nil {
		return nil, err
	}
	prepared := snap.Prepared(ruleset.RulesetID)

	result := &Result{
		RegistryVersion: snap.Version(),
		RulesetID:       ruleset.RulesetID,
	}

	if opts.ABTestID != "" && e.router != nil {
		prepared = e.applyVariant(ctx, snap, prepared, facts, opts, result)
	}

	start := clock.Now(ctx)
	pattern := make([]byte, 0, len(prepared))
	for _, p := range prepared {
		token := NoMatchToken
		matched, err := p.Predicate.Evaluate(facts)
		switch {
		case err != nil:
			// Contained: the rule yields no match and zero points.
			result.RulesFaulted++
			if missing, ok := err.(*lang.MissingAttributeError); ok {
				logging.Warningf(ctx, "rule %s (%s): missing attribute %q, available keys: %v",
					p.RuleName, p.RuleID, missing.Attribute, missing.Available)
			} else {
				logging.Warningf(ctx, "rule %s (%s): evaluation fault: %s", p.RuleName, p.RuleID, err)
			}
		case matched:
			token = p.ActionResult
			if feel.IsTemplate(token) {
				token = feel.Expand(token, facts)
			}
			result.TotalPoints += p.CalculatedPoints()
			result.RulesMatched++
		}
		pattern = append(pattern, token...)
		result.RulesExecuted++
		if opts.DryRun {
			points := 0.0
			if matched && err == nil {
				points = p.CalculatedPoints()
			}
			result.DryRunRules = append(result.DryRunRules, DryRunRule{
				RuleName:   p.RuleName,
				WouldMatch: matched && err == nil,
				Points:     points,
			})
		}
	}
	result.PatternResult = string(pattern)
	result.ExecutionTimeMS = float64(clock.Now(ctx).Sub(start).Microseconds()) / 1000

	if actionset := snap.Actionset(ruleset.RulesetID); actionset != nil {
		if recommendation, ok := actionset[result.PatternResult]; ok {
			result.ActionRecommendation = &recommendation
		}
	} else {
		logging.Warningf(ctx, "ruleset %s has no actionset", ruleset.RulesetID)
	}

	// Dry runs have no side effects.
	if !opts.DryRun {
		e.record(ctx, facts, opts, prepared, result)
	}
	return result, nil
}

// resolveRuleset resolves the evaluation's ruleset by name, or by
// the default-selection rule (default ruleset, else first active).
func resolveRuleset(snap *registry.Snapshot, name string) (*rules.Ruleset, error) {
	if name != "" {
		if rs, ok := snap.RulesetByName(name); ok {
			return rs, nil
		}
		return nil, ruleerror.Newf(ruleerror.Validation, ruleerror.CodeDataValidationError,
			"ruleset %q not found", name).With("ruleset_name", name)
	}
	if rs, ok := snap.DefaultRuleset(); ok {
		return rs, nil
	}
	return nil, ruleerror.New(ruleerror.Validation, ruleerror.CodeDataValidationError,
		"no active ruleset available")
}

// applyVariant substitutes the rule snapshot of the assigned A/B
// variant into the prepared list. Routing faults degrade to the
// live rules with a warning; they never fail the evaluation.
func (e *Engine) applyVariant(ctx context.Context, snap *registry.Snapshot, prepared []*compile.PreparedRule, facts map[string]interface{}, opts Options, result *Result) []*compile.PreparedRule {
	t, err := e.router.Get(ctx, opts.ABTestID)
	if err != nil {
		logging.Warningf(ctx, "ab test %s: %s", opts.ABTestID, err)
		return prepared
	}
	if t.Status != rules.ABTestRunning {
		return prepared
	}

	key := opts.AssignmentKey
	if key == "" {
		key = abtest.KeyFromFacts(facts)
	}
	variant, err := e.router.AssignVariant(ctx, t.TestID, key)
	if err != nil {
		logging.Warningf(ctx, "ab test %s: assigning %q: %s", t.TestID, key, err)
		return prepared
	}
	result.ABTestID = t.TestID
	result.ABTestVariant = variant

	versionNumber := t.VariantAVersion
	if variant == rules.VariantB {
		versionNumber = t.VariantBVersion
	}
	substituted, err := e.preparedForVersion(ctx, snap, t.RuleID, versionNumber)
	if err != nil {
		logging.Warningf(ctx, "ab test %s: variant %s of rule %s: %s", t.TestID, variant, t.RuleID, err)
		return prepared
	}

	out := make([]*compile.PreparedRule, 0, len(prepared))
	replaced := false
	for _, p := range prepared {
		if p.RuleID == t.RuleID {
			out = append(out, substituted)
			replaced = true
		} else {
			out = append(out, p)
		}
	}
	if !replaced {
		logging.Warningf(ctx, "ab test %s: rule %s is not in the evaluated ruleset", t.TestID, t.RuleID)
	}
	return out
}

// preparedForVersion materializes and compiles the rule state
// captured by the given version snapshot.
func (e *Engine) preparedForVersion(ctx context.Context, snap *registry.Snapshot, ruleID string, versionNumber int64) (*compile.PreparedRule, error) {
	v, err := e.store.GetRuleVersion(ctx, ruleID, versionNumber)
	if err != nil {
		return nil, err
	}
	live, ok := snap.Rule(ruleID)
	if !ok {
		return nil, ruleerror.Newf(ruleerror.Validation, ruleerror.CodeRuleNotFound,
			"rule %q is not in the registry", ruleID).With("rule_id", ruleID)
	}
	materialized := *live
	v.Snapshot.Restore(&materialized)
	idx := compile.NewConditionIndex(snap.Conditions())
	return compile.CompileRule(&materialized, idx)
}

// record emits the execution log and per-consumer counters.
// Logging is fire-and-forget: evaluation results are never blocked
// or failed by the log sink.
func (e *Engine) record(ctx context.Context, facts map[string]interface{}, opts Options, prepared []*compile.PreparedRule, result *Result) {
	if e.logs != nil {
		recommendation := ""
		if result.ActionRecommendation != nil {
			recommendation = *result.ActionRecommendation
		}
		e.logs.Append(&rules.ExecutionLog{
			ExecutionID: uuid.New().String(),
			InputData:   facts,
			OutputData: map[string]interface{}{
				"total_points":          result.TotalPoints,
				"pattern_result":        result.PatternResult,
				"action_recommendation": recommendation,
				"rules_matched":         result.RulesMatched,
				"rules_faulted":         result.RulesFaulted,
			},
			RulesetID:       result.RulesetID,
			TotalPoints:     result.TotalPoints,
			PatternResult:   result.PatternResult,
			ExecutionTimeMS: result.ExecutionTimeMS,
			Success:         result.RulesFaulted == 0,
			ABTestID:        result.ABTestID,
			ABTestVariant:   result.ABTestVariant,
			Timestamp:       clock.Now(ctx),
		})
	}
	if opts.ConsumerID != "" && e.store != nil {
		for _, p := range prepared {
			if err := e.store.IncrementRuleExecution(ctx, opts.ConsumerID, p.RuleID); err != nil {
				logging.Debugf(ctx, "incrementing (%s, %s) execution counter: %s", opts.ConsumerID, p.RuleID, err)
			}
		}
	}
}
