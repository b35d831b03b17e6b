package compile

import (
	"testing"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/rules/ruleerror"
	"github.com/khoantd/rule-engine-sub000/internal/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func testConditions() []*rules.Condition {
	return []*rules.Condition{
		testutil.NewCondition(1, "status", rules.OpEqual, "open"),
		testutil.NewCondition(2, "priority", rules.OpGreaterThan, "10"),
		testutil.NewCondition(3, "tier", rules.OpIn, `["gold", "platinum"]`),
	}
}

func TestCompileRule(t *testing.T) {
	Convey(`CompileRule`, t, func() {
		idx := NewConditionIndex(testConditions())

		Convey(`simple structured rule`, func() {
			r := testutil.NewRule(1).Build()
			p, err := CompileRule(r, idx)
			So(err, ShouldBeNil)
			So(p.RuleID, ShouldEqual, r.RuleID)

			ok, err := p.Predicate.Evaluate(map[string]interface{}{"status": "open"})
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})
		Convey(`complex structured rule`, func() {
			r := testutil.NewRule(1).WithConditions(&rules.ConditionRef{
				Items: []string{"cond-1", "cond-2"},
				Mode:  rules.ModeAnd,
			}).Build()
			p, err := CompileRule(r, idx)
			So(err, ShouldBeNil)

			ok, err := p.Predicate.Evaluate(map[string]interface{}{"status": "open", "priority": 20})
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			ok, err = p.Predicate.Evaluate(map[string]interface{}{"status": "open", "priority": 5})
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})
		Convey(`flat rule resolves the matching condition triple`, func() {
			r := testutil.NewRule(1).WithConditions(nil).Build()
			r.Attribute = "priority"
			r.Condition = rules.OpGreaterThan
			r.Constant = "10"
			p, err := CompileRule(r, idx)
			So(err, ShouldBeNil)

			ok, err := p.Predicate.Evaluate(map[string]interface{}{"priority": 11})
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})
		Convey(`CalculatedPoints scales by weight`, func() {
			r := testutil.NewRule(1).WithPoints(10, 1.5).Build()
			p, err := CompileRule(r, idx)
			So(err, ShouldBeNil)
			So(p.CalculatedPoints(), ShouldEqual, 15.0)
		})

		Convey(`failure taxonomy`, func() {
			codeOf := func(r *rules.Rule) ruleerror.Code {
				_, err := CompileRule(r, idx)
				So(err, ShouldNotBeNil)
				return ruleerror.CodeOf(err)
			}

			Convey(`nil or anonymous rule`, func() {
				_, err := CompileRule(nil, idx)
				So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeRuleEmpty)
			})
			Convey(`both item and items`, func() {
				r := testutil.NewRule(1).WithConditions(&rules.ConditionRef{
					Item:  "cond-1",
					Items: []string{"cond-2"},
					Mode:  rules.ModeAnd,
				}).Build()
				So(codeOf(r), ShouldEqual, ruleerror.CodeRuleInvalidConditions)
			})
			Convey(`mode without items`, func() {
				r := testutil.NewRule(1).WithConditions(&rules.ConditionRef{Mode: rules.ModeAnd}).Build()
				So(codeOf(r), ShouldEqual, ruleerror.CodeRuleMissingConditionsItems)
			})
			Convey(`neither item nor items`, func() {
				r := testutil.NewRule(1).WithConditions(&rules.ConditionRef{}).Build()
				So(codeOf(r), ShouldEqual, ruleerror.CodeRuleMissingConditionItem)
			})
			Convey(`empty items`, func() {
				r := testutil.NewRule(1).WithConditions(&rules.ConditionRef{
					Items: []string{},
					Mode:  rules.ModeAnd,
				}).Build()
				So(codeOf(r), ShouldEqual, ruleerror.CodeRuleEmptyConditions)
			})
			Convey(`invalid mode`, func() {
				r := testutil.NewRule(1).WithConditions(&rules.ConditionRef{
					Items: []string{"cond-1", "cond-2"},
					Mode:  "xor",
				}).Build()
				So(codeOf(r), ShouldEqual, ruleerror.CodeRuleMissingMode)
			})
			Convey(`no condition shape at all`, func() {
				r := testutil.NewRule(1).WithConditions(nil).Build()
				So(codeOf(r), ShouldEqual, ruleerror.CodeRuleInvalidType)
			})
			Convey(`flat rule with empty constant`, func() {
				r := testutil.NewRule(1).WithConditions(nil).Build()
				r.Attribute = "status"
				r.Condition = rules.OpEqual
				So(codeOf(r), ShouldEqual, ruleerror.CodeConditionEmpty)
			})
			Convey(`flat rule with invalid operator`, func() {
				r := testutil.NewRule(1).WithConditions(nil).Build()
				r.Attribute = "status"
				r.Condition = "equals"
				r.Constant = "open"
				So(codeOf(r), ShouldEqual, ruleerror.CodeRuleInvalidType)
			})
			Convey(`unresolved flat triple names the rule and triple`, func() {
				r := testutil.NewRule(1).WithConditions(nil).Build()
				r.Attribute = "status"
				r.Condition = rules.OpEqual
				r.Constant = "missing"
				_, err := CompileRule(r, idx)
				So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeConditionNotFound)
				So(err.Error(), ShouldContainSubstring, r.RuleName)
				So(err.Error(), ShouldContainSubstring, "missing")
			})
			Convey(`unknown condition reference`, func() {
				r := testutil.NewRule(1).WithConditions(&rules.ConditionRef{Item: "cond-99"}).Build()
				So(codeOf(r), ShouldEqual, ruleerror.CodeConditionNotFound)
			})
		})
	})
}

func TestCompile(t *testing.T) {
	Convey(`Compile`, t, func() {
		conditions := testConditions()

		Convey(`orders by priority then rule ID`, func() {
			r1 := testutil.NewRule(1).WithPriority(30).Build()
			r2 := testutil.NewRule(2).WithPriority(10).Build()
			r3 := testutil.NewRule(3).WithPriority(10).Build()
			r3.Conditions = &rules.ConditionRef{Item: "cond-2"}

			prepared, err := Compile([]*rules.Rule{r1, r2, r3}, conditions)
			So(err, ShouldBeNil)
			So(len(prepared), ShouldEqual, 3)
			So(prepared[0].Priority, ShouldEqual, 10)
			So(prepared[1].Priority, ShouldEqual, 10)
			So(prepared[0].RuleID, ShouldBeLessThan, prepared[1].RuleID)
			So(prepared[2].RuleID, ShouldEqual, r1.RuleID)
		})
		Convey(`aborts on the first invalid rule`, func() {
			good := testutil.NewRule(1).Build()
			bad := testutil.NewRule(2).WithConditions(&rules.ConditionRef{Item: "cond-99"}).Build()
			_, err := Compile([]*rules.Rule{good, bad}, conditions)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestValidateAll(t *testing.T) {
	Convey(`ValidateAll`, t, func() {
		conditions := testConditions()
		good := testutil.NewRule(1).Build()
		bad := testutil.NewRule(2).WithConditions(&rules.ConditionRef{Item: "cond-99"}).Build()

		results := ValidateAll([]*rules.Rule{good, bad}, conditions)
		So(len(results), ShouldEqual, 2)
		So(results[0].Valid, ShouldBeTrue)
		So(results[1].Valid, ShouldBeFalse)
		So(results[1].RuleName, ShouldEqual, bad.RuleName)
		So(results[1].Message, ShouldNotBeEmpty)
	})
}

func TestContentHash(t *testing.T) {
	Convey(`ContentHash`, t, func() {
		conditions := testConditions()
		r1 := testutil.NewRule(1).Build()
		r2 := testutil.NewRule(2).Build()

		h1 := ContentHash([]*rules.Rule{r1, r2}, conditions)
		h2 := ContentHash([]*rules.Rule{r1, r2}, conditions)
		So(h1, ShouldEqual, h2)
		So(len(h1), ShouldEqual, 32)

		changed := testutil.NewRule(2).WithPoints(99, 1).Build()
		h3 := ContentHash([]*rules.Rule{r1, changed}, conditions)
		So(h3, ShouldNotEqual, h1)
	})
}
