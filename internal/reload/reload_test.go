package reload

import (
	"context"
	"testing"

	"go.chromium.org/luci/common/clock/testclock"

	"github.com/khoantd/rule-engine-sub000/internal/registry"
	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/rules/ruleerror"
	"github.com/khoantd/rule-engine-sub000/internal/source"
	"github.com/khoantd/rule-engine-sub000/internal/store/memstore"
	"github.com/khoantd/rule-engine-sub000/internal/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func seedStore(ctx context.Context, s *memstore.Store) []*rules.Rule {
	So(s.UpsertRuleset(ctx, testutil.NewRuleset(testutil.TestRulesetID, "default", true)), ShouldBeNil)
	So(s.UpsertCondition(ctx, testutil.NewCondition(1, "status", rules.OpEqual, "open")), ShouldBeNil)
	So(s.UpsertCondition(ctx, testutil.NewCondition(2, "priority", rules.OpGreaterThan, "10")), ShouldBeNil)

	r1 := testutil.NewRule(1).Build()
	r2 := testutil.NewRule(2).Build()
	So(testutil.SetRulesForTesting(ctx, s, []*rules.Rule{r1, r2}), ShouldBeNil)
	So(s.UpsertActionsetEntry(ctx, &rules.ActionsetEntry{
		RulesetID:            testutil.TestRulesetID,
		PatternKey:           "AA",
		ActionRecommendation: "approve",
	}), ShouldBeNil)
	return []*rules.Rule{r1, r2}
}

func TestReload(t *testing.T) {
	Convey(`Reload`, t, func() {
		ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		s := memstore.New()
		reg := registry.New()
		c := NewController(s, reg, 0, true)
		seeded := seedStore(ctx, s)

		Convey(`full reload populates the registry`, func() {
			result, err := c.Reload(ctx, Options{})
			So(err, ShouldBeNil)
			So(result.Reloaded, ShouldBeTrue)
			So(result.RulesLoaded, ShouldEqual, 2)
			So(result.RulesetsLoaded, ShouldEqual, 1)
			So(result.RegistryVersion, ShouldEqual, reg.Version())

			snap := reg.Snapshot()
			So(len(snap.Prepared(testutil.TestRulesetID)), ShouldEqual, 2)
			So(snap.Actionset(testutil.TestRulesetID)["AA"], ShouldEqual, "approve")
		})
		Convey(`an unchanged store skips the unforced reload`, func() {
			_, err := c.Reload(ctx, Options{})
			So(err, ShouldBeNil)
			versionAfterFirst := reg.Version()

			result, err := c.Reload(ctx, Options{})
			So(err, ShouldBeNil)
			So(result.Reloaded, ShouldBeFalse)
			So(reg.Version(), ShouldEqual, versionAfterFirst)

			Convey(`unless forced`, func() {
				result, err := c.Reload(ctx, Options{Force: true})
				So(err, ShouldBeNil)
				So(result.Reloaded, ShouldBeTrue)
				So(reg.Version(), ShouldBeGreaterThan, versionAfterFirst)
			})
			Convey(`a rule change defeats the skip`, func() {
				r3 := testutil.NewRule(3).Build()
				r3.Conditions = &rules.ConditionRef{Item: "cond-1"}
				So(testutil.SetRulesForTesting(ctx, s, []*rules.Rule{r3}), ShouldBeNil)

				result, err := c.Reload(ctx, Options{})
				So(err, ShouldBeNil)
				So(result.Reloaded, ShouldBeTrue)
				So(result.RulesLoaded, ShouldEqual, 3)
			})
			Convey(`a same-sized rule swap defeats the skip`, func() {
				So(s.DeleteRule(ctx, seeded[1].RuleID), ShouldBeNil)
				r3 := testutil.NewRule(3).Build()
				r3.Conditions = &rules.ConditionRef{Item: "cond-1"}
				So(testutil.SetRulesForTesting(ctx, s, []*rules.Rule{r3}), ShouldBeNil)

				result, err := c.Reload(ctx, Options{})
				So(err, ShouldBeNil)
				So(result.Reloaded, ShouldBeTrue)
				So(result.RulesLoaded, ShouldEqual, 2)
			})
		})
		Convey(`validation aborts before the registry is touched`, func() {
			bad := testutil.NewRule(3).WithConditions(&rules.ConditionRef{Item: "cond-99"}).Build()
			So(testutil.SetRulesForTesting(ctx, s, []*rules.Rule{bad}), ShouldBeNil)

			result, err := c.Reload(ctx, Options{Validate: true})
			So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeValidationError)
			So(err.Error(), ShouldContainSubstring, bad.RuleName)
			So(result.Validation, ShouldNotBeEmpty)
			So(reg.Version(), ShouldEqual, 0)
		})
		Convey(`valid rules pass validation and load`, func() {
			result, err := c.Reload(ctx, Options{Validate: true})
			So(err, ShouldBeNil)
			So(result.Reloaded, ShouldBeTrue)
			So(len(result.Validation), ShouldEqual, 2)
			So(result.Validation[0].Valid, ShouldBeTrue)
		})
		Convey(`ruleset-scoped reload leaves other rulesets alone`, func() {
			_, err := c.Reload(ctx, Options{})
			So(err, ShouldBeNil)

			other := testutil.NewRuleset("rs-other", "other", false)
			So(s.UpsertRuleset(ctx, other), ShouldBeNil)
			r3 := testutil.NewRule(3).WithRuleset("rs-other").Build()
			r3.Conditions = &rules.ConditionRef{Item: "cond-1"}
			So(testutil.SetRulesForTesting(ctx, s, []*rules.Rule{r3}), ShouldBeNil)

			result, err := c.Reload(ctx, Options{RulesetID: "rs-other"})
			So(err, ShouldBeNil)
			So(result.RulesetsLoaded, ShouldEqual, 1)
			So(result.RulesLoaded, ShouldEqual, 1)

			snap := reg.Snapshot()
			So(len(snap.Prepared(testutil.TestRulesetID)), ShouldEqual, 2)
			So(len(snap.Prepared("rs-other")), ShouldEqual, 1)
		})

		Convey(`rule-scoped reload`, func() {
			_, err := c.Reload(ctx, Options{})
			So(err, ShouldBeNil)
			target := seeded[0]

			Convey(`refreshes the rule in place`, func() {
				got, err := s.GetRule(ctx, target.RuleID)
				So(err, ShouldBeNil)
				updated := *got
				updated.RulePoint = 77
				So(s.UpsertRule(ctx, &updated), ShouldBeNil)

				result, err := c.Reload(ctx, Options{RuleID: target.RuleID})
				So(err, ShouldBeNil)
				So(result.RulesLoaded, ShouldEqual, 1)

				fresh, ok := reg.Snapshot().Rule(target.RuleID)
				So(ok, ShouldBeTrue)
				So(fresh.RulePoint, ShouldEqual, 77)
			})
			Convey(`removes a deactivated rule`, func() {
				got, err := s.GetRule(ctx, target.RuleID)
				So(err, ShouldBeNil)
				updated := *got
				updated.Status = rules.StatusInactive
				So(s.UpsertRule(ctx, &updated), ShouldBeNil)

				result, err := c.Reload(ctx, Options{RuleID: target.RuleID})
				So(err, ShouldBeNil)
				So(result.RulesLoaded, ShouldEqual, 0)

				_, ok := reg.Snapshot().Rule(target.RuleID)
				So(ok, ShouldBeFalse)
			})
			Convey(`removes a deleted rule`, func() {
				So(s.DeleteRule(ctx, target.RuleID), ShouldBeNil)

				_, err := c.Reload(ctx, Options{RuleID: target.RuleID})
				So(err, ShouldBeNil)

				_, ok := reg.Snapshot().Rule(target.RuleID)
				So(ok, ShouldBeFalse)
			})
		})

		Convey(`Status reflects controller state`, func() {
			_, err := c.Reload(ctx, Options{})
			So(err, ShouldBeNil)

			status := c.Status(ctx)
			So(status.MonitoringActive, ShouldBeFalse)
			So(status.AutoReloadEnabled, ShouldBeTrue)
			So(status.IntervalSeconds, ShouldEqual, DefaultInterval.Seconds())
			So(status.ReloadCount, ShouldEqual, 1)
			So(status.Registry.RuleCount, ShouldEqual, 2)
			So(status.LastReload, ShouldEqual, testclock.TestRecentTimeUTC)
		})
	})
}

func TestValidateFrom(t *testing.T) {
	Convey(`ValidateFrom`, t, func() {
		ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		s := memstore.New()
		seedStore(ctx, s)

		Convey(`database source`, func() {
			report, err := ValidateFrom(ctx, source.NewStoreSource(s))
			So(err, ShouldBeNil)
			So(report.Source, ShouldEqual, "database")
			So(report.TotalRules, ShouldEqual, 2)
			So(report.InvalidRules, ShouldEqual, 0)
		})
		Convey(`invalid rules are counted, not fatal`, func() {
			bad := testutil.NewRule(3).WithConditions(&rules.ConditionRef{Item: "cond-99"}).Build()
			So(testutil.SetRulesForTesting(ctx, s, []*rules.Rule{bad}), ShouldBeNil)

			report, err := ValidateFrom(ctx, source.NewStoreSource(s))
			So(err, ShouldBeNil)
			So(report.TotalRules, ShouldEqual, 3)
			So(report.InvalidRules, ShouldEqual, 1)
		})
	})
}
