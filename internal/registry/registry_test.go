package registry

import (
	"context"
	"testing"

	"go.chromium.org/luci/common/clock/testclock"

	"github.com/khoantd/rule-engine-sub000/internal/compile"
	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func testFixture() ([]*rules.Rule, []*compile.PreparedRule, []*rules.Condition) {
	conditions := []*rules.Condition{
		testutil.NewCondition(1, "status", rules.OpEqual, "open"),
		testutil.NewCondition(2, "priority", rules.OpGreaterThan, "10"),
	}
	r1 := testutil.NewRule(1).Build()
	r2 := testutil.NewRule(2).Build()
	r2.Conditions = &rules.ConditionRef{Item: "cond-2"}
	ruleList := []*rules.Rule{r1, r2}
	prepared, err := compile.Compile(ruleList, conditions)
	So(err, ShouldBeNil)
	return ruleList, prepared, conditions
}

func TestRegistry(t *testing.T) {
	Convey(`Registry`, t, func() {
		ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		reg := New()
		ruleset := testutil.NewRuleset(testutil.TestRulesetID, "default", true)

		Convey(`starts empty at version 0`, func() {
			So(reg.Version(), ShouldEqual, 0)
			stats := reg.GetStats()
			So(stats.RuleCount, ShouldEqual, 0)
			So(stats.RulesetCount, ShouldEqual, 0)
		})
		Convey(`AddRuleset installs rules, prepared forms and actionset`, func() {
			ruleList, prepared, _ := testFixture()
			actionset := []*rules.ActionsetEntry{
				{RulesetID: testutil.TestRulesetID, PatternKey: "AA", ActionRecommendation: "approve"},
			}
			reg.AddRuleset(ctx, ruleset, ruleList, prepared, actionset)

			snap := reg.Snapshot()
			So(snap.Version(), ShouldEqual, 1)
			So(len(snap.Prepared(testutil.TestRulesetID)), ShouldEqual, 2)
			So(snap.Actionset(testutil.TestRulesetID)["AA"], ShouldEqual, "approve")

			got, ok := snap.Rule(ruleList[0].RuleID)
			So(ok, ShouldBeTrue)
			So(got.RuleName, ShouldEqual, ruleList[0].RuleName)
		})
		Convey(`every write bumps the version`, func() {
			ruleList, prepared, _ := testFixture()
			reg.AddRuleset(ctx, ruleset, ruleList, prepared, nil)
			So(reg.Version(), ShouldEqual, 1)
			reg.RemoveRule(ctx, ruleList[0].RuleID)
			So(reg.Version(), ShouldEqual, 2)
			reg.Clear(ctx)
			So(reg.Version(), ShouldEqual, 3)
		})
		Convey(`snapshots are isolated from later writes`, func() {
			ruleList, prepared, _ := testFixture()
			reg.AddRuleset(ctx, ruleset, ruleList, prepared, nil)
			before := reg.Snapshot()

			reg.RemoveRule(ctx, ruleList[0].RuleID)

			_, ok := before.Rule(ruleList[0].RuleID)
			So(ok, ShouldBeTrue)
			_, ok = reg.Snapshot().Rule(ruleList[0].RuleID)
			So(ok, ShouldBeFalse)
		})
		Convey(`UpdateRule replaces the prepared form in place`, func() {
			ruleList, prepared, conditions := testFixture()
			reg.AddRuleset(ctx, ruleset, ruleList, prepared, nil)

			updated := testutil.NewRule(1).WithPoints(50, 2).Build()
			updated.ID = 99
			p, err := compile.CompileRule(updated, compile.NewConditionIndex(conditions))
			So(err, ShouldBeNil)
			reg.UpdateRule(ctx, updated, p)

			snap := reg.Snapshot()
			So(len(snap.Prepared(testutil.TestRulesetID)), ShouldEqual, 2)
			got, ok := snap.Rule(updated.RuleID)
			So(ok, ShouldBeTrue)
			So(got.RulePoint, ShouldEqual, 50)
		})
		Convey(`version trail records row IDs in order, deduplicated`, func() {
			ruleList, prepared, conditions := testFixture()
			r := ruleList[0]
			r.ID = 1
			p, err := compile.CompileRule(r, compile.NewConditionIndex(conditions))
			So(err, ShouldBeNil)
			_ = prepared

			reg.AddRule(ctx, r, p)
			reg.UpdateRule(ctx, r, p)

			next := *r
			next.ID = 7
			reg.UpdateRule(ctx, &next, p)

			So(reg.VersionTrail(r.RuleID), ShouldResemble, []int64{1, 7})
		})
		Convey(`ReplaceAll swaps the whole registry atomically`, func() {
			ruleList, prepared, conditions := testFixture()
			reg.AddRuleset(ctx, ruleset, ruleList, prepared, nil)

			other := testutil.NewRuleset("rs-other", "other", false)
			otherRule := testutil.NewRule(3).WithRuleset("rs-other").Build()
			otherPrepared, err := compile.Compile([]*rules.Rule{otherRule}, conditions)
			So(err, ShouldBeNil)

			reg.ReplaceAll(ctx,
				[]*rules.Ruleset{other},
				map[string][]*rules.Rule{"rs-other": {otherRule}},
				map[string][]*compile.PreparedRule{"rs-other": otherPrepared},
				map[string][]*rules.ActionsetEntry{},
				conditions,
			)

			snap := reg.Snapshot()
			_, ok := snap.Ruleset(testutil.TestRulesetID)
			So(ok, ShouldBeFalse)
			_, ok = snap.Ruleset("rs-other")
			So(ok, ShouldBeTrue)
			So(snap.LastReload(), ShouldEqual, testclock.TestRecentTimeUTC)
			So(len(snap.Conditions()), ShouldEqual, 2)
		})
		Convey(`DefaultRuleset prefers the active default`, func() {
			ruleList, prepared, _ := testFixture()
			reg.AddRuleset(ctx, testutil.NewRuleset("rs-a", "aaa", false), nil, nil, nil)
			reg.AddRuleset(ctx, ruleset, ruleList, prepared, nil)

			rs, ok := reg.Snapshot().DefaultRuleset()
			So(ok, ShouldBeTrue)
			So(rs.RulesetID, ShouldEqual, testutil.TestRulesetID)
		})
		Convey(`DefaultRuleset falls back to the first active by name`, func() {
			reg.AddRuleset(ctx, testutil.NewRuleset("rs-b", "bbb", false), nil, nil, nil)
			reg.AddRuleset(ctx, testutil.NewRuleset("rs-a", "aaa", false), nil, nil, nil)

			rs, ok := reg.Snapshot().DefaultRuleset()
			So(ok, ShouldBeTrue)
			So(rs.RulesetID, ShouldEqual, "rs-a")
		})

		Convey(`subscriptions`, func() {
			ruleList, prepared, _ := testFixture()

			Convey(`callbacks observe events`, func() {
				var got []Event
				unsubscribe := reg.Subscribe(func(e Event) { got = append(got, e) })
				defer unsubscribe()

				reg.AddRuleset(ctx, ruleset, ruleList, prepared, nil)
				So(len(got), ShouldEqual, 1)
				So(got[0].Type, ShouldEqual, EventRulesetAdded)
				So(got[0].Payload["ruleset_id"], ShouldEqual, testutil.TestRulesetID)
			})
			Convey(`a panicking callback does not prevent the write`, func() {
				unsubscribe := reg.Subscribe(func(e Event) { panic("boom") })
				defer unsubscribe()

				reg.AddRuleset(ctx, ruleset, ruleList, prepared, nil)
				So(reg.Version(), ShouldEqual, 1)
			})
			Convey(`channel subscribers drop on a full buffer`, func() {
				ch, unsubscribe := reg.SubscribeChan(1)
				defer unsubscribe()

				reg.AddRuleset(ctx, ruleset, ruleList, prepared, nil)
				reg.Clear(ctx)
				So(reg.DroppedNotifications(), ShouldEqual, 1)

				e := <-ch
				So(e.Type, ShouldEqual, EventRulesetAdded)
			})
			Convey(`unsubscribe stops delivery`, func() {
				calls := 0
				unsubscribe := reg.Subscribe(func(e Event) { calls++ })
				reg.Clear(ctx)
				unsubscribe()
				reg.Clear(ctx)
				So(calls, ShouldEqual, 1)
			})
		})
	})
}
