package abtest

import (
	"context"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/rules/ruleerror"
	"github.com/khoantd/rule-engine-sub000/internal/store/memstore"
	"github.com/khoantd/rule-engine-sub000/internal/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func TestComputeVariant(t *testing.T) {
	Convey(`ComputeVariant`, t, func() {
		Convey(`deterministic for a given test and key`, func() {
			first := ComputeVariant("test-1", "user:42", 0.5)
			for i := 0; i < 10; i++ {
				So(ComputeVariant("test-1", "user:42", 0.5), ShouldEqual, first)
			}
		})
		Convey(`split boundaries`, func() {
			So(ComputeVariant("test-1", "user:42", 1.0), ShouldEqual, rules.VariantA)
			So(ComputeVariant("test-1", "user:42", 0.0), ShouldEqual, rules.VariantB)
		})
		Convey(`both variants occur at an even split`, func() {
			seen := make(map[rules.Variant]int)
			for i := 0; i < 200; i++ {
				seen[ComputeVariant("test-1", string(rune('a'+i%26))+string(rune('0'+i/26)), 0.5)]++
			}
			So(seen[rules.VariantA], ShouldBeGreaterThan, 0)
			So(seen[rules.VariantB], ShouldBeGreaterThan, 0)
		})
	})
}

func TestKeyFromFacts(t *testing.T) {
	Convey(`KeyFromFacts`, t, func() {
		Convey(`priority fields win over the fact digest`, func() {
			So(KeyFromFacts(map[string]interface{}{
				"customer_id": "c1",
				"user_id":     "u1",
			}), ShouldEqual, "u1")
			So(KeyFromFacts(map[string]interface{}{
				"customer_id": "c1",
				"session_id":  "s1",
			}), ShouldEqual, "s1")
		})
		Convey(`numeric identifiers canonicalize`, func() {
			So(KeyFromFacts(map[string]interface{}{"user_id": 42.0}), ShouldEqual, "42")
		})
		Convey(`fact digest is stable across iteration order`, func() {
			k1 := KeyFromFacts(map[string]interface{}{"amount": 5, "tier": "gold"})
			k2 := KeyFromFacts(map[string]interface{}{"tier": "gold", "amount": 5})
			So(k1, ShouldEqual, k2)
			So(k1, ShouldStartWith, "fact-")

			k3 := KeyFromFacts(map[string]interface{}{"amount": 6, "tier": "gold"})
			So(k3, ShouldNotEqual, k1)
		})
	})
}

func TestLifecycle(t *testing.T) {
	Convey(`Lifecycle`, t, func() {
		ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		s := memstore.New()
		router := NewRouter(s)
		ruleID := testutil.NewRule(1).Build().RuleID

		Convey(`Create accepts drafts only`, func() {
			So(router.Create(ctx, testutil.NewABTest(1, ruleID).Build()), ShouldBeNil)

			running := testutil.NewABTest(2, ruleID).WithStatus(rules.ABTestRunning).Build()
			err := router.Create(ctx, running)
			So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeInvalidTestState)
		})
		Convey(`Create rejects invalid splits`, func() {
			bad := testutil.NewABTest(1, ruleID).Build()
			bad.TrafficSplitB = 0.9
			err := router.Create(ctx, bad)
			So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeValidationError)
		})
		Convey(`Get of an unknown test`, func() {
			_, err := router.Get(ctx, "nonexistent")
			So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeTestNotFound)
		})
		Convey(`Start stamps times and transitions to running`, func() {
			test := testutil.NewABTest(1, ruleID).Build()
			test.DurationHours = 48
			So(router.Create(ctx, test), ShouldBeNil)

			started, err := router.Start(ctx, test.TestID)
			So(err, ShouldBeNil)
			So(started.Status, ShouldEqual, rules.ABTestRunning)
			So(started.StartTime, ShouldEqual, testclock.TestRecentTimeUTC)
			So(started.EndTime, ShouldEqual, testclock.TestRecentTimeUTC.Add(48*time.Hour))

			_, err = router.Start(ctx, test.TestID)
			So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeInvalidTestState)
		})
		Convey(`Stop requires a running test`, func() {
			test := testutil.NewABTest(1, ruleID).Build()
			So(router.Create(ctx, test), ShouldBeNil)

			_, err := router.Stop(ctx, test.TestID, "")
			So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeInvalidTestState)

			_, err = router.Start(ctx, test.TestID)
			So(err, ShouldBeNil)
			stopped, err := router.Stop(ctx, test.TestID, "")
			So(err, ShouldBeNil)
			So(stopped.Status, ShouldEqual, rules.ABTestCompleted)
		})
		Convey(`Stop with a winner persists the significance`, func() {
			test := testutil.NewABTest(1, ruleID).Build()
			So(router.Create(ctx, test), ShouldBeNil)
			_, err := router.Start(ctx, test.TestID)
			So(err, ShouldBeNil)

			var logs []*rules.ExecutionLog
			for i := 0; i < 20; i++ {
				logs = append(logs, &rules.ExecutionLog{
					ABTestID:      test.TestID,
					ABTestVariant: rules.VariantA,
					Success:       i < 18,
				})
				logs = append(logs, &rules.ExecutionLog{
					ABTestID:      test.TestID,
					ABTestVariant: rules.VariantB,
					Success:       i < 8,
				})
			}
			So(s.AppendExecutionLogs(ctx, logs), ShouldBeNil)

			stopped, err := router.Stop(ctx, test.TestID, rules.VariantA)
			So(err, ShouldBeNil)
			So(stopped.WinningVariant, ShouldEqual, rules.VariantA)
			So(stopped.StatisticalSignificance, ShouldBeGreaterThan, 0.95)
		})
		Convey(`Stop rejects an unknown winner`, func() {
			test := testutil.NewABTest(1, ruleID).Build()
			So(router.Create(ctx, test), ShouldBeNil)
			_, err := router.Start(ctx, test.TestID)
			So(err, ShouldBeNil)

			_, err = router.Stop(ctx, test.TestID, "C")
			So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeValidationError)
		})
		Convey(`Delete accepts drafts only`, func() {
			test := testutil.NewABTest(1, ruleID).Build()
			So(router.Create(ctx, test), ShouldBeNil)
			_, err := router.Start(ctx, test.TestID)
			So(err, ShouldBeNil)

			err = router.Delete(ctx, test.TestID)
			So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeInvalidTestState)
		})
	})
}

func TestAssignVariant(t *testing.T) {
	Convey(`AssignVariant`, t, func() {
		ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		s := memstore.New()
		router := NewRouter(s)
		ruleID := testutil.NewRule(1).Build().RuleID

		test := testutil.NewABTest(1, ruleID).Build()
		So(router.Create(ctx, test), ShouldBeNil)
		_, err := router.Start(ctx, test.TestID)
		So(err, ShouldBeNil)

		Convey(`assignment is sticky across calls`, func() {
			first, err := router.AssignVariant(ctx, test.TestID, "user:42")
			So(err, ShouldBeNil)

			for i := 0; i < 10; i++ {
				v, err := router.AssignVariant(ctx, test.TestID, "user:42")
				So(err, ShouldBeNil)
				So(v, ShouldEqual, first)
			}

			a, err := s.GetAssignment(ctx, test.TestID, "user:42")
			So(err, ShouldBeNil)
			So(a.ExecutionCount, ShouldEqual, 11)
		})
		Convey(`non-running tests refuse assignment`, func() {
			_, err := router.Stop(ctx, test.TestID, "")
			So(err, ShouldBeNil)

			_, err = router.AssignVariant(ctx, test.TestID, "user:42")
			So(ruleerror.CodeOf(err), ShouldEqual, ruleerror.CodeInvalidTestState)
		})
		Convey(`a full split assigns everything to one variant`, func() {
			allA := testutil.NewABTest(2, ruleID).WithSplit(1.0).Build()
			So(router.Create(ctx, allA), ShouldBeNil)
			_, err := router.Start(ctx, allA.TestID)
			So(err, ShouldBeNil)

			for _, key := range []string{"u1", "u2", "u3"} {
				v, err := router.AssignVariant(ctx, allA.TestID, key)
				So(err, ShouldBeNil)
				So(v, ShouldEqual, rules.VariantA)
			}
		})
	})
}

func TestMetricsAggregation(t *testing.T) {
	Convey(`Metrics`, t, func() {
		ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		s := memstore.New()
		router := NewRouter(s)
		ruleID := testutil.NewRule(1).Build().RuleID

		test := testutil.NewABTest(1, ruleID).Build()
		So(router.Create(ctx, test), ShouldBeNil)

		Convey(`no executions`, func() {
			m, err := router.Metrics(ctx, test.TestID)
			So(err, ShouldBeNil)
			So(m.VariantA.TotalExecutions, ShouldEqual, 0)
			So(m.Significance, ShouldEqual, 0)
			So(m.MinSampleMet, ShouldBeFalse)
		})
		Convey(`aggregates per variant`, func() {
			So(s.AppendExecutionLogs(ctx, []*rules.ExecutionLog{
				{ABTestID: test.TestID, ABTestVariant: rules.VariantA, Success: true, ExecutionTimeMS: 2, TotalPoints: 10},
				{ABTestID: test.TestID, ABTestVariant: rules.VariantA, Success: false, ExecutionTimeMS: 4, TotalPoints: 20},
				{ABTestID: test.TestID, ABTestVariant: rules.VariantB, Success: true, ExecutionTimeMS: 6, TotalPoints: 30},
			}), ShouldBeNil)
			So(s.InsertAssignment(ctx, &rules.TestAssignment{ABTestID: test.TestID, AssignmentKey: "u1", Variant: rules.VariantA}), ShouldBeNil)

			m, err := router.Metrics(ctx, test.TestID)
			So(err, ShouldBeNil)
			So(m.VariantA.TotalExecutions, ShouldEqual, 2)
			So(m.VariantA.SuccessfulExecutions, ShouldEqual, 1)
			So(m.VariantA.SuccessRate, ShouldEqual, 0.5)
			So(m.VariantA.AvgExecutionTimeMS, ShouldEqual, 3)
			So(m.VariantA.AvgTotalPoints, ShouldEqual, 15)
			So(m.VariantA.Assignments, ShouldEqual, 1)
			So(m.VariantB.TotalExecutions, ShouldEqual, 1)
			So(m.MinSampleMet, ShouldBeFalse)
		})
		Convey(`a uniform outcome has zero significance`, func() {
			So(s.AppendExecutionLogs(ctx, []*rules.ExecutionLog{
				{ABTestID: test.TestID, ABTestVariant: rules.VariantA, Success: true},
				{ABTestID: test.TestID, ABTestVariant: rules.VariantB, Success: true},
			}), ShouldBeNil)

			m, err := router.Metrics(ctx, test.TestID)
			So(err, ShouldBeNil)
			So(m.Significance, ShouldEqual, 0)
		})
	})
}
