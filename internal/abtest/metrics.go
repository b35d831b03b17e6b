package abtest

import (
	"context"

	"go.chromium.org/luci/common/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// VariantMetrics aggregates the execution outcomes of one variant.
type VariantMetrics struct {
	TotalExecutions      int64   `json:"totalExecutions"`
	SuccessfulExecutions int64   `json:"successfulExecutions"`
	FailedExecutions     int64   `json:"failedExecutions"`
	SuccessRate          float64 `json:"successRate"`
	AvgExecutionTimeMS   float64 `json:"avgExecutionTimeMs"`
	AvgTotalPoints       float64 `json:"avgTotalPoints"`
	Assignments          int64   `json:"assignments"`
	MinSampleMet         bool    `json:"minSampleMet"`
}

// TestMetrics is the aggregated outcome of a test.
type TestMetrics struct {
	TestID   string          `json:"testId"`
	VariantA *VariantMetrics `json:"variantA"`
	VariantB *VariantMetrics `json:"variantB"`
	// Significance is 1−p for the 2×2 variant×success contingency
	// table, as a decimal in [0, 1]. Zero when either variant has no
	// executions.
	Significance float64 `json:"significance"`
	// MinSampleMet reports whether both variants reached the test's
	// minimum sample size.
	MinSampleMet bool `json:"minSampleMet"`
}

// Metrics aggregates per-variant outcome metrics from the execution
// logs tagged with the test.
func (r *Router) Metrics(ctx context.Context, testID string) (*TestMetrics, error) {
	t, err := r.Get(ctx, testID)
	if err != nil {
		return nil, err
	}
	assignments, err := r.store.CountAssignments(ctx, testID)
	if err != nil {
		return nil, errors.Annotate(err, "counting assignments").Err()
	}

	a, err := r.variantMetrics(ctx, t, rules.VariantA, assignments[rules.VariantA])
	if err != nil {
		return nil, err
	}
	b, err := r.variantMetrics(ctx, t, rules.VariantB, assignments[rules.VariantB])
	if err != nil {
		return nil, err
	}

	return &TestMetrics{
		TestID:       testID,
		VariantA:     a,
		VariantB:     b,
		Significance: significance(a, b),
		MinSampleMet: a.MinSampleMet && b.MinSampleMet,
	}, nil
}

func (r *Router) variantMetrics(ctx context.Context, t *rules.ABTest, v rules.Variant, assignments int64) (*VariantMetrics, error) {
	logs, err := r.store.QueryExecutionLogs(ctx, store.LogQuery{
		ABTestID: t.TestID,
		Variant:  v,
	})
	if err != nil {
		return nil, errors.Annotate(err, "querying logs for variant %s", v).Err()
	}

	m := &VariantMetrics{Assignments: assignments}
	var totalTime, totalPoints float64
	for _, l := range logs {
		m.TotalExecutions++
		if l.Success {
			m.SuccessfulExecutions++
		} else {
			m.FailedExecutions++
		}
		totalTime += l.ExecutionTimeMS
		totalPoints += l.TotalPoints
	}
	if m.TotalExecutions > 0 {
		n := float64(m.TotalExecutions)
		m.SuccessRate = float64(m.SuccessfulExecutions) / n
		m.AvgExecutionTimeMS = totalTime / n
		m.AvgTotalPoints = totalPoints / n
	}
	m.MinSampleMet = m.TotalExecutions >= t.MinSampleSize
	return m, nil
}

// significance computes 1−p for the 2×2 variant×success table using
// a one-degree-of-freedom χ² statistic.
func significance(a, b *VariantMetrics) float64 {
	aS := float64(a.SuccessfulExecutions)
	aF := float64(a.FailedExecutions)
	bS := float64(b.SuccessfulExecutions)
	bF := float64(b.FailedExecutions)

	n := aS + aF + bS + bF
	if n == 0 || aS+aF == 0 || bS+bF == 0 {
		return 0
	}
	successes := aS + bS
	failures := aF + bF
	if successes == 0 || failures == 0 {
		// Degenerate table: no variation in outcome.
		return 0
	}

	expected := func(row, col float64) float64 { return row * col / n }
	chi2 := 0.0
	for _, cell := range []struct{ observed, row, col float64 }{
		{aS, aS + aF, successes},
		{aF, aS + aF, failures},
		{bS, bS + bF, successes},
		{bF, bS + bF, failures},
	} {
		e := expected(cell.row, cell.col)
		d := cell.observed - e
		chi2 += d * d / e
	}

	dist := distuv.ChiSquared{K: 1}
	return dist.CDF(chi2)
}
