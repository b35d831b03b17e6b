package spanstore

import (
	"context"

	"cloud.google.com/go/spanner"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/server/span"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// AppendExecutionLogs implements store.LogStore.
func (s *Store) AppendExecutionLogs(ctx context.Context, logs []*rules.ExecutionLog) error {
	ms := make([]*spanner.Mutation, 0, len(logs))
	for _, l := range logs {
		inputJSON, err := toJSON(l.InputData)
		if err != nil {
			return err
		}
		outputJSON, err := toJSON(l.OutputData)
		if err != nil {
			return err
		}
		ms = append(ms, spanner.InsertMap("ExecutionLogs", map[string]interface{}{
			"ExecutionId":     l.ExecutionID,
			"RulesetId":       l.RulesetID,
			"InputJson":       inputJSON,
			"OutputJson":      outputJSON,
			"TotalPoints":     l.TotalPoints,
			"PatternResult":   l.PatternResult,
			"ExecutionTimeMs": l.ExecutionTimeMS,
			"Success":         l.Success,
			"ABTestId":        l.ABTestID,
			"ABTestVariant":   string(l.ABTestVariant),
			"Timestamp":       l.Timestamp,
		}))
	}
	return s.write(ctx, ms...)
}

// QueryExecutionLogs implements store.LogStore.
func (s *Store) QueryExecutionLogs(ctx context.Context, q store.LogQuery) ([]*rules.ExecutionLog, error) {
	sql := `
		SELECT ExecutionId, RulesetId, InputJson, OutputJson, TotalPoints,
		  PatternResult, ExecutionTimeMs, Success, ABTestId, ABTestVariant,
		  Timestamp
		FROM ExecutionLogs
		WHERE (@testID = '' OR ABTestId = @testID)
		  AND (@variant = '' OR ABTestVariant = @variant)
	`
	params := map[string]interface{}{
		"testID":  q.ABTestID,
		"variant": string(q.Variant),
	}
	if !q.Since.IsZero() {
		sql += ` AND Timestamp >= @since`
		params["since"] = q.Since
	}
	if !q.Until.IsZero() {
		sql += ` AND Timestamp <= @until`
		params["until"] = q.Until
	}
	sql += ` ORDER BY Timestamp`
	if q.Limit > 0 {
		sql += ` LIMIT @limit`
		params["limit"] = int64(q.Limit)
	}
	stmt := spanner.NewStatement(sql)
	stmt.Params = params

	var out []*rules.ExecutionLog
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		var l rules.ExecutionLog
		var inputJSON, outputJSON, testID, variant spanner.NullString
		err := row.Columns(&l.ExecutionID, &l.RulesetID, &inputJSON, &outputJSON,
			&l.TotalPoints, &l.PatternResult, &l.ExecutionTimeMS, &l.Success,
			&testID, &variant, &l.Timestamp)
		if err != nil {
			return errors.Annotate(err, "read execution log row").Err()
		}
		if err := fromJSON(inputJSON, &l.InputData); err != nil {
			return err
		}
		if err := fromJSON(outputJSON, &l.OutputData); err != nil {
			return err
		}
		l.ABTestID = testID.StringVal
		l.ABTestVariant = rules.Variant(variant.StringVal)
		out = append(out, &l)
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query execution logs").Err()
	}
	return out, nil
}

// IncrementRuleExecution implements store.LogStore.
func (s *Store) IncrementRuleExecution(ctx context.Context, consumerID, ruleID string) error {
	return s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		count, err := s.RuleExecutionCount(ctx, consumerID, ruleID)
		if err != nil {
			return err
		}
		return s.write(ctx, spanner.InsertOrUpdateMap("RuleExecutionCounters", map[string]interface{}{
			"ConsumerId":     consumerID,
			"RuleId":         ruleID,
			"ExecutionCount": count + 1,
		}))
	})
}

// RuleExecutionCount implements store.LogStore.
func (s *Store) RuleExecutionCount(ctx context.Context, consumerID, ruleID string) (int64, error) {
	stmt := spanner.NewStatement(`
		SELECT ExecutionCount
		FROM RuleExecutionCounters
		WHERE ConsumerId = @consumerID AND RuleId = @ruleID
	`)
	stmt.Params = map[string]interface{}{
		"consumerID": consumerID,
		"ruleID":     ruleID,
	}
	var count int64
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		return row.Columns(&count)
	})
	if err != nil {
		return 0, errors.Annotate(err, "query execution count (%s, %s)", consumerID, ruleID).Err()
	}
	return count, nil
}
