package memstore

import (
	"context"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// AppendExecutionLogs implements store.LogStore.
func (s *Store) AppendExecutionLogs(ctx context.Context, logs []*rules.ExecutionLog) error {
	defer s.enter(ctx)()
	for _, l := range logs {
		cp := *l
		s.state.logs = append(s.state.logs, &cp)
	}
	return nil
}

// QueryExecutionLogs implements store.LogStore. Results are in
// append order.
func (s *Store) QueryExecutionLogs(ctx context.Context, q store.LogQuery) ([]*rules.ExecutionLog, error) {
	defer s.enter(ctx)()
	var out []*rules.ExecutionLog
	for _, l := range s.state.logs {
		if !q.Since.IsZero() && l.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && l.Timestamp.After(q.Until) {
			continue
		}
		if q.ABTestID != "" && l.ABTestID != q.ABTestID {
			continue
		}
		if q.Variant != "" && l.ABTestVariant != q.Variant {
			continue
		}
		out = append(out, l)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// IncrementRuleExecution implements store.LogStore.
func (s *Store) IncrementRuleExecution(ctx context.Context, consumerID, ruleID string) error {
	defer s.enter(ctx)()
	s.state.counters[counterKey{consumerID, ruleID}]++
	return nil
}

// RuleExecutionCount implements store.LogStore.
func (s *Store) RuleExecutionCount(ctx context.Context, consumerID, ruleID string) (int64, error) {
	defer s.enter(ctx)()
	return s.state.counters[counterKey{consumerID, ruleID}], nil
}
