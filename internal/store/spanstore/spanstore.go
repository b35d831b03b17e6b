// Package spanstore provides the Cloud Spanner RuleStore
// implementation.
//
// Expected schema, in the order the read statements select columns:
//
//	Rules(RuleId STRING(32), RulesetId, RuleName, Priority INT64,
//	  RulePoint INT64, Weight FLOAT64, ActionResult, Status, Mode,
//	  ConditionsJson, Attribute, ConditionOp, Constant, Message,
//	  Id INT64, Version INT64, CreationTime, LastUpdated TIMESTAMP)
//	Rulesets(RulesetId, Name, Version INT64, Status, IsDefault BOOL,
//	  CreationTime, LastUpdated TIMESTAMP)
//	Conditions(ConditionId, Attribute, Operator, Value)
//	ActionsetEntries(RulesetId, PatternKey, ActionRecommendation,
//	  PatternId)
//	Attributes(AttributeId, Name, DataType, Status)
//	Consumers(ConsumerId, Name, Status)
//	RuleVersions(RuleId, VersionNumber INT64, Id INT64,
//	  IsCurrent BOOL, ChangeReason, SnapshotJson, CreationTime)
//	ABTests(TestId, TestJson, Status, CreationTime, LastUpdated)
//	TestAssignments(ABTestId, AssignmentKey, Variant,
//	  ExecutionCount INT64, LastExecutionAt)
//	ExecutionLogs(ExecutionId, RulesetId, InputJson, OutputJson,
//	  TotalPoints FLOAT64, PatternResult, ExecutionTimeMs FLOAT64,
//	  Success BOOL, ABTestId, ABTestVariant, Timestamp)
//	RuleExecutionCounters(ConsumerId, RuleId, ExecutionCount INT64)
package spanstore

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/spanner"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/server/span"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// Store is the Spanner-backed RuleStore. It carries no state of its
// own; the Spanner client travels in the context per the server
// conventions.
type Store struct{}

var _ store.Store = (*Store)(nil)

// New initialises a Spanner store.
func New() *Store {
	return &Store{}
}

type txnKeyType struct{}

var txnKey txnKeyType

func inTxn(ctx context.Context) bool {
	return ctx.Value(txnKey) != nil
}

// ReadWriteTransaction implements store.Store. Nested calls join the
// outer transaction.
func (s *Store) ReadWriteTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTxn(ctx) {
		return fn(ctx)
	}
	_, err := span.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		return fn(context.WithValue(ctx, txnKey, true))
	})
	return err
}

// read returns a context suitable for reads: the transaction's own
// context inside a transaction, a single-use read-only transaction
// otherwise.
func (s *Store) read(ctx context.Context) context.Context {
	if inTxn(ctx) {
		return ctx
	}
	return span.Single(ctx)
}

// write buffers mutations into the ambient transaction, opening a
// one-shot transaction when there is none.
func (s *Store) write(ctx context.Context, ms ...*spanner.Mutation) error {
	if inTxn(ctx) {
		span.BufferWrite(ctx, ms...)
		return nil
	}
	_, err := span.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		span.BufferWrite(ctx, ms...)
		return nil
	})
	return err
}

func toJSON(v interface{}) (string, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return "", errors.Annotate(err, "encoding json column").Err()
	}
	return string(blob), nil
}

func fromJSON(blob spanner.NullString, v interface{}) error {
	if !blob.Valid || blob.StringVal == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(blob.StringVal), v); err != nil {
		return errors.Annotate(err, "decoding json column").Err()
	}
	return nil
}

const ruleColumns = `RuleId, RulesetId, RuleName, Priority, RulePoint, Weight,
	  ActionResult, Status, Mode, ConditionsJson, Attribute, ConditionOp,
	  Constant, Message, Id, Version, CreationTime, LastUpdated`

func scanRule(row *spanner.Row) (*rules.Rule, error) {
	var r rules.Rule
	var status, mode, conditionOp string
	var conditionsJSON spanner.NullString
	var attribute, constant, message spanner.NullString
	err := row.Columns(
		&r.RuleID, &r.RulesetID, &r.RuleName, &r.Priority, &r.RulePoint, &r.Weight,
		&r.ActionResult, &status, &mode, &conditionsJSON, &attribute, &conditionOp,
		&constant, &message, &r.ID, &r.Version, &r.CreationTime, &r.LastUpdated,
	)
	if err != nil {
		return nil, errors.Annotate(err, "read rule row").Err()
	}
	r.Status = rules.Status(status)
	r.Attribute = attribute.StringVal
	r.Condition = rules.Operator(conditionOp)
	r.Constant = constant.StringVal
	r.Message = message.StringVal
	if conditionsJSON.Valid && conditionsJSON.StringVal != "" {
		ref := &rules.ConditionRef{}
		if err := fromJSON(conditionsJSON, ref); err != nil {
			return nil, err
		}
		if mode != "" {
			ref.Mode = rules.Mode(mode)
		}
		r.Conditions = ref
	}
	return &r, nil
}

// ListActiveRules implements store.RuleReader.
func (s *Store) ListActiveRules(ctx context.Context, f store.Filter) ([]*rules.Rule, error) {
	stmt := spanner.NewStatement(`
		SELECT ` + ruleColumns + `
		FROM Rules
		WHERE Status = @active
		  AND (@rulesetID = '' OR RulesetId = @rulesetID)
		  AND (@ruleID = '' OR RuleId = @ruleID)
		ORDER BY Priority, RuleId
	`)
	stmt.Params = map[string]interface{}{
		"active":    string(rules.StatusActive),
		"rulesetID": f.RulesetID,
		"ruleID":    f.RuleID,
	}
	var out []*rules.Rule
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		r, err := scanRule(row)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query active rules").Err()
	}
	return out, nil
}

// GetRule implements store.RuleReader.
func (s *Store) GetRule(ctx context.Context, ruleID string) (*rules.Rule, error) {
	stmt := spanner.NewStatement(`
		SELECT ` + ruleColumns + `
		FROM Rules
		WHERE RuleId = @ruleID
	`)
	stmt.Params = map[string]interface{}{"ruleID": ruleID}
	var out *rules.Rule
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		r, err := scanRule(row)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query rule %s", ruleID).Err()
	}
	if out == nil {
		return nil, store.ErrNotFound
	}
	return out, nil
}

// UpsertRule implements store.RuleWriter. Every write assigns a new
// row ID and bumps the version; RuleId is the stable identity.
func (s *Store) UpsertRule(ctx context.Context, r *rules.Rule) error {
	if err := rules.ValidateRule(r); err != nil {
		return err
	}
	return s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		now := clock.Now(ctx)
		cp := *r
		existing, err := s.GetRule(ctx, r.RuleID)
		switch {
		case err == store.ErrNotFound:
			cp.CreationTime = now
			if cp.Version == 0 {
				cp.Version = 1
			}
		case err != nil:
			return err
		default:
			cp.CreationTime = existing.CreationTime
			cp.Version = existing.Version + 1
		}
		cp.ID = now.UnixNano()
		cp.LastUpdated = now

		var conditionsJSON, mode string
		if cp.Conditions != nil {
			if conditionsJSON, err = toJSON(cp.Conditions); err != nil {
				return err
			}
			mode = string(cp.Conditions.Mode)
		}
		m := spanner.InsertOrUpdateMap("Rules", map[string]interface{}{
			"RuleId":         cp.RuleID,
			"RulesetId":      cp.RulesetID,
			"RuleName":       cp.RuleName,
			"Priority":       cp.Priority,
			"RulePoint":      cp.RulePoint,
			"Weight":         cp.Weight,
			"ActionResult":   cp.ActionResult,
			"Status":         string(cp.Status),
			"Mode":           mode,
			"ConditionsJson": conditionsJSON,
			"Attribute":      cp.Attribute,
			"ConditionOp":    string(cp.Condition),
			"Constant":       cp.Constant,
			"Message":        cp.Message,
			"Id":             cp.ID,
			"Version":        cp.Version,
			"CreationTime":   cp.CreationTime,
			"LastUpdated":    spanner.CommitTimestamp,
		})
		if err := s.write(ctx, m); err != nil {
			return err
		}
		*r = cp
		return nil
	})
}

// DeleteRule implements store.RuleWriter.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	return s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.GetRule(ctx, ruleID); err != nil {
			return err
		}
		return s.write(ctx, spanner.Delete("Rules", spanner.Key{ruleID}))
	})
}

// ListActiveRulesets implements store.RuleReader.
func (s *Store) ListActiveRulesets(ctx context.Context, f store.Filter) ([]*rules.Ruleset, error) {
	stmt := spanner.NewStatement(`
		SELECT RulesetId, Name, Version, Status, IsDefault,
		  CreationTime, LastUpdated
		FROM Rulesets
		WHERE Status = @active
		  AND (@rulesetID = '' OR RulesetId = @rulesetID)
		ORDER BY Name
	`)
	stmt.Params = map[string]interface{}{
		"active":    string(rules.StatusActive),
		"rulesetID": f.RulesetID,
	}
	var out []*rules.Ruleset
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		var rs rules.Ruleset
		var status string
		err := row.Columns(&rs.RulesetID, &rs.Name, &rs.Version, &status,
			&rs.IsDefault, &rs.CreationTime, &rs.LastUpdated)
		if err != nil {
			return errors.Annotate(err, "read ruleset row").Err()
		}
		rs.Status = rules.Status(status)
		out = append(out, &rs)
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query active rulesets").Err()
	}
	return out, nil
}

// getRuleset reads a ruleset row by ID regardless of status, so
// writes against inactive rulesets see the stored row.
func (s *Store) getRuleset(ctx context.Context, rulesetID string) (*rules.Ruleset, error) {
	stmt := spanner.NewStatement(`
		SELECT RulesetId, Name, Version, Status, IsDefault,
		  CreationTime, LastUpdated
		FROM Rulesets
		WHERE RulesetId = @rulesetID
	`)
	stmt.Params = map[string]interface{}{"rulesetID": rulesetID}
	var out *rules.Ruleset
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		var rs rules.Ruleset
		var status string
		err := row.Columns(&rs.RulesetID, &rs.Name, &rs.Version, &status,
			&rs.IsDefault, &rs.CreationTime, &rs.LastUpdated)
		if err != nil {
			return errors.Annotate(err, "read ruleset row").Err()
		}
		rs.Status = rules.Status(status)
		out = &rs
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query ruleset %s", rulesetID).Err()
	}
	if out == nil {
		return nil, store.ErrNotFound
	}
	return out, nil
}

// UpsertRuleset implements store.RuleWriter.
func (s *Store) UpsertRuleset(ctx context.Context, rs *rules.Ruleset) error {
	if err := rules.ValidateRuleset(rs); err != nil {
		return err
	}
	return s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		now := clock.Now(ctx)
		cp := *rs
		existing, err := s.getRuleset(ctx, rs.RulesetID)
		switch {
		case err == store.ErrNotFound:
			cp.CreationTime = now
			if cp.Version == 0 {
				cp.Version = 1
			}
		case err != nil:
			return err
		default:
			// An inactive ruleset is still the same ruleset: its
			// creation time and version lineage carry over.
			cp.CreationTime = existing.CreationTime
			cp.Version = existing.Version + 1
		}
		cp.LastUpdated = now
		m := spanner.InsertOrUpdateMap("Rulesets", map[string]interface{}{
			"RulesetId":    cp.RulesetID,
			"Name":         cp.Name,
			"Version":      cp.Version,
			"Status":       string(cp.Status),
			"IsDefault":    cp.IsDefault,
			"CreationTime": cp.CreationTime,
			"LastUpdated":  spanner.CommitTimestamp,
		})
		if err := s.write(ctx, m); err != nil {
			return err
		}
		*rs = cp
		return nil
	})
}

// DeleteRuleset implements store.RuleWriter. Deletion cascades to
// the ruleset's rules and actionset entries, whatever their status.
func (s *Store) DeleteRuleset(ctx context.Context, rulesetID string) error {
	return s.ReadWriteTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.getRuleset(ctx, rulesetID); err != nil {
			return err
		}
		stmt := spanner.NewStatement(`
			SELECT RuleId
			FROM Rules
			WHERE RulesetId = @rulesetID
		`)
		stmt.Params = map[string]interface{}{"rulesetID": rulesetID}
		ms := []*spanner.Mutation{
			spanner.Delete("Rulesets", spanner.Key{rulesetID}),
			spanner.Delete("ActionsetEntries", spanner.Key{rulesetID}.AsPrefix()),
		}
		it := span.Query(s.read(ctx), stmt)
		err := it.Do(func(row *spanner.Row) error {
			var ruleID string
			if err := row.Columns(&ruleID); err != nil {
				return errors.Annotate(err, "read rule id row").Err()
			}
			ms = append(ms, spanner.Delete("Rules", spanner.Key{ruleID}))
			return nil
		})
		if err != nil {
			return errors.Annotate(err, "query rules of ruleset %s", rulesetID).Err()
		}
		return s.write(ctx, ms...)
	})
}

// ListConditions implements store.RuleReader.
func (s *Store) ListConditions(ctx context.Context) ([]*rules.Condition, error) {
	stmt := spanner.NewStatement(`
		SELECT ConditionId, Attribute, Operator, Value
		FROM Conditions
		ORDER BY ConditionId
	`)
	var out []*rules.Condition
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		var c rules.Condition
		var op string
		if err := row.Columns(&c.ConditionID, &c.Attribute, &op, &c.Value); err != nil {
			return errors.Annotate(err, "read condition row").Err()
		}
		c.Operator = rules.Operator(op)
		out = append(out, &c)
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query conditions").Err()
	}
	return out, nil
}

// UpsertCondition implements store.RuleWriter.
func (s *Store) UpsertCondition(ctx context.Context, c *rules.Condition) error {
	if err := rules.ValidateCondition(c); err != nil {
		return err
	}
	return s.write(ctx, spanner.InsertOrUpdateMap("Conditions", map[string]interface{}{
		"ConditionId": c.ConditionID,
		"Attribute":   c.Attribute,
		"Operator":    string(c.Operator),
		"Value":       c.Value,
	}))
}

// DeleteCondition implements store.RuleWriter.
func (s *Store) DeleteCondition(ctx context.Context, conditionID string) error {
	return s.write(ctx, spanner.Delete("Conditions", spanner.Key{conditionID}))
}

// ListActionset implements store.RuleReader.
func (s *Store) ListActionset(ctx context.Context, rulesetID string) ([]*rules.ActionsetEntry, error) {
	stmt := spanner.NewStatement(`
		SELECT RulesetId, PatternKey, ActionRecommendation, PatternId
		FROM ActionsetEntries
		WHERE RulesetId = @rulesetID
		ORDER BY PatternKey
	`)
	stmt.Params = map[string]interface{}{"rulesetID": rulesetID}
	var out []*rules.ActionsetEntry
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		var e rules.ActionsetEntry
		var patternID spanner.NullString
		if err := row.Columns(&e.RulesetID, &e.PatternKey, &e.ActionRecommendation, &patternID); err != nil {
			return errors.Annotate(err, "read actionset row").Err()
		}
		e.PatternID = patternID.StringVal
		out = append(out, &e)
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query actionset of %s", rulesetID).Err()
	}
	return out, nil
}

// UpsertActionsetEntry implements store.RuleWriter.
func (s *Store) UpsertActionsetEntry(ctx context.Context, e *rules.ActionsetEntry) error {
	return s.write(ctx, spanner.InsertOrUpdateMap("ActionsetEntries", map[string]interface{}{
		"RulesetId":            e.RulesetID,
		"PatternKey":           e.PatternKey,
		"ActionRecommendation": e.ActionRecommendation,
		"PatternId":            e.PatternID,
	}))
}

// DeleteActionsetEntry implements store.RuleWriter.
func (s *Store) DeleteActionsetEntry(ctx context.Context, rulesetID, patternKey string) error {
	return s.write(ctx, spanner.Delete("ActionsetEntries", spanner.Key{rulesetID, patternKey}))
}

// UpsertAttribute implements store.RuleWriter.
func (s *Store) UpsertAttribute(ctx context.Context, a *rules.Attribute) error {
	return s.write(ctx, spanner.InsertOrUpdateMap("Attributes", map[string]interface{}{
		"AttributeId": a.AttributeID,
		"Name":        a.Name,
		"DataType":    string(a.DataType),
		"Status":      string(a.Status),
	}))
}

// ListAttributes implements store.RuleWriter.
func (s *Store) ListAttributes(ctx context.Context) ([]*rules.Attribute, error) {
	stmt := spanner.NewStatement(`
		SELECT AttributeId, Name, DataType, Status
		FROM Attributes
		ORDER BY AttributeId
	`)
	var out []*rules.Attribute
	it := span.Query(s.read(ctx), stmt)
	err := it.Do(func(row *spanner.Row) error {
		var a rules.Attribute
		var dataType, status string
		if err := row.Columns(&a.AttributeID, &a.Name, &dataType, &status); err != nil {
			return errors.Annotate(err, "read attribute row").Err()
		}
		a.DataType = rules.DataType(dataType)
		a.Status = rules.Status(status)
		out = append(out, &a)
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "query attributes").Err()
	}
	return out, nil
}

// UpsertConsumer implements store.RuleWriter.
func (s *Store) UpsertConsumer(ctx context.Context, c *rules.Consumer) error {
	return s.write(ctx, spanner.InsertOrUpdateMap("Consumers", map[string]interface{}{
		"ConsumerId": c.ConsumerID,
		"Name":       c.Name,
		"Status":     string(c.Status),
	}))
}
