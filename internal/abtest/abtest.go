// Package abtest routes a share of rule evaluations to an alternate
// rule version and accumulates per-variant outcome metrics.
//
// Variant assignment is deterministic: a fixed digest of
// "testID:assignmentKey" buckets the key into [0, 100); keys below
// floor(100 × split_a) take variant A. The digest is stable across
// processes. Once persisted, an assignment is never changed while
// the test is running.
package abtest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/rules/lang"
	"github.com/khoantd/rule-engine-sub000/internal/rules/ruleerror"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// assignmentKeyFields are the fact keys an assignment key is
// derived from, in priority order.
var assignmentKeyFields = []string{"user_id", "session_id", "correlation_id", "customer_id"}

// KeyFromFacts derives a stable assignment key from a fact map:
// the first present priority field, else a digest of the
// canonicalized fact map.
func KeyFromFacts(facts map[string]interface{}) string {
	for _, field := range assignmentKeyFields {
		if v, ok := facts[field]; ok {
			if s := lang.Canonical(v); s != "" {
				return s
			}
		}
	}
	return hashFacts(facts)
}

// hashFacts digests the fact map with sorted keys and canonical
// scalar forms, so equal fact maps hash equally regardless of
// iteration order.
func hashFacts(facts map[string]interface{}) string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, k := range keys {
		_ = enc.Encode(k)
		_ = enc.Encode(lang.Canonical(facts[k]))
	}
	sum := h.Sum(nil)
	return "fact-" + binaryHex(sum[:16])
}

func binaryHex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0f]
	}
	return string(out)
}

// ComputeVariant buckets an assignment key deterministically.
func ComputeVariant(testID, key string, trafficSplitA float64) rules.Variant {
	h := sha256.Sum256([]byte(testID + ":" + key))
	bucket := binary.BigEndian.Uint64(h[:8]) % 100
	if bucket < uint64(math.Floor(100*trafficSplitA)) {
		return rules.VariantA
	}
	return rules.VariantB
}

// Router is the A/B test control surface and assignment path.
type Router struct {
	store store.Store
}

// NewRouter initialises a router over the given store.
func NewRouter(s store.Store) *Router {
	return &Router{store: s}
}

// Get returns a test by ID.
func (r *Router) Get(ctx context.Context, testID string) (*rules.ABTest, error) {
	t, err := r.store.GetABTest(ctx, testID)
	if err == store.ErrNotFound {
		return nil, ruleerror.Newf(ruleerror.Validation, ruleerror.CodeTestNotFound,
			"test %q not found", testID).With("test_id", testID)
	}
	return t, err
}

// List returns every test.
func (r *Router) List(ctx context.Context) ([]*rules.ABTest, error) {
	return r.store.ListABTests(ctx)
}

// Create persists a new test in the draft state.
func (r *Router) Create(ctx context.Context, t *rules.ABTest) error {
	if t != nil && t.Status == "" {
		t.Status = rules.ABTestDraft
	}
	if err := rules.ValidateABTest(t); err != nil {
		return ruleerror.Newf(ruleerror.Validation, ruleerror.CodeValidationError,
			"invalid test: %s", err).With("test_id", t.TestID)
	}
	if t.Status != rules.ABTestDraft {
		return ruleerror.Newf(ruleerror.Validation, ruleerror.CodeInvalidTestState,
			"test %q must be created in the draft state", t.TestID).
			With("test_id", t.TestID).With("status", string(t.Status))
	}
	return r.store.UpsertABTest(ctx, t)
}

// Start transitions a draft test to running and stamps its start
// and scheduled end times.
func (r *Router) Start(ctx context.Context, testID string) (*rules.ABTest, error) {
	t, err := r.Get(ctx, testID)
	if err != nil {
		return nil, err
	}
	if t.Status != rules.ABTestDraft {
		return nil, ruleerror.Newf(ruleerror.Validation, ruleerror.CodeInvalidTestState,
			"only draft tests may be started; test %q is %s", testID, t.Status).
			With("test_id", testID).With("status", string(t.Status))
	}
	now := clock.Now(ctx)
	updated := *t
	updated.Status = rules.ABTestRunning
	updated.StartTime = now
	if updated.DurationHours > 0 {
		updated.EndTime = now.Add(time.Duration(updated.DurationHours) * time.Hour)
	}
	if err := r.store.UpsertABTest(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Stop transitions a running test to completed. If a winning
// variant is declared, the statistical significance of the result
// is computed from the accumulated execution logs and persisted
// with it.
func (r *Router) Stop(ctx context.Context, testID string, winner rules.Variant) (*rules.ABTest, error) {
	t, err := r.Get(ctx, testID)
	if err != nil {
		return nil, err
	}
	if t.Status != rules.ABTestRunning {
		return nil, ruleerror.Newf(ruleerror.Validation, ruleerror.CodeInvalidTestState,
			"only running tests may be stopped; test %q is %s", testID, t.Status).
			With("test_id", testID).With("status", string(t.Status))
	}
	if winner != "" && winner != rules.VariantA && winner != rules.VariantB {
		return nil, ruleerror.Newf(ruleerror.Validation, ruleerror.CodeValidationError,
			"winning variant %q must be A or B", winner).With("test_id", testID)
	}

	updated := *t
	updated.Status = rules.ABTestCompleted
	updated.EndTime = clock.Now(ctx)
	if winner != "" {
		metrics, err := r.Metrics(ctx, testID)
		if err != nil {
			return nil, errors.Annotate(err, "computing significance").Err()
		}
		updated.WinningVariant = winner
		updated.StatisticalSignificance = metrics.Significance
	}
	if err := r.store.UpsertABTest(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes a draft test.
func (r *Router) Delete(ctx context.Context, testID string) error {
	t, err := r.Get(ctx, testID)
	if err != nil {
		return err
	}
	if t.Status != rules.ABTestDraft {
		return ruleerror.Newf(ruleerror.Validation, ruleerror.CodeInvalidTestState,
			"only draft tests may be deleted; test %q is %s", testID, t.Status).
			With("test_id", testID).With("status", string(t.Status))
	}
	return r.store.DeleteABTest(ctx, testID)
}

// AssignVariant returns the variant for the given assignment key,
// creating the assignment on first call. Repeated calls return the
// stored variant and increment its execution count. Racing
// first-time assignments resolve via the store's unique constraint:
// the loser re-reads the winner's row.
func (r *Router) AssignVariant(ctx context.Context, testID, key string) (rules.Variant, error) {
	t, err := r.Get(ctx, testID)
	if err != nil {
		return "", err
	}
	if t.Status != rules.ABTestRunning {
		return "", ruleerror.Newf(ruleerror.Validation, ruleerror.CodeInvalidTestState,
			"test %q is not running", testID).
			With("test_id", testID).With("status", string(t.Status))
	}
	now := clock.Now(ctx)

	if existing, err := r.store.GetAssignment(ctx, testID, key); err == nil {
		if err := r.store.TouchAssignment(ctx, testID, key, now); err != nil {
			return "", err
		}
		return existing.Variant, nil
	} else if err != store.ErrNotFound {
		return "", err
	}

	assignment := &rules.TestAssignment{
		ABTestID:        testID,
		AssignmentKey:   key,
		Variant:         ComputeVariant(testID, key, t.TrafficSplitA),
		ExecutionCount:  1,
		LastExecutionAt: now,
	}
	err = r.store.InsertAssignment(ctx, assignment)
	if err == store.ErrAlreadyExists {
		// Lost a first-time assignment race; the winner's row is
		// authoritative.
		winner, err := r.store.GetAssignment(ctx, testID, key)
		if err != nil {
			return "", err
		}
		if err := r.store.TouchAssignment(ctx, testID, key, now); err != nil {
			return "", err
		}
		return winner.Variant, nil
	}
	if err != nil {
		return "", err
	}
	return assignment.Variant, nil
}
