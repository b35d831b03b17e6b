// Package reload rebuilds the in-process rule registry from the
// rule store: manual full or scoped reloads, pre-reload validation,
// and a background monitor that polls the store for rule changes.
//
// Reloads are serialized by a controller mutex. A failed or aborted
// reload leaves the previous registry snapshot authoritative;
// readers never observe a partially rebuilt registry.
package reload

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/khoantd/rule-engine-sub000/internal/compile"
	"github.com/khoantd/rule-engine-sub000/internal/registry"
	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/rules/ruleerror"
	"github.com/khoantd/rule-engine-sub000/internal/source"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

// DefaultInterval is the monitor poll period when none is
// configured.
const DefaultInterval = 30 * time.Second

// shutdownGrace bounds how long Stop waits for the monitor
// goroutine to exit.
const shutdownGrace = 5 * time.Second

// Options scope one reload.
type Options struct {
	// RulesetID limits the reload to one ruleset.
	RulesetID string
	// RuleID limits the reload to one rule.
	RuleID string
	// Force reloads even when the stored rule set is unchanged.
	Force bool
	// Validate compiles every rule before touching the registry and
	// aborts the whole reload if any rule is invalid.
	Validate bool
}

// Result reports a completed reload.
type Result struct {
	// Reloaded is false when an unforced reload found no changes.
	Reloaded        bool                 `json:"reloaded"`
	RulesLoaded     int                  `json:"rulesLoaded"`
	RulesetsLoaded  int                  `json:"rulesetsLoaded"`
	DurationMS      float64              `json:"durationMs"`
	RegistryVersion int64                `json:"registryVersion"`
	Validation      []compile.RuleResult `json:"validation,omitempty"`
}

// Status is the controller's observable state.
type Status struct {
	MonitoringActive  bool           `json:"monitoringActive"`
	AutoReloadEnabled bool           `json:"autoReloadEnabled"`
	IntervalSeconds   float64        `json:"intervalSeconds"`
	LastReload        time.Time      `json:"lastReload"`
	ReloadCount       int64          `json:"reloadCount"`
	Registry          registry.Stats `json:"registry"`
}

// Controller drives registry reloads from the rule store.
type Controller struct {
	store    store.RuleReader
	registry *registry.Registry
	interval time.Duration

	// autoReload gates whether the monitor reloads on detected
	// changes, or only logs them.
	autoReload bool

	// cache, when set, memoizes compilation by content hash.
	cache *compile.Cache

	// reloadMu serializes reloads; concurrent Reload calls queue.
	reloadMu    sync.Mutex
	lastSeen    stringset.Set
	reloadCount int64

	monMu      sync.Mutex
	monitoring bool
	stop       chan struct{}
	done       chan struct{}
}

// NewController initialises a controller. A non-positive interval
// takes the default.
func NewController(s store.RuleReader, reg *registry.Registry, interval time.Duration, autoReload bool) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Controller{
		store:      s,
		registry:   reg,
		interval:   interval,
		autoReload: autoReload,
	}
}

// WithCache attaches a compilation cache. Must be called before the
// controller is started.
func (c *Controller) WithCache(cache *compile.Cache) *Controller {
	c.cache = cache
	return c
}

func (c *Controller) compileRules(ctx context.Context, ruleList []*rules.Rule, conditions []*rules.Condition) ([]*compile.PreparedRule, error) {
	if c.cache != nil {
		return c.cache.Compile(ctx, ruleList, conditions)
	}
	return compile.Compile(ruleList, conditions)
}

// Reload rebuilds the registry from the store under the given
// options. Unscoped, unforced reloads are skipped when the stored
// active rule set is unchanged since the last reload.
func (c *Controller) Reload(ctx context.Context, opts Options) (*Result, error) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	start := clock.Now(ctx)

	if opts.RuleID != "" {
		return c.reloadRuleLocked(ctx, start, opts)
	}

	rulesets, err := c.store.ListActiveRulesets(ctx, store.Filter{RulesetID: opts.RulesetID})
	if err != nil {
		return nil, reloadErr(err, "listing rulesets")
	}
	conditions, err := c.store.ListConditions(ctx)
	if err != nil {
		return nil, reloadErr(err, "listing conditions")
	}

	rulesByRuleset := make(map[string][]*rules.Rule, len(rulesets))
	seen := stringset.New(16)
	total := 0
	for _, rs := range rulesets {
		ruleList, err := c.store.ListActiveRules(ctx, store.Filter{RulesetID: rs.RulesetID})
		if err != nil {
			return nil, reloadErr(err, "listing rules of ruleset %s", rs.RulesetID)
		}
		rulesByRuleset[rs.RulesetID] = ruleList
		total += len(ruleList)
		for _, r := range ruleList {
			seen.Add(r.RuleID)
		}
	}

	scoped := opts.RulesetID != ""
	if !scoped && !opts.Force && c.lastSeen != nil &&
		seen.Len() == c.lastSeen.Len() && seen.HasAll(c.lastSeen.ToSlice()...) {
		return &Result{
			Reloaded:        false,
			RegistryVersion: c.registry.Version(),
			DurationMS:      millis(clock.Now(ctx).Sub(start)),
		}, nil
	}

	result := &Result{RulesLoaded: total, RulesetsLoaded: len(rulesets)}
	if opts.Validate {
		if err := c.validate(rulesByRuleset, conditions, result); err != nil {
			return result, err
		}
	}

	preparedByRuleset := make(map[string][]*compile.PreparedRule, len(rulesets))
	actionsets := make(map[string][]*rules.ActionsetEntry, len(rulesets))
	for _, rs := range rulesets {
		prepared, err := c.compileRules(ctx, rulesByRuleset[rs.RulesetID], conditions)
		if err != nil {
			return nil, errors.Annotate(err, "compiling ruleset %s", rs.RulesetID).Err()
		}
		preparedByRuleset[rs.RulesetID] = prepared

		actionset, err := c.store.ListActionset(ctx, rs.RulesetID)
		if err != nil {
			return nil, reloadErr(err, "listing actionset of ruleset %s", rs.RulesetID)
		}
		actionsets[rs.RulesetID] = actionset
	}

	if scoped {
		for _, rs := range rulesets {
			c.registry.AddRuleset(ctx, rs, rulesByRuleset[rs.RulesetID], preparedByRuleset[rs.RulesetID], actionsets[rs.RulesetID])
		}
	} else {
		c.registry.ReplaceAll(ctx, rulesets, rulesByRuleset, preparedByRuleset, actionsets, conditions)
		c.lastSeen = seen
	}
	atomic.AddInt64(&c.reloadCount, 1)

	result.Reloaded = true
	result.RegistryVersion = c.registry.Version()
	result.DurationMS = millis(clock.Now(ctx).Sub(start))
	logging.Infof(ctx, "reloaded %d rules in %d rulesets (registry version %d)",
		total, len(rulesets), result.RegistryVersion)
	return result, nil
}

// reloadRuleLocked refreshes a single rule in place. An inactive or
// deleted rule is removed from the registry.
func (c *Controller) reloadRuleLocked(ctx context.Context, start time.Time, opts Options) (*Result, error) {
	result := &Result{}
	r, err := c.store.GetRule(ctx, opts.RuleID)
	switch {
	case err == store.ErrNotFound:
		c.registry.RemoveRule(ctx, opts.RuleID)
	case err != nil:
		return nil, reloadErr(err, "loading rule %s", opts.RuleID)
	case r.Status != rules.StatusActive:
		c.registry.RemoveRule(ctx, opts.RuleID)
	default:
		conditions, err := c.store.ListConditions(ctx)
		if err != nil {
			return nil, reloadErr(err, "listing conditions")
		}
		if opts.Validate {
			if err := c.validate(map[string][]*rules.Rule{r.RulesetID: {r}}, conditions, result); err != nil {
				return result, err
			}
		}
		prepared, err := compile.CompileRule(r, compile.NewConditionIndex(conditions))
		if err != nil {
			return nil, errors.Annotate(err, "compiling rule %s", opts.RuleID).Err()
		}
		c.registry.UpdateRule(ctx, r, prepared)
		result.RulesLoaded = 1
	}
	atomic.AddInt64(&c.reloadCount, 1)
	result.Reloaded = true
	result.RegistryVersion = c.registry.Version()
	result.DurationMS = millis(clock.Now(ctx).Sub(start))
	return result, nil
}

// validate runs a no-abort compilation pass over every rule and
// folds the failures into one aggregate error. Any failure aborts
// the reload before the registry is touched.
func (c *Controller) validate(rulesByRuleset map[string][]*rules.Rule, conditions []*rules.Condition, result *Result) error {
	var invalid []string
	for _, ruleList := range rulesByRuleset {
		for _, res := range compile.ValidateAll(ruleList, conditions) {
			result.Validation = append(result.Validation, res)
			if !res.Valid {
				invalid = append(invalid, res.RuleName+": "+res.Message)
			}
		}
	}
	if len(invalid) > 0 {
		return ruleerror.Newf(ruleerror.Reload, ruleerror.CodeValidationError,
			"%d invalid rules: %s", len(invalid), strings.Join(invalid, "; ")).
			With("invalid_count", len(invalid))
	}
	return nil
}

// SourceReport is the outcome of validating a rule source.
type SourceReport struct {
	Source       string               `json:"source"`
	TotalRules   int                  `json:"totalRules"`
	InvalidRules int                  `json:"invalidRules"`
	Results      []compile.RuleResult `json:"results"`
}

// ValidateFrom compiles every rule of an arbitrary source without
// touching the registry.
func ValidateFrom(ctx context.Context, src source.Source) (*SourceReport, error) {
	b, err := src.Read(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "reading %s source", src.Name()).Err()
	}
	report := &SourceReport{
		Source:     src.Name(),
		TotalRules: len(b.Rules),
		Results:    compile.ValidateAll(b.Rules, b.Conditions),
	}
	for _, res := range report.Results {
		if !res.Valid {
			report.InvalidRules++
		}
	}
	return report, nil
}

// Start launches the change monitor. Starting a running controller
// is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.monMu.Lock()
	defer c.monMu.Unlock()
	if c.monitoring {
		return
	}
	c.monitoring = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.monitor(ctx, c.stop, c.done)
	logging.Infof(ctx, "rule monitor started, interval %s, auto reload %t", c.interval, c.autoReload)
}

// Stop signals the monitor and waits up to the shutdown grace
// period for it to exit.
func (c *Controller) Stop(ctx context.Context) {
	c.monMu.Lock()
	if !c.monitoring {
		c.monMu.Unlock()
		return
	}
	c.monitoring = false
	close(c.stop)
	done := c.done
	c.monMu.Unlock()

	select {
	case <-done:
	case <-clock.After(ctx, shutdownGrace):
		logging.Warningf(ctx, "rule monitor did not stop within %s", shutdownGrace)
	}
}

// Status reports the controller and registry state.
func (c *Controller) Status(ctx context.Context) Status {
	c.monMu.Lock()
	monitoring := c.monitoring
	c.monMu.Unlock()
	return Status{
		MonitoringActive:  monitoring,
		AutoReloadEnabled: c.autoReload,
		IntervalSeconds:   c.interval.Seconds(),
		LastReload:        c.registry.Snapshot().LastReload(),
		ReloadCount:       atomic.LoadInt64(&c.reloadCount),
		Registry:          c.registry.GetStats(),
	}
}

// monitor polls the store for active rule set changes. A poll or
// reload failure is logged and the loop continues.
func (c *Controller) monitor(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-clock.After(ctx, c.interval):
		}

		changed, err := c.changed(ctx)
		if err != nil {
			logging.Errorf(ctx, "rule monitor poll: %s", err)
			continue
		}
		if !changed {
			continue
		}
		if !c.autoReload {
			logging.Infof(ctx, "rule changes detected, auto reload disabled")
			continue
		}
		if _, err := c.Reload(ctx, Options{}); err != nil {
			logging.Errorf(ctx, "rule monitor reload: %s", err)
		}
	}
}

// changed reports whether the stored active rule ID set differs
// from the one loaded by the last full reload.
func (c *Controller) changed(ctx context.Context) (bool, error) {
	ruleList, err := c.store.ListActiveRules(ctx, store.Filter{})
	if err != nil {
		return false, errors.Annotate(err, "listing active rules").Err()
	}
	current := stringset.New(len(ruleList))
	for _, r := range ruleList {
		current.Add(r.RuleID)
	}

	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	if c.lastSeen == nil {
		return current.Len() > 0, nil
	}
	return current.Len() != c.lastSeen.Len() || !current.HasAll(c.lastSeen.ToSlice()...), nil
}

func reloadErr(err error, format string, args ...interface{}) error {
	annotated := errors.Annotate(err, format, args...).Err()
	return ruleerror.New(ruleerror.Reload, ruleerror.CodeStoreUnavailable, annotated.Error())
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
