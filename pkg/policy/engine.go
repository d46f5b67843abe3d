package policy

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// DefaultOwnerField is the field is_owner compares when a condition names none.
const DefaultOwnerField = "owner_id"

// Observer receives rule engine measurements. telemetry.Metrics satisfies it.
type Observer interface {
	ObserveRuleCheck(tool string, violated bool, duration time.Duration)
	ObserveRuleViolation(ruleSet, code string)
}

type nopObserver struct{}

func (nopObserver) ObserveRuleCheck(string, bool, time.Duration) {}
func (nopObserver) ObserveRuleViolation(string, string) {}

// Engine gates operations through the loaded rule sets.
type Engine struct {
	mu       sync.RWMutex
	sets     []*compiledRuleSet
	loads    int
	store    engine.Store
	observer Observer
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// NewEngine creates a rule engine. store backs unique_within conditions and
// may be nil when no rule uses them.
func NewEngine(store engine.Store, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		observer: nopObserver{},
		now:      time.Now,
		logger:   logger.With().Str("component", "rule_engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load validates and compiles rule sets. A set whose name is already loaded
// replaces the previous one and keeps its position within its band. Load is
// all-or-nothing: any invalid set leaves the engine unchanged.
func (e *Engine) Load(ctx context.Context, sets ...engine.RuleSet) error {
	compiled := make([]*compiledRuleSet, 0, len(sets))
	for i := range sets {
		cs, err := e.compile(ctx, sets[i])
		if err != nil {
			return err
		}
		compiled = append(compiled, cs)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := slices.Clone(e.sets)
	for _, cs := range compiled {
		replaced := false
		for i, existing := range next {
			if existing.set.Name == cs.set.Name {
				cs.order = existing.order
				next[i] = cs
				replaced = true
				break
			}
		}
		if !replaced {
			e.loads++
			cs.order = e.loads
			next = append(next, cs)
		}
	}
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].band != next[j].band {
			return next[i].band < next[j].band
		}
		return next[i].order < next[j].order
	})
	e.sets = next

	e.logger.Info().Int("count", len(compiled)).Int("total", len(next)).Msg("rule sets loaded")
	return nil
}

func (e *Engine) compile(ctx context.Context, set engine.RuleSet) (*compiledRuleSet, error) {
	if err := set.Validate(); err != nil {
		return nil, engine.InvalidInput("rules", err.Error())
	}
	cs := &compiledRuleSet{set: set, band: engine.CategoryBand(set.Category)}
	for ri, rule := range set.Rules {
		cr := compiledRule{Rule: rule, index: ri}
		for ci, cond := range rule.Conditions {
			cc := compiledCondition{RuleCondition: cond}
			if cond.Type == engine.CondRego {
				q, err := prepareRego(ctx, fmt.Sprintf("%s/%d/%d.rego", set.Name, ri, ci), cond)
				if err != nil {
					return nil, engine.InvalidInput("rules", fmt.Sprintf("rule set %s rule %d condition %d: %v", set.Name, ri, ci, err))
				}
				cc.query = q
			}
			cr.conditions = append(cr.conditions, cc)
		}
		cs.rules = append(cs.rules, cr)
	}
	return cs, nil
}

// prepareRego compiles a rego condition together with the built-in library.
// Without an explicit query, the module's allow rule is evaluated.
func prepareRego(ctx context.Context, name string, cond engine.RuleCondition) (*rego.PreparedEvalQuery, error) {
	module, err := ast.ParseModule(name, cond.Module)
	if err != nil {
		return nil, fmt.Errorf("failed to parse module: %w", err)
	}
	query := cond.Query
	if query == "" {
		query = module.Package.Path.String() + ".allow"
	}

	opts := []func(*rego.Rego){rego.Module(name, cond.Module), rego.Query(query)}
	for _, lib := range builtinModules() {
		opts = append(opts, rego.Module(lib.name, lib.source))
	}
	q, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	return &q, nil
}

// RuleSets lists the loaded rule sets in evaluation order.
func (e *Engine) RuleSets() []RuleSetInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuleSetInfo, 0, len(e.sets))
	for _, cs := range e.sets {
		out = append(out, RuleSetInfo{Name: cs.set.Name, Category: cs.set.Category, Band: cs.band, Rules: len(cs.rules)})
	}
	return out
}

// Evaluate runs every applicable rule in band order and returns the first
// violation, or nil when all pass. It never fails: a condition that cannot be
// evaluated counts as not passing.
func (e *Engine) Evaluate(ctx context.Context, rc engine.RuleContext) *engine.Violation {
	start := time.Now()
	e.mu.RLock()
	sets := e.sets
	e.mu.RUnlock()

	ev := &evaluation{
		ctx:   ctx,
		rc:    rc,
		scope: engine.NewScope(rc.Input, rc.Caller),
		input: newInput(rc, e.now()),
	}
	if rc.Record != nil {
		ev.scope.Set("record", map[string]interface{}(rc.Record))
	}

	for _, cs := range sets {
		for _, rule := range cs.rules {
			if !rule.Applies(rc.Tool) {
				continue
			}
			if e.rulePasses(ev, cs, rule) {
				continue
			}
			v := &engine.Violation{
				RuleSet: cs.set.Name,
				Rule:    rule.index,
				Code:    rule.OnFailure.Code,
				Message: rule.OnFailure.Message,
			}
			if v.Message == "" {
				v.Message = rule.Description
			}
			if v.Message == "" {
				v.Message = fmt.Sprintf("rule %d of %s was violated", rule.index, cs.set.Name)
			}
			e.observer.ObserveRuleViolation(cs.set.Name, v.Code)
			e.observer.ObserveRuleCheck(rc.Tool, true, time.Since(start))
			e.logger.Info().
				Str("tool", rc.Tool).
				Str("rule_set", cs.set.Name).
				Int("rule", rule.index).
				Str("code", v.Code).
				Str("caller", rc.Caller.ID).
				Msg("rule violated")
			return v
		}
	}
	e.observer.ObserveRuleCheck(rc.Tool, false, time.Since(start))
	return nil
}

type evaluation struct {
	ctx   context.Context
	rc    engine.RuleContext
	scope *engine.Scope
	input *Input
}

func (e *Engine) rulePasses(ev *evaluation, cs *compiledRuleSet, rule compiledRule) bool {
	for ci, cond := range rule.conditions {
		if !e.conditionPasses(ev, cond) {
			e.logger.Debug().
				Str("rule_set", cs.set.Name).
				Int("rule", rule.index).
				Int("condition", ci).
				Str("type", cond.Type).
				Msg("condition failed")
			return false
		}
	}
	return true
}

func (e *Engine) conditionPasses(ev *evaluation, c compiledCondition) bool {
	rc := ev.rc
	switch c.Type {
	case engine.CondRole:
		return rc.Caller.Role == c.Role
	case engine.CondRoleIn:
		return slices.Contains(c.Roles, rc.Caller.Role)
	case engine.CondIsOwner:
		return isOwner(rc, c.Field)
	case engine.CondFieldEquals:
		got, ok := fieldValue(ev, c.Field)
		return ok && engine.ValuesEqual(got, ev.scope.Resolve(c.Value))
	case engine.CondFieldNotEquals:
		got, ok := fieldValue(ev, c.Field)
		return !ok || !engine.ValuesEqual(got, ev.scope.Resolve(c.Value))
	case engine.CondFieldExists:
		got, ok := fieldValue(ev, c.Field)
		return ok && got != nil
	case engine.CondUniqueWithin:
		return e.uniqueWithin(ev, c.RuleCondition)
	case engine.CondNotSelf:
		target := rc.RecordID
		if c.Field != "" {
			if v, ok := fieldValue(ev, c.Field); ok && v != nil {
				target = engine.Stringify(v)
			}
		}
		return target == "" || target != rc.Caller.ID
	case engine.CondRateLimit:
		// Accepted and counted as passing; enforcement is left to an outer layer.
		return true
	case engine.CondCustom:
		return true
	case engine.CondRego:
		return e.regoPasses(ev, c)
	}
	return false
}

// isOwner compares the owner field of the target record (or, for creates, the
// input) with the caller's id.
func isOwner(rc engine.RuleContext, field string) bool {
	if field == "" {
		field = DefaultOwnerField
	}
	if rc.Caller.ID == "" {
		return false
	}
	var target map[string]interface{} = rc.Input
	if rc.Record != nil {
		target = rc.Record
	}
	v, ok := target[field]
	return ok && v != nil && engine.Stringify(v) == rc.Caller.ID
}

// fieldValue resolves a condition field. A rooted path (input., caller.,
// context., record.) is resolved as written; a bare name is looked up in the
// input first, then in the target record.
func fieldValue(ev *evaluation, field string) (interface{}, bool) {
	switch {
	case strings.HasPrefix(field, "record.") || strings.HasPrefix(field, "record["):
		return ev.scope.Lookup(engine.RootContext + "." + field)
	case strings.HasPrefix(field, engine.RootInput+"."),
		strings.HasPrefix(field, engine.RootCaller+"."),
		strings.HasPrefix(field, engine.RootContext+"."):
		return ev.scope.Lookup(field)
	}
	if v, ok := ev.rc.Input[field]; ok {
		return v, true
	}
	if ev.rc.Record != nil {
		v, ok := ev.rc.Record[field]
		return v, ok
	}
	return nil, false
}

// recordField is the record field a condition field names: the last segment
// of a rooted path, or the bare name itself.
func recordField(field string) string {
	if i := strings.LastIndexByte(field, '.'); i >= 0 {
		return field[i+1:]
	}
	return field
}

// uniqueWithin passes when no record other than the target holds the same
// combination of values. Missing values leave nothing to check.
func (e *Engine) uniqueWithin(ev *evaluation, c engine.RuleCondition) bool {
	filters := make(map[string]interface{}, len(c.Fields))
	for _, f := range c.Fields {
		v, ok := fieldValue(ev, f)
		if !ok || v == nil {
			return true
		}
		filters[recordField(f)] = v
	}
	if e.store == nil {
		e.logger.Warn().Str("collection", c.Collection).Msg("unique_within without a store")
		return false
	}
	page, err := e.store.List(ev.ctx, c.Collection, engine.Query{Filters: filters, Limit: 2})
	if err != nil {
		e.logger.Warn().Err(err).Str("collection", c.Collection).Msg("unique_within lookup failed")
		return false
	}
	for _, rec := range page.Data {
		if rec.ID() != ev.rc.RecordID {
			return false
		}
	}
	return true
}

func (e *Engine) regoPasses(ev *evaluation, c compiledCondition) bool {
	if c.query == nil {
		return false
	}
	rs, err := c.query.Eval(ev.ctx, rego.EvalInput(ev.input))
	if err != nil {
		e.logger.Warn().Err(err).Str("tool", ev.rc.Tool).Msg("rego evaluation failed")
		return false
	}
	return rs.Allowed()
}
