package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// listStore serves List from a fixed record slice; every other method is unused.
type listStore struct {
	engine.Store
	records []engine.Record
	err     error
	lists   int
}

func (s *listStore) List(_ context.Context, _ string, q engine.Query) (*engine.Page, error) {
	s.lists++
	if s.err != nil {
		return nil, s.err
	}
	page := &engine.Page{}
	for _, r := range s.records {
		match := true
		for k, v := range q.Filters {
			if !engine.ValuesEqual(r[k], v) {
				match = false
			}
		}
		if match {
			page.Data = append(page.Data, r)
		}
	}
	page.Pagination.Total = len(page.Data)
	return page, nil
}

type countingObserver struct {
	checks     int
	violations map[string]int
}

func (o *countingObserver) ObserveRuleCheck(string, bool, time.Duration) { o.checks++ }
func (o *countingObserver) ObserveRuleViolation(set, code string) {
	if o.violations == nil {
		o.violations = map[string]int{}
	}
	o.violations[set+"/"+code]++
}

func newTestEngine(t *testing.T, store engine.Store, sets ...engine.RuleSet) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	e := NewEngine(store, logger)
	if err := e.Load(context.Background(), sets...); err != nil {
		t.Fatalf("Failed to load rule sets: %v", err)
	}
	return e
}

func rule(code string, appliesTo string, conds ...engine.RuleCondition) engine.Rule {
	return engine.Rule{
		AppliesTo:  []string{appliesTo},
		Conditions: conds,
		OnFailure:  engine.Failure{Code: code, Message: code + " failed"},
	}
}

func TestEvaluateBandOrder(t *testing.T) {
	// Loaded in reverse band order; permissions must still win.
	sets := []engine.RuleSet{
		{Name: "misc", Category: "business", Rules: []engine.Rule{rule("business", "*", engine.RuleCondition{Type: engine.CondRole, Role: "nobody"})}},
		{Name: "limits", Category: "rate_limits", Rules: []engine.Rule{rule("limited", "*", engine.RuleCondition{Type: engine.CondRole, Role: "nobody"})}},
		{Name: "checks", Category: "validation", Rules: []engine.Rule{rule("invalid", "*", engine.RuleCondition{Type: engine.CondRole, Role: "nobody"})}},
		{Name: "perms", Category: "permissions", Rules: []engine.Rule{rule("forbidden", "*", engine.RuleCondition{Type: engine.CondRole, Role: "nobody"})}},
	}
	e := newTestEngine(t, nil, sets...)

	v := e.Evaluate(context.Background(), engine.RuleContext{Tool: "tasks.create", Caller: engine.Caller{ID: "u1", Role: "user"}})
	if v == nil {
		t.Fatal("Expected a violation")
	}
	if v.Code != "forbidden" || v.RuleSet != "perms" {
		t.Errorf("Expected perms/forbidden first, got %s/%s", v.RuleSet, v.Code)
	}

	infos := e.RuleSets()
	want := []string{"perms", "checks", "limits", "misc"}
	for i, info := range infos {
		if info.Name != want[i] {
			t.Errorf("RuleSets()[%d] = %s, want %s", i, info.Name, want[i])
		}
	}
}

func TestEvaluateShortCircuits(t *testing.T) {
	store := &listStore{}
	e := newTestEngine(t, store, engine.RuleSet{
		Name:     "tasks",
		Category: "validation",
		Rules: []engine.Rule{
			rule("first", "*", engine.RuleCondition{Type: engine.CondFieldExists, Field: "title"}),
			rule("second", "*", engine.RuleCondition{Type: engine.CondUniqueWithin, Collection: "tasks", Fields: []string{"title"}}),
		},
	})

	v := e.Evaluate(context.Background(), engine.RuleContext{Tool: "tasks.create", Input: map[string]interface{}{}})
	if v == nil || v.Code != "first" {
		t.Fatalf("Expected first rule to fail, got %+v", v)
	}
	if v.Rule != 0 {
		t.Errorf("Rule index = %d, want 0", v.Rule)
	}
	if store.lists != 0 {
		t.Errorf("Later rules must not run after a violation, store queried %d times", store.lists)
	}
}

func TestEvaluateApplicability(t *testing.T) {
	deny := engine.RuleCondition{Type: engine.CondRole, Role: "nobody"}
	tests := []struct {
		name     string
		pattern  string
		tool     string
		violated bool
	}{
		{name: "wildcard", pattern: "*", tool: "anything", violated: true},
		{name: "exact", pattern: "tasks.delete", tool: "tasks.delete", violated: true},
		{name: "exact mismatch", pattern: "tasks.delete", tool: "tasks.create", violated: false},
		{name: "prefix", pattern: "tasks.*", tool: "tasks.update", violated: true},
		{name: "prefix mismatch", pattern: "tasks.*", tool: "users.update", violated: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, nil, engine.RuleSet{Name: "r", Rules: []engine.Rule{rule("denied", tt.pattern, deny)}})
			v := e.Evaluate(context.Background(), engine.RuleContext{Tool: tt.tool})
			if (v != nil) != tt.violated {
				t.Errorf("violated = %v, want %v", v != nil, tt.violated)
			}
		})
	}
}

func TestConditions(t *testing.T) {
	owner := engine.Caller{ID: "u1", Role: "member"}
	admin := engine.Caller{ID: "root", Role: "admin"}
	record := engine.Record{engine.FieldID: "t1", "owner_id": "u1", "status": "open"}

	tests := []struct {
		name string
		cond engine.RuleCondition
		rc   engine.RuleContext
		pass bool
	}{
		{name: "role match", cond: engine.RuleCondition{Type: engine.CondRole, Role: "admin"}, rc: engine.RuleContext{Caller: admin}, pass: true},
		{name: "role mismatch", cond: engine.RuleCondition{Type: engine.CondRole, Role: "admin"}, rc: engine.RuleContext{Caller: owner}, pass: false},
		{name: "role_in", cond: engine.RuleCondition{Type: engine.CondRoleIn, Roles: []string{"admin", "member"}}, rc: engine.RuleContext{Caller: owner}, pass: true},
		{name: "role_in miss", cond: engine.RuleCondition{Type: engine.CondRoleIn, Roles: []string{"admin"}}, rc: engine.RuleContext{Caller: owner}, pass: false},
		{name: "owner of record", cond: engine.RuleCondition{Type: engine.CondIsOwner}, rc: engine.RuleContext{Caller: owner, Record: record}, pass: true},
		{name: "not owner of record", cond: engine.RuleCondition{Type: engine.CondIsOwner}, rc: engine.RuleContext{Caller: admin, Record: record}, pass: false},
		{name: "owner on create input", cond: engine.RuleCondition{Type: engine.CondIsOwner, Field: "author"}, rc: engine.RuleContext{Caller: owner, Input: map[string]interface{}{"author": "u1"}}, pass: true},
		{name: "anonymous never owns", cond: engine.RuleCondition{Type: engine.CondIsOwner}, rc: engine.RuleContext{Record: engine.Record{"owner_id": ""}}, pass: false},
		{name: "field equals record", cond: engine.RuleCondition{Type: engine.CondFieldEquals, Field: "status", Value: "open"}, rc: engine.RuleContext{Record: record}, pass: true},
		{name: "field equals input wins", cond: engine.RuleCondition{Type: engine.CondFieldEquals, Field: "status", Value: "open"}, rc: engine.RuleContext{Record: record, Input: map[string]interface{}{"status": "closed"}}, pass: false},
		{name: "field equals caller ref", cond: engine.RuleCondition{Type: engine.CondFieldEquals, Field: "record.owner_id", Value: "caller.id"}, rc: engine.RuleContext{Caller: owner, Record: record}, pass: true},
		{name: "field not equals missing", cond: engine.RuleCondition{Type: engine.CondFieldNotEquals, Field: "input.status", Value: "closed"}, rc: engine.RuleContext{}, pass: true},
		{name: "field not equals", cond: engine.RuleCondition{Type: engine.CondFieldNotEquals, Field: "input.status", Value: "closed"}, rc: engine.RuleContext{Input: map[string]interface{}{"status": "closed"}}, pass: false},
		{name: "field exists", cond: engine.RuleCondition{Type: engine.CondFieldExists, Field: "title"}, rc: engine.RuleContext{Input: map[string]interface{}{"title": "x"}}, pass: true},
		{name: "field exists null", cond: engine.RuleCondition{Type: engine.CondFieldExists, Field: "title"}, rc: engine.RuleContext{Input: map[string]interface{}{"title": nil}}, pass: false},
		{name: "not self", cond: engine.RuleCondition{Type: engine.CondNotSelf}, rc: engine.RuleContext{Caller: owner, RecordID: "u2"}, pass: true},
		{name: "self", cond: engine.RuleCondition{Type: engine.CondNotSelf}, rc: engine.RuleContext{Caller: owner, RecordID: "u1"}, pass: false},
		{name: "self via field", cond: engine.RuleCondition{Type: engine.CondNotSelf, Field: "user_id"}, rc: engine.RuleContext{Caller: owner, Input: map[string]interface{}{"user_id": "u1"}}, pass: false},
		{name: "rate limit placeholder", cond: engine.RuleCondition{Type: engine.CondRateLimit, Limit: 1, Window: "1m"}, rc: engine.RuleContext{}, pass: true},
		{name: "custom", cond: engine.RuleCondition{Type: engine.CondCustom, Description: "anything"}, rc: engine.RuleContext{}, pass: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rc.Tool = "tasks.update"
			e := newTestEngine(t, nil, engine.RuleSet{Name: "r", Rules: []engine.Rule{rule("failed", "*", tt.cond)}})
			v := e.Evaluate(context.Background(), tt.rc)
			if (v == nil) != tt.pass {
				t.Errorf("pass = %v, want %v (violation %+v)", v == nil, tt.pass, v)
			}
		})
	}
}

func TestUniqueWithin(t *testing.T) {
	store := &listStore{records: []engine.Record{
		{engine.FieldID: "m1", "project": "p1", "user": "u1"},
	}}
	cond := engine.RuleCondition{Type: engine.CondUniqueWithin, Collection: "memberships", Fields: []string{"project", "user"}}
	e := newTestEngine(t, store, engine.RuleSet{Name: "memberships", Rules: []engine.Rule{rule("duplicate_membership", "*", cond)}})

	tests := []struct {
		name string
		rc   engine.RuleContext
		pass bool
	}{
		{name: "new pair", rc: engine.RuleContext{Input: map[string]interface{}{"project": "p1", "user": "u2"}}, pass: true},
		{name: "duplicate pair", rc: engine.RuleContext{Input: map[string]interface{}{"project": "p1", "user": "u1"}}, pass: false},
		{name: "updating itself", rc: engine.RuleContext{RecordID: "m1", Input: map[string]interface{}{"project": "p1", "user": "u1"}}, pass: true},
		{name: "missing value", rc: engine.RuleContext{Input: map[string]interface{}{"project": "p1"}}, pass: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rc.Tool = "memberships.create"
			v := e.Evaluate(context.Background(), tt.rc)
			if (v == nil) != tt.pass {
				t.Errorf("pass = %v, want %v", v == nil, tt.pass)
			}
			if v != nil && v.Code != "duplicate_membership" {
				t.Errorf("Code = %s", v.Code)
			}
		})
	}

	rooted := engine.RuleCondition{Type: engine.CondUniqueWithin, Collection: "memberships", Fields: []string{"input.project", "record.user"}}
	re := newTestEngine(t, store, engine.RuleSet{Name: "rooted", Rules: []engine.Rule{rule("duplicate_membership", "*", rooted)}})
	v := re.Evaluate(context.Background(), engine.RuleContext{
		Tool:     "memberships.update",
		RecordID: "m2",
		Input:    map[string]interface{}{"project": "p1"},
		Record:   engine.Record{engine.FieldID: "m2", "project": "p2", "user": "u1"},
	})
	if v == nil || v.Code != "duplicate_membership" {
		t.Errorf("rooted fields must filter on the record field, got %v", v)
	}

	store.err = errors.New("disk on fire")
	v = e.Evaluate(context.Background(), engine.RuleContext{Tool: "memberships.create", Input: map[string]interface{}{"project": "p9", "user": "u9"}})
	if v == nil {
		t.Error("A store failure must fail the condition")
	}
}

const ownerModule = `package toolstore.rules.owner

import rego.v1
import data.toolstore.lib

allow if lib.has_role("admin")

allow if lib.owns("owner_id")
`

func TestRegoCondition(t *testing.T) {
	e := newTestEngine(t, nil, engine.RuleSet{
		Name:     "owner-only",
		Category: "permissions",
		Rules: []engine.Rule{rule("forbidden", "tasks.*", engine.RuleCondition{Type: engine.CondRego, Module: ownerModule})},
	})

	record := engine.Record{engine.FieldID: "t1", "owner_id": "u1"}
	tests := []struct {
		name   string
		caller engine.Caller
		record engine.Record
		input  map[string]interface{}
		pass   bool
	}{
		{name: "admin", caller: engine.Caller{ID: "x", Role: "admin"}, record: record, pass: true},
		{name: "owner", caller: engine.Caller{ID: "u1", Role: "member"}, record: record, pass: true},
		{name: "stranger", caller: engine.Caller{ID: "u2", Role: "member"}, record: record, pass: false},
		{name: "create by owner", caller: engine.Caller{ID: "u3"}, input: map[string]interface{}{"owner_id": "u3"}, pass: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(context.Background(), engine.RuleContext{
				Tool:   "tasks.update",
				Caller: tt.caller,
				Record: tt.record,
				Input:  tt.input,
			})
			if (v == nil) != tt.pass {
				t.Errorf("pass = %v, want %v", v == nil, tt.pass)
			}
		})
	}
}

func TestRegoExplicitQuery(t *testing.T) {
	module := `package toolstore.rules.size

import rego.v1

small if count(input.input.items) <= 2
`
	e := newTestEngine(t, nil, engine.RuleSet{
		Name:  "size",
		Rules: []engine.Rule{rule("too_many", "*", engine.RuleCondition{Type: engine.CondRego, Module: module, Query: "data.toolstore.rules.size.small"})},
	})

	if v := e.Evaluate(context.Background(), engine.RuleContext{Tool: "x", Input: map[string]interface{}{"items": []interface{}{1, 2}}}); v != nil {
		t.Errorf("Expected pass, got %v", v)
	}
	if v := e.Evaluate(context.Background(), engine.RuleContext{Tool: "x", Input: map[string]interface{}{"items": []interface{}{1, 2, 3}}}); v == nil || v.Code != "too_many" {
		t.Errorf("Expected too_many, got %v", v)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		set  engine.RuleSet
	}{
		{name: "no name", set: engine.RuleSet{}},
		{name: "no code", set: engine.RuleSet{Name: "x", Rules: []engine.Rule{{AppliesTo: []string{"*"}}}}},
		{name: "unknown condition", set: engine.RuleSet{Name: "x", Rules: []engine.Rule{rule("c", "*", engine.RuleCondition{Type: "telepathy"})}}},
		{name: "bad rego", set: engine.RuleSet{Name: "x", Rules: []engine.Rule{rule("c", "*", engine.RuleCondition{Type: engine.CondRego, Module: "package x\nallow {"})}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(nil, zerolog.New(nil).Level(zerolog.Disabled))
			err := e.Load(context.Background(), tt.set)
			if err == nil {
				t.Fatal("Expected load error")
			}
			if engine.CodeOf(err) != engine.ErrCodeInvalidInput {
				t.Errorf("Code = %s, want invalid_input", engine.CodeOf(err))
			}
			if len(e.RuleSets()) != 0 {
				t.Error("A failed load must not change the engine")
			}
		})
	}
}

func TestLoadReplacesByName(t *testing.T) {
	deny := engine.RuleSet{Name: "gate", Rules: []engine.Rule{rule("closed", "*", engine.RuleCondition{Type: engine.CondRole, Role: "nobody"})}}
	e := newTestEngine(t, nil, deny)

	if v := e.Evaluate(context.Background(), engine.RuleContext{Tool: "x"}); v == nil {
		t.Fatal("Expected violation before reload")
	}
	open := engine.RuleSet{Name: "gate", Rules: []engine.Rule{rule("closed", "*", engine.RuleCondition{Type: engine.CondCustom})}}
	if err := e.Load(context.Background(), open); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if v := e.Evaluate(context.Background(), engine.RuleContext{Tool: "x"}); v != nil {
		t.Errorf("Expected pass after reload, got %v", v)
	}
	if n := len(e.RuleSets()); n != 1 {
		t.Errorf("RuleSets() has %d entries, want 1", n)
	}
}

func TestViolationMessageFallbacks(t *testing.T) {
	r := engine.Rule{
		Description: "only admins",
		AppliesTo:   []string{"*"},
		Conditions:  []engine.RuleCondition{{Type: engine.CondRole, Role: "admin"}},
		OnFailure:   engine.Failure{Code: "forbidden"},
	}
	obs := &countingObserver{}
	e := NewEngine(nil, zerolog.New(nil).Level(zerolog.Disabled), WithObserver(obs))
	if err := e.Load(context.Background(), engine.RuleSet{Name: "admins", Rules: []engine.Rule{r}}); err != nil {
		t.Fatal(err)
	}

	v := e.Evaluate(context.Background(), engine.RuleContext{Tool: "x"})
	if v == nil {
		t.Fatal("Expected violation")
	}
	if v.Message != "only admins" {
		t.Errorf("Message = %q, want description", v.Message)
	}
	err := v.AsError()
	if engine.CodeOf(err) != "forbidden" || !engine.IsPermanent(err) {
		t.Errorf("AsError() = %v", err)
	}
	if obs.checks != 1 || obs.violations["admins/forbidden"] != 1 {
		t.Errorf("observer saw checks=%d violations=%v", obs.checks, obs.violations)
	}
}
