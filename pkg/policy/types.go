package policy

import (
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// Input is the document a rego condition is evaluated against.
type Input struct {
	// Tool is the name of the plan being invoked.
	Tool string `json:"tool"`

	// Operation is the plan's primary storage operation (create, update, ...).
	Operation string `json:"operation,omitempty"`

	// Collection is the collection the operation targets.
	Collection string `json:"collection,omitempty"`

	// RecordID is the targeted record, if any.
	RecordID string `json:"record_id,omitempty"`

	// Input is the caller-supplied tool input.
	Input map[string]interface{} `json:"input"`

	// Caller is the invoking identity.
	Caller map[string]interface{} `json:"caller"`

	// Record is the current state of the targeted record; null for creates.
	Record map[string]interface{} `json:"record"`

	// Now is the evaluation time in RFC 3339.
	Now string `json:"now"`
}

func newInput(rc engine.RuleContext, now time.Time) *Input {
	in := &Input{
		Tool:       rc.Tool,
		Operation:  rc.Operation,
		Collection: rc.Collection,
		RecordID:   rc.RecordID,
		Input:      rc.Input,
		Caller:     rc.Caller.AsMap(),
		Now:        now.UTC().Format(time.RFC3339Nano),
	}
	if in.Input == nil {
		in.Input = map[string]interface{}{}
	}
	if rc.Record != nil {
		in.Record = map[string]interface{}(rc.Record)
	}
	return in
}

// compiledCondition is a condition plus, for rego, its prepared query.
type compiledCondition struct {
	engine.RuleCondition
	query *rego.PreparedEvalQuery
}

type compiledRule struct {
	engine.Rule
	index      int
	conditions []compiledCondition
}

type compiledRuleSet struct {
	set   engine.RuleSet
	band  int
	order int
	rules []compiledRule
}

// RuleSetInfo summarizes a loaded rule set.
type RuleSetInfo struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Band     int    `json:"band"`
	Rules    int    `json:"rules"`
}
