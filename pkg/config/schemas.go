package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Artifact kinds understood by the registry.
const (
	KindPlan     = "plan"
	KindRules    = "rules"
	KindWorkflow = "workflow"
	KindSchema   = "schema"
)

// SchemaRegistry holds the CUE definitions every artifact document is checked
// against before it is decoded.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schemas.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	for kind, def := range map[string]string{
		KindPlan:     "#Plan",
		KindRules:    "#RuleSet",
		KindWorkflow: "#Workflow",
		KindSchema:   "#Entity",
	} {
		if err := sr.RegisterSchema(kind, def, builtinSchemas); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// RegisterSchema compiles source and registers its definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema %s has no definition %s: %w", name, def, err)
	}
	sr.schemas[name] = schema
	return nil
}

// Validate checks a decoded document against the named schema.
func (sr *SchemaRegistry) Validate(name string, doc interface{}) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[name]
	sr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	val := sr.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinSchemas describes the shapes of the compiled artifacts. Step configs
// vary by type and are left open; the Go decoders check them.
const builtinSchemas = `
#Name: string & =~"^[A-Za-z0-9_.:-]+$"

#Step: {
	type:  "validate" | "check" | "db_read" | "db_write" | "db_delete" | "set_field" | "transform" | "interpret" | "call_action" | "call_integration" | "parallel" | "decision" | "wait"
	name?: string
	...
}

#Plan: {
	kind?:     "plan"
	toolName:  #Name
	tier?:     "none" | "cached" | "per_call"
	auth?: {
		required?: bool
		roles?: [...string]
	}
	inputs?: [...{
		name:         string
		type?:        string
		required?:    bool
		default?:     _
		description?: string
	}]
	steps: [#Step, ...#Step]
	errors?: [...{
		code:     string
		message?: string
	}]
	outputDescription?: string
	sourceHash?:        string
}

#Condition: {
	type: "role" | "role_in" | "is_owner" | "field_equals" | "field_not_equals" | "field_exists" | "unique_within" | "not_self" | "rate_limit" | "custom" | "rego"
	...
}

#RuleSet: {
	kind?:     "rules"
	name:      #Name
	category?: string
	rules: [...{
		description?: string
		appliesTo: [string, ...string]
		conditions?: [...#Condition]
		onFailure: {
			code:     string
			message?: string
		}
	}]
	sourceHash?: string
}

#Workflow: {
	kind?: "workflow"
	name:  #Name
	trigger?: {
		type:      "manual" | "event" | "schedule"
		event?:    string
		schedule?: string
	}
	steps: [#Step, ...#Step]
	compensations?: [...{
		forStep: int & >=0 | "any" | "*"
		action:  string
		script?: string
		params?: {...}
	}]
	sourceHash?: string
}

#Entity: {
	kind?: "schema"
	name:  #Name
	fields?: [...{
		name:        string & =~"^[A-Za-z][A-Za-z0-9_]*$"
		type?:       "string" | "number" | "integer" | "boolean" | "timestamp" | "reference" | "enum" | "object" | "array"
		required?:   bool
		default?:    _
		unique?:     bool
		indexed?:    bool
		immutable?:  bool
		ref?:        string
		values?: [...]
		min?:        number
		max?:        number
		min_length?: int & >=0
		max_length?: int & >=0
		auto?:       "uuid" | "timestamp"
	}]
}
`
