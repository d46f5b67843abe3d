package engine

import (
	"fmt"
	"strings"
)

// Rule categories, evaluated in this order. Any other category runs last.
const (
	CategoryPermissions = "permissions"
	CategoryValidation  = "validation"
	CategoryRateLimits  = "rate_limits"
)

// CategoryBand returns the priority band of a rule set category.
func CategoryBand(category string) int {
	switch strings.ToLower(category) {
	case CategoryPermissions, "permission":
		return 0
	case CategoryValidation, "validations":
		return 1
	case CategoryRateLimits, "rate_limit", "ratelimit", "rate-limits":
		return 2
	}
	return 3
}

// Condition types understood by the rule engine.
const (
	CondRole           = "role"
	CondRoleIn         = "role_in"
	CondIsOwner        = "is_owner"
	CondFieldEquals    = "field_equals"
	CondFieldNotEquals = "field_not_equals"
	CondFieldExists    = "field_exists"
	CondUniqueWithin   = "unique_within"
	CondNotSelf        = "not_self"
	CondRateLimit      = "rate_limit"
	CondCustom         = "custom"
	CondRego           = "rego"
)

// RuleCondition is one primitive of a rule's conjunction. Which fields are
// meaningful depends on Type.
type RuleCondition struct {
	Type string `json:"type" validate:"required"`

	// role, role_in
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`

	// is_owner, field_*, not_self
	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`

	// unique_within
	Collection string   `json:"collection,omitempty"`
	Fields     []string `json:"fields,omitempty"`

	// rate_limit
	Limit  int    `json:"limit,omitempty"`
	Window string `json:"window,omitempty"`

	// custom
	Description string `json:"description,omitempty"`

	// rego
	Module string `json:"module,omitempty"`
	Query  string `json:"query,omitempty"`
}

// Failure is the code and message a rule reports when it is violated.
type Failure struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message,omitempty"`
}

// Rule is one applicability pattern plus an all-must-pass condition list.
type Rule struct {
	Description string          `json:"description,omitempty"`
	AppliesTo   []string        `json:"appliesTo"`
	Conditions  []RuleCondition `json:"conditions" validate:"dive"`
	OnFailure   Failure         `json:"onFailure"`
}

// Applies reports whether the rule targets the named tool. A pattern matches
// when it is "*", the exact tool name, or a prefix ending in "*".
func (r Rule) Applies(tool string) bool {
	for _, p := range r.AppliesTo {
		switch {
		case p == "*":
			return true
		case strings.HasSuffix(p, "*"):
			if strings.HasPrefix(tool, strings.TrimSuffix(p, "*")) {
				return true
			}
		case p == tool:
			return true
		}
	}
	return false
}

// RuleSet is a named, ordered list of rules in one category.
type RuleSet struct {
	Name       string `json:"name" validate:"required"`
	Category   string `json:"category,omitempty"`
	Rules      []Rule `json:"rules" validate:"dive"`
	SourceHash string `json:"sourceHash,omitempty"`
}

// Validate checks the rule set's structure.
func (rs *RuleSet) Validate() error {
	if strings.TrimSpace(rs.Name) == "" {
		return fmt.Errorf("rule set name is required")
	}
	for i, r := range rs.Rules {
		if r.OnFailure.Code == "" {
			return fmt.Errorf("rule set %s rule %d: onFailure.code is required", rs.Name, i)
		}
		for j, c := range r.Conditions {
			if err := c.validate(); err != nil {
				return fmt.Errorf("rule set %s rule %d condition %d: %w", rs.Name, i, j, err)
			}
		}
	}
	return nil
}

func (c RuleCondition) validate() error {
	switch c.Type {
	case CondRole:
		if c.Role == "" {
			return fmt.Errorf("role condition requires role")
		}
	case CondRoleIn:
		if len(c.Roles) == 0 {
			return fmt.Errorf("role_in condition requires roles")
		}
	case CondFieldEquals, CondFieldNotEquals, CondFieldExists:
		if c.Field == "" {
			return fmt.Errorf("%s condition requires field", c.Type)
		}
	case CondUniqueWithin:
		if c.Collection == "" || len(c.Fields) == 0 {
			return fmt.Errorf("unique_within condition requires collection and fields")
		}
	case CondRego:
		if c.Module == "" {
			return fmt.Errorf("rego condition requires module")
		}
	case CondIsOwner, CondNotSelf, CondRateLimit, CondCustom:
	default:
		return fmt.Errorf("unknown condition type: %s", c.Type)
	}
	return nil
}

// RuleContext is the call context a rule set is evaluated against.
type RuleContext struct {
	Tool       string
	Operation  string
	Collection string
	RecordID   string
	Input      map[string]interface{}
	Caller     Caller
	// Record is the current target record for update, delete and read; nil for create.
	Record Record
}

// Violation is the single failure the rule engine reports.
type Violation struct {
	RuleSet string `json:"rule_set"`
	Rule    int    `json:"rule"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements error.
func (v *Violation) Error() string {
	return fmt.Sprintf("[%s] %s", v.Code, v.Message)
}

// AsError converts the violation into a classified permanent error carrying its code.
func (v *Violation) AsError() *EngineError {
	return NewPermanentError(v.Message, nil).
		WithCode(v.Code).
		WithOperation(v.RuleSet).
		WithDetail("rule_set", v.RuleSet).
		WithDetail("rule", v.Rule)
}
