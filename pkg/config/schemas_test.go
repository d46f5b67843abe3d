package config

import (
	"testing"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr, err := NewSchemaRegistry()
	if err != nil {
		t.Fatalf("NewSchemaRegistry failed: %v", err)
	}

	got := sr.ListSchemas()
	want := []string{KindPlan, KindRules, KindSchema, KindWorkflow}
	if len(got) != len(want) {
		t.Fatalf("ListSchemas() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListSchemas()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSchemaRegistry_RegisterCustom(t *testing.T) {
	sr, err := NewSchemaRegistry()
	if err != nil {
		t.Fatal(err)
	}

	custom := `
#Note: {
	title: string
	pages: int & >0
}
`
	if err := sr.RegisterSchema("note", "#Note", custom); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if err := sr.Validate("note", map[string]interface{}{"title": "a", "pages": 3}); err != nil {
		t.Errorf("valid note rejected: %v", err)
	}
	if err := sr.Validate("note", map[string]interface{}{"title": "a", "pages": 0}); err == nil {
		t.Error("expected constraint violation")
	}
	if err := sr.RegisterSchema("broken", "#Broken", "#Broken: {"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", "#Missing", custom); err == nil {
		t.Error("expected missing definition error")
	}
	if err := sr.Validate("unknown", map[string]interface{}{}); err == nil {
		t.Error("expected unknown schema error")
	}
}

func TestSchemaRegistry_Validate(t *testing.T) {
	sr, err := NewSchemaRegistry()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		kind    string
		doc     map[string]interface{}
		wantErr bool
	}{
		{
			name: "valid plan",
			kind: KindPlan,
			doc: map[string]interface{}{
				"toolName": "tasks.create",
				"tier":     "none",
				"steps": []interface{}{
					map[string]interface{}{"type": "db_write", "collection": "tasks", "operation": "create"},
				},
			},
		},
		{
			name: "plan without steps",
			kind: KindPlan,
			doc: map[string]interface{}{
				"toolName": "tasks.create",
				"steps":    []interface{}{},
			},
			wantErr: true,
		},
		{
			name: "plan with unknown step type",
			kind: KindPlan,
			doc: map[string]interface{}{
				"toolName": "tasks.create",
				"steps":    []interface{}{map[string]interface{}{"type": "teleport"}},
			},
			wantErr: true,
		},
		{
			name: "plan with bad name",
			kind: KindPlan,
			doc: map[string]interface{}{
				"toolName": "tasks create",
				"steps":    []interface{}{map[string]interface{}{"type": "validate"}},
			},
			wantErr: true,
		},
		{
			name: "rule set",
			kind: KindRules,
			doc: map[string]interface{}{
				"name":     "owner",
				"category": "permissions",
				"rules": []interface{}{
					map[string]interface{}{
						"appliesTo":  []interface{}{"tasks.update"},
						"conditions": []interface{}{map[string]interface{}{"type": "is_owner", "field": "owner_id"}},
						"onFailure":  map[string]interface{}{"code": "forbidden"},
					},
				},
			},
		},
		{
			name: "rule without onFailure",
			kind: KindRules,
			doc: map[string]interface{}{
				"name": "owner",
				"rules": []interface{}{
					map[string]interface{}{"appliesTo": []interface{}{"*"}},
				},
			},
			wantErr: true,
		},
		{
			name: "workflow with any compensation",
			kind: KindWorkflow,
			doc: map[string]interface{}{
				"name":    "checkout",
				"trigger": map[string]interface{}{"type": "event", "event": "orders.create"},
				"steps":   []interface{}{map[string]interface{}{"type": "wait", "duration": "1s"}},
				"compensations": []interface{}{
					map[string]interface{}{"forStep": "any", "action": "notify"},
					map[string]interface{}{"forStep": 0, "action": "undo"},
				},
			},
		},
		{
			name: "workflow with negative forStep",
			kind: KindWorkflow,
			doc: map[string]interface{}{
				"name":          "checkout",
				"steps":         []interface{}{map[string]interface{}{"type": "wait"}},
				"compensations": []interface{}{map[string]interface{}{"forStep": -1, "action": "undo"}},
			},
			wantErr: true,
		},
		{
			name: "entity",
			kind: KindSchema,
			doc: map[string]interface{}{
				"name": "Task",
				"fields": []interface{}{
					map[string]interface{}{"name": "title", "type": "string", "required": true, "max_length": 200},
					map[string]interface{}{"name": "priority", "type": "enum", "values": []interface{}{"high", "low"}},
				},
			},
		},
		{
			name: "entity with unknown field type",
			kind: KindSchema,
			doc: map[string]interface{}{
				"name":   "Task",
				"fields": []interface{}{map[string]interface{}{"name": "title", "type": "blob"}},
			},
			wantErr: true,
		},
		{
			name: "entity with unknown attribute",
			kind: KindSchema,
			doc: map[string]interface{}{
				"name":   "Task",
				"fields": []interface{}{map[string]interface{}{"name": "title", "colour": "red"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.Validate(tt.kind, tt.doc)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
