package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/toolstore/pkg/engine"
)

const tasksYAML = `kind: schema
name: Task
fields:
  - name: title
    type: string
    required: true
    max_length: 120
  - name: owner_id
    type: string
    immutable: true
  - name: priority
    type: enum
    values: [high, low]
---
kind: plan
toolName: tasks.create
tier: none
auth:
  required: true
inputs:
  - name: title
    type: string
    required: true
steps:
  - type: validate
    required: [title]
  - type: db_write
    collection: tasks
    operation: create
    fields:
      title: input.title
      owner_id: caller.id
    as: task
errors:
  - code: invalid_input
    message: A title is required
`

const ownerRulesJSON = `{
  "kind": "rules",
  "name": "task-owner",
  "category": "permissions",
  "rules": [
    {
      "appliesTo": ["tasks.update", "tasks.delete"],
      "conditions": [{"type": "is_owner", "field": "owner_id"}],
      "onFailure": {"code": "forbidden", "message": "only the owner may change a task"}
    }
  ]
}`

const notifyWorkflowCUE = `
kind: "workflow"
name: "notify-owner"
trigger: {
	type:  "event"
	event: "tasks.create"
}
steps: [{type: "wait", duration: "1ms"}]
compensations: [{forStep: "any", action: "log"}]
`

func writeArtifacts(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func TestRegistry_LoadDir(t *testing.T) {
	dir := writeArtifacts(t, map[string]string{
		"tasks.yaml":           tasksYAML,
		"rules/owner.json":     ownerRulesJSON,
		"workflows/notify.cue": notifyWorkflowCUE,
		"README.md":            "not an artifact",
	})

	r := newTestRegistry(t)
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	plan, ok := r.Plan("tasks.create")
	if !ok {
		t.Fatal("plan tasks.create not registered")
	}
	if len(plan.Steps) != 2 || plan.Steps[1].Type != engine.StepDBWrite {
		t.Errorf("unexpected steps: %+v", plan.Steps)
	}
	if !plan.Auth.Required {
		t.Error("auth.required lost in decoding")
	}
	if msg, ok := plan.ErrorMessage("invalid_input"); !ok || msg != "A title is required" {
		t.Errorf("ErrorMessage = %q, %v", msg, ok)
	}
	if len(plan.SourceHash) != 64 {
		t.Errorf("SourceHash = %q, want a sha256 hex digest", plan.SourceHash)
	}

	schemas := r.Schemas()
	if len(schemas) != 1 || schemas[0].CollectionName() != "tasks" {
		t.Fatalf("Schemas() = %+v", schemas)
	}
	title, _ := schemas[0].Field("title")
	if title.MaxLength == nil || *title.MaxLength != 120 {
		t.Errorf("max_length not decoded: %+v", title)
	}

	sets := r.RuleSets()
	if len(sets) != 1 || sets[0].Name != "task-owner" || sets[0].SourceHash == "" {
		t.Errorf("RuleSets() = %+v", sets)
	}

	wf, ok := r.Workflow("notify-owner")
	if !ok {
		t.Fatal("workflow from .cue file not registered")
	}
	if len(wf.Compensations) != 1 || !wf.Compensations[0].ForStep.Any {
		t.Errorf("compensations = %+v", wf.Compensations)
	}
	if got := r.WorkflowsForEvent("tasks.create"); len(got) != 1 {
		t.Errorf("WorkflowsForEvent(tasks.create) = %d workflows", len(got))
	}
	if got := r.WorkflowsForEvent("tasks.delete"); len(got) != 0 {
		t.Errorf("WorkflowsForEvent(tasks.delete) = %d workflows", len(got))
	}
}

func TestRegistry_LoadDirMissing(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.LoadDir(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("missing directory should load nothing: %v", err)
	}
	if len(r.Plans()) != 0 {
		t.Error("expected no plans")
	}
}

func TestRegistry_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{name: "missing kind", file: "a.yaml", content: "toolName: x\nsteps: [{type: validate}]\n", wantErr: "missing kind"},
		{name: "unknown kind", file: "a.yaml", content: "kind: gadget\nname: x\n", wantErr: "gadget"},
		{name: "schema violation", file: "a.json", content: `{"kind":"plan","toolName":"x","steps":[]}`, wantErr: "a.json[0]"},
		{name: "bad yaml", file: "a.yml", content: "kind: [", wantErr: "a.yml"},
		{name: "duplicate plan", file: "a.yaml", content: "kind: plan\ntoolName: x\nsteps: [{type: validate}]\n---\nkind: plan\ntoolName: x\nsteps: [{type: validate}]\n", wantErr: "duplicate plan x"},
		{name: "interpret needs per_call tier", file: "a.yaml", content: "kind: plan\ntoolName: x\nsteps: [{type: interpret, instruction: think}]\n", wantErr: "interpret"},
		{name: "compensation out of range", file: "a.yaml", content: "kind: workflow\nname: w\nsteps: [{type: wait, duration: 1}]\ncompensations: [{forStep: 3, action: undo}]\n", wantErr: "unknown step 3"},
		{name: "reserved field", file: "a.yaml", content: "kind: schema\nname: Task\nfields: [{name: _id}]\n", wantErr: "_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeArtifacts(t, map[string]string{tt.file: tt.content})
			r := newTestRegistry(t)
			err := r.LoadDir(dir)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadDir() error = %v, want it to contain %q", err, tt.wantErr)
			}
			if len(r.Plans()) != 0 || len(r.Workflows()) != 0 || len(r.Schemas()) != 0 {
				t.Error("a failed load must leave the registry unchanged")
			}
		})
	}
}

func TestRegistry_AddAcrossCalls(t *testing.T) {
	r := newTestRegistry(t)
	docs, err := ParseDocuments("tasks.yaml", []byte(tasksYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Add(docs...); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := r.Add(docs...); err == nil {
		t.Fatal("re-adding the same plan must fail")
	}
	if len(r.Plans()) != 1 || len(r.Schemas()) != 1 {
		t.Errorf("registry changed by a failed Add: %d plans, %d schemas", len(r.Plans()), len(r.Schemas()))
	}
}

func TestSourceHash(t *testing.T) {
	a := map[string]interface{}{"name": "x", "steps": []interface{}{1, 2}}
	b := map[string]interface{}{"steps": []interface{}{1, 2}, "name": "x", "sourceHash": "ignored"}

	ha, err := SourceHash(KindWorkflow, a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := SourceHash(KindWorkflow, b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Error("hash must not depend on key order or an existing sourceHash")
	}
	hc, _ := SourceHash(KindPlan, a)
	if hc == ha {
		t.Error("hash must depend on the kind")
	}
}

func TestParseDocuments_JSONKeepsIntegers(t *testing.T) {
	docs, err := ParseDocuments("w.json", []byte(`{"kind":"workflow","retries":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Kind != KindWorkflow {
		t.Fatalf("docs = %+v", docs)
	}
	if _, ok := docs[0].Body["retries"].(int64); !ok {
		t.Errorf("retries decoded as %T, want int64", docs[0].Body["retries"])
	}
}
