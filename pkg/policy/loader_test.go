package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/toolstore/pkg/engine"
)

const ownerPolicyFile = `# Only the owner or an admin may change a task.
# name: task-owner
# category: permissions
# applies_to: tasks.update, tasks.delete
# code: forbidden
# message: only the owner may change a task

package toolstore.rules.owner

import rego.v1
import data.toolstore.lib

allow if lib.has_role("admin")

allow if lib.owns("owner_id")
`

func TestParseRegoPolicy(t *testing.T) {
	set, err := ParseRegoPolicy("policies/owner.rego", ownerPolicyFile)
	if err != nil {
		t.Fatalf("Failed to parse policy: %v", err)
	}

	if set.Name != "task-owner" {
		t.Errorf("Name = %s, want task-owner", set.Name)
	}
	if set.Category != "permissions" {
		t.Errorf("Category = %s, want permissions", set.Category)
	}
	if len(set.Rules) != 1 {
		t.Fatalf("Expected 1 rule, got %d", len(set.Rules))
	}
	r := set.Rules[0]
	if len(r.AppliesTo) != 2 || r.AppliesTo[0] != "tasks.update" || r.AppliesTo[1] != "tasks.delete" {
		t.Errorf("AppliesTo = %v", r.AppliesTo)
	}
	if r.OnFailure.Code != "forbidden" || r.OnFailure.Message != "only the owner may change a task" {
		t.Errorf("OnFailure = %+v", r.OnFailure)
	}
	if r.Description != "Only the owner or an admin may change a task." {
		t.Errorf("Description = %q", r.Description)
	}
	if len(r.Conditions) != 1 || r.Conditions[0].Type != engine.CondRego {
		t.Errorf("Conditions = %+v", r.Conditions)
	}
}

func TestParseRegoPolicyDefaults(t *testing.T) {
	set, err := ParseRegoPolicy("/x/open.rego", "package open\n\nimport rego.v1\n\nallow := true\n")
	if err != nil {
		t.Fatalf("Failed to parse policy: %v", err)
	}
	if set.Name != "open" {
		t.Errorf("Name = %s, want file base name", set.Name)
	}
	if got := set.Rules[0].AppliesTo; len(got) != 1 || got[0] != "*" {
		t.Errorf("AppliesTo = %v, want [*]", got)
	}
	if set.Rules[0].OnFailure.Code != "policy_violation" {
		t.Errorf("Code = %s", set.Rules[0].OnFailure.Code)
	}

	if _, err := ParseRegoPolicy("bad.rego", "package"); err == nil {
		t.Error("Expected parse error")
	}
}

func TestLoadFromPaths(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "nested")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(tmpDir, "owner.rego"): ownerPolicyFile,
		filepath.Join(nested, "limits.json"): `{"name":"limits","category":"rate_limits","rules":[
			{"appliesTo":["*"],"conditions":[{"type":"rate_limit","limit":10,"window":"1m"}],"onFailure":{"code":"rate_limited"}}]}`,
		filepath.Join(tmpDir, "broken.json"): `{"name":`,
		filepath.Join(tmpDir, "notes.txt"):   "ignored",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	sets, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("Expected 2 rule sets (broken file skipped), got %d", len(sets))
	}

	e := NewEngine(nil, logger)
	if err := e.Load(context.Background(), sets...); err != nil {
		t.Fatalf("Loaded sets must compile: %v", err)
	}
	v := e.Evaluate(context.Background(), engine.RuleContext{
		Tool:   "tasks.delete",
		Caller: engine.Caller{ID: "u2"},
		Record: engine.Record{"owner_id": "u1"},
	})
	if v == nil || v.Code != "forbidden" {
		t.Errorf("Expected forbidden, got %v", v)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(tmpDir, "broken.json")}); err == nil {
		t.Error("An explicitly named broken file must fail")
	}
	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(tmpDir, "missing")}); err == nil {
		t.Error("Expected error for a missing path")
	}
}
