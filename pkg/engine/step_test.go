package engine

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStepUnmarshalSelectsConfig(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType StepType
		check    func(t *testing.T, s Step)
	}{
		{
			name:     "db_write create",
			input:    `{"type":"db_write","collection":"tasks","operation":"create","fields":{"title":"input.title"},"as":"task"}`,
			wantType: StepDBWrite,
			check: func(t *testing.T, s Step) {
				c, ok := s.Config.(DBWriteStep)
				if !ok {
					t.Fatalf("Config = %T, want DBWriteStep", s.Config)
				}
				if c.Collection != "tasks" || c.Operation != WriteCreate {
					t.Errorf("unexpected config %+v", c)
				}
				if c.Fields["title"] != "input.title" {
					t.Errorf("fields = %v", c.Fields)
				}
				if s.OutputVar() != "task" {
					t.Errorf("OutputVar() = %q, want task", s.OutputVar())
				}
			},
		},
		{
			name:     "check with expression",
			input:    `{"type":"check","condition":"context.task exists","code":"TASK_MISSING"}`,
			wantType: StepCheck,
			check: func(t *testing.T, s Step) {
				c := s.Config.(CheckStep)
				if c.Condition.Left != "context.task" || c.Condition.Op != OpExists {
					t.Errorf("condition = %+v", c.Condition)
				}
			},
		},
		{
			name:     "parallel with nested steps",
			input:    `{"type":"parallel","require_all":true,"steps":[{"type":"wait","duration":"5ms"},{"type":"wait","duration":0.01}]}`,
			wantType: StepParallel,
			check: func(t *testing.T, s Step) {
				c := s.Config.(ParallelStep)
				if len(c.Steps) != 2 || !c.RequireAll {
					t.Fatalf("config = %+v", c)
				}
				w0 := c.Steps[0].Config.(WaitStep)
				w1 := c.Steps[1].Config.(WaitStep)
				if w0.Duration.Duration != 5*time.Millisecond {
					t.Errorf("duration[0] = %v", w0.Duration)
				}
				if w1.Duration.Duration != 10*time.Millisecond {
					t.Errorf("duration[1] = %v", w1.Duration)
				}
			},
		},
		{
			name:     "decision with object condition",
			input:    `{"type":"decision","condition":{"left":"input.qty","op":"gt","right":10},"then":[{"type":"set_field","target":"order","field":"bulk","value":true}]}`,
			wantType: StepDecision,
			check: func(t *testing.T, s Step) {
				c := s.Config.(DecisionStep)
				if c.Condition.Op != OpGt || len(c.Then) != 1 || len(c.Else) != 0 {
					t.Errorf("config = %+v", c)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Step
			if err := json.Unmarshal([]byte(tt.input), &s); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if s.Type != tt.wantType {
				t.Fatalf("Type = %s, want %s", s.Type, tt.wantType)
			}
			tt.check(t, s)
		})
	}
}

func TestStepUnmarshalRejectsUnknownType(t *testing.T) {
	for _, input := range []string{`{"type":"teleport"}`, `{"collection":"tasks"}`} {
		var s Step
		if err := json.Unmarshal([]byte(input), &s); err == nil {
			t.Errorf("Unmarshal(%s) succeeded, want error", input)
		}
	}
}

func TestStepMarshalRoundTripKeepsFlatShape(t *testing.T) {
	in := `{"type":"db_read","collection":"tasks","id":"input.id","as":"task","required":true}`
	var s Step
	if err := json.Unmarshal([]byte(in), &s); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var flat map[string]interface{}
	if err := json.Unmarshal(out, &flat); err != nil {
		t.Fatalf("Unmarshal(flat) error = %v", err)
	}
	if flat["type"] != "db_read" || flat["collection"] != "tasks" || flat["as"] != "task" {
		t.Errorf("flat = %v", flat)
	}
}

func TestParseComparison(t *testing.T) {
	tests := []struct {
		expr    string
		want    Comparison
		wantErr bool
	}{
		{"context.task exists", Comparison{Left: "context.task", Op: OpExists}, false},
		{"input.qty > 0", Comparison{Left: "input.qty", Op: OpGt, Right: "0"}, false},
		{"input.status != done", Comparison{Left: "input.status", Op: OpNeq, Right: "done"}, false},
		{"input.a eq input.b", Comparison{Left: "input.a", Op: OpEq, Right: "input.b"}, false},
		{"input.flag", Comparison{Left: "input.flag", Op: OpExists}, false},
		{"a b c d", Comparison{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseComparison(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseComparison() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseComparison() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStepSelectorJSON(t *testing.T) {
	var comps []Compensation
	in := `[{"forStep":2,"action":"refund"},{"forStep":"any","action":"notify"}]`
	if err := json.Unmarshal([]byte(in), &comps); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if comps[0].ForStep.Any || comps[0].ForStep.Index != 2 {
		t.Errorf("forStep[0] = %+v", comps[0].ForStep)
	}
	if !comps[1].ForStep.Any {
		t.Errorf("forStep[1] = %+v, want any", comps[1].ForStep)
	}
	if !comps[1].ForStep.Matches(4) || comps[0].ForStep.Matches(3) {
		t.Error("Matches() gave the wrong answer")
	}
	out, err := json.Marshal(comps[1].ForStep)
	if err != nil || string(out) != `"any"` {
		t.Errorf("Marshal(any) = %s, %v", out, err)
	}
}

func TestPlanValidate(t *testing.T) {
	step := func(raw string) Step {
		var s Step
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		return s
	}
	tests := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{"valid", Plan{ToolName: "create_task", Steps: []Step{step(`{"type":"validate","required":["title"]}`)}}, false},
		{"missing tool name", Plan{Steps: []Step{step(`{"type":"validate"}`)}}, true},
		{"no steps", Plan{ToolName: "x"}, true},
		{"workflow-only kind", Plan{ToolName: "x", Steps: []Step{step(`{"type":"wait","duration":"1s"}`)}}, true},
		{"interpret without per_call", Plan{ToolName: "x", Steps: []Step{step(`{"type":"interpret","instruction":"summarise"}`)}}, true},
		{"interpret per_call", Plan{ToolName: "x", Tier: TierPerCall, Steps: []Step{step(`{"type":"interpret","instruction":"summarise"}`)}}, false},
		{"bad tier", Plan{ToolName: "x", Tier: "sometimes", Steps: []Step{step(`{"type":"validate"}`)}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
