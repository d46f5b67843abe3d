package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// memStore is an in-memory Store for executor tests.
type memStore struct {
	mu      sync.Mutex
	seq     int
	data    map[string]map[string]Record
	failOn  map[string]error
	creates int
}

func newMemStore() *memStore {
	return &memStore{data: map[string]map[string]Record{}, failOn: map[string]error{}}
}

func (m *memStore) coll(name string) map[string]Record {
	if m.data[name] == nil {
		m.data[name] = map[string]Record{}
	}
	return m.data[name]
}

func (m *memStore) Create(_ context.Context, collection string, data Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[collection+".create"]; err != nil {
		return nil, err
	}
	m.seq++
	m.creates++
	rec := data.Clone()
	if rec == nil {
		rec = Record{}
	}
	rec[FieldID] = fmt.Sprintf("id-%d", m.seq)
	rec[FieldVersion] = int64(1)
	m.coll(collection)[rec.ID()] = rec
	return rec.Clone(), nil
}

func (m *memStore) Read(_ context.Context, collection, id string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.coll(collection)[id]
	return rec.Clone(), ok, nil
}

func (m *memStore) List(_ context.Context, collection string, q Query) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q = q.Normalized()
	var out []Record
	for _, rec := range m.coll(collection) {
		match := true
		for k, v := range q.Filters {
			if !ValuesEqual(rec[k], v) {
				match = false
			}
		}
		if match {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return &Page{Data: out, Pagination: Pagination{Total: len(out), Limit: q.Limit}}, nil
}

func (m *memStore) Update(_ context.Context, collection, id string, data Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.coll(collection)[id]
	if !ok {
		return nil, NotFound(collection, "record not found")
	}
	for k, v := range data {
		rec[k] = v
	}
	rec[FieldVersion] = rec.Version() + 1
	return rec.Clone(), nil
}

func (m *memStore) Delete(_ context.Context, collection, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.coll(collection)[id]
	if !ok {
		return nil, NotFound(collection, "record not found")
	}
	delete(m.coll(collection), id)
	return rec, nil
}

func mustPlan(t *testing.T, raw string) *Plan {
	t.Helper()
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal(plan) error = %v", err)
	}
	return &p
}

type stubInterpreter struct {
	got InterpretRequest
}

func (s *stubInterpreter) Interpret(_ context.Context, req InterpretRequest) (interface{}, error) {
	s.got = req
	return "interpreted", nil
}

func TestExecuteCreateThenRead(t *testing.T) {
	store := newMemStore()
	exec := NewActionExecutor(store, zerolog.Nop())
	plan := mustPlan(t, `{
		"toolName": "create_task",
		"inputs": [{"name":"title","required":true},{"name":"priority","default":"low"}],
		"steps": [
			{"type":"validate","required":["title"],"non_empty":["title"]},
			{"type":"db_write","collection":"tasks","operation":"create","fields":{"title":"input.title","priority":"input.priority","owner":"caller.id","note":"input.note"},"as":"created"},
			{"type":"db_read","collection":"tasks","id":"context.created._id","as":"task"}
		]
	}`)

	res, err := exec.Execute(context.Background(), plan, map[string]interface{}{"title": "Pasta"}, Caller{ID: "u1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Execute() failed: %+v", res.Error)
	}
	task, ok := res.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Result = %T, want map", res.Result)
	}
	if task["title"] != "Pasta" || task["priority"] != "low" || task["owner"] != "u1" {
		t.Errorf("task = %v", task)
	}
	if _, present := task["note"]; present {
		t.Errorf("unresolved reference was written: %v", task)
	}
}

func TestExecuteReportsFailedStep(t *testing.T) {
	store := newMemStore()
	exec := NewActionExecutor(store, zerolog.Nop())

	tests := []struct {
		name     string
		plan     string
		input    map[string]interface{}
		wantCode string
		wantMsg  string
		wantStep int
	}{
		{
			name:     "missing required input",
			plan:     `{"toolName":"t","steps":[{"type":"validate","required":["title"]}]}`,
			input:    map[string]interface{}{},
			wantCode: ErrCodeInvalidInput,
			wantMsg:  "title is required",
			wantStep: 0,
		},
		{
			name:     "catalog message",
			plan:     `{"toolName":"t","errors":[{"code":"NO_TITLE","message":"Give the task a title"}],"steps":[{"type":"validate","non_empty":["title"],"code":"NO_TITLE"}]}`,
			input:    map[string]interface{}{"title": "  "},
			wantCode: "NO_TITLE",
			wantMsg:  "Give the task a title",
			wantStep: 0,
		},
		{
			name:     "explicit message wins over catalog",
			plan:     `{"toolName":"t","errors":[{"code":"TOO_FEW","message":"catalog"}],"steps":[{"type":"validate"},{"type":"check","condition":"input.qty > 5","code":"TOO_FEW","message":"need more than five"}]}`,
			input:    map[string]interface{}{"qty": float64(2)},
			wantCode: "TOO_FEW",
			wantMsg:  "need more than five",
			wantStep: 1,
		},
		{
			name:     "required read not found",
			plan:     `{"toolName":"t","steps":[{"type":"validate"},{"type":"validate"},{"type":"db_read","collection":"tasks","id":"input.id","required":true}]}`,
			input:    map[string]interface{}{"id": "nope"},
			wantCode: ErrCodeNotFound,
			wantStep: 2,
		},
		{
			name:     "interpret without interpreter",
			plan:     `{"toolName":"t","tier":"per_call","steps":[{"type":"interpret","instruction":"decide"}]}`,
			wantCode: ErrCodeInterpreterUnavailable,
			wantStep: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := exec.Execute(context.Background(), mustPlan(t, tt.plan), tt.input, Caller{})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.Success {
				t.Fatal("Execute() succeeded, want failure")
			}
			if res.Error.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", res.Error.Code, tt.wantCode)
			}
			if tt.wantMsg != "" && res.Error.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", res.Error.Message, tt.wantMsg)
			}
			if res.Error.StepIndex != tt.wantStep {
				t.Errorf("StepIndex = %d, want %d", res.Error.StepIndex, tt.wantStep)
			}
		})
	}
}

func TestExecuteUnexpectedErrorIsInternal(t *testing.T) {
	store := newMemStore()
	store.failOn["tasks.create"] = fmt.Errorf("disk on fire")
	exec := NewActionExecutor(store, zerolog.Nop())
	plan := mustPlan(t, `{"toolName":"t","steps":[{"type":"db_write","collection":"tasks","operation":"create","fields":{"a":1}}]}`)

	res, err := exec.Execute(context.Background(), plan, nil, Caller{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Success || res.Error.Code != ErrCodeInternal || res.Error.StepIndex != 0 {
		t.Errorf("Error = %+v, want internal_error at step 0", res.Error)
	}
}

func TestExecuteListTransformAndSetField(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	for _, p := range []string{"high", "low", "high"} {
		if _, err := store.Create(ctx, "tasks", Record{"priority": p}); err != nil {
			t.Fatal(err)
		}
	}
	exec := NewActionExecutor(store, zerolog.Nop())

	plan := mustPlan(t, `{"toolName":"count_high","steps":[
		{"type":"db_read","collection":"tasks","filters":{"priority":"input.priority"},"as":"page"},
		{"type":"transform","operation":"count","source":"context.page","as":"count"}
	]}`)
	res, err := exec.Execute(ctx, plan, map[string]interface{}{"priority": "high"}, Caller{})
	if err != nil || !res.Success {
		t.Fatalf("Execute() = %+v, %v", res, err)
	}
	if res.Result != 2 {
		t.Errorf("count = %v, want 2", res.Result)
	}

	plan = mustPlan(t, `{"toolName":"first_and_tag","steps":[
		{"type":"db_read","collection":"tasks","filters":{"priority":"low"},"as":"page"},
		{"type":"transform","operation":"first","source":"context.page","as":"task"},
		{"type":"set_field","target":"context.task","field":"flag","value":"true"}
	]}`)
	res, err = exec.Execute(ctx, plan, nil, Caller{})
	if err != nil || !res.Success {
		t.Fatalf("Execute() = %+v, %v", res, err)
	}
	// No output variable on the last step: the whole context is returned.
	full := res.Result.(map[string]interface{})
	task := full["context"].(map[string]interface{})["task"].(map[string]interface{})
	if task["flag"] != true || task["priority"] != "low" {
		t.Errorf("task = %v", task)
	}
}

func TestExecuteInterpretDelegates(t *testing.T) {
	interp := &stubInterpreter{}
	exec := NewActionExecutor(newMemStore(), zerolog.Nop(), WithInterpreter(interp))
	plan := mustPlan(t, `{"toolName":"summarise","tier":"per_call","steps":[{"type":"interpret","instruction":"summarise the input","as":"out"}]}`)

	res, err := exec.Execute(context.Background(), plan, map[string]interface{}{"text": "hi"}, Caller{ID: "u1"})
	if err != nil || !res.Success {
		t.Fatalf("Execute() = %+v, %v", res, err)
	}
	if res.Result != "interpreted" {
		t.Errorf("Result = %v", res.Result)
	}
	if interp.got.Instruction != "summarise the input" || interp.got.ToolName != "summarise" {
		t.Errorf("request = %+v", interp.got)
	}
}

func TestExecuteRejectsInvalidPlan(t *testing.T) {
	exec := NewActionExecutor(newMemStore(), zerolog.Nop())
	if _, err := exec.Execute(context.Background(), nil, nil, Caller{}); err == nil {
		t.Error("Execute(nil) succeeded")
	}
	plan := mustPlan(t, `{"toolName":"t","steps":[{"type":"parallel","steps":[]}]}`)
	_, err := exec.Execute(context.Background(), plan, nil, Caller{})
	if CodeOf(err) != ErrCodeInvalidInput {
		t.Errorf("CodeOf(err) = %s, want invalid_input", CodeOf(err))
	}
}

func TestTransformUnwrap(t *testing.T) {
	page := (&Page{Data: []Record{{"_id": "a"}}}).AsMap()
	got, err := transform(TransformUnwrap, page)
	if err != nil {
		t.Fatal(err)
	}
	items := got.([]interface{})
	if len(items) != 1 {
		t.Errorf("unwrap = %v", got)
	}
	if _, err := transform("explode", page); err == nil {
		t.Error("unknown transform succeeded")
	}
}
