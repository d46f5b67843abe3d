package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noteArtifacts = `kind: schema
name: Note
fields:
  - name: title
    type: string
    required: true
  - name: owner_id
    type: string
    indexed: true
---
kind: plan
toolName: notes.create
auth:
  required: true
steps:
  - type: validate
    required: [title]
  - type: db_write
    collection: notes
    operation: create
    fields:
      title: input.title
      owner_id: caller.id
    as: note
`

// run executes the CLI with args and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWorkspaceLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "toolstore.yaml")

	out, err := run(t, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Run journal migrated")
	assert.FileExists(t, cfgFile)
	assert.FileExists(t, filepath.Join(dir, "data", "journal.db"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifacts", "notes.yaml"), []byte(noteArtifacts), 0o644))

	out, err = run(t, "validate", "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "1 plans")
	assert.Contains(t, out, "1 entity schemas")

	out, err = run(t, "invoke", "notes.create", "--config", cfgFile, "--caller", "u1", "--input", `{"title": "hello"}`)
	require.NoError(t, err)
	var res struct {
		Execution struct {
			Success bool                   `json:"success"`
			Result  map[string]interface{} `json:"result"`
		} `json:"execution"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.True(t, res.Execution.Success)
	id, _ := res.Execution.Result["_id"].(string)
	require.NotEmpty(t, id)

	_, err = run(t, "invoke", "notes.create", "--config", cfgFile, "--input", `{"title": "anonymous"}`)
	require.Error(t, err, "auth.required rejects anonymous callers")

	out, err = run(t, "records", "get", "notes", id, "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "hello"`)

	out, err = run(t, "records", "list", "notes", "--filter", "owner_id=u1", "--config", cfgFile)
	require.NoError(t, err)
	var page struct {
		Data       []map[string]interface{} `json:"data"`
		Pagination struct {
			Total int `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Equal(t, 1, page.Pagination.Total)

	out, err = run(t, "wal", "list", "--collection", "notes", "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = run(t, "index", "show", "notes", "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "records:    1")

	out, err = run(t, "runs", "list", "--kind", "plan", "--config", cfgFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3, "header plus one completed and one rejected run")
	assert.Contains(t, out, "unauthorized")
}

func TestRunsRequiresJournal(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "init", dir, "--journal=false")
	require.NoError(t, err)

	_, err = run(t, "runs", "list", "--config", filepath.Join(dir, "toolstore.yaml"))
	require.ErrorIs(t, err, errNoJournal)
}

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]interface{}
		wantErr bool
	}{
		{name: "empty", pairs: nil, want: nil},
		{name: "string", pairs: []string{"status=open"}, want: map[string]interface{}{"status": "open"}},
		{name: "typed", pairs: []string{"done=true", "priority=2"}, want: map[string]interface{}{"done": true, "priority": float64(2)}},
		{name: "value with equals", pairs: []string{"expr=a=b"}, want: map[string]interface{}{"expr": "a=b"}},
		{name: "missing value", pairs: []string{"status"}, wantErr: true},
		{name: "missing key", pairs: []string{"=open"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFilters(tt.pairs)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInputFlags(t *testing.T) {
	file := filepath.Join(t.TempDir(), "in.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"a": 1}`), 0o644))

	tests := []struct {
		name    string
		flags   inputFlags
		stdin   string
		want    map[string]interface{}
		wantErr bool
	}{
		{name: "none", want: map[string]interface{}{}},
		{name: "inline", flags: inputFlags{inline: `{"a": "b"}`}, want: map[string]interface{}{"a": "b"}},
		{name: "file", flags: inputFlags{file: file}, want: map[string]interface{}{"a": float64(1)}},
		{name: "stdin", flags: inputFlags{file: "-"}, stdin: `{"x": null}`, want: map[string]interface{}{"x": nil}},
		{name: "not an object", flags: inputFlags{inline: `[1]`}, wantErr: true},
		{name: "both", flags: inputFlags{inline: `{}`, file: file}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.read(strings.NewReader(tt.stdin))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
