package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// Registry holds the compiled artifacts loaded from disk: plans by tool name,
// workflows by name, rule sets and entity schemas. It is safe for concurrent use.
type Registry struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
	logger   zerolog.Logger

	mu        sync.RWMutex
	plans     map[string]*engine.Plan
	workflows map[string]*engine.Workflow
	ruleSets  []engine.RuleSet
	entities  []engine.EntitySchema
}

var _ engine.PlanSource = (*Registry)(nil)

// NewRegistry creates an empty artifact registry.
func NewRegistry(logger zerolog.Logger) (*Registry, error) {
	schemas, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	return &Registry{
		schemas:   schemas,
		validate:  validator.New(),
		logger:    logger.With().Str("component", "artifacts").Logger(),
		plans:     make(map[string]*engine.Plan),
		workflows: make(map[string]*engine.Workflow),
	}, nil
}

// LoadDir loads every .json, .yaml, .yml and .cue file under dir. Files are read
// in lexical path order. Any invalid document fails the whole load and leaves the
// registry unchanged. A missing directory loads nothing.
func (r *Registry) LoadDir(dir string) error {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isArtifactFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn().Str("dir", dir).Msg("Artifacts directory does not exist")
			return nil
		}
		return fmt.Errorf("walk artifacts: %w", err)
	}
	sort.Strings(paths)

	var docs []Document
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		parsed, err := ParseDocuments(path, data)
		if err != nil {
			return err
		}
		docs = append(docs, parsed...)
	}
	return r.Add(docs...)
}

// Add decodes and registers documents atomically.
func (r *Registry) Add(docs ...Document) error {
	art, err := r.Decode(docs...)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	plans := make(map[string]*engine.Plan, len(r.plans)+len(art.Plans))
	for k, v := range r.plans {
		plans[k] = v
	}
	for _, p := range art.Plans {
		if _, dup := plans[p.ToolName]; dup {
			return fmt.Errorf("duplicate plan %s", p.ToolName)
		}
		plans[p.ToolName] = p
	}
	workflows := make(map[string]*engine.Workflow, len(r.workflows)+len(art.Workflows))
	for k, v := range r.workflows {
		workflows[k] = v
	}
	for _, w := range art.Workflows {
		if _, dup := workflows[w.Name]; dup {
			return fmt.Errorf("duplicate workflow %s", w.Name)
		}
		workflows[w.Name] = w
	}
	seenSets := make(map[string]bool)
	for _, rs := range r.ruleSets {
		seenSets[rs.Name] = true
	}
	for _, rs := range art.RuleSets {
		if seenSets[rs.Name] {
			return fmt.Errorf("duplicate rule set %s", rs.Name)
		}
		seenSets[rs.Name] = true
	}
	seenEntities := make(map[string]bool)
	for _, s := range r.entities {
		seenEntities[s.CollectionName()] = true
	}
	for _, s := range art.Schemas {
		if seenEntities[s.CollectionName()] {
			return fmt.Errorf("duplicate entity schema %s", s.Name)
		}
		seenEntities[s.CollectionName()] = true
	}

	r.plans = plans
	r.workflows = workflows
	r.ruleSets = append(append([]engine.RuleSet(nil), r.ruleSets...), art.RuleSets...)
	r.entities = append(append([]engine.EntitySchema(nil), r.entities...), art.Schemas...)

	r.logger.Info().
		Int("plans", len(art.Plans)).
		Int("workflows", len(art.Workflows)).
		Int("rule_sets", len(art.RuleSets)).
		Int("schemas", len(art.Schemas)).
		Msg("Artifacts loaded")
	return nil
}

// Decode checks each document against its CUE definition and decodes it into
// its typed form without registering it.
func (r *Registry) Decode(docs ...Document) (*Artifacts, error) {
	art := &Artifacts{}
	for _, doc := range docs {
		where := doc.location()
		kind := doc.Kind
		if kind == "" {
			return nil, fmt.Errorf("%s: missing kind", where)
		}

		body := make(map[string]interface{}, len(doc.Body))
		for k, v := range doc.Body {
			if k != "kind" {
				body[k] = v
			}
		}
		if err := r.schemas.Validate(kind, body); err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		hash, err := SourceHash(kind, body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}

		switch kind {
		case KindPlan:
			var p engine.Plan
			if err := r.decodeInto(body, &p); err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			if p.SourceHash == "" {
				p.SourceHash = hash
			}
			art.Plans = append(art.Plans, &p)
		case KindWorkflow:
			var w engine.Workflow
			if err := r.decodeInto(body, &w); err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			if err := w.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			if w.SourceHash == "" {
				w.SourceHash = hash
			}
			art.Workflows = append(art.Workflows, &w)
		case KindRules:
			var rs engine.RuleSet
			if err := r.decodeInto(body, &rs); err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			if err := rs.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			if rs.SourceHash == "" {
				rs.SourceHash = hash
			}
			art.RuleSets = append(art.RuleSets, rs)
		case KindSchema:
			var s engine.EntitySchema
			if err := r.decodeInto(body, &s); err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			if err := s.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			art.Schemas = append(art.Schemas, s)
		default:
			return nil, fmt.Errorf("%s: unknown kind %q", where, kind)
		}
	}
	return art, nil
}

func (r *Registry) decodeInto(body map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := r.validate.Struct(out); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	return nil
}

// Plan implements engine.PlanSource.
func (r *Registry) Plan(toolName string) (*engine.Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[toolName]
	return p, ok
}

// Plans returns every plan sorted by tool name.
func (r *Registry) Plans() []*engine.Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.Plan, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out
}

// Workflow returns the named workflow.
func (r *Registry) Workflow(name string) (*engine.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	return w, ok
}

// Workflows returns every workflow sorted by name.
func (r *Registry) Workflows() []*engine.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WorkflowsForEvent returns the event-triggered workflows listening on event,
// sorted by name.
func (r *Registry) WorkflowsForEvent(event string) []*engine.Workflow {
	var out []*engine.Workflow
	for _, w := range r.Workflows() {
		if w.Trigger.Type == engine.TriggerEvent && w.Trigger.Event == event {
			out = append(out, w)
		}
	}
	return out
}

// RuleSets returns the rule sets in load order.
func (r *Registry) RuleSets() []engine.RuleSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]engine.RuleSet(nil), r.ruleSets...)
}

// Schemas returns the entity schemas in load order.
func (r *Registry) Schemas() []engine.EntitySchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]engine.EntitySchema(nil), r.entities...)
}

// ParseDocuments splits a file into artifact documents. YAML files may hold
// several documents separated by "---". JSON and CUE files hold one document.
// Integral JSON numbers decode as int64 so CUE int constraints accept them.
func ParseDocuments(path string, data []byte) ([]Document, error) {
	var bodies []map[string]interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		val := cuecontext.New().CompileBytes(data)
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		var body map[string]interface{}
		if err := val.Decode(&body); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		bodies = append(bodies, body)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var body map[string]interface{}
		if err := dec.Decode(&body); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		bodies = append(bodies, exactNumbers(body).(map[string]interface{}))
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for {
			var body map[string]interface{}
			err := dec.Decode(&body)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if body == nil {
				continue
			}
			bodies = append(bodies, body)
		}
	}

	docs := make([]Document, 0, len(bodies))
	for i, body := range bodies {
		kind, _ := body["kind"].(string)
		docs = append(docs, Document{Kind: kind, Path: path, Index: i, Body: body, Source: data})
	}
	return docs, nil
}

// SourceHash fingerprints a document body: sha256 over the kind, a NUL byte and
// the canonical JSON encoding of the body.
func SourceHash(kind string, body map[string]interface{}) (string, error) {
	canonical := make(map[string]interface{}, len(body))
	for k, v := range body {
		if k != "sourceHash" && k != "kind" {
			canonical[k] = v
		}
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("hash document: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func exactNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]interface{}:
		for k, item := range val {
			val[k] = exactNumbers(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = exactNumbers(item)
		}
		return val
	}
	return v
}

func (d Document) location() string {
	if d.Path == "" {
		return fmt.Sprintf("document %d", d.Index)
	}
	return fmt.Sprintf("%s[%d]", d.Path, d.Index)
}

func isArtifactFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml", ".cue":
		return true
	}
	return false
}
