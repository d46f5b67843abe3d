package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// Loader reads rule sets from standalone policy files.
//
// A .json file holds one engine.RuleSet. A .rego file becomes a rule set with a
// single rule whose only condition is the module itself. Its header comments
// may carry directives:
//
//	# name: owner-only-writes
//	# category: permissions
//	# applies_to: tasks.update, tasks.delete
//	# code: forbidden
//	# message: only the owner may change a task
//	# query: data.toolstore.rules.owner.allow
//
// Other header comments form the rule's description.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy_loader").Logger()}
}

// LoadFromPaths loads rule sets from files and directories. Directories are
// walked recursively; unreadable files inside them are logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]engine.RuleSet, error) {
	var all []engine.RuleSet
	for _, path := range paths {
		sets, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, sets...)
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("rule sets loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]engine.RuleSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	set, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []engine.RuleSet{*set}, nil
}

func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]engine.RuleSet, error) {
	var sets []engine.RuleSet
	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".rego") && !strings.HasSuffix(path, ".json") {
			return nil
		}
		set, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("failed to load policy file")
			return nil
		}
		sets = append(sets, *set)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return sets, nil
}

func (l *Loader) loadFromFile(filePath string) (*engine.RuleSet, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var set *engine.RuleSet
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		set, err = ParseRegoPolicy(filePath, string(data))
	case strings.HasSuffix(filePath, ".json"):
		set = &engine.RuleSet{}
		if err = json.Unmarshal(data, set); err != nil {
			err = fmt.Errorf("failed to parse JSON rule set: %w", err)
		}
	default:
		err = fmt.Errorf("unsupported file type: %s", filePath)
	}
	if err != nil {
		return nil, err
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	l.logger.Debug().Str("path", filePath).Str("rule_set", set.Name).Msg("rule set loaded from file")
	return set, nil
}

// ParseRegoPolicy builds a single-rule rule set from a rego module and its
// header directives. The module must parse.
func ParseRegoPolicy(filePath, source string) (*engine.RuleSet, error) {
	if _, err := ast.ParseModule(filePath, source); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	directives, description := parseHeader(source)
	name := directives["name"]
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(filePath), ".rego")
	}
	appliesTo := []string{"*"}
	if v := directives["applies_to"]; v != "" {
		appliesTo = appliesTo[:0]
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				appliesTo = append(appliesTo, p)
			}
		}
	}
	code := directives["code"]
	if code == "" {
		code = "policy_violation"
	}

	return &engine.RuleSet{
		Name:     name,
		Category: directives["category"],
		Rules: []engine.Rule{{
			Description: description,
			AppliesTo:   appliesTo,
			Conditions: []engine.RuleCondition{{
				Type:   engine.CondRego,
				Module: source,
				Query:  directives["query"],
			}},
			OnFailure: engine.Failure{Code: code, Message: directives["message"]},
		}},
	}, nil
}

var knownDirectives = map[string]bool{
	"name": true, "category": true, "applies_to": true, "code": true, "message": true, "query": true,
}

// parseHeader reads the leading comment block. Lines of the form "key: value"
// with a known key are directives; the rest form the description.
func parseHeader(content string) (map[string]string, string) {
	directives := make(map[string]string)
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if key, value, ok := strings.Cut(comment, ":"); ok && knownDirectives[strings.TrimSpace(key)] {
			directives[strings.TrimSpace(key)] = strings.TrimSpace(value)
			continue
		}
		if comment != "" {
			if description.Len() > 0 {
				description.WriteString(" ")
			}
			description.WriteString(comment)
		}
	}
	return directives, description.String()
}
