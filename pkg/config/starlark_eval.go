package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/toolstore/pkg/engine"
)

// DefaultScriptTimeout bounds one Starlark script run.
const DefaultScriptTimeout = 5 * time.Second

// StarlarkResult is the outcome of one script run.
type StarlarkResult struct {
	// Output holds the script's exported globals (names not starting with _).
	Output map[string]interface{}

	// ExecutionTime is the wall time spent evaluating.
	ExecutionTime time.Duration
}

// StarlarkEvaluator executes Starlark scripts in a sandbox: no load(), no
// print output, and a bounded run time.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script with input converted to predeclared globals, plus any
// extra builtins. The run is cancelled when ctx ends or the timeout elapses.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name, script string, input map[string]interface{}, builtins starlark.StringDict) (*StarlarkResult, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{"struct": starlarkstruct.Default}
	for key, fn := range builtins {
		predeclared[key] = fn
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, name+".star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for key, val := range globals {
		if len(key) > 0 && key[0] == '_' {
			continue
		}
		if _, isFunc := val.(*starlark.Function); isFunc {
			continue
		}
		gv, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", key, err)
		}
		output[key] = gv
	}
	return &StarlarkResult{Output: output, ExecutionTime: time.Since(start)}, nil
}

// StarlarkCompensator runs a compensation's script, when it has one, with
// storage builtins bound to a store. Compensations without a script are
// logged as advisory and succeed. Control flow (if, for) must sit inside a
// def, as in standard Starlark.
//
// Scripts see these globals:
//
//	workflow, run_id, action   strings
//	failed_step                int
//	failure                    dict {code, message}
//	context                    dict of saga context variables
//	params                     dict of resolved compensation params
//
// and these builtins:
//
//	read(collection, id)            -> dict or None
//	create(collection, fields)      -> dict
//	update(collection, id, fields)  -> dict
//	delete(collection, id)          -> dict
//	fail(message)                   aborts the compensation
type StarlarkCompensator struct {
	eval   *StarlarkEvaluator
	store  engine.Store
	logger zerolog.Logger
}

var _ engine.Compensator = (*StarlarkCompensator)(nil)

// NewStarlarkCompensator creates a compensator. store may be nil, in which
// case the storage builtins fail when called.
func NewStarlarkCompensator(store engine.Store, timeout time.Duration, logger zerolog.Logger) *StarlarkCompensator {
	return &StarlarkCompensator{
		eval:   NewStarlarkEvaluator(timeout),
		store:  store,
		logger: logger.With().Str("component", "starlark_compensator").Logger(),
	}
}

// Compensate implements engine.Compensator.
func (sc *StarlarkCompensator) Compensate(ctx context.Context, req engine.CompensationRequest) error {
	log := sc.logger.With().
		Str("workflow", req.Workflow).
		Str("run_id", req.RunID).
		Int("failed_step", req.FailedStep).
		Str("action", req.Compensation.Action).
		Logger()

	if req.Compensation.Script == "" {
		log.Info().Msg("compensation advised")
		return nil
	}

	failure := map[string]interface{}{}
	if req.Failure != nil {
		failure["code"] = req.Failure.Code
		failure["message"] = req.Failure.Message
	}
	input := map[string]interface{}{
		"workflow":    req.Workflow,
		"run_id":      req.RunID,
		"action":      req.Compensation.Action,
		"failed_step": req.FailedStep,
		"failure":     failure,
		"context":     nonNil(req.Context),
		"params":      nonNil(req.Compensation.Params),
	}

	res, err := sc.eval.Evaluate(ctx, "compensation", req.Compensation.Script, input, sc.builtins(ctx))
	if err != nil {
		log.Warn().Err(err).Msg("compensation script failed")
		return err
	}
	log.Info().Dur("duration", res.ExecutionTime).Msg("compensation script completed")
	return nil
}

func nonNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func (sc *StarlarkCompensator) builtins(ctx context.Context) starlark.StringDict {
	recordValue := func(rec engine.Record) (starlark.Value, error) {
		if rec == nil {
			return starlark.None, nil
		}
		return toStarlarkValue(map[string]interface{}(rec))
	}
	needStore := func(b *starlark.Builtin) error {
		if sc.store == nil {
			return fmt.Errorf("%s: no store configured", b.Name())
		}
		return nil
	}
	fields := func(d *starlark.Dict) (engine.Record, error) {
		v, err := fromStarlarkValue(d)
		if err != nil {
			return nil, err
		}
		return engine.Record(v.(map[string]interface{})), nil
	}

	return starlark.StringDict{
		"read": starlark.NewBuiltin("read", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var coll, id string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "collection", &coll, "id", &id); err != nil {
				return nil, err
			}
			if err := needStore(b); err != nil {
				return nil, err
			}
			rec, found, err := sc.store.Read(ctx, coll, id)
			if err != nil {
				return nil, err
			}
			if !found {
				return starlark.None, nil
			}
			return recordValue(rec)
		}),
		"create": starlark.NewBuiltin("create", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var coll string
			var data *starlark.Dict
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "collection", &coll, "fields", &data); err != nil {
				return nil, err
			}
			if err := needStore(b); err != nil {
				return nil, err
			}
			rec, err := fields(data)
			if err != nil {
				return nil, err
			}
			created, err := sc.store.Create(ctx, coll, rec)
			if err != nil {
				return nil, err
			}
			return recordValue(created)
		}),
		"update": starlark.NewBuiltin("update", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var coll, id string
			var data *starlark.Dict
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "collection", &coll, "id", &id, "fields", &data); err != nil {
				return nil, err
			}
			if err := needStore(b); err != nil {
				return nil, err
			}
			rec, err := fields(data)
			if err != nil {
				return nil, err
			}
			updated, err := sc.store.Update(ctx, coll, id, rec)
			if err != nil {
				return nil, err
			}
			return recordValue(updated)
		}),
		"delete": starlark.NewBuiltin("delete", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var coll, id string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "collection", &coll, "id", &id); err != nil {
				return nil, err
			}
			if err := needStore(b); err != nil {
				return nil, err
			}
			deleted, err := sc.store.Delete(ctx, coll, id)
			if err != nil {
				return nil, err
			}
			return recordValue(deleted)
		}),
		"fail": starlark.NewBuiltin("fail", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var msg string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "message", &msg); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%s", msg)
		}),
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		// Integral JSON numbers become ints so scripts can index and compare them.
		if i, ok := engine.AsInt(val); ok {
			return starlark.MakeInt64(i), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case engine.Record:
		return toStarlarkValue(map[string]interface{}(val))
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	if f, ok := engine.AsFloat(v); ok {
		return toStarlarkValue(f)
	}
	return nil, fmt.Errorf("unsupported type: %T", v)
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
