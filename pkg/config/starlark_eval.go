package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultStarlarkTimeout bounds a single script execution.
const DefaultStarlarkTimeout = 30 * time.Second

// StarlarkEvaluator executes Starlark scripts with a deadline and an optional
// step budget. It backs the .star stack format and the script provisioner.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// WithMaxSteps caps the number of execution steps per script.
func (se *StarlarkEvaluator) WithMaxSteps(n uint64) *StarlarkEvaluator {
	se.maxSteps = n
	return se
}

// Evaluate executes a script with input bound as predeclared globals and
// returns its exported (non-underscore) globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()

	globals, printed, err := se.exec(ctx, filename, script, input)
	if err != nil {
		return nil, err
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := FromStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(start),
		Printed:       printed,
	}, nil
}

// Call executes a script and then calls the named top-level function with
// args. The return value is converted to Go and stored under "result".
func (se *StarlarkEvaluator) Call(ctx context.Context, filename, script, fn string, args ...interface{}) (*StarlarkResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	var printed []string
	thread := se.newThread(&printed)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, script, predeclared(nil))
	if err != nil {
		return nil, execError(ctx, err)
	}

	callable, ok := globals[fn].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s does not define function %s", filename, fn)
	}

	sargs := make(starlark.Tuple, len(args))
	for i, a := range args {
		v, err := ToStarlark(a)
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument %d: %w", i, err)
		}
		sargs[i] = v
	}

	ret, err := starlark.Call(thread, callable, sargs, nil)
	if err != nil {
		return nil, execError(ctx, err)
	}

	result, err := FromStarlark(ret)
	if err != nil {
		return nil, fmt.Errorf("failed to convert result of %s: %w", fn, err)
	}

	return &StarlarkResult{
		Output:        map[string]interface{}{"result": result},
		ExecutionTime: time.Since(start),
		Printed:       printed,
	}, nil
}

func (se *StarlarkEvaluator) exec(ctx context.Context, filename, script string, input map[string]interface{}) (starlark.StringDict, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	var printed []string
	thread := se.newThread(&printed)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	env := predeclared(nil)
	for _, key := range sortedInputKeys(input) {
		v, err := ToStarlark(input[key])
		if err != nil {
			return nil, nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		env[key] = v
	}

	globals, err := starlark.ExecFile(thread, filename, script, env)
	if err != nil {
		return nil, nil, execError(ctx, err)
	}
	return globals, printed, nil
}

func (se *StarlarkEvaluator) newThread(printed *[]string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: "cascade",
		Print: func(_ *starlark.Thread, msg string) {
			*printed = append(*printed, msg)
		},
	}
	if se.maxSteps > 0 {
		thread.SetMaxExecutionSteps(se.maxSteps)
	}
	return thread
}

func predeclared(extra starlark.StringDict) starlark.StringDict {
	env := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkjson.Module,
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func execError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("starlark execution cancelled: %w", ctx.Err())
	}
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return fmt.Errorf("starlark execution failed: %s", evalErr.Backtrace())
	}
	return fmt.Errorf("starlark execution failed: %w", err)
}

func sortedInputKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToStarlark converts a Go value to a Starlark value. Map keys are inserted
// in sorted order.
func ToStarlark(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := ToStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedInputKeys(val) {
			sv, err := ToStarlark(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// FromStarlark converts a Starlark value to a Go value. Integers become
// int64 and dicts become map[string]interface{}.
func FromStarlark(v starlark.Value) (interface{}, error) {
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
		return fromIterable(val, val.Len())
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := FromStarlark(item[1])
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
			value, err := FromStarlark(attr)
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

func fromIterable(it starlark.Iterable, n int) ([]interface{}, error) {
	list := make([]interface{}, 0, n)
	iter := it.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		item, err := FromStarlark(x)
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	return list, nil
}

// parseStarlark executes a .star stack script. The script defines the same
// top-level names as the other formats: name, policy, settings and groups.
// groups is a list of dicts or a dict of dicts; dict insertion order is kept.
func parseStarlark(ctx context.Context, se *StarlarkEvaluator, schemas *SchemaRegistry, file string, script string) (*Document, error) {
	globals, _, err := se.exec(ctx, file, script, nil)
	if err != nil {
		return nil, ValidationError{File: file, Message: err.Error()}
	}

	generic := make(map[string]interface{})
	for _, key := range []string{"name", "policy", "settings", "groups"} {
		if v, ok := globals[key]; ok {
			goVal, err := FromStarlark(v)
			if err != nil {
				return nil, ValidationError{File: file, Path: key, Message: err.Error()}
			}
			generic[key] = goVal
		}
	}
	if err := schemas.ValidateAgainstSchema(ctx, SchemaStack, generic); err != nil {
		return nil, withFile(convertCUEErrors(err), file)
	}

	doc := &Document{}
	if name, ok := generic["name"].(string); ok {
		doc.Name = name
	}
	if err := remarshal(generic["policy"], &doc.Policy); err != nil {
		return nil, ValidationError{File: file, Path: "policy", Message: err.Error()}
	}
	if err := remarshal(generic["settings"], &doc.Settings); err != nil {
		return nil, ValidationError{File: file, Path: "settings", Message: err.Error()}
	}

	groups, err := starlarkGroups(globals["groups"])
	if err != nil {
		return nil, ValidationError{File: file, Path: "groups", Message: err.Error()}
	}
	doc.Groups = groups
	return doc, nil
}

func starlarkGroups(v starlark.Value) ([]GroupConfig, error) {
	var groups []GroupConfig
	add := func(key string, gv starlark.Value) error {
		g, err := starlarkGroup(key, gv)
		if err != nil {
			return err
		}
		groups = append(groups, g)
		return nil
	}

	switch val := v.(type) {
	case *starlark.List:
		for i := 0; i < val.Len(); i++ {
			if err := add("", val.Index(i)); err != nil {
				return nil, err
			}
		}
	case *starlark.Dict:
		for _, item := range val.Items() {
			key, _ := starlark.AsString(item[0])
			if err := add(key, item[1]); err != nil {
				return nil, err
			}
		}
	}
	return groups, nil
}

func starlarkGroup(key string, v starlark.Value) (GroupConfig, error) {
	var group GroupConfig
	goVal, err := FromStarlark(v)
	if err != nil {
		return group, err
	}
	if err := remarshal(goVal, &group); err != nil {
		return group, err
	}
	if key != "" {
		if group.Name != "" && group.Name != key {
			return group, fmt.Errorf("name %q does not match key %q", group.Name, key)
		}
		group.Name = key
	}

	dict, ok := v.(*starlark.Dict)
	if !ok {
		return group, nil
	}
	raw, found, _ := dict.Get(starlark.String("inputs"))
	if !found {
		return group, nil
	}
	inputs, ok := raw.(*starlark.Dict)
	if !ok {
		return group, fmt.Errorf("group %s: inputs must be a dict", group.Name)
	}
	for _, item := range inputs.Items() {
		name, _ := starlark.AsString(item[0])
		value, err := FromStarlark(item[1])
		if err != nil {
			return group, fmt.Errorf("group %s: input %s: %w", group.Name, name, err)
		}
		group.Inputs = append(group.Inputs, InputConfig{Name: name, Value: value})
	}
	return group, nil
}

// remarshal maps a generic value onto a tagged struct.
func remarshal(in interface{}, out interface{}) error {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
