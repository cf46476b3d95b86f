package engine

import (
	"fmt"
	"sync"
)

// OutputTable holds the outputs produced during one run. Each group owns one
// slot that is written at most once, after its provisioner call succeeds, and
// is read-only afterwards.
type OutputTable struct {
	mu    sync.RWMutex
	slots map[string]map[string]any
}

// NewOutputTable creates an empty table.
func NewOutputTable() *OutputTable {
	return &OutputTable{slots: make(map[string]map[string]any)}
}

// Record writes the outputs of a group. A second write for the same group is
// an internal error.
func (t *OutputTable) Record(group string, outputs map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.slots[group]; exists {
		return NewPermanentError(fmt.Sprintf("outputs for group %s already recorded", group), nil).
			WithCode(ErrCodeInternal).
			WithResource(group)
	}
	t.slots[group] = cloneMap(outputs)
	return nil
}

// Lookup returns a copy of the recorded outputs of a group.
func (t *OutputTable) Lookup(group string) (map[string]any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	outputs, ok := t.slots[group]
	if !ok {
		return nil, false
	}
	return cloneMap(outputs), true
}

// value returns a single output without copying the whole slot.
func (t *OutputTable) value(group, output string) (value any, recorded bool, present bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	outputs, recorded := t.slots[group]
	if !recorded {
		return nil, false, false
	}
	value, present = outputs[output]
	return cloneValue(value), true, present
}

// OutputResolver turns a group's bindings into concrete input values using
// the graph's declarations and the outputs recorded so far.
type OutputResolver struct {
	graph   *DependencyGraph
	outputs *OutputTable
}

// NewOutputResolver creates a resolver over a graph and an output table.
func NewOutputResolver(graph *DependencyGraph, outputs *OutputTable) *OutputResolver {
	return &OutputResolver{graph: graph, outputs: outputs}
}

// Resolve resolves every input binding of the group, in input order.
//
// A reference to a disabled source, or to an output key the source did not
// produce, resolves to the fallback (or the zero value) and never fails.
// A reference to an enabled source that has not recorded outputs yet is a
// forward reference and fails with a configuration error.
func (r *OutputResolver) Resolve(group *ResourceGroup) (ResolvedInputs, error) {
	resolved := make(ResolvedInputs, 0, len(group.Inputs))

	for _, in := range group.Inputs {
		switch in.Binding.Kind {
		case BindingLiteral:
			resolved = append(resolved, ResolvedInput{
				Name:       in.Name,
				Value:      cloneValue(in.Binding.Value),
				Provenance: ProvenanceLiteral,
			})

		case BindingReference:
			value, provenance, err := r.resolveReference(group, in.Name, *in.Binding.Ref)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, ResolvedInput{
				Name:       in.Name,
				Value:      value,
				Provenance: provenance,
				Source:     in.Binding.Ref.String(),
			})

		default:
			return nil, NewConfigurationError(fmt.Sprintf("invalid binding kind %q for input %q", in.Binding.Kind, in.Name), nil).
				WithResource(group.Name)
		}
	}

	return resolved, nil
}

func (r *OutputResolver) resolveReference(group *ResourceGroup, input string, ref Reference) (any, Provenance, error) {
	source, ok := r.graph.Group(ref.Group)
	if !ok {
		return nil, "", NewConfigurationError(
			fmt.Sprintf("input %q references undeclared group %s", input, ref.Group), nil,
		).WithCode(ErrCodeDanglingReference).WithResource(group.Name)
	}

	if !source.Enabled {
		v, p := ref.substitute()
		return cloneValue(v), p, nil
	}

	value, recorded, present := r.outputs.value(ref.Group, ref.Output)
	if !recorded {
		return nil, "", NewConfigurationError(
			fmt.Sprintf("input %q references enabled group %s before it was applied", input, ref.Group), nil,
		).WithCode(ErrCodeForwardReference).
			WithResource(group.Name).
			WithDetail("reference", ref.String())
	}
	if !present {
		v, p := ref.substitute()
		return cloneValue(v), p, nil
	}
	return value, ProvenanceOutput, nil
}

// CheckOrder verifies that every enabled source a group references precedes
// it in the application order. It runs during planning, before any side effect.
func (r *OutputResolver) CheckOrder(group *ResourceGroup) error {
	pos := r.graph.Position(group.Name)
	for _, ref := range group.References() {
		source, ok := r.graph.Group(ref.Group)
		if !ok {
			return NewConfigurationError(fmt.Sprintf("reference %s names an undeclared group", ref.String()), nil).
				WithCode(ErrCodeDanglingReference).
				WithResource(group.Name)
		}
		if !source.Enabled {
			continue
		}
		if r.graph.Position(ref.Group) >= pos {
			return NewConfigurationError(
				fmt.Sprintf("reference %s is not ordered before %s", ref.String(), group.Name), nil,
			).WithCode(ErrCodeForwardReference).WithResource(group.Name)
		}
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies the container types produced by decoders so that
// downstream groups never share mutable state with the recorded slot.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
