package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResourceGroup is a named, independently toggleable unit of provisioning
// (network, cluster, database, monitoring, ...). Declarations are immutable
// for the duration of a run; produced outputs live in the run, not here.
type ResourceGroup struct {
	// Name is the unique identifier of the group.
	Name string `json:"name"`

	// Enabled toggles provisioning. Disabled groups remain graph nodes.
	Enabled bool `json:"enabled"`

	// Inputs are the ordered parameter bindings of the group.
	Inputs []Input `json:"inputs,omitempty"`

	// Tags override same-key policy tags.
	Tags map[string]string `json:"tags,omitempty"`

	// Provisioner selects the backend kind that applies the group.
	// Empty means the orchestrator's default provisioner.
	Provisioner string `json:"provisioner,omitempty"`

	// Timeout bounds a single provisioner call. Zero uses the orchestrator default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Description is free-form documentation.
	Description string `json:"description,omitempty"`
}

// Input is a single named parameter of a group.
type Input struct {
	Name    string  `json:"name"`
	Binding Binding `json:"binding"`
}

// References returns the group's Reference bindings in input order.
func (g *ResourceGroup) References() []Reference {
	refs := make([]Reference, 0, len(g.Inputs))
	for _, in := range g.Inputs {
		if in.Binding.Kind == BindingReference && in.Binding.Ref != nil {
			refs = append(refs, *in.Binding.Ref)
		}
	}
	return refs
}

// Input returns the binding for the named input.
func (g *ResourceGroup) Input(name string) (Binding, bool) {
	for _, in := range g.Inputs {
		if in.Name == name {
			return in.Binding, true
		}
	}
	return Binding{}, false
}

// BindingKind discriminates the Binding variant.
type BindingKind string

const (
	BindingLiteral   BindingKind = "literal"
	BindingReference BindingKind = "reference"
)

// ZeroKind selects the zero value substituted for a reference with no
// explicit fallback.
type ZeroKind string

const (
	ZeroNil    ZeroKind = ""
	ZeroString ZeroKind = "string"
	ZeroList   ZeroKind = "list"
	ZeroMap    ZeroKind = "map"
	ZeroNumber ZeroKind = "number"
	ZeroBool   ZeroKind = "bool"
)

// Value returns a fresh zero value of the kind.
func (z ZeroKind) Value() any {
	switch z {
	case ZeroString:
		return ""
	case ZeroList:
		return []any{}
	case ZeroMap:
		return map[string]any{}
	case ZeroNumber:
		return 0
	case ZeroBool:
		return false
	default:
		return nil
	}
}

// Validate checks if the zero kind is valid.
func (z ZeroKind) Validate() error {
	switch z {
	case ZeroNil, ZeroString, ZeroList, ZeroMap, ZeroNumber, ZeroBool:
		return nil
	default:
		return fmt.Errorf("invalid default kind: %s", z)
	}
}

// Binding is either a Literal value or a Reference to another group's output.
type Binding struct {
	Kind  BindingKind `json:"kind"`
	Value any         `json:"value,omitempty"`
	Ref   *Reference  `json:"ref,omitempty"`
}

// Reference points at (Group, Output). When the source cannot supply the
// value, Fallback is used if HasFallback is set, otherwise Default's zero value.
type Reference struct {
	Group       string   `json:"group"`
	Output      string   `json:"output"`
	Fallback    any      `json:"fallback,omitempty"`
	HasFallback bool     `json:"has_fallback,omitempty"`
	Default     ZeroKind `json:"default,omitempty"`
}

// String renders the reference as group.output.
func (r Reference) String() string {
	return r.Group + "." + r.Output
}

// substitute returns the value used when the source cannot supply the output.
func (r Reference) substitute() (any, Provenance) {
	if r.HasFallback {
		return r.Fallback, ProvenanceFallback
	}
	return r.Default.Value(), ProvenanceZero
}

// Literal returns a literal binding.
func Literal(v any) Binding {
	return Binding{Kind: BindingLiteral, Value: v}
}

// Ref returns a reference binding without an explicit fallback.
func Ref(group, output string) Binding {
	return Binding{Kind: BindingReference, Ref: &Reference{Group: group, Output: output}}
}

// RefOr returns a reference binding with an explicit fallback.
func RefOr(group, output string, fallback any) Binding {
	return Binding{Kind: BindingReference, Ref: &Reference{
		Group:       group,
		Output:      output,
		Fallback:    fallback,
		HasFallback: true,
	}}
}

// WithDefault sets the zero-value kind of a reference binding.
func (b Binding) WithDefault(kind ZeroKind) Binding {
	if b.Ref != nil {
		ref := *b.Ref
		ref.Default = kind
		b.Ref = &ref
	}
	return b
}

// Validate checks the variant is well formed.
func (b Binding) Validate() error {
	switch b.Kind {
	case BindingLiteral:
		if b.Ref != nil {
			return fmt.Errorf("literal binding must not carry a reference")
		}
		return nil
	case BindingReference:
		if b.Ref == nil {
			return fmt.Errorf("reference binding has no target")
		}
		if b.Ref.Group == "" || b.Ref.Output == "" {
			return fmt.Errorf("reference must name both group and output, got %q", b.Ref.String())
		}
		return b.Ref.Default.Validate()
	default:
		return fmt.Errorf("invalid binding kind: %q", b.Kind)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (k BindingKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// Provenance records where a resolved input value came from.
type Provenance string

const (
	ProvenanceLiteral  Provenance = "literal"
	ProvenanceOutput   Provenance = "output"
	ProvenanceFallback Provenance = "fallback"
	ProvenanceZero     Provenance = "zero"
	ProvenancePolicy   Provenance = "policy"
)

// ResolvedInput is a concrete input value with its origin.
type ResolvedInput struct {
	Name       string     `json:"name"`
	Value      any        `json:"value"`
	Provenance Provenance `json:"provenance"`
	Source     string     `json:"source,omitempty"`
}

// ResolvedInputs is the ordered result of resolving a group's bindings.
type ResolvedInputs []ResolvedInput

// Map returns the inputs as a plain map for the provisioner call.
func (r ResolvedInputs) Map() map[string]any {
	m := make(map[string]any, len(r))
	for _, in := range r {
		m[in.Name] = in.Value
	}
	return m
}

// Get returns the resolved input by name.
func (r ResolvedInputs) Get(name string) (ResolvedInput, bool) {
	for _, in := range r {
		if in.Name == name {
			return in, true
		}
	}
	return ResolvedInput{}, false
}
