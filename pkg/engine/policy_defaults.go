package engine

import (
	"sort"
)

// PolicyDefaults is the uniform policy layer merged into every provisioning
// request: base tags, encryption defaults and naming.
type PolicyDefaults struct {
	// Tags are applied as the base layer; group tags override them.
	Tags map[string]string `json:"tags,omitempty"`

	// Encryption supplies the encrypted/kms_key_id inputs.
	Encryption EncryptionPolicy `json:"encryption"`

	// Naming supplies the Name tag.
	Naming NamingPolicy `json:"naming"`

	// Inputs are default input values for groups that do not bind them.
	Inputs map[string]any `json:"inputs,omitempty"`
}

// EncryptionPolicy describes encryption-at-rest defaults.
type EncryptionPolicy struct {
	Enabled  bool   `json:"enabled"`
	KMSKeyID string `json:"kms_key_id,omitempty"`
}

// NamingPolicy describes the default Name tag.
type NamingPolicy struct {
	Prefix    string `json:"prefix,omitempty"`
	Separator string `json:"separator,omitempty"`
}

// Input names injected by the encryption policy.
const (
	InputEncrypted = "encrypted"
	InputKMSKeyID  = "kms_key_id"
	TagName        = "Name"
)

// MergeTags returns the key-wise union of base and group tags. On collision
// the group value wins. The result never aliases either argument.
func MergeTags(base, group map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(group))
	for _, k := range sortedKeys(base) {
		out[k] = base[k]
	}
	for _, k := range sortedKeys(group) {
		out[k] = group[k]
	}
	return out
}

// EffectiveTags merges the policy base tags, the naming default and the
// group's own tags, in that precedence order (group highest).
func (p PolicyDefaults) EffectiveTags(group *ResourceGroup) map[string]string {
	base := MergeTags(p.Tags, nil)
	if p.Naming.Prefix != "" {
		if _, ok := base[TagName]; !ok {
			sep := p.Naming.Separator
			if sep == "" {
				sep = "-"
			}
			base[TagName] = p.Naming.Prefix + sep + group.Name
		}
	}
	return MergeTags(base, group.Tags)
}

// DefaultInputs returns the policy-supplied inputs for a group, excluding any
// the group binds itself, sorted by name.
func (p PolicyDefaults) DefaultInputs(group *ResourceGroup) ResolvedInputs {
	defaults := make(map[string]any, len(p.Inputs)+2)
	for k, v := range p.Inputs {
		defaults[k] = v
	}
	if p.Encryption.Enabled {
		defaults[InputEncrypted] = true
		if p.Encryption.KMSKeyID != "" {
			defaults[InputKMSKeyID] = p.Encryption.KMSKeyID
		}
	}

	out := make(ResolvedInputs, 0, len(defaults))
	for _, k := range sortedKeys(defaults) {
		if _, bound := group.Input(k); bound {
			continue
		}
		out = append(out, ResolvedInput{Name: k, Value: defaults[k], Provenance: ProvenancePolicy})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
