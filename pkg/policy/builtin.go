package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicyRequiredTags = "required-tags"
	PolicyEncryption   = "encryption-at-rest"
	PolicyGroupNaming  = "group-naming"
)

// GetBuiltinPolicies returns all built-in policies. Their parameters are
// read from data.cascade.params, see WithRequiredTags and
// WithEncryptionRequired.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		requiredTagsPolicy(),
		encryptionPolicy(),
		groupNamingPolicy(),
	}
}

// requiredTagsPolicy rejects groups whose effective tags lack a required key.
func requiredTagsPolicy() Policy {
	return Policy{
		Name:        PolicyRequiredTags,
		Description: "Every group must carry the configured tag keys with non-empty values",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"tagging", "governance"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cascade.policies.tags

import rego.v1

deny contains violation if {
	some key in data.cascade.params.required_tags
	not input.request.tags[key]
	violation := {
		"message": sprintf("group %s is missing required tag %s", [input.request.group, key]),
		"group": input.request.group,
	}
}

deny contains violation if {
	some key in data.cascade.params.required_tags
	input.request.tags[key] == ""
	violation := {
		"message": sprintf("group %s has an empty value for required tag %s", [input.request.group, key]),
		"group": input.request.group,
	}
}
`,
	}
}

// encryptionPolicy rejects groups that do not enable encryption at rest when
// the policy requires it. A reference-bound "encrypted" input is accepted
// since its value is only known at apply time.
func encryptionPolicy() Policy {
	return Policy{
		Name:        PolicyEncryption,
		Description: "Groups must set encrypted=true when encryption at rest is required",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "encryption"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cascade.policies.encryption

import rego.v1

deny contains violation if {
	data.cascade.params.require_encryption == true
	not input.request.references.encrypted
	not input.request.inputs.encrypted == true
	violation := {
		"message": sprintf("group %s must enable encryption at rest", [input.request.group]),
		"group": input.request.group,
	}
}
`,
	}
}

// groupNamingPolicy enforces lowercase group names and bounded Name tags.
func groupNamingPolicy() Policy {
	return Policy{
		Name:        PolicyGroupNaming,
		Description: "Group names are lowercase alphanumeric with hyphens or underscores",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cascade.policies.naming

import rego.v1

deny contains violation if {
	not regex.match("^[a-z][a-z0-9_-]*$", input.request.group)
	violation := {
		"message": sprintf("group name '%s' must be lowercase alphanumeric with hyphens or underscores", [input.request.group]),
		"group": input.request.group,
	}
}

# Most providers cap tag values at 63 characters.
deny contains violation if {
	name := input.request.tags.Name
	count(name) > 63
	violation := {
		"message": sprintf("Name tag of group %s exceeds 63 characters", [input.request.group]),
		"severity": "warning",
		"group": input.request.group,
	}
}
`,
	}
}
