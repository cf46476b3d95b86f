// Package policy evaluates guardrail policies written in Rego against the
// provision requests of a plan.
//
// Each policy defines a deny set. Members are objects with a "message" key
// and optional "severity" and "group" keys:
//
//	package cascade.policies.tags
//
//	import rego.v1
//
//	deny contains violation if {
//		some key in data.cascade.params.required_tags
//		not input.request.tags[key]
//		violation := {"message": sprintf("missing tag %s", [key])}
//	}
//
// The input document is {"request": ProvisionRequest, "context": Context}.
// Parameters are exposed under data.cascade.params and set with
// WithRequiredTags, WithEncryptionRequired, WithParam or SetParam.
//
// Violations with severity error or critical deny the run. Warnings and
// info violations are reported but do not block. Policies can be loaded
// from .rego or .json files (single policies or bundles) and hot reloaded
// with Engine.Watch. SetGuardrails updates the built-in parameters in place.
package policy
