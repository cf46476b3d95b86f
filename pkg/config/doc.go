// Package config loads stack documents and CLI settings.
//
// A stack declares resource groups, the policy defaults merged into every
// group and the orchestrator settings. Three source formats are accepted and
// produce identical results:
//
//   - CUE files or CUE package directories, unified with the #Stack schema
//   - YAML or JSON documents, validated against the same schema
//   - Starlark scripts, whose name, policy, settings and groups globals form
//     the document
//
// Groups may be written as a list or as a struct keyed by group name. Group
// and input declaration order is preserved in every format because it
// breaks ties in the execution order.
//
// # Inputs
//
// Scalar and list values are literals. Objects select a binding:
//
//	inputs: {
//		cidr:   "10.0.0.0/16"
//		vpc_id: {ref: "network.vpc_id"}
//		sg:     {ref: "cluster.security_group_id", fallback: "sg-default"}
//		subnets: {ref: "network.private_subnets", default: "list"}
//		params: {literal: {max_connections: "200"}}
//	}
//
// # Usage Example
//
//	loader := config.NewLoader(logger)
//	stack, err := loader.Load(ctx, "stack.cue")
//	if err != nil {
//	    return err // always an engine configuration error
//	}
//	orch := engine.NewOrchestrator(p, append(stack.Settings.Options(),
//	    engine.WithPolicyDefaults(stack.Policy))...)
//
// Settings for the cascade CLI itself come from cascade.yaml, CASCADE_*
// environment variables and flags via viper; see LoadSettings.
package config
