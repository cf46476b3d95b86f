// Package engine provides the core of the Cascade resource orchestrator.
//
// # Overview
//
// A configuration is a set of named resource groups (network, cluster,
// database, monitoring, ...). Each group can be enabled or disabled
// independently and declares its inputs as bindings: either a literal value
// or a reference to an output of another group, optionally with a fallback.
// References define the dependency graph; the engine applies enabled groups
// in dependency order, passes produced outputs downstream and merges a uniform
// policy layer (tags, encryption, naming) into every request.
//
// A run moves through a small state machine:
//
//  1. Pending - the run has been created
//  2. Validating - names, bindings, references and cycles are checked (BuildGraph)
//  3. Planning - order, forward references and guardrail policies are checked
//  4. Applying - each enabled group is provisioned in order
//  5. Completed or Failed - terminal; Failed carries a FailureReason
//
// Configuration errors are always detected before any provisioner is called.
//
// # Bindings
//
//	engine.Literal("10.0.0.0/16")            // constant
//	engine.Ref("network", "vpc_id")          // required when the source is enabled
//	engine.RefOr("network", "subnets", nil)  // explicit fallback
//	engine.Ref("dns", "zone").WithDefault(engine.ZeroString)
//
// A reference to a disabled group resolves to its fallback, or to the zero
// value of its default kind, and never fails. Provenance on every resolved
// input records where the value came from.
//
// # Usage
//
//	orch := engine.NewOrchestrator(provisioner,
//	    engine.WithPolicyDefaults(engine.PolicyDefaults{
//	        Tags: map[string]string{"Environment": "prod"},
//	    }),
//	    engine.WithRetry(engine.RetryPolicy{MaxAttempts: 3}),
//	)
//	report, err := orch.Apply(ctx, groups)
//	os.Exit(engine.ExitCode(err))
//
// # Errors
//
// All engine errors are *EngineError values classified as configuration,
// provisioning or cancellation errors. Provisioners may return transient,
// throttled or conflict errors to request a retry.
package engine
