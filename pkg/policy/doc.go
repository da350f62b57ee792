// Package policy vets deployment plans with Open Policy Agent (OPA)
// policies written in Rego. The Engine satisfies engine.PlanGuard, so
// it plugs into the orchestrator and checks every plan before
// execution.
//
// # Usage
//
//	guard, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := guard.LoadPolicies(ctx, []string{"/etc/surge/policies"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := guard.EvaluatePlan(ctx, plan, nil)
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("policy %s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// # Built-in policies
//
// Four policies load with every engine:
//
//   - protected-resources: blocks deletion of protected resources
//   - change-budget: caps the number of mutating changes per plan
//   - production-deletes: blocks deletes in production unless allowed
//   - resource-naming: enforces resource ID conventions
//
// # Custom policies
//
// Custom policies are plain .rego files. Change rules match on
// input.change, plan rules on input.plan:
//
//	package custom.policies.backup
//
//	import rego.v1
//
//	deny contains violation if {
//	    change := input.change
//	    change.action == "create"
//	    change.resource.type == "database"
//	    not change.resource.tags.backup
//
//	    violation := {
//	        "message": "Databases must carry a backup tag",
//	        "severity": "error",
//	        "resource": change.resource.id,
//	    }
//	}
//
// A leading comment block can carry metadata the loader picks up; see
// the Loader documentation for the directive syntax.
//
// Violations carry a severity: info and warning are reported without
// blocking, error and critical make the plan fail. Each policy's deny
// query is prepared once at load time and reused for every
// evaluation.
//
// Evaluations see a context object with the target environment, the
// operation (deploy, destroy), the change budget and the evaluation
// timestamp, so policies can make environment-aware decisions.
package policy
