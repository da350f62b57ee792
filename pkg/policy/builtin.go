package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedResourcesPolicy(),
		changeBudgetPolicy(),
		productionDeletesPolicy(),
		resourceNamingPolicy(),
	}
}

// protectedResourcesPolicy blocks deletion of resources marked
// protected via tags or metadata.
func protectedResourcesPolicy() Policy {
	return Policy{
		Name:        "protected-resources",
		Description: "Blocks deletion of resources tagged or marked as protected",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "deletion"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package surge.policies.protected

import rego.v1

deny contains violation if {
	input.change
	input.change.action == "delete"
	input.change.resource.tags.protected == "true"
	violation := {
		"message": sprintf("Resource %s is protected and cannot be deleted", [input.change.resource.id]),
		"severity": "critical",
		"resource": input.change.resource.id,
	}
}

deny contains violation if {
	input.change
	input.change.action == "delete"
	input.change.resource.metadata.protected == true
	violation := {
		"message": sprintf("Resource %s is protected and cannot be deleted", [input.change.resource.id]),
		"severity": "critical",
		"resource": input.change.resource.id,
	}
}`,
	}
}

// changeBudgetPolicy caps the number of mutating changes in one plan.
func changeBudgetPolicy() Policy {
	return Policy{
		Name:        "change-budget",
		Description: "Blocks plans whose mutating change count exceeds the configured budget",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety", "blast-radius"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package surge.policies.budget

import rego.v1

deny contains violation if {
	input.plan
	input.context.max_changes > 0
	total := sum([count(wave.changes) | some wave in input.plan.waves])
	total > input.context.max_changes
	violation := {
		"message": sprintf("Plan contains %d changes, exceeding the budget of %d", [total, input.context.max_changes]),
		"severity": "error",
	}
}`,
	}
}

// productionDeletesPolicy blocks deletes in production unless the run
// context explicitly allows them.
func productionDeletesPolicy() Policy {
	return Policy{
		Name:        "production-deletes",
		Description: "Blocks resource deletion in production unless explicitly allowed",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package surge.policies.production

import rego.v1

deny contains violation if {
	input.change
	input.change.action == "delete"
	input.context.environment == "production"
	not input.context.metadata.allow_production_deletes
	violation := {
		"message": sprintf("Deleting %s in production requires allow_production_deletes", [input.change.resource.id]),
		"severity": "error",
		"resource": input.change.resource.id,
	}
}`,
	}
}

// resourceNamingPolicy enforces resource ID conventions.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Enforces resource ID conventions (lowercase, alphanumeric, hyphens only)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package surge.policies.naming

import rego.v1

deny contains violation if {
	input.change
	id := input.change.resource.id
	not regex.match("^[a-z0-9][a-z0-9-]*$", id)
	violation := {
		"message": sprintf("Resource ID '%s' must start with a lowercase letter or digit and contain only lowercase letters, digits, and hyphens", [id]),
		"severity": "error",
		"resource": id,
	}
}

deny contains violation if {
	input.change
	id := input.change.resource.id
	regex.match(".*-$", id)
	violation := {
		"message": sprintf("Resource ID '%s' must not end with a hyphen", [id]),
		"severity": "error",
		"resource": id,
	}
}

deny contains violation if {
	input.change
	id := input.change.resource.id
	count(id) > 63
	violation := {
		"message": sprintf("Resource ID '%s' must be at most 63 characters long", [id]),
		"severity": "error",
		"resource": id,
	}
}`,
	}
}
