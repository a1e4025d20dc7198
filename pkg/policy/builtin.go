package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		readyHorizonPolicy(),
		paramNamingPolicy(),
	}
}

// readyHorizonPolicy rejects tasks that would not run for over a year,
// which is almost always a unit mistake in --delay or ReadyAt.
func readyHorizonPolicy() Policy {
	return Policy{
		Name:        "ready-horizon",
		Description: "Rejects tasks first scheduled more than a year ahead",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package keel.admission.horizon

import rego.v1

deny contains violation if {
	input.task.ready_in_seconds > 31536000
	violation := {
		"message": sprintf("task %s of %s is first ready more than a year from now", [input.task.id, input.task.program]),
		"severity": "error",
	}
}
`,
	}
}

// paramNamingPolicy warns about root parameters that are not snake_case.
func paramNamingPolicy() Policy {
	return Policy{
		Name:        "param-naming",
		Description: "Warns about root frame parameters that are not snake_case",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package keel.admission.params

import rego.v1

deny contains violation if {
	some key, _ in input.task.params
	not regex.match("^[a-z][a-z0-9_]*$", key)
	violation := {
		"message": sprintf("parameter '%s' of %s is not snake_case", [key, input.task.program]),
		"severity": "warning",
	}
}
`,
	}
}
