// Package policy provides Open Policy Agent (OPA) admission control for
// task creation.
//
// Policies are Rego modules defining a `deny` set. Before a task is written,
// the engine evaluates every enabled policy against an input document that
// describes the task:
//
//	{
//	  "operation": "create",
//	  "timestamp": "2026-01-02T15:04:05Z",
//	  "task": {
//	    "id": "…", "program": "lifecycle", "step": "start",
//	    "params": {"subject_id": "vm-1"},
//	    "parent_id": "…",
//	    "ready_in_seconds": 0
//	  }
//	}
//
// Each member of `deny` is either a message string or an object with
// "message" and "severity" keys. Violations of severity error or critical
// reject the task with an engine validation error coded ADMISSION_DENIED;
// lower severities are logged as warnings.
//
// # Usage
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/etc/keel/policies"}); err != nil {
//	    return err
//	}
//	eng := engine.NewEngine(store, registry, nil, logger).WithAdmission(pe)
//
// A custom policy file:
//
//	# Only the lifecycle program may be created by hand.
//	# severity: error
//	package keel.admission.programs
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.task.program != "lifecycle"
//	    msg := sprintf("program %s is internal", [input.task.program])
//	}
//
// Two policies are built in: ready-horizon rejects tasks first ready more
// than a year ahead, and param-naming warns about parameters that are not
// snake_case.
package policy
