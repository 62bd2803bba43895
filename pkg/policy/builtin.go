package policy

// BuiltinPolicies returns the lint policies that ship with the engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		lockedWithoutCompensationPolicy(),
		autoCompensateWithoutCompensationsPolicy(),
		selfInvocationPolicy(),
	}
}

// lockedWithoutCompensationPolicy warns about nodes that lock a shared
// resource but cannot be undone.
func lockedWithoutCompensationPolicy() Policy {
	return Policy{
		Name:        "locked-without-compensation",
		Description: "Nodes holding a resource lock should declare a compensation",
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"saga", "locks"},
		Rego: `package sagaflow.builtin.locks

import rego.v1

warn contains finding if {
	some node in input.spec.nodes
	ref := node.metadata.resource_ref
	ref != ""
	not node.compensation
	finding := {
		"node": node.id,
		"message": sprintf("locks resource %v but declares no compensation", [ref]),
	}
}
`,
	}
}

// autoCompensateWithoutCompensationsPolicy warns when rollback is enabled
// but there is nothing to roll back.
func autoCompensateWithoutCompensationsPolicy() Policy {
	return Policy{
		Name:        "auto-compensate-without-compensations",
		Description: "auto_compensate has no effect when no node declares a compensation",
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"saga"},
		Rego: `package sagaflow.builtin.rollback

import rego.v1

warn contains finding if {
	input.spec.compensation_policy.auto_compensate
	compensated := [node | some node in input.spec.nodes; node.compensation]
	count(compensated) == 0
	finding := {"message": "auto_compensate is enabled but no node declares a compensation"}
}
`,
	}
}

// selfInvocationPolicy rejects nodes that would run their own orchestration.
func selfInvocationPolicy() Policy {
	return Policy{
		Name:        "self-invocation",
		Description: "A node must not run the smart code of its own orchestration",
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"recursion"},
		Rego: `package sagaflow.builtin.recursion

import rego.v1

deny contains finding if {
	some node in input.spec.nodes
	upper(node.run) == upper(input.spec.smart_code)
	finding := {
		"node": node.id,
		"message": sprintf("runs %s, the smart code of its own orchestration", [node.run]),
	}
}
`,
	}
}
