package engine

// Simulate validates and orders spec and evaluates each node's condition against
// payload. It never acquires locks, reads the ledger, or invokes procedures.
// An invalid spec yields a Plan with Valid=false together with a ValidationError.
func Simulate(spec *OrchestrationSpec, payload map[string]interface{}, conditions *ConditionEvaluator) (*Plan, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}

	plan := &Plan{}
	if spec != nil {
		plan.SmartCode = spec.SmartCode
		plan.TenantID = spec.TenantID
		plan.AutoCompensate = spec.CompensationPolicy.AutoCompensate
	}

	if res := Validate(spec); !res.Valid {
		return plan, res.Err(plan.SmartCode)
	}

	builder := NewDAGBuilder()
	if err := builder.Build(spec); err != nil {
		return plan, err
	}
	plan.Order = builder.Order()

	executing := make(map[string]bool, len(plan.Order))
	for _, id := range plan.Order {
		node, _ := spec.NodeByID(id)
		step := PlanStep{
			NodeID:       node.ID,
			Run:          node.Run,
			When:         node.When,
			WillExecute:  true,
			ResourceRef:  node.ResourceRef(),
			ResourceID:   node.ResourceID(payload),
			Compensation: node.Compensation,
			DependsOn:    node.DependsOn,
			Level:        builder.LevelOf(node.ID),
		}

		if node.When != "" {
			var ok bool
			var err error
			if conditions != nil {
				ok, err = conditions.EvaluateDetailed(node.When, payload)
			} else {
				var cond *Condition
				if cond, err = ParseCondition(node.When); err == nil {
					ok, err = cond.Eval(payload)
				}
			}
			if err != nil {
				step.ConditionError = err.Error()
			}
			step.WillExecute = ok
		}

		executing[node.ID] = step.WillExecute
		plan.Steps = append(plan.Steps, step)
	}

	for _, tb := range spec.TransactionBoundaries {
		projected := TransactionBoundary{Name: tb.Name}
		for _, id := range tb.Nodes {
			if executing[id] {
				projected.Nodes = append(projected.Nodes, id)
			}
		}
		if len(projected.Nodes) > 0 {
			plan.TransactionBoundaries = append(plan.TransactionBoundaries, projected)
		}
	}

	plan.Valid = true
	return plan, nil
}
