package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

func newSimulateCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "simulate <smart_code> [payload]",
		Short: "Show what an orchestration would do",
		Long: `Resolve and validate the orchestration, then evaluate each node's condition
against the payload. Nothing is locked, recorded or invoked.

With --dot the dependency graph is printed in Graphviz DOT format.`,
		Example: `  # Preview the nodes that would run
  sagaflow simulate HERA.SALON.POS.CHECKOUT.v1 '{"amount": 120}'

  # Render the graph
  sagaflow simulate HERA.SALON.POS.CHECKOUT.v1 --dot | dot -Tpng -o checkout.png`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			smartCode := args[0]
			payloadArg := ""
			if len(args) > 1 {
				payloadArg = args[1]
			}

			payload, err := readPayload(payloadArg, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, appNeeds{executor: true})
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()

			if dot {
				spec, err := a.resolver.Resolve(ctx, smartCode, tenantID)
				if err != nil {
					return err
				}
				builder := engine.NewDAGBuilder()
				if err := builder.Build(spec); err != nil {
					return err
				}
				_, err = fmt.Fprint(out, builder.ToDOT())
				return err
			}

			plan, simErr := a.executor.Simulate(ctx, smartCode, tenantID, payload)
			if plan != nil {
				if jsonOutput {
					if err := printJSON(out, plan); err != nil {
						return err
					}
				} else {
					printPlan(out, plan)
				}
			}
			return simErr
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in DOT format")

	return cmd
}

func printPlan(w io.Writer, p *engine.Plan) {
	tenant := p.TenantID
	if tenant == "" {
		tenant = "(platform)"
	}
	fmt.Fprintf(w, "Plan for %s, tenant %s\n", p.SmartCode, tenant)
	if !p.Valid {
		fmt.Fprintln(w, "Spec is invalid")
		return
	}
	fmt.Fprintf(w, "Auto-compensate: %v\n\n", p.AutoCompensate)

	tw := newTable(w)
	fmt.Fprintln(tw, "LEVEL\tNODE\tRUN\tEXECUTE\tRESOURCE\tCOMPENSATION")
	for _, s := range p.Steps {
		execute := "yes"
		switch {
		case s.ConditionError != "":
			execute = "error: " + s.ConditionError
		case !s.WillExecute:
			execute = "skip"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Level, s.NodeID, s.Run, execute, orDash(s.ResourceID), orDash(s.Compensation))
	}
	_ = tw.Flush()

	for _, tb := range p.TransactionBoundaries {
		fmt.Fprintf(w, "\nTransaction %s: %s\n", tb.Name, joinOrDash(tb.Nodes))
	}
}
