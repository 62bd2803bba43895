package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

func newExecuteCommand() *cobra.Command {
	var runEpoch string

	cmd := &cobra.Command{
		Use:   "execute <smart_code> [payload]",
		Short: "Execute an orchestration",
		Long: `Resolve the orchestration for the tenant, validate it and run its nodes in
dependency order. On failure the completed nodes are compensated in reverse
order when the spec enables auto_compensate.

The payload is a JSON object given inline, as @file, or as - to read stdin.
Invocations that share a run epoch and payload replay instead of re-running
nodes that already completed.

Exit codes: 2 validation, 3 spec not found, 4 resource busy, 5 execution failed.`,
		Example: `  # Run the platform checkout orchestration
  sagaflow execute HERA.SALON.POS.CHECKOUT.v1 '{"amount": 120, "customer_id": "c-1"}'

  # Run a tenant override with a payload file
  sagaflow execute HERA.SALON.POS.CHECKOUT.v1 @payload.json --tenant acme

  # Replay safely with a fixed run epoch
  sagaflow execute HERA.SALON.POS.CHECKOUT.v1 @payload.json --run-epoch 2024-06-01`,
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
			a, err := newApp(ctx, appNeeds{store: true, runtime: true, executor: true})
			if err != nil {
				return err
			}
			defer a.close()

			if a.settings.WatchSpecs {
				if err := a.watchSpecs(ctx); err != nil {
					log.Warn().Err(err).Msg("Spec watcher unavailable")
				}
			}

			log.Debug().
				Str("smart_code", smartCode).
				Str("tenant_id", tenantID).
				Str("run_epoch", runEpoch).
				Msg("Executing orchestration")

			summary, execErr := a.executor.Execute(ctx, engine.ExecuteRequest{
				SmartCode: smartCode,
				TenantID:  tenantID,
				Payload:   payload,
				RunEpoch:  runEpoch,
			})

			if summary != nil && !engine.IsSpecNotFound(execErr) {
				if err := a.store.SaveRun(ctx, summary); err != nil {
					log.Warn().Err(err).Str("run_id", summary.RunID).Msg("Failed to save run history")
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, summary); err != nil {
					return err
				}
			} else {
				printSummary(out, summary)
			}
			return execErr
		},
	}

	cmd.Flags().StringVar(&runEpoch, "run-epoch", "", "idempotency scope (defaults to the invocation start time)")
	cmd.Flags().StringVar(&runtimeFlag, "runtime", "", "procedure runtime: starlark, wasm, process or auto")

	return cmd
}

func printSummary(w io.Writer, s *engine.ExecutionSummary) {
	if s == nil {
		return
	}

	fmt.Fprintf(w, "Run:        %s\n", s.RunID)
	fmt.Fprintf(w, "Smart code: %s\n", s.SmartCode)
	if s.TenantID != "" {
		fmt.Fprintf(w, "Tenant:     %s\n", s.TenantID)
	}
	fmt.Fprintf(w, "Run epoch:  %s\n", s.RunEpoch)
	fmt.Fprintf(w, "Status:     %s\n", s.Status)
	fmt.Fprintf(w, "Elapsed:    %s\n", s.Elapsed)

	if len(s.Order) > 0 {
		fmt.Fprintln(w)
		tw := newTable(w)
		fmt.Fprintln(tw, "NODE\tSTATE")
		for _, id := range s.Order {
			fmt.Fprintf(tw, "%s\t%s\n", id, orDash(string(s.NodeStates[id])))
		}
		_ = tw.Flush()
	}

	if len(s.Compensations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Compensations:")
		tw := newTable(w)
		for _, c := range s.Compensations {
			result := "ok"
			if !c.Success {
				result = "failed: " + c.Error
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", c.NodeID, c.Compensation, result)
		}
		_ = tw.Flush()
	}

	if len(s.Warnings) > 0 {
		fmt.Fprintln(w)
		printList(w, "Warnings", s.Warnings)
	}
	if s.Error != "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Error: %s\n", s.Error)
	}
}
