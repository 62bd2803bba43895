package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagaflow/sagaflow/pkg/engine"
	"github.com/sagaflow/sagaflow/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		status string
		limit  int
		runID  string
	)

	cmd := &cobra.Command{
		Use:   "history [smart_code]",
		Short: "Show past orchestration runs",
		Long: `List recorded runs, newest first. With --run the compensations and events of
a single run are shown.`,
		Example: `  # Recent runs
  sagaflow history

  # Failed checkout runs for a tenant
  sagaflow history HERA.SALON.POS.CHECKOUT.v1 --tenant acme --status rolled_back

  # Details of one run
  sagaflow history --run 4f7c1c6e-2b1a-4b8e-9d53-0c1f9b0c2d11`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appNeeds{store: true})
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()

			if runID != "" {
				run, err := a.store.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				comps, err := a.store.ListCompensations(ctx, runID)
				if err != nil {
					return err
				}
				events, err := a.store.ListEvents(ctx, stores.EventFilter{RunID: runID})
				if err != nil {
					return err
				}

				if jsonOutput {
					return printJSON(out, map[string]interface{}{
						"run":           run,
						"compensations": comps,
						"events":        events,
					})
				}
				printRunDetail(cmd, run, comps, events)
				return nil
			}

			filter := stores.RunFilter{Status: engine.RunStatus(status), Limit: limit}
			if len(args) == 1 {
				filter.SmartCode = args[0]
			}
			if cmd.Flags().Changed("tenant") {
				filter.TenantID = &tenantID
			}

			runs, err := a.store.ListRuns(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			tw := newTable(out)
			fmt.Fprintln(tw, "RUN\tSMART CODE\tTENANT\tSTATUS\tSTARTED\tELAPSED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.SmartCode, orDash(r.TenantID), r.Status,
					formatTime(r.StartedAt), time.Duration(r.ElapsedMs)*time.Millisecond)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status: running, succeeded, failed or rolled_back")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().StringVar(&runID, "run", "", "show a single run in detail")

	return cmd
}

func printRunDetail(cmd *cobra.Command, run *stores.RunRecord, comps []*stores.CompensationRecord, events []*stores.EventRecord) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Run:        %s\n", run.ID)
	fmt.Fprintf(out, "Smart code: %s\n", run.SmartCode)
	fmt.Fprintf(out, "Tenant:     %s\n", orDash(run.TenantID))
	fmt.Fprintf(out, "Run epoch:  %s\n", run.RunEpoch)
	fmt.Fprintf(out, "Status:     %s\n", run.Status)
	fmt.Fprintf(out, "Started:    %s\n", formatTime(run.StartedAt))
	if run.Error != nil {
		fmt.Fprintf(out, "Error:      %s\n", *run.Error)
	}

	if len(comps) > 0 {
		fmt.Fprintln(out, "\nCompensations:")
		tw := newTable(out)
		for _, c := range comps {
			result := "ok"
			if !c.Success {
				result = "failed"
				if c.Error != nil {
					result += ": " + *c.Error
				}
			}
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", c.Position+1, c.NodeID, c.Compensation, result)
		}
		_ = tw.Flush()
	}

	if len(events) > 0 {
		fmt.Fprintln(out, "\nEvents:")
		tw := newTable(out)
		for _, e := range events {
			node := "-"
			if e.NodeID != nil {
				node = *e.NodeID
			}
			state := ""
			if e.State != nil {
				state = *e.State
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format("15:04:05.000"), e.Type, node, state, e.Message)
		}
		_ = tw.Flush()
	}
}
