package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered orchestration specs",
		Long: `List every orchestration spec found in the spec directory, platform
defaults and tenant overrides alike.`,
		Example: `  # List all specs
  sagaflow list

  # List specs from another directory as JSON
  sagaflow list --spec-dir ./specs --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appNeeds{})
			if err != nil {
				return err
			}
			defer a.close()

			refs, err := a.resolver.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, refs)
			}
			if len(refs) == 0 {
				fmt.Fprintf(out, "No orchestration specs found in %s\n", a.settings.SpecDir)
				return nil
			}

			tw := newTable(out)
			fmt.Fprintln(tw, "SMART CODE\tTENANT\tNODES\tSOURCE")
			for _, ref := range refs {
				tenant := ref.TenantID
				if tenant == "" {
					tenant = "(platform)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ref.SmartCode, tenant, ref.Nodes, orDash(ref.Source))
			}
			return tw.Flush()
		},
	}

	return cmd
}
