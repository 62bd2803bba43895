package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// lockLister is implemented by the persistent lock backends.
type lockLister interface {
	ListLocks(ctx context.Context) ([]engine.ResourceLock, error)
}

func newLocksCommand() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Show held resource locks",
		Long: `List the resource locks currently held in the configured lock backend.
The memory backend only lives for one process and has nothing to show.`,
		Example: `  # Show held locks
  sagaflow locks

  # Drop expired SQLite locks first
  sagaflow locks --purge`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appNeeds{store: true})
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()

			if purge {
				n, err := a.store.PurgeExpiredLocks(ctx)
				if err != nil {
					return err
				}
				if !jsonOutput {
					fmt.Fprintf(out, "Purged %d expired lock(s)\n", n)
				}
			}

			var held []engine.ResourceLock
			switch l := a.locks.(type) {
			case lockLister:
				held, err = l.ListLocks(ctx)
				if err != nil {
					return err
				}
			case *engine.MemoryLockManager:
				held = l.Held()
			}

			if jsonOutput {
				return printJSON(out, held)
			}
			if len(held) == 0 {
				fmt.Fprintln(out, "No locks held")
				return nil
			}

			tw := newTable(out)
			fmt.Fprintln(tw, "RESOURCE\tHOLDER\tACQUIRED\tEXPIRES")
			for _, l := range held {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					l.ResourceID, l.HolderRunEpoch, formatTime(l.AcquiredAt), formatTime(l.ExpiresAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "delete expired SQLite locks before listing")

	return cmd
}
