package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/memoria/internal/dolt"
	"github.com/felixgeelhaar/memoria/internal/migrate"
	"github.com/felixgeelhaar/memoria/internal/observe"
)

var (
	migrateTarget string
	migrateForce  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run and inspect schema migrations",
}

var migrateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the migrations shipped with this binary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := migrate.New(nil, nil).Discover()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), ids)
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which migrations are applied on the active branch",
	Args:  cobra.NoArgs,
	RunE: withManager(func(cmd *cobra.Command, args []string, m *dolt.Manager, obs *observe.Observer) error {
		states, err := migrate.New(m, m.Guard(), migrate.WithObserver(obs)).Status(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), states)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tLAST RUN\tERROR")
		for _, s := range states {
			status, last := "pending", "-"
			if s.Applied {
				status = "applied"
			} else if s.Attempts > 0 {
				status = "failed"
			}
			if !s.LastRunAt.IsZero() {
				last = humanize.Time(s.LastRunAt)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.ID, status, s.Attempts, last, s.LastError)
		}
		return w.Flush()
	}),
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations on the active branch",
	Long: `Apply pending migrations in order, committing each one.
Migrations run only on the migration branch namespace (see branches.migration_prefix)
unless --force is given. Protected branches are always refused.`,
	Args: cobra.NoArgs,
	RunE: withManager(func(cmd *cobra.Command, args []string, m *dolt.Manager, obs *observe.Observer) error {
		r := migrate.New(m, m.Guard(), migrate.WithObserver(obs))
		applied, err := r.RunUntil(cmd.Context(), migrateTarget, migrateForce)
		if jsonOutput {
			if perr := printJSON(cmd.OutOrStdout(), map[string]any{"applied": applied}); perr != nil {
				return perr
			}
		} else {
			for _, id := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", id)
			}
			if err == nil && len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to apply")
			}
		}
		return err
	}),
}

func init() {
	RootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateListCmd, migrateStatusCmd, migrateUpCmd)
	migrateUpCmd.Flags().StringVar(&migrateTarget, "target", "", "Stop after this migration id")
	migrateUpCmd.Flags().BoolVar(&migrateForce, "force", false, "Allow running outside the migration branch namespace")
}
