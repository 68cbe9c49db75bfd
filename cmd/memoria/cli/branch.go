package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/memoria/internal/dolt"
	"github.com/felixgeelhaar/memoria/internal/observe"
)

var (
	branchFrom    string
	mergeSquash   bool
	mergeNoFF     bool
	mergeMessage  string
	diffTableName string
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Inspect and manage branches",
}

var branchCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Print the active branch",
	Args:  cobra.NoArgs,
	RunE: withManager(func(cmd *cobra.Command, args []string, m *dolt.Manager, _ *observe.Observer) error {
		b, err := m.ActiveBranch(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"branch":    b,
				"protected": m.Guard().IsProtected(b),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), b)
		return nil
	}),
}

var branchCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a branch from HEAD or --from",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, args []string, m *dolt.Manager, _ *observe.Observer) error {
		if err := m.CreateBranch(cmd.Context(), args[0], branchFrom); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
		return nil
	}),
}

var branchMergeCmd = &cobra.Command{
	Use:   "merge [branch]",
	Short: "Merge a branch into the active branch",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, args []string, m *dolt.Manager, _ *observe.Observer) error {
		res, err := m.Merge(cmd.Context(), args[0], dolt.MergeOptions{
			Squash:        mergeSquash,
			NoFastForward: mergeNoFF,
			Message:       mergeMessage,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		kind := "merge"
		if res.FastForward {
			kind = "fast-forward"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", kind, args[0], res.Hash)
		return nil
	}),
}

var branchDiffCmd = &cobra.Command{
	Use:   "diff [from] [to]",
	Short: "Summarize changes between two refs, or list row changes of --table",
	Args:  cobra.ExactArgs(2),
	RunE: withManager(func(cmd *cobra.Command, args []string, m *dolt.Manager, _ *observe.Observer) error {
		from, to := args[0], args[1]
		if diffTableName != "" {
			rows, err := m.Diff(cmd.Context(), from, to, diffTableName)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v -> %v\n", r.String("diff_type"), r["from_id"], r["to_id"])
			}
			return nil
		}

		sum, err := m.DiffSummary(cmd.Context(), from, to)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), sum)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tTYPE\tDATA\tSCHEMA")
		for _, d := range sum {
			table := d.ToTable
			if table == "" {
				table = d.FromTable
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", table, d.DiffType, d.DataChange, d.SchemaChange)
		}
		return w.Flush()
	}),
}

// withManager loads the configuration and opens a manager around fn.
func withManager(fn func(cmd *cobra.Command, args []string, m *dolt.Manager, obs *observe.Observer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, obs, err := loadConfig(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer obs.Close()

		m, err := openManager(cmd.Context(), cfg, obs)
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(cmd, args, m, obs)
	}
}

func init() {
	RootCmd.AddCommand(branchCmd)
	branchCmd.AddCommand(branchCurrentCmd, branchCreateCmd, branchMergeCmd, branchDiffCmd)
	branchCreateCmd.Flags().StringVar(&branchFrom, "from", "", "Start point (branch, tag or commit)")
	branchMergeCmd.Flags().BoolVar(&mergeSquash, "squash", false, "Squash the merged commits")
	branchMergeCmd.Flags().BoolVar(&mergeNoFF, "no-ff", false, "Always create a merge commit")
	branchMergeCmd.Flags().StringVarP(&mergeMessage, "message", "m", "", "Merge commit message")
	branchDiffCmd.Flags().StringVar(&diffTableName, "table", "", "Show row-level changes for this table")
}
