package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/retrace/internal/store"
)

// NewTraceCommand creates the trace subcommand: browse the diagnostics
// log written by previous runs.
func NewTraceCommand(opts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded trace runs",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "diagnostics database path (overrides config)")

	resolveDB := func() (*store.Store, error) {
		path := dbPath
		if path == "" {
			path = opts.Config.DB
		}
		if path == "" {
			return nil, NewExitError(ExitCommandError, "no diagnostics database configured (use --db or the config file)")
		}
		st, err := store.Open(path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open diagnostics database", err)
		}
		return st, nil
	}

	var scenarioFilter string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := resolveDB()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), store.RunFilter{Scenario: scenarioFilter, Limit: limit})
			if err != nil {
				return WrapExitError(ExitCommandError, "list runs", err)
			}

			var b strings.Builder
			for _, r := range runs {
				fmt.Fprintf(&b, "%s  scenario=%s passes=%d replayable=%t nonreplayable=%d\n",
					r.ID, r.Scenario, r.Passes, r.Replayable, r.NonreplayableCount)
			}
			if len(runs) == 0 {
				b.WriteString("no runs recorded\n")
			}
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Print(runs, b.String())
		},
	}
	list.Flags().StringVar(&scenarioFilter, "scenario", "", "only runs of this scenario")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of runs to list")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run: passes, dependences, and the template listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := resolveDB()
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.ReadRun(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "read run", err)
			}

			var b strings.Builder
			fmt.Fprintf(&b, "run %s scenario=%s replayable=%t fingerprint=%s\n",
				run.ID, run.Scenario, run.Replayable, run.Fingerprint)
			for _, p := range run.Passes {
				fmt.Fprintf(&b, "  pass %d: %s ops=%d\n", p.Index, p.State, p.Operations)
			}
			if len(run.Dependences) > 0 {
				b.WriteString("dependences:\n")
				for _, d := range run.Dependences {
					fmt.Fprintf(&b, "  op %d %s\n", d.OpIndex, d.Record)
				}
			}
			if len(run.Instructions) > 0 {
				b.WriteString("template:\n")
				for _, line := range run.Instructions {
					fmt.Fprintf(&b, "%s\n", line)
				}
			}
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Print(run, b.String())
		},
	}

	cmd.AddCommand(list)
	cmd.AddCommand(show)
	return cmd
}
