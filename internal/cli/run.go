package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/retrace/internal/harness"
	"github.com/roach88/retrace/internal/scenario"
	"github.com/roach88/retrace/internal/store"
)

// NewRunCommand creates the run subcommand: execute a scenario through
// the tracing engine, print the outcome, and optionally persist it to
// the diagnostics store.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var dbPath string
	var requireReplay bool

	cmd := &cobra.Command{
		Use:   "run <scenario.cue>",
		Short: "Run a scenario through record, optimize, and replay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scn, err := scenario.LoadFile(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "scenario invalid", err)
			}

			hopts := []harness.Option{
				harness.WithReplayParallelism(opts.Config.ReplayParallelism),
				harness.WithNonreplayableWarningThreshold(opts.Config.MaxNonreplayableWarning),
			}
			path := dbPath
			if path == "" {
				path = opts.Config.DB
			}
			var st *store.Store
			if path != "" {
				st, err = store.Open(path)
				if err != nil {
					return WrapExitError(ExitCommandError, "open diagnostics database", err)
				}
				defer st.Close()
				hopts = append(hopts, harness.WithStore(st))
			}

			h := harness.New(hopts...)
			result, err := h.Run(cmd.Context(), scn)
			if err != nil {
				return WrapExitError(ExitFailure, "scenario execution failed", err)
			}

			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := formatter.Print(result, harness.RenderResult(result)); err != nil {
				return err
			}
			if requireReplay && result.ReplayedPasses() == 0 {
				return NewExitError(ExitFailure, "scenario never replayed a template")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "diagnostics database path (overrides config)")
	cmd.Flags().BoolVar(&requireReplay, "require-replay", false, "fail unless at least one pass replayed a template")
	return cmd
}
