package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/retrace/internal/scenario"
)

// NewValidateCommand creates the validate subcommand: compile a CUE
// scenario and report problems without running it.
func NewValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.cue>",
		Short: "Compile and validate a scenario file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scn, err := scenario.LoadFile(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "scenario invalid", err)
			}

			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			summary := map[string]any{
				"name":    scn.Name,
				"trace":   scn.Trace,
				"passes":  scn.Passes,
				"regions": len(scn.Regions),
				"ops":     len(scn.Ops),
				"valid":   true,
			}
			text := fmt.Sprintf("scenario %s: %d regions, %d ops, %d passes: OK\n",
				scn.Name, len(scn.Regions), len(scn.Ops), scn.Passes)
			return formatter.Print(summary, text)
		},
	}
}
