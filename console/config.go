package console

import (
	"github.com/spf13/cobra"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
)

// NewConfigCommand returns the "config" command with its validate
// subcommand.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect busflow configuration",
	}

	var show bool
	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file",
		Long: `Load a configuration file with BUSFLOW_ environment overrides applied and
check every section and the references between them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configpkg.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			writeLine(out, passStyle.Render("Configuration "+args[0]+" is valid."))
			if show {
				writeLine(out, cfg.String())
			}
			return nil
		},
	}
	validate.Flags().BoolVar(&show, "show", false, "Print the resolved configuration with credentials masked")
	cmd.AddCommand(validate)
	return cmd
}
