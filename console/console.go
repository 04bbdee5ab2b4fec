// Package console provides cobra commands that operate a busflow Messenger:
// consuming transports, printing the routing tables and validating
// configuration files.
package console

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/drblury/busflow/internal/runtime"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	})
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	})
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#f2ae49",
		Dark:  "#ffb454",
	})
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	})
)

// NewCommand returns a "messenger" command grouping consume, debug and
// config validate. m may be nil when only config validate is used.
func NewCommand(m *runtime.Messenger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "messenger",
		Short:         "Operate the message buses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(NewConsumeCommand(m))
	cmd.AddCommand(NewDebugCommand(m))
	cmd.AddCommand(NewConfigCommand())
	return cmd
}

func requireMessenger(m *runtime.Messenger) error {
	if m == nil {
		return fmt.Errorf("busflow: no messenger configured")
	}
	return nil
}

func writeLine(w io.Writer, s string) {
	_, _ = fmt.Fprintln(w, s)
}
