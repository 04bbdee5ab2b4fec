package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drblury/busflow/internal/runtime"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	"github.com/drblury/busflow/internal/runtime/routing"
)

// HandlerView is one routing entry as printed by debug.
type HandlerView struct {
	Service       string `json:"service" yaml:"service"`
	Handler       string `json:"handler" yaml:"handler"`
	Priority      int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	FromTransport string `json:"fromTransport,omitempty" yaml:"fromTransport,omitempty"`
}

type MessageView struct {
	Message  string        `json:"message" yaml:"message"`
	Handlers []HandlerView `json:"handlers" yaml:"handlers"`
}

type BusTableView struct {
	Bus      string        `json:"bus" yaml:"bus"`
	Messages []MessageView `json:"messages" yaml:"messages"`
}

// NewDebugCommand returns the command listing the routing table of every
// bus, or of the buses named as arguments.
func NewDebugCommand(m *runtime.Messenger) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "debug [buses...]",
		Short: "List messages and their handlers per bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireMessenger(m); err != nil {
				return err
			}
			views, err := BusTables(m, args...)
			if err != nil {
				return err
			}
			return writeTables(cmd.OutOrStdout(), views, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, yaml or json")
	return cmd
}

// BusTables describes the routing tables of the named buses, or of all
// buses when names is empty.
func BusTables(m *runtime.Messenger, names ...string) ([]BusTableView, error) {
	if len(names) == 0 {
		names = m.Buses().Names()
	}
	views := make([]BusTableView, 0, len(names))
	for _, name := range names {
		bus, err := m.Bus(name)
		if err != nil {
			return nil, err
		}
		views = append(views, tableView(bus.Table()))
	}
	return views, nil
}

func tableView(t *routing.Table) BusTableView {
	view := BusTableView{Bus: t.Bus(), Messages: []MessageView{}}
	for _, msg := range t.Messages() {
		mv := MessageView{Message: msg}
		for _, def := range t.Handlers(msg) {
			mv.Handlers = append(mv.Handlers, HandlerView{
				Service:       def.Service,
				Handler:       def.Type + "." + def.Method + "()",
				Priority:      def.Options.Priority,
				FromTransport: def.Options.FromTransport,
			})
		}
		view.Messages = append(view.Messages, mv)
	}
	return view
}

func writeTables(w io.Writer, views []BusTableView, format string) error {
	switch format {
	case "json":
		data, err := jsoncodec.MarshalIndent(views, "", "  ")
		if err != nil {
			return err
		}
		writeLine(w, string(data))
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	case "text":
		for _, view := range views {
			writeTextTable(w, view)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text, yaml or json)", format)
	}
}

func writeTextTable(w io.Writer, view BusTableView) {
	writeLine(w, headingStyle.Render(view.Bus))
	if len(view.Messages) == 0 {
		writeLine(w, mutedStyle.Render("  No handled messages."))
		writeLine(w, "")
		return
	}
	for _, msg := range view.Messages {
		writeLine(w, "  "+msg.Message)
		for _, h := range msg.Handlers {
			var extra []string
			if h.Priority != 0 {
				extra = append(extra, fmt.Sprintf("priority=%d", h.Priority))
			}
			if h.FromTransport != "" {
				extra = append(extra, "from_transport="+h.FromTransport)
			}
			line := "    handled by " + h.Handler
			if len(extra) > 0 {
				line += " " + mutedStyle.Render("("+strings.Join(extra, ", ")+")")
			}
			writeLine(w, line)
		}
	}
	writeLine(w, "")
}
