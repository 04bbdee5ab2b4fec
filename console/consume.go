package console

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/drblury/busflow/internal/runtime"
)

type consumeFlags struct {
	bus          string
	limit        int
	failureLimit int
	timeLimit    time.Duration
	memoryLimit  string
}

// NewConsumeCommand returns the command running a worker on m.
func NewConsumeCommand(m *runtime.Messenger) *cobra.Command {
	var flags consumeFlags
	cmd := &cobra.Command{
		Use:   "consume [receivers...]",
		Short: "Consume messages from transports",
		Long: `Consume messages from the named transports and dispatch them on their bus.

Without receivers every configured transport is consumed. The worker stops on
SIGINT or SIGTERM, or once one of the limits is reached.

Examples:
  messenger consume async
  messenger consume async failed --limit 10 --time-limit 1h
  messenger consume --bus event --memory-limit 128MiB`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(cmd, m, args, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.bus, "bus", "b", "", "Dispatch every message on this bus")
	cmd.Flags().IntVarP(&flags.limit, "limit", "l", 0, "Stop after handling this many messages")
	cmd.Flags().IntVarP(&flags.failureLimit, "failure-limit", "f", 0, "Stop after this many failed messages")
	cmd.Flags().DurationVarP(&flags.timeLimit, "time-limit", "t", 0, "Stop after running this long")
	cmd.Flags().StringVarP(&flags.memoryLimit, "memory-limit", "m", "", "Stop once the heap exceeds this size, e.g. 128MiB")
	return cmd
}

func runConsume(cmd *cobra.Command, m *runtime.Messenger, receivers []string, flags consumeFlags) error {
	if err := requireMessenger(m); err != nil {
		return err
	}
	opts := runtime.ConsumeOptions{
		Receivers:    receivers,
		Bus:          flags.bus,
		Limit:        flags.limit,
		FailureLimit: flags.failureLimit,
		TimeLimit:    flags.timeLimit,
	}
	if flags.memoryLimit != "" {
		limit, err := humanize.ParseBytes(flags.memoryLimit)
		if err != nil {
			return fmt.Errorf("invalid --memory-limit %q: %w", flags.memoryLimit, err)
		}
		opts.MemoryLimit = limit
	}

	out := cmd.OutOrStdout()
	writeLine(out, headingStyle.Render("Consuming messages from "+receiverList(receivers)))
	writeLine(out, mutedStyle.Render(describeLimits(opts)))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := m.Consume(ctx, opts)
	if err != nil {
		return err
	}
	summary := fmt.Sprintf("Received %d messages, %d failed. Stopped: %s.", result.Received, result.Failed, result.Reason)
	if result.Failed > 0 {
		writeLine(out, warnStyle.Render(summary))
	} else {
		writeLine(out, passStyle.Render(summary))
	}
	return nil
}

func receiverList(receivers []string) string {
	if len(receivers) == 0 {
		return "all transports"
	}
	return fmt.Sprintf("%v", receivers)
}

func describeLimits(opts runtime.ConsumeOptions) string {
	s := "Quit with CTRL+C."
	if opts.Limit > 0 {
		s += fmt.Sprintf(" Limit: %d messages.", opts.Limit)
	}
	if opts.FailureLimit > 0 {
		s += fmt.Sprintf(" Failure limit: %d.", opts.FailureLimit)
	}
	if opts.TimeLimit > 0 {
		s += fmt.Sprintf(" Time limit: %s.", opts.TimeLimit)
	}
	if opts.MemoryLimit > 0 {
		s += fmt.Sprintf(" Memory limit: %s.", humanize.IBytes(opts.MemoryLimit))
	}
	return s
}
