package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"

	"github.com/spf13/cobra"

	"github.com/joescharf/serialmon/internal/models"
	"github.com/joescharf/serialmon/internal/output"
	"github.com/joescharf/serialmon/internal/sessions"
)

var monitorOpts sessions.StartOptions

var monitorCmd = &cobra.Command{
	Use:   "monitor <port>",
	Short: "Stream a serial port to the terminal",
	Long: `Stream a serial port until Ctrl-C or a stop condition.

The session is recorded in history and reboot lines are highlighted.
Use --stop-pattern, --max-lines or --max-seconds to end it automatically.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		opts := monitorOpts
		opts.Port = args[0]
		return monitorRun(ctx, opts)
	},
}

func init() {
	f := monitorCmd.Flags()
	f.IntVarP(&monitorOpts.Baud, "baud", "b", 0, "Baud rate (default from baud.default)")
	f.BoolVar(&monitorOpts.AutoBaud, "auto-baud", false, "Probe common baud rates before streaming")
	f.IntVar(&monitorOpts.MaxSeconds, "max-seconds", 0, "Stop after this many seconds")
	f.IntVar(&monitorOpts.MaxLines, "max-lines", 0, "Stop after this many lines")
	f.StringVar(&monitorOpts.StopPattern, "stop-pattern", "", "Stop when a line matches this regular expression")
	f.BoolVar(&monitorOpts.DetectReboot, "detect-reboot", true, "Flag the session when a reboot is seen")
	f.BoolVar(&monitorOpts.Raw, "raw", false, "Mark output as raw")
	f.BoolVarP(&monitorOpts.Force, "force", "f", false, "Take over the port from its current owner")
	rootCmd.AddCommand(monitorCmd)
}

func monitorRun(ctx context.Context, opts sessions.StartOptions) error {
	var logOut io.Writer = io.Discard
	if verbose {
		logOut = os.Stderr
	}
	sv := newSupervisor(newLogger(logOut))
	sv.Start(ctx)
	defer sv.Close(context.Background())

	sub := sv.Broadcaster.Subscribe()
	defer sv.Broadcaster.Unsubscribe(sub.ID)

	info, err := sv.StartMonitor(ctx, opts)
	if err != nil {
		return err
	}
	rate := info.RequestedBaud
	if info.NegotiatedBaud != 0 {
		rate = info.NegotiatedBaud
		ui.Info("Detected baud rate %d", rate)
	}
	ui.Info("Monitoring %s at %d baud (session %s). Ctrl-C to stop.", info.Port, rate, info.Token)

	sigCtx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	for {
		select {
		case <-sigCtx.Done():
			sum, err := sv.StopMonitor(context.Background(), info.Token)
			if err != nil {
				return err
			}
			printSummary(sum)
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if done := printEvent(e, info.Token); done {
				return nil
			}
		}
	}
}

// printEvent renders one event for the session; it reports true once the
// session has ended.
func printEvent(e models.Event, token string) bool {
	switch d := e.Data.(type) {
	case models.SerialLine:
		if d.Token == token {
			ui.SerialLine(d.Line, d.Reboot)
		}
	case models.InstallLog:
		if d.Token == token {
			ui.Info("%s info captured (%d fields)", d.Title, len(d.Fields))
			keys := make([]string, 0, len(d.Fields))
			for k := range d.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				ui.VerboseLog("%s: %s", k, d.Fields[k])
			}
		}
	case models.SessionSummary:
		if d.Token == token {
			printSummary(d)
			return true
		}
	}
	return false
}

func printSummary(sum models.SessionSummary) {
	fmt.Fprintln(ui.Out)
	msg := fmt.Sprintf("Session ended: %s after %s, %d lines", output.ReasonColor(sum.Reason),
		output.Duration(sum.EndedAt.Sub(sum.StartedAt)), sum.TotalLines)
	if sum.Reason == models.StopError {
		ui.Error("%s (%s)", msg, sum.Error)
		return
	}
	ui.Success("%s", msg)
	if sum.RebootDetected {
		ui.Warning("Reboot detected during session; run 'serialmon reboots %s' for details", sum.Port)
	}
}
