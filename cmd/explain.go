package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/serialmon/internal/models"
	"github.com/joescharf/serialmon/internal/output"
	"github.com/joescharf/serialmon/internal/store"
)

var explainCmd = &cobra.Command{
	Use:   "explain <port>",
	Short: "Explain the most recent crash on a port using Claude",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return explainRun(args[0])
	},
}

func init() {
	rootCmd.AddCommand(explainCmd)
}

func explainRun(port string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	events, err := s.ListRebootEvents(ctx, store.ListFilter{Port: port, Limit: 1})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		ui.Info("No reboots recorded for %s", port)
		return nil
	}
	e := events[0]
	ui.Info("Last reboot on %s: %s (%s) at %s", port, e.Category, output.SeverityColor(e.Severity),
		e.Timestamp.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(ui.Out, "  %s\n", e.Line)

	client := newLLMClient()
	if client == nil {
		return fmt.Errorf("no Anthropic API key configured (set anthropic.api_key or ANTHROPIC_API_KEY)")
	}

	status := &models.HealthStatus{Port: port, LastReboot: e, Status: models.HealthUnknown}
	exp, err := client.ExplainCrash(ctx, e, status)
	if err != nil {
		return fmt.Errorf("explain crash: %w", err)
	}

	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan("Summary:"), exp.Summary)
	fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan("Likely cause:"), exp.LikelyCause)
	if len(exp.NextSteps) > 0 {
		fmt.Fprintln(ui.Out, output.Cyan("Next steps:"))
		for i, step := range exp.NextSteps {
			fmt.Fprintf(ui.Out, "  %d. %s\n", i+1, step)
		}
	}
	ui.VerboseLog("Confidence: %s", exp.Confidence)
	return nil
}
