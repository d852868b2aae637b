package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/serialmon/internal/output"
	"github.com/joescharf/serialmon/internal/store"
)

var (
	historyPort  string
	historySince time.Duration
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded monitor sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyRun()
	},
}

var rebootsCmd = &cobra.Command{
	Use:   "reboots [port]",
	Short: "Show recorded reboot and crash events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port := historyPort
		if len(args) == 1 {
			port = args[0]
		}
		return rebootsRun(port)
	},
}

var installLogsCmd = &cobra.Command{
	Use:   "install-logs",
	Short: "Show device info blocks captured from serial output",
	RunE: func(cmd *cobra.Command, args []string) error {
		return installLogsRun()
	},
}

func init() {
	for _, c := range []*cobra.Command{historyCmd, rebootsCmd, installLogsCmd} {
		c.Flags().StringVarP(&historyPort, "port", "p", "", "Filter by port")
		c.Flags().DurationVar(&historySince, "since", 0, "Only show records newer than this (e.g. 24h)")
		c.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum records to show")
		rootCmd.AddCommand(c)
	}
}

func historyFilter(port string) store.ListFilter {
	f := store.ListFilter{Port: port, Limit: historyLimit}
	if historySince > 0 {
		f.Since = time.Now().Add(-historySince)
	}
	return f
}

func historyRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	sums, err := s.ListSessions(context.Background(), historyFilter(historyPort))
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		ui.Info("No sessions recorded. Use 'serialmon monitor <port>' to start one.")
		return nil
	}

	table := ui.Table([]string{"STARTED", "PORT", "BAUD", "DURATION", "LINES", "REASON", "REBOOT", "LAST LINE"})
	for _, sum := range sums {
		reboot := ""
		if sum.RebootDetected {
			reboot = output.Red("yes")
		}
		table.Append([]string{
			sum.StartedAt.Local().Format("2006-01-02 15:04:05"),
			sum.Port,
			fmt.Sprintf("%d", sum.Baud),
			output.Duration(sum.EndedAt.Sub(sum.StartedAt)),
			fmt.Sprintf("%d", sum.TotalLines),
			output.ReasonColor(sum.Reason),
			reboot,
			truncate(sum.LastLine, 50),
		})
	}
	table.Render()
	return nil
}

func rebootsRun(port string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	events, err := s.ListRebootEvents(context.Background(), historyFilter(port))
	if err != nil {
		return err
	}
	if len(events) == 0 {
		ui.Info("No reboots recorded")
		return nil
	}

	table := ui.Table([]string{"TIME", "PORT", "CATEGORY", "SEVERITY", "CODE", "LINE"})
	for _, e := range events {
		table.Append([]string{
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Port,
			string(e.Category),
			output.SeverityColor(e.Severity),
			e.Code,
			truncate(e.Line, 60),
		})
	}
	table.Render()

	if verbose && len(events[0].StackTrace) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Info("Stack trace of latest event:")
		for _, l := range events[0].StackTrace {
			ui.VerboseLog("%s", l)
		}
	}
	return nil
}

func installLogsRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	logs, err := s.ListInstallLogs(context.Background(), historyFilter(historyPort))
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		ui.Info("No install logs recorded")
		return nil
	}

	for _, l := range logs {
		fmt.Fprintf(ui.Out, "%s  %s  %s\n", output.Cyan(l.Title), l.Port, l.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		keys := make([]string, 0, len(l.Fields))
		for k := range l.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(ui.Out, "  %-16s %s\n", k+":", l.Fields[k])
		}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
