package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/serialmon/internal/device"
	"github.com/joescharf/serialmon/internal/output"
)

var deviceURL string

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Talk to a board's HTTP management API",
	Long: `Query and manage a board that runs the HTTP management API over WiFi.

The board address comes from --url or the device.url config key.`,
}

var deviceInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show chip, memory and flash information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return deviceInfoRun(cmd.Context())
	},
}

var deviceRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the board",
	RunE: func(cmd *cobra.Command, args []string) error {
		return deviceRestartRun(cmd.Context())
	},
}

var deviceFSCmd = &cobra.Command{
	Use:   "fs",
	Short: "Manage files on the board's SPIFFS filesystem",
}

var deviceLsCmd = &cobra.Command{
	Use:   "ls [dir]",
	Short: "List files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "/"
		if len(args) == 1 {
			dir = args[0]
		}
		return deviceLsRun(cmd.Context(), dir)
	},
}

var deviceCatCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deviceCatRun(cmd.Context(), args[0])
	},
}

var deviceWriteCmd = &cobra.Command{
	Use:   "write <path> [local-file]",
	Short: "Write a file from a local file or stdin",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var src io.Reader = os.Stdin
		if len(args) == 2 && args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			src = f
		}
		return deviceWriteRun(cmd.Context(), args[0], src)
	},
}

var deviceRmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Delete a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deviceRmRun(cmd.Context(), args[0])
	},
}

var deviceDfCmd = &cobra.Command{
	Use:   "df",
	Short: "Show filesystem usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return deviceDfRun(cmd.Context())
	},
}

func init() {
	deviceCmd.PersistentFlags().StringVar(&deviceURL, "url", "", "Board address (default: device.url from config)")
	deviceFSCmd.AddCommand(deviceLsCmd, deviceCatCmd, deviceWriteCmd, deviceRmCmd, deviceDfCmd)
	deviceCmd.AddCommand(deviceInfoCmd, deviceRestartCmd, deviceFSCmd)
	rootCmd.AddCommand(deviceCmd)
}

func newDeviceClient() (*device.Client, error) {
	url := deviceURL
	if url == "" {
		url = viper.GetString("device.url")
	}
	if url == "" {
		return nil, fmt.Errorf("no device url: pass --url or set device.url (serialmon config init)")
	}
	return device.NewClient(url, viper.GetDuration("device.timeout"))
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func deviceInfoRun(ctx context.Context) error {
	c, err := newDeviceClient()
	if err != nil {
		return err
	}
	info, err := c.Info(orBackground(ctx))
	if err != nil {
		return err
	}

	rows := [][2]string{
		{"Name", info.Name},
		{"Type", info.Type},
		{"Chip", fmt.Sprintf("%s rev %d @ %d MHz", info.ChipModel, info.ChipRevision, info.CPUFreqMHz)},
		{"Heap", fmt.Sprintf("%d free of %d (min %d)", info.FreeHeap, info.HeapSize, info.MinFreeHeap)},
		{"Flash", fmt.Sprintf("%d bytes, sketch %d, free %d", info.FlashChipSize, info.SketchSize, info.FreeSketchSpace)},
		{"SDK", info.SDKVersion},
		{"MAC", info.MACAddress},
		{"Uptime", output.Duration(info.Uptime())},
	}
	for _, r := range rows {
		fmt.Fprintf(ui.Out, "  %-8s %s\n", r[0], r[1])
	}
	return nil
}

func deviceRestartRun(ctx context.Context) error {
	c, err := newDeviceClient()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would restart %s", c.BaseURL())
		return nil
	}
	msg, err := c.Restart(orBackground(ctx))
	if err != nil {
		return err
	}
	ui.Success("%s: %s", c.BaseURL(), msg)
	return nil
}

func deviceLsRun(ctx context.Context, dir string) error {
	c, err := newDeviceClient()
	if err != nil {
		return err
	}
	l, err := c.List(orBackground(ctx), dir)
	if err != nil {
		return err
	}
	if len(l.Files) == 0 {
		ui.Info("No files in %s", l.Path)
		return nil
	}
	table := ui.Table([]string{"NAME", "SIZE", "TYPE"})
	for _, f := range l.Files {
		kind := "file"
		if f.IsDir {
			kind = "dir"
		}
		table.Append([]string{f.Name, fmt.Sprintf("%d", f.Size), kind})
	}
	table.Render()
	return nil
}

func deviceCatRun(ctx context.Context, path string) error {
	c, err := newDeviceClient()
	if err != nil {
		return err
	}
	data, err := c.Read(orBackground(ctx), path)
	if err != nil {
		return err
	}
	_, err = ui.Out.Write(data)
	return err
}

func deviceWriteRun(ctx context.Context, path string, src io.Reader) error {
	c, err := newDeviceClient()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if dryRun {
		ui.DryRunMsg("Would write %d bytes to %s on %s", len(data), path, c.BaseURL())
		return nil
	}
	res, err := c.Write(orBackground(ctx), path, data)
	if err != nil {
		return err
	}
	ui.Success("Wrote %d bytes to %s", res.Written, res.Path)
	return nil
}

func deviceRmRun(ctx context.Context, path string) error {
	c, err := newDeviceClient()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would delete %s on %s", path, c.BaseURL())
		return nil
	}
	if err := c.Delete(orBackground(ctx), path); err != nil {
		return err
	}
	ui.Success("Deleted %s", path)
	return nil
}

func deviceDfRun(ctx context.Context) error {
	c, err := newDeviceClient()
	if err != nil {
		return err
	}
	s, err := c.Storage(orBackground(ctx))
	if err != nil {
		return err
	}
	pct := 0.0
	if s.TotalBytes > 0 {
		pct = float64(s.UsedBytes) * 100 / float64(s.TotalBytes)
	}
	fmt.Fprintf(ui.Out, "  %-6s %d\n  %-6s %d (%.1f%%)\n  %-6s %d\n",
		"Total", s.TotalBytes, "Used", s.UsedBytes, pct, "Free", s.FreeBytes)
	return nil
}
