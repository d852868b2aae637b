package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/serialmon/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for AI assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an AI coding assistant monitor serial ports, wait for output,
check device health and flash firmware. Configure it with:

  {
    "mcpServers": {
      "serialmon": { "command": "serialmon", "args": ["mcp"] }
    }
  }

Available tools: serial_list_ports, serial_start_monitor, serial_stop_monitor,
serial_list_sessions, serial_read_buffer, serial_search_buffer, serial_wait_for,
device_health, port_lock_state, toolchain_compile, toolchain_upload,
device_explain_crash, device_info, device_restart, device_spiffs_list,
device_spiffs_read, device_spiffs_write, device_spiffs_delete, device_spiffs_info`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		// stdout carries the protocol; logs go to stderr.
		logger := newLogger(os.Stderr)
		sv := newSupervisor(logger)
		sv.Start(ctx)
		defer sv.Close(context.Background())

		return mcp.NewServer(sv, newLLMClient()).
			WithDevice(viper.GetString("device.url"), viper.GetDuration("device.timeout")).
			ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
