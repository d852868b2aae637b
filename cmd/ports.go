package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/serialmon/internal/output"
	"github.com/joescharf/serialmon/internal/serialio"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return portsRun()
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func portsRun() error {
	ports, err := serialio.ListPorts()
	if err != nil {
		return fmt.Errorf("list ports: %w", err)
	}
	if len(ports) == 0 {
		ui.Info("No serial ports found")
		return nil
	}

	table := ui.Table([]string{"PORT", "USB", "VID:PID", "SERIAL", "PRODUCT"})
	for _, p := range ports {
		usb, ids := "", ""
		if p.IsUSB {
			usb = output.Green("yes")
			ids = p.VID + ":" + p.PID
		}
		table.Append([]string{p.Name, usb, ids, p.SerialNumber, p.Product})
	}
	return table.Render()
}
