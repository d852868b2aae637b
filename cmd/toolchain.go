package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/serialmon/internal/output"
	"github.com/joescharf/serialmon/internal/toolchain"
)

var toolchainReq toolchain.Request

var compileCmd = &cobra.Command{
	Use:   "compile <sketch>",
	Short: "Compile a sketch with the board toolchain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := toolchainReq
		req.Sketch = args[0]
		return toolchainRun(cmd.Context(), toolchain.OpCompile, req)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <sketch>",
	Short: "Upload a sketch to a board",
	Long: `Upload a sketch to the board on --port.

The port is locked for the duration of the upload. An active monitor on
the port blocks the upload unless --stop-monitor or --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := toolchainReq
		req.Sketch = args[0]
		return toolchainRun(cmd.Context(), toolchain.OpUpload, req)
	},
}

func init() {
	compileCmd.Flags().StringVar(&toolchainReq.FQBN, "fqbn", "", "Fully qualified board name (e.g. esp32:esp32:esp32s3)")
	compileCmd.Flags().StringVarP(&toolchainReq.Port, "port", "p", "", "Port to lock while compiling")
	_ = compileCmd.MarkFlagRequired("fqbn")

	uploadCmd.Flags().StringVar(&toolchainReq.FQBN, "fqbn", "", "Fully qualified board name (e.g. esp32:esp32:esp32s3)")
	uploadCmd.Flags().StringVarP(&toolchainReq.Port, "port", "p", "", "Port to upload to")
	uploadCmd.Flags().BoolVar(&toolchainReq.StopMonitor, "stop-monitor", false, "Stop an active monitor on the port first")
	uploadCmd.Flags().BoolVarP(&toolchainReq.Force, "force", "f", false, "Take the port from its current owner")
	_ = uploadCmd.MarkFlagRequired("fqbn")
	_ = uploadCmd.MarkFlagRequired("port")

	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(uploadCmd)
}

func toolchainRun(ctx context.Context, op toolchain.Operation, req toolchain.Request) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if dryRun {
		ui.DryRunMsg("Would run: %s %s", viper.GetString("toolchain.command"), strings.Join(toolchain.Args(op, req), " "))
		return nil
	}

	var logOut io.Writer = io.Discard
	if verbose {
		logOut = os.Stderr
	}
	sv := newSupervisor(newLogger(logOut))
	defer sv.Close(context.Background())

	var (
		res toolchain.Result
		err error
	)
	if op == toolchain.OpUpload {
		ui.Info("Uploading %s to %s...", req.Sketch, req.Port)
		res, err = sv.Upload(ctx, req)
	} else {
		ui.Info("Compiling %s...", req.Sketch)
		res, err = sv.Compile(ctx, req)
	}
	if res.Stdout != "" {
		fmt.Fprint(ui.Out, res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(ui.ErrOut, res.Stderr)
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s failed with exit code %d", op, res.ExitCode)
	}
	ui.Success("%s finished in %s", op, output.Duration(time.Duration(res.DurationMs)*time.Millisecond))
	return nil
}
