package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/serialmon/internal/baud"
	"github.com/joescharf/serialmon/internal/broadcast"
	"github.com/joescharf/serialmon/internal/device"
	"github.com/joescharf/serialmon/internal/health"
	"github.com/joescharf/serialmon/internal/output"
	"github.com/joescharf/serialmon/internal/portlock"
	"github.com/joescharf/serialmon/internal/serialio"
	"github.com/joescharf/serialmon/internal/store"
	"github.com/joescharf/serialmon/internal/supervisor"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "serialmon",
	Short: "Serial port supervisor for embedded development",
	Long: `serialmon supervises serial streams from microcontroller boards.
It arbitrates port access between monitors and upload tools, buffers
recent output, classifies reboots and crash loops, and exposes it all
over a CLI, an HTTP/WebSocket API and an MCP server.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/serialmon/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	bindEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// bindEnv maps SERIALMON_<SECTION>_<KEY> variables onto config keys.
func bindEnv() {
	viper.SetEnvPrefix("SERIALMON")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// setDefaults registers every config key with its default value.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "serialmon.db"))

	lock := portlock.DefaultConfig()
	viper.SetDefault("lock.timeout", lock.Timeout)
	viper.SetDefault("lock.sweep_interval", lock.SweepInterval)

	viper.SetDefault("buffer.capacity", 1000)

	hc := health.DefaultConfig()
	viper.SetDefault("health.reboot_window", hc.RebootWindow)
	viper.SetDefault("health.crash_loop_threshold", hc.CrashLoopThreshold)
	viper.SetDefault("health.loop_window", hc.LoopWindow)
	viper.SetDefault("health.loop_min_occurrences", hc.LoopMinOccurrences)
	viper.SetDefault("health.loop_confidence_cap", hc.LoopConfidenceCap)
	viper.SetDefault("health.loop_max_keys", hc.LoopMaxKeys)
	viper.SetDefault("health.coalesce_window", hc.CoalesceWindow)

	bc := baud.DefaultConfig()
	viper.SetDefault("baud.default", 115200)
	viper.SetDefault("baud.sample_window", bc.SampleWindow)

	viper.SetDefault("monitor.command", "arduino-cli")
	viper.SetDefault("monitor.args", serialio.DefaultMonitorArgs)
	viper.SetDefault("monitor.pty", false)
	viper.SetDefault("monitor.stop_grace", "3s")

	br := broadcast.DefaultConfig()
	viper.SetDefault("broadcast.replay_size", br.ReplaySize)
	viper.SetDefault("broadcast.heartbeat", br.Heartbeat)

	viper.SetDefault("toolchain.command", "arduino-cli")

	viper.SetDefault("device.url", "")
	viper.SetDefault("device.timeout", device.DefaultTimeout)

	viper.SetDefault("serve.port", 8080)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// The store is opened lazily, only by commands that need it.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// supervisorConfig builds the component configuration from viper.
func supervisorConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()

	cfg.Lock.Timeout = viper.GetDuration("lock.timeout")
	cfg.Lock.SweepInterval = viper.GetDuration("lock.sweep_interval")

	cfg.BufferCapacity = viper.GetInt("buffer.capacity")

	cfg.Health.RebootWindow = viper.GetDuration("health.reboot_window")
	cfg.Health.CrashLoopThreshold = viper.GetInt("health.crash_loop_threshold")
	cfg.Health.LoopWindow = viper.GetDuration("health.loop_window")
	cfg.Health.LoopMinOccurrences = viper.GetInt("health.loop_min_occurrences")
	cfg.Health.LoopConfidenceCap = viper.GetInt("health.loop_confidence_cap")
	cfg.Health.LoopMaxKeys = viper.GetInt("health.loop_max_keys")
	cfg.Health.CoalesceWindow = viper.GetDuration("health.coalesce_window")

	cfg.DefaultBaud = viper.GetInt("baud.default")
	cfg.Baud.SampleWindow = viper.GetDuration("baud.sample_window")

	cfg.MonitorCommand = viper.GetString("monitor.command")
	if args := viper.GetStringSlice("monitor.args"); len(args) > 0 {
		cfg.MonitorArgs = args
	}
	cfg.UsePTY = viper.GetBool("monitor.pty")
	cfg.StopGrace = viper.GetDuration("monitor.stop_grace")

	cfg.Broadcast.ReplaySize = viper.GetInt("broadcast.replay_size")
	cfg.Broadcast.Heartbeat = viper.GetDuration("broadcast.heartbeat")

	cfg.ToolchainCommand = viper.GetString("toolchain.command")
	return cfg
}

// newSupervisor builds a supervisor backed by the history store. A store
// that cannot be opened disables history rather than failing the command.
func newSupervisor(logger *slog.Logger) *supervisor.Supervisor {
	opts := supervisor.Options{Logger: logger}
	if s, err := getStore(); err != nil {
		ui.Warning("History disabled: %v", err)
	} else {
		opts.Store = s
	}
	return supervisor.New(supervisorConfig(), opts)
}

// newLogger builds the slog logger selected by log.level and log.format.
func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetString("log.format") == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
