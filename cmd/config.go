package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "serialmon"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage serialmon configuration.

Running bare 'serialmon config' is the same as 'serialmon config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# serialmon configuration
# See: serialmon config show (for effective values and sources)

# State/data directory (default: ~/.config/serialmon)
# state_dir: {{ .StateDir }}

# SQLite history database (default: ~/.config/serialmon/serialmon.db)
# db_path: {{ .DBPath }}

# Port locks are reclaimed after this long without activity
lock:
  timeout: {{ .LockTimeout }}
  sweep_interval: {{ .LockSweep }}

# Lines kept per port in memory
buffer:
  capacity: {{ .BufferCapacity }}

# Reboot and crash-loop heuristics
health:
  reboot_window: {{ .RebootWindow }}
  crash_loop_threshold: {{ .CrashLoopThreshold }}
  loop_window: {{ .LoopWindow }}
  loop_min_occurrences: {{ .LoopMinOccurrences }}

baud:
  default: {{ .DefaultBaud }}

# External line reader. Args are templates over {{"{{"}}.Port{{"}}"}} and {{"{{"}}.Baud{{"}}"}}.
monitor:
  command: "{{ .MonitorCommand }}"
  # args: ["monitor", "-p", "{{"{{"}}.Port{{"}}"}}", "--config", "baudrate={{"{{"}}.Baud{{"}}"}}", "--quiet"]
  pty: {{ .MonitorPTY }}

toolchain:
  command: "{{ .ToolchainCommand }}"

# Board HTTP management API (device info, SPIFFS files, restart)
device:
  # url: http://192.168.4.1
  timeout: {{ .DeviceTimeout }}

serve:
  port: {{ .ServePort }}

log:
  level: "{{ .LogLevel }}"
  format: "{{ .LogFormat }}"

# Crash explanation (optional)
anthropic:
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir           string
	DBPath             string
	LockTimeout        time.Duration
	LockSweep          time.Duration
	BufferCapacity     int
	RebootWindow       time.Duration
	CrashLoopThreshold int
	LoopWindow         time.Duration
	LoopMinOccurrences int
	DefaultBaud        int
	MonitorCommand     string
	MonitorPTY         bool
	ToolchainCommand   string
	DeviceTimeout      time.Duration
	ServePort          int
	LogLevel           string
	LogFormat          string
	AnthropicModel     string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:           viper.GetString("state_dir"),
		DBPath:             viper.GetString("db_path"),
		LockTimeout:        viper.GetDuration("lock.timeout"),
		LockSweep:          viper.GetDuration("lock.sweep_interval"),
		BufferCapacity:     viper.GetInt("buffer.capacity"),
		RebootWindow:       viper.GetDuration("health.reboot_window"),
		CrashLoopThreshold: viper.GetInt("health.crash_loop_threshold"),
		LoopWindow:         viper.GetDuration("health.loop_window"),
		LoopMinOccurrences: viper.GetInt("health.loop_min_occurrences"),
		DefaultBaud:        viper.GetInt("baud.default"),
		MonitorCommand:     viper.GetString("monitor.command"),
		MonitorPTY:         viper.GetBool("monitor.pty"),
		ToolchainCommand:   viper.GetString("toolchain.command"),
		DeviceTimeout:      viper.GetDuration("device.timeout"),
		ServePort:          viper.GetInt("serve.port"),
		LogLevel:           viper.GetString("log.level"),
		LogFormat:          viper.GetString("log.format"),
		AnthropicModel:     viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "SERIALMON_STATE_DIR"},
	{Key: "db_path", EnvVar: "SERIALMON_DB_PATH"},
	{Key: "lock.timeout", EnvVar: "SERIALMON_LOCK_TIMEOUT"},
	{Key: "lock.sweep_interval", EnvVar: "SERIALMON_LOCK_SWEEP_INTERVAL"},
	{Key: "buffer.capacity", EnvVar: "SERIALMON_BUFFER_CAPACITY"},
	{Key: "health.reboot_window", EnvVar: "SERIALMON_HEALTH_REBOOT_WINDOW"},
	{Key: "health.crash_loop_threshold", EnvVar: "SERIALMON_HEALTH_CRASH_LOOP_THRESHOLD"},
	{Key: "health.loop_window", EnvVar: "SERIALMON_HEALTH_LOOP_WINDOW"},
	{Key: "health.loop_min_occurrences", EnvVar: "SERIALMON_HEALTH_LOOP_MIN_OCCURRENCES"},
	{Key: "health.coalesce_window", EnvVar: "SERIALMON_HEALTH_COALESCE_WINDOW"},
	{Key: "baud.default", EnvVar: "SERIALMON_BAUD_DEFAULT"},
	{Key: "baud.sample_window", EnvVar: "SERIALMON_BAUD_SAMPLE_WINDOW"},
	{Key: "monitor.command", EnvVar: "SERIALMON_MONITOR_COMMAND"},
	{Key: "monitor.args", EnvVar: "SERIALMON_MONITOR_ARGS"},
	{Key: "monitor.pty", EnvVar: "SERIALMON_MONITOR_PTY"},
	{Key: "monitor.stop_grace", EnvVar: "SERIALMON_MONITOR_STOP_GRACE"},
	{Key: "broadcast.replay_size", EnvVar: "SERIALMON_BROADCAST_REPLAY_SIZE"},
	{Key: "broadcast.heartbeat", EnvVar: "SERIALMON_BROADCAST_HEARTBEAT"},
	{Key: "toolchain.command", EnvVar: "SERIALMON_TOOLCHAIN_COMMAND"},
	{Key: "device.url", EnvVar: "SERIALMON_DEVICE_URL"},
	{Key: "device.timeout", EnvVar: "SERIALMON_DEVICE_TIMEOUT"},
	{Key: "serve.port", EnvVar: "SERIALMON_SERVE_PORT"},
	{Key: "log.level", EnvVar: "SERIALMON_LOG_LEVEL"},
	{Key: "log.format", EnvVar: "SERIALMON_LOG_FORMAT"},
	{Key: "anthropic.model", EnvVar: "SERIALMON_ANTHROPIC_MODEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-30s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set: set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'serialmon config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
