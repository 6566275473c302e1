package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/forge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify Forge configuration",
	Long: `View or modify Forge configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  forge config set session.max_rounds 8
  forge config set convergence.similarity cosine
  forge config set store.backend sqlite

The value is checked against the full configuration before it is saved.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/forge/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the active configuration",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(out, "# Configuration is invalid, showing defaults:\n#   %s\n", strings.ReplaceAll(strings.TrimSpace(err.Error()), "\n", "\n#   "))
		cfg = config.Default()
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// configValueKinds maps every settable key to how its value is parsed.
var configValueKinds = map[string]string{
	"session.max_rounds":               "int",
	"session.convergence_threshold":    "float",
	"session.timeout_minutes":          "int",
	"session.allow_human_intervention": "bool",
	"convergence.similarity":           "string",
	"convergence.dissent_threshold":    "float",
	"convergence.max_parallel":         "int",
	"conflict.min_overlap":             "float",
	"conflict.numeric_tolerance":       "float",
	"conflict.critical_numeric_delta":  "float",
	"conflict.max_parallel":            "int",
	"pause.poll_interval_ms":           "int",
	"pause.max_wait_ms":                "int",
	"pause.schedule":                   "string",
	"drafts.dir":                       "string",
	"drafts.pattern":                   "string",
	"drafts.watch":                     "bool",
	"drafts.debounce_ms":               "int",
	"store.backend":                    "string",
	"store.dir":                        "string",
	"logging.level":                    "string",
	"logging.dir":                      "string",
	"logging.max_size_mb":              "int",
	"logging.max_backups":              "int",
	"logging.compress":                 "bool",
	"metrics.addr":                     "string",
}

func parseConfigValue(key, value string) (any, error) {
	kind, ok := configValueKinds[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'forge config set --help' to see examples", key)
	}
	switch kind {
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	case "float":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return f, nil
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	}
	return value, nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	typed, err := parseConfigValue(key, value)
	if err != nil {
		return err
	}

	viper.Set(key, typed)
	if _, err := config.Load(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typed)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'forge config set' to modify values", configFile)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	fmt.Fprintln(cmd.OutOrStdout(), "Edit this file to customize Forge's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: FORGE_* (e.g., FORGE_STORE_BACKEND)")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
	return nil
}

const defaultConfigFile = `# Forge Configuration

# Defaults for new sessions
session:
  # Hard cap on rounds per session
  max_rounds: 5
  # A sealed round scoring at or above this ends the session
  convergence_threshold: 0.8
  # Session deadline in minutes (0 = disabled). Paused time does not count.
  timeout_minutes: 30
  # Enable the intervention request queue
  allow_human_intervention: true
  # Discussion topics scored separately, e.g.
  # topics:
  #   - name: latency
  #     keywords: [latency, p99, ms]
  topics: []

# Convergence scoring
convergence:
  # Pairwise similarity: jaccard or cosine
  similarity: jaccard
  # Participants whose mean agreement falls below this are flagged as dissenting
  dissent_threshold: 0.2
  max_parallel: 4

# Contradiction detection
conflict:
  # Token overlap two statements need to be about the same claim
  min_overlap: 0.3
  # Relative difference below which two numbers agree
  numeric_tolerance: 0.05
  # Relative difference at which a numeric conflict is critical
  critical_numeric_delta: 0.5
  max_parallel: 4

# Pausing
pause:
  # How often the safe point is re-checked while pausing (milliseconds)
  poll_interval_ms: 100
  # Give up pausing after this long (milliseconds)
  max_wait_ms: 30000
  # Optional cron expression for recurring pauses, e.g. "0 12 * * 1-5"
  schedule: ""

# Participant drafts: {dir}/{session}/round-{n}/
drafts:
  # Empty uses ~/.local/share/forge/drafts
  dir: ""
  pattern: "*.{md,txt,yaml}"
  # Seal rounds automatically as drafts arrive
  watch: false
  debounce_ms: 250

# Session snapshots
store:
  # json, sqlite or none
  backend: json
  # Empty uses ~/.local/share/forge/sessions
  dir: ""

logging:
  # debug, info, warn or error
  level: info
  # Empty uses ~/.local/share/forge/logs
  dir: ""
  max_size_mb: 10
  max_backups: 3
  compress: false

metrics:
  # Listen address for /metrics, e.g. ":9464" (empty = disabled)
  addr: ""
`
