package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/forge/internal/config"
	"github.com/Iron-Ham/forge/internal/drafts"
	"github.com/Iron-Ham/forge/internal/logging"
	"github.com/Iron-Ham/forge/internal/orchestrator"
	"github.com/Iron-Ham/forge/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Multi-participant deliberation session engine",
	Long: `Forge drives deliberation sessions between participants whose drafts
are exchanged in rounds. Each sealed round is scored for convergence and
scanned for contradictions; the session ends when the participants agree,
the round limit is reached, or an operator stops it.

Sessions are persisted after every change, so an operator can pause,
inspect, intervene in and resume them from separate invocations.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/forge/config.yaml)")
	rootCmd.PersistentFlags().String("store-dir", "", "directory holding session snapshots")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("store.dir", rootCmd.PersistentFlags().Lookup("store-dir"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FORGE")
	// e.g. FORGE_STORE_BACKEND for store.backend
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// runtime bundles what every session command needs: validated config, a
// logger and the snapshot store.
type runtime struct {
	cfg    *config.Config
	logger *logging.Logger
	store  store.Store
}

func openRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.New(cfg.Store, logger)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return &runtime{cfg: cfg, logger: logger, store: st}, nil
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("failed to close store", "error", err)
	}
	_ = rt.logger.Close()
}

// newLogger writes to logging.dir, or to {data dir}/logs when it is unset,
// keeping command output free of log lines.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	dir := cfg.Logging.Dir
	if dir == "" {
		dir = filepath.Join(config.DataDir(), "logs")
	}
	return logging.NewLogger(logging.Options{
		Dir:   dir,
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		},
	})
}

// draftStore opens the draft tree, defaulting to {data dir}/drafts.
func (rt *runtime) draftStore() (*drafts.FileStore, error) {
	dir := rt.cfg.Drafts.Dir
	if dir == "" {
		dir = filepath.Join(config.DataDir(), "drafts")
	}
	return drafts.NewFileStore(dir, rt.cfg.Drafts.Pattern)
}

// orchestrator builds an Orchestrator over the runtime's store and draft
// tree.
func (rt *runtime) orchestrator() (*orchestrator.Orchestrator, *drafts.FileStore, error) {
	ds, err := rt.draftStore()
	if err != nil {
		return nil, nil, err
	}
	opts, err := orchestrator.FromConfig(rt.cfg, ds, rt.store, rt.logger)
	if err != nil {
		return nil, nil, err
	}
	orch, err := orchestrator.New(opts)
	if err != nil {
		return nil, nil, err
	}
	return orch, ds, nil
}

// requireStore rejects commands that act on persisted sessions when
// persistence is disabled.
func (rt *runtime) requireStore() error {
	if _, ok := rt.store.(store.Nop); ok {
		return fmt.Errorf("store.backend is %q; persisted sessions are unavailable", store.BackendNone)
	}
	return nil
}
