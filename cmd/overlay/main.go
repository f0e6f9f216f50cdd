// Package main implements the overlay CLI: record browser workflows,
// replay them as guided walkthroughs, and manage stored workflows.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"overlay/internal/config"
	"overlay/internal/logging"
	"overlay/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "overlay",
	Short: "overlay - record and replay self-healing web walkthroughs",
	Long: `overlay records what you do in a real browser session as a workflow
of resilient element descriptors, then replays it later as a guided
walkthrough. When the page has changed since recording, a tiered healer
re-locates each target: exact selectors first, structural scoring next,
optional AI validation after that, and finally the user.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadConfig reads the workspace config with env overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Path(workspace))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the workspace SQLite store.
func openStore(cfg *config.Config) (*store.LocalStore, error) {
	path := cfg.Storage.DatabasePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return store.NewLocalStore(path)
}

func shotsDir(cfg *config.Config) string {
	dir := cfg.Recorder.ScreenshotDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workspace, dir)
	}
	return dir
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Overall operation timeout (0 = none)")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(workflowsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(shotsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
