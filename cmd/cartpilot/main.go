package main

import (
	"fmt"
	"os"

	"cartpilot/internal/config"
	"cartpilot/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath   string
	workspaceDir string
	noWorkspace  bool
	verbose      bool
	logLevel     string

	cfg    config.Config
	wsDir  string
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cartpilot",
	Short: "CartPilot - grocery cart rebuilding agent served over MCP",
	Long: `CartPilot signs in to a grocery site, rebuilds the cart from recent orders,
checks availability, proposes substitutes, drops items that are probably still
stocked at home, scouts delivery slots and hands a review pack to a human.

It never places orders. Approval fills the cart and returns its URL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == initCmd.Name() {
			logger = zap.NewNop()
			return nil
		}
		var err error
		cfg, wsDir, err = config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
			Disable:     noWorkspace,
			ExplicitDir: workspaceDir,
		})
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Server.LogLevel = logLevel
		}
		logger, err = logging.New(logging.Options{
			Level:   cfg.Server.LogLevel,
			Verbose: verbose,
			File:    cfg.Server.LogFile,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if wsDir != "" {
			logger.Debug("workspace discovered", zap.String("dir", wsDir))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to an explicit config file (overrides the workspace config)")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace-dir", "", "Use this directory as the workspace root instead of searching upward")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "Ignore any .cartpilot workspace")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug | info | warn | error")

	rootCmd.AddCommand(serveCmd, importCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
