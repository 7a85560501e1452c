package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tabkeep/localfirst"
)

var (
	configFlag  string
	verboseFlag bool
	offlineFlag bool

	cfg    *localfirst.Config
	logger *zap.Logger
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "localfirst",
	Short: "Tabkeep local-first data layer CLI",
	Long: `Inspect and drive the local-first data layer: read through the cache,
manage the offline mutation queue, import bookmarks in chunks, and watch
the sync status.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err = localfirst.LoadConfig(path)
		if err != nil {
			return err
		}
		logger, err = localfirst.NewLogger(cfg.Logging, verboseFlag)
		if err != nil {
			return err
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
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.localfirst/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&offlineFlag, "offline", false, "start in offline mode")
}

// configPath returns --config or the default location.
func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	dir, err := localfirst.DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
