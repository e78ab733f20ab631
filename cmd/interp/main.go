// Command interp extracts, caches and compares sparse autoencoder feature
// activations over text datasets.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-interp/internal/config"
	"github.com/23skdu/longbow-interp/internal/logger"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	resultsDir string

	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "interp",
	Short: "Extract, cache and compare SAE feature activations over text datasets",
	Long: `interp runs a language model and a sparse autoencoder over text datasets,
keeps the per-token feature activations in an on-disk cache keyed by
dataset, split, field and model, and runs clustering and frequency
comparisons on the cached results.

Interrupted runs resume from the last checkpoint.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			c.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			c.LogFormat = logFormat
		}
		if cmd.Flags().Changed("results-dir") {
			c.ResultsDir = resultsDir
		}
		logger.Setup(c.LogLevel, c.LogFormat)
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console or json")
	rootCmd.PersistentFlags().StringVar(&resultsDir, "results-dir", "", "Results root (default from config, INTERP_RESULTS_DIR or ./results)")

	rootCmd.AddCommand(computeSAECmd)
	rootCmd.AddCommand(computeOpenAICmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(downloadModelCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Log.Error("command failed", "error", err)
		os.Exit(1)
	}
}
