package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/pkg/config"
	appLogger "github.com/yomibot/backend/pkg/logger"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "yomibot",
	Short: "OSRS clan assistant: wiki, player stats and web search answers",
	Long: `yomibot answers Old School RuneScape questions for a clan.

It identifies the wiki pages, clan members and hiscore metrics a question
needs, fetches them concurrently, escalates to web search when the wiki is
thin, and synthesizes a cited answer through the first available model.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		metrics.Init()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		appLogger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(serveCmd, askCmd, modelsCmd, cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
