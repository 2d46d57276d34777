package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "hallsync",
	Short: "Scrape-to-warehouse sync pipeline for venue machine data",
	Long: "Extracts daily per-machine records for each venue into a local staging store, " +
		"repairs gaps from backups and manual corrections, and keeps the analytical warehouse in step.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
