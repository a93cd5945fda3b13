package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"elm327-diag/engine"
)

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Run the trend analysis over the recorded history",
		Long:  "Load the snapshot history from the database and print component predictions. No adapter connection is needed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.History.Path == "" {
				return fmt.Errorf("history.path is not set, nothing to analyze")
			}

			eng, closeStore, err := newEngine(cfg, logger, engine.Options{})
			if err != nil {
				return err
			}
			defer closeStore()

			return printJSON(cmd.OutOrStdout(), eng.Analyze())
		},
	}
}
