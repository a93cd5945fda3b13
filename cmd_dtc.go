package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"elm327-diag/engine"
)

func newDTCCmd() *cobra.Command {
	var clearCodes bool

	cmd := &cobra.Command{
		Use:   "dtc",
		Short: "Read readiness monitors and trouble codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			cfg.History.Path = ""

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			eng, closeStore, err := newEngine(cfg, logger, engine.Options{})
			if err != nil {
				return err
			}
			defer closeStore()

			if err := eng.Connect(ctx); err != nil {
				return err
			}
			defer eng.Disconnect()

			if clearCodes {
				if err := eng.ClearDTCs(ctx); err != nil {
					return err
				}
			}
			report, err := eng.Diag().Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().BoolVar(&clearCodes, "clear", false, "clear stored codes and reset monitors before reading (mode 04)")
	return cmd
}
