package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"elm327-diag/engine"
	"elm327-diag/metrics"
	"elm327-diag/mqtt"
	"elm327-diag/server"
)

func newRunCmd() *cobra.Command {
	var transportKind string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the adapter continuously and serve telemetry",
		Long: `Connect to the adapter (retrying with backoff), poll every active module,
record snapshots, run the periodic trend analysis and publish everything
to MQTT and WebSocket clients. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if transportKind != "" {
				cfg.Adapter.Transport.Kind = transportKind
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.New(reg)

			eng, closeStore, err := newEngine(cfg, logger, engine.Options{Metrics: m})
			if err != nil {
				return err
			}
			defer closeStore()

			if cfg.MQTT.Enabled {
				client := mqtt.NewClient(cfg.MQTT, eng, logger)
				if err := client.Start(); err != nil {
					return err
				}
				defer client.Stop()
				eng.AddPublisher(client)
			}

			var wg sync.WaitGroup
			if cfg.Server.Enabled {
				srv := server.New(cfg.Server.ListenAddr, eng, nil, reg, logger)
				eng.AddPublisher(srv.Hub())
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := srv.Run(ctx); err != nil {
						logger.Error("HTTP server stopped", zap.Error(err))
						stop()
					}
				}()
			}

			logger.Info("Starting", zap.String("transport", cfg.Adapter.Transport.Kind))
			err = eng.Run(ctx)
			stop()
			wg.Wait()
			return err
		},
	}

	cmd.Flags().StringVarP(&transportKind, "transport", "t", "", "override adapter transport (serial, bluetooth, tcp)")
	return cmd
}
