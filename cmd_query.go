package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"elm327-diag/common"
	"elm327-diag/engine"
	"elm327-diag/obd"
)

// pidInfo - PID с названием метрики и единицей измерения
type pidInfo struct {
	PID    string `json:"pid"`
	Metric string `json:"metric"`
	Unit   string `json:"unit"`
}

func describePIDs(pids []string) []pidInfo {
	infos := make([]pidInfo, 0, len(pids))
	for _, pid := range pids {
		infos = append(infos, pidInfo{PID: pid, Metric: obd.GetMetricName(pid), Unit: obd.GetMetricUnit(pid)})
	}
	return infos
}

type queryResult struct {
	Adapter   common.AdapterInfo            `json:"adapter"`
	VIN       string                        `json:"vin,omitempty"`
	Supported []pidInfo                     `json:"supported,omitempty"`
	Readings  map[string][]common.Telemetry `json:"readings,omitempty"`
}

func newQueryCmd() *cobra.Command {
	var supported, registry bool

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Connect once, read every module and print the values",
		RunE: func(cmd *cobra.Command, args []string) error {
			if registry {
				// Известные декодеры, без подключения к адаптеру
				return printJSON(cmd.OutOrStdout(), describePIDs(obd.GetSupportedPIDs()))
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Одноразовый запрос: история не сохраняется
			cfg.History.Path = ""
			for i := range cfg.Polling.Modules {
				cfg.Polling.Modules[i].Active = true
			}

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

			status := eng.Status()
			result := queryResult{Adapter: status.Adapter, VIN: status.VIN}
			if supported {
				pids, err := eng.Diag().SupportedPIDs(ctx)
				if err != nil {
					return err
				}
				result.Supported = describePIDs(pids)
			} else {
				eng.PollOnce(ctx)
				result.Readings = eng.Readings()
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().BoolVar(&supported, "supported", false, "list PIDs the vehicle reports as supported instead of reading values")
	cmd.Flags().BoolVar(&registry, "registry", false, "list the PIDs this tool can decode and exit")
	return cmd
}
