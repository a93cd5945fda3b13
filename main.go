package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"elm327-diag/config"
	"elm327-diag/engine"
	"elm327-diag/history"
	"elm327-diag/logging"
)

var (
	// Глобальные флаги
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "elm327-diag",
	Short: "ELM327 telemetry acquisition and diagnostics",
	Long: `elm327-diag talks to an ELM327 OBD-II adapter over serial, Bluetooth RFCOMM or Wi-Fi:
  • polls live parameters per module with per-parameter and per-module fault isolation
  • reads readiness monitors, stored/pending DTCs, Mode 06 test results and VIN
  • keeps a bounded snapshot history and predicts component wear from trends
  • bridges telemetry and ad-hoc commands to MQTT, HTTP and WebSocket clients`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newQueryCmd(),
		newAnalyzeCmd(),
		newDTCCmd(),
		newConfigCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup загружает конфигурацию и создает логгер
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openHistory открывает хранилище срезов; пустой путь - только память
func openHistory(cfg *config.Config, logger *zap.Logger) (*history.BoltPersister, error) {
	if cfg.History.Path == "" {
		return nil, nil
	}
	return history.OpenBolt(cfg.History.Path, logger)
}

// newEngine собирает движок с хранилищем истории. close освобождает хранилище.
func newEngine(cfg *config.Config, logger *zap.Logger, opts engine.Options) (*engine.Engine, func(), error) {
	store, err := openHistory(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if store != nil {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close history", zap.Error(err))
			}
		}
	}
	if store != nil {
		opts.Persister = store
	}
	opts.Logger = logger

	e, err := engine.New(cfg, opts)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return e, closeStore, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
