package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"elm327-diag/diag"
	"elm327-diag/elm"
	"elm327-diag/history"
	"elm327-diag/logging"
	"elm327-diag/mqtt"
	"elm327-diag/poller"
	"elm327-diag/transport"
)

// EnvPrefix - префикс переменных окружения: ELM327_ADAPTER_KIND=tcp
const EnvPrefix = "ELM327"

// AdapterConfig объединяет настройки транспорта и очереди команд в одной секции
type AdapterConfig struct {
	Transport transport.Config `mapstructure:",squash" yaml:",inline"`
	Command   elm.Config       `mapstructure:",squash" yaml:",inline"`
}

// AnalysisConfig - периодический анализ трендов
type AnalysisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"` // cron выражение или @every
}

// ServerConfig - HTTP API и WebSocket
type ServerConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Config - полная конфигурация приложения
type Config struct {
	Adapter  AdapterConfig  `mapstructure:"adapter" yaml:"adapter"`
	Polling  poller.Config  `mapstructure:"polling" yaml:"polling"`
	History  history.Config `mapstructure:"history" yaml:"history"`
	Diag     diag.Config    `mapstructure:"diag" yaml:"diag"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	MQTT     mqtt.Config    `mapstructure:"mqtt" yaml:"mqtt"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  logging.Config `mapstructure:"logging" yaml:"logging"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Transport: transport.DefaultConfig(),
			Command:   elm.DefaultConfig(),
		},
		Polling: poller.DefaultConfig(),
		History: history.DefaultConfig(),
		Diag:    diag.DefaultConfig(),
		Analysis: AnalysisConfig{
			Enabled:  true,
			Schedule: "@every 1m",
		},
		MQTT: mqtt.DefaultConfig(),
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load читает конфигурацию: значения по умолчанию, затем файл, затем окружение.
// Пустой path ищет config.yaml в текущем каталоге; его отсутствие не ошибка.
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := registerDefaults(v, Default()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// registerDefaults регистрирует каждое значение по умолчанию как ключ viper,
// иначе AutomaticEnv не увидит переменные окружения при Unmarshal.
func registerDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			setDefaults(v, full, nested)
			continue
		}
		v.SetDefault(full, value)
	}
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	switch c.Adapter.Transport.Kind {
	case transport.KindSerial, transport.KindBluetooth, transport.KindTCP:
	default:
		return fmt.Errorf("adapter.kind: unknown transport %q", c.Adapter.Transport.Kind)
	}
	if c.Adapter.Command.Timeout <= 0 {
		return fmt.Errorf("adapter.timeout must be positive")
	}
	if c.Adapter.Command.MinDelay < 0 {
		return fmt.Errorf("adapter.min_delay must not be negative")
	}
	if c.Polling.MaxErrors <= 0 {
		return fmt.Errorf("polling.max_errors must be positive")
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be positive")
	}
	for _, m := range c.Polling.Modules {
		if _, err := m.Parameters(); err != nil {
			return fmt.Errorf("polling.modules: %w", err)
		}
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Analysis.Enabled {
		if _, err := cron.ParseStandard(c.Analysis.Schedule); err != nil {
			return fmt.Errorf("analysis.schedule: %w", err)
		}
	}
	return nil
}

// WriteDefault записывает конфигурацию по умолчанию в YAML. Существующий файл не перезаписывается.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
