// Package transport реализует дуплексный байтовый канал до адаптера ELM327:
// последовательный порт, Bluetooth RFCOMM устройство или TCP (Wi-Fi адаптеры).
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Виды транспорта
const (
	KindSerial    = "serial"
	KindBluetooth = "bluetooth"
	KindTCP       = "tcp"
)

// ErrNotOpen возвращается при записи в закрытый канал
var ErrNotOpen = errors.New("transport: not open")

// Config представляет конфигурацию транспорта
type Config struct {
	Kind           string        `mapstructure:"kind" yaml:"kind"`                       // serial, bluetooth, tcp
	DevicePath     string        `mapstructure:"device_path" yaml:"device_path"`         // Например "/dev/ttyUSB0" или "/dev/rfcomm0"
	BaudRate       int           `mapstructure:"baud_rate" yaml:"baud_rate"`             // Скорость последовательного порта
	Address        string        `mapstructure:"address" yaml:"address"`                 // host:port для Wi-Fi адаптеров
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"` // Таймаут на подключение
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`       // Интервал опроса порта на чтение
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Kind:           KindSerial,
		DevicePath:     "/dev/ttyUSB0",
		BaudRate:       38400,
		Address:        "192.168.0.10:35000",
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    100 * time.Millisecond,
	}
}

// DataHandler получает каждый прочитанный фрагмент байт
type DataHandler func(chunk []byte)

// ErrorHandler вызывается один раз при фатальной ошибке чтения
type ErrorHandler func(err error)

// Transport - абстрактный дуплексный канал: open / write / on-data / close
type Transport interface {
	Open(ctx context.Context, onData DataHandler, onError ErrorHandler) error
	Write(p []byte) error
	Close() error
	Kind() string
}

// Error - ошибка транспорта (открытие, запись, чтение). Фатальна для сессии.
type Error struct {
	Op   string
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Factory создает транспорт нужного вида
type Factory func(kind string) (Transport, error)

// NewFactory возвращает фабрику, использующую общую конфигурацию
func NewFactory(cfg Config, logger *zap.Logger) Factory {
	return func(kind string) (Transport, error) {
		c := cfg
		if kind != "" {
			c.Kind = kind
		}
		return New(c, logger)
	}
}

// New создает транспорт по конфигурации
func New(cfg Config, logger *zap.Logger) (Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Kind {
	case KindSerial:
		return newStream(KindSerial, dialSerial(cfg), logger), nil
	case KindBluetooth:
		return newStream(KindBluetooth, dialRFCOMM(cfg), logger), nil
	case KindTCP:
		return newStream(KindTCP, dialTCP(cfg), logger), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}
