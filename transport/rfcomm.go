package transport

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// dialRFCOMM открывает Bluetooth устройство, привязанное через 'rfcomm bind'
func dialRFCOMM(cfg Config) func(ctx context.Context) (io.ReadWriteCloser, error) {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		// Проверяем, существует ли устройство
		if _, err := os.Stat(cfg.DevicePath); os.IsNotExist(err) {
			return nil, fmt.Errorf("device %s does not exist. Please run 'sudo rfcomm bind' first", cfg.DevicePath)
		}

		file, err := os.OpenFile(cfg.DevicePath, os.O_RDWR|unix.O_NOCTTY|os.O_SYNC, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.DevicePath, err)
		}
		return file, nil
	}
}
