package transport

import (
	"context"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// dialSerial открывает последовательный порт USB/RS232 адаптера
func dialSerial(cfg Config) func(ctx context.Context) (io.ReadWriteCloser, error) {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.DevicePath, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.DevicePath, err)
		}
		// Короткий таймаут, чтобы горутина чтения не блокировалась навсегда
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", cfg.DevicePath, err)
		}
		if err := port.ResetInputBuffer(); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to reset input buffer on %s: %w", cfg.DevicePath, err)
		}
		return port, nil
	}
}
