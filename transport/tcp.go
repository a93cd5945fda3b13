package transport

import (
	"context"
	"fmt"
	"io"
	"net"
)

// dialTCP подключается к Wi-Fi адаптеру (обычно 192.168.0.10:35000)
func dialTCP(cfg Config) func(ctx context.Context) (io.ReadWriteCloser, error) {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", cfg.Address, err)
		}
		return conn, nil
	}
}
