package poller

import (
	"fmt"
	"time"

	"elm327-diag/obd"
)

// Module - набор параметров, опрашиваемых одним опросчиком
type Module struct {
	Name     string        `mapstructure:"name" yaml:"name"`
	PIDs     []string      `mapstructure:"pids" yaml:"pids"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Active   bool          `mapstructure:"active" yaml:"active"`
}

// DefaultModules возвращает стандартные модули
func DefaultModules() []Module {
	return []Module{
		{
			Name:     "live",
			PIDs:     []string{"0C", "0D", "05", "11", "04", "0F", "10", "0E"},
			Interval: time.Second,
			Active:   true,
		},
		{
			Name:     "electrical",
			PIDs:     []string{"42"},
			Interval: 5 * time.Second,
			Active:   true,
		},
		{
			Name:     "fuel",
			PIDs:     []string{"06", "07", "14", "2F", "0A", "0B", "33"},
			Interval: 2 * time.Second,
			Active:   true,
		},
	}
}

// Parameters возвращает описания параметров модуля
func (m Module) Parameters() ([]obd.Parameter, error) {
	params := make([]obd.Parameter, 0, len(m.PIDs))
	for _, pid := range m.PIDs {
		p, ok := obd.Lookup(pid)
		if !ok {
			return nil, fmt.Errorf("module %s: unknown PID %s", m.Name, pid)
		}
		params = append(params, p)
	}
	return params, nil
}
