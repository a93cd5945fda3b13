// Package metrics содержит Prometheus метрики канала связи с адаптером и опроса.
// Все методы безопасны для nil-получателя: компоненты работают и без метрик.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты команд
const (
	ResultOK        = "ok"
	ResultTimeout   = "timeout"
	ResultTransport = "transport_error"
	ResultClosed    = "closed"
)

// Metrics - набор метрик одного экземпляра движка
type Metrics struct {
	CommandsTotal   *prometheus.CounterVec
	CommandDuration prometheus.Histogram
	QueueDepth      prometheus.Gauge
	PollCycles      prometheus.Counter
	SkippedTicks    *prometheus.CounterVec
	ParameterErrors *prometheus.CounterVec
	DisabledParams  prometheus.Gauge
	BreakerOpen     *prometheus.GaugeVec
	ParameterValue  *prometheus.GaugeVec
	Reconnects      prometheus.Counter
	Predictions     *prometheus.GaugeVec
}

// New создает метрики и регистрирует их в reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elm327_commands_total",
			Help: "Команды, отправленные адаптеру, по результату",
		}, []string{"result"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elm327_command_duration_seconds",
			Help:    "Время от записи команды до получения приглашения '>'",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elm327_queue_depth",
			Help: "Команды в очереди планировщика",
		}),
		PollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elm327_poll_cycles_total",
			Help: "Выполненные циклы опроса",
		}),
		SkippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elm327_poll_ticks_skipped_total",
			Help: "Пропущенные такты опроса по причине",
		}, []string{"reason"}),
		ParameterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elm327_parameter_errors_total",
			Help: "Ошибки чтения параметров",
		}, []string{"metric", "kind"}),
		DisabledParams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elm327_parameters_disabled",
			Help: "Параметры, отключенные до конца сессии",
		}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "elm327_module_breaker_open",
			Help: "1, если предохранитель модуля сработал",
		}, []string{"module"}),
		ParameterValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "elm327_parameter_value",
			Help: "Последнее значение параметра",
		}, []string{"metric", "unit"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elm327_reconnects_total",
			Help: "Повторные подключения к адаптеру",
		}),
		Predictions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "elm327_predictions",
			Help: "Прогнозы последнего анализа по уровню важности",
		}, []string{"severity"}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.QueueDepth,
		m.PollCycles,
		m.SkippedTicks,
		m.ParameterErrors,
		m.DisabledParams,
		m.BreakerOpen,
		m.ParameterValue,
		m.Reconnects,
		m.Predictions,
	)
	return m
}

func (m *Metrics) ObserveCommand(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.CommandDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) PollCycle() {
	if m == nil {
		return
	}
	m.PollCycles.Inc()
}

func (m *Metrics) TickSkipped(reason string) {
	if m == nil {
		return
	}
	m.SkippedTicks.WithLabelValues(reason).Inc()
}

func (m *Metrics) ParameterError(metric, kind string) {
	if m == nil {
		return
	}
	m.ParameterErrors.WithLabelValues(metric, kind).Inc()
}

func (m *Metrics) SetDisabled(n int) {
	if m == nil {
		return
	}
	m.DisabledParams.Set(float64(n))
}

func (m *Metrics) SetBreaker(module string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(module).Set(v)
}

func (m *Metrics) SetValue(metric, unit string, v float64) {
	if m == nil {
		return
	}
	m.ParameterValue.WithLabelValues(metric, unit).Set(v)
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetPredictions выставляет количество прогнозов для каждого уровня
func (m *Metrics) SetPredictions(counts map[string]int) {
	if m == nil {
		return
	}
	m.Predictions.Reset()
	for severity, n := range counts {
		m.Predictions.WithLabelValues(severity).Set(float64(n))
	}
}
