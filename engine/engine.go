// Package engine связывает сессию адаптера, опросчики модулей, историю и анализ трендов.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/config"
	"elm327-diag/diag"
	"elm327-diag/elm"
	"elm327-diag/history"
	"elm327-diag/metrics"
	"elm327-diag/poller"
	"elm327-diag/transport"
	"elm327-diag/trend"
)

// Параметры повторного подключения
const (
	InitialBackoff = time.Second
	MaxBackoff     = 60 * time.Second
)

// ErrUnknownModule - модуль с таким именем не настроен
var ErrUnknownModule = errors.New("engine: unknown module")

// Publisher получает показания опроса и результаты анализа (MQTT, WebSocket)
type Publisher interface {
	PublishReadings(module string, readings []common.Telemetry)
	PublishPredictions(predictions []common.Prediction) error
}

type vinSetter interface {
	SetVIN(vin string)
}

type monitorPublisher interface {
	PublishMonitors(status common.MonitorStatus) error
}

// Options - внешние зависимости движка. Нулевые значения заменяются рабочими.
type Options struct {
	Factory   transport.Factory
	Persister history.Persister
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Status - сводное состояние для API
type Status struct {
	Connected    bool               `json:"connected"`
	SessionID    string             `json:"sessionId,omitempty"`
	Transport    string             `json:"transport,omitempty"`
	Adapter      common.AdapterInfo `json:"adapter"`
	VIN          string             `json:"vin,omitempty"`
	QueueDepth   int                `json:"queueDepth"`
	HistorySize  int                `json:"historySize"`
	LastAnalysis *time.Time         `json:"lastAnalysis,omitempty"`
	Modules      []poller.Status    `json:"modules"`
}

// DTCReport - сохраненные и неподтвержденные коды неисправностей
type DTCReport struct {
	Stored  []string `json:"stored"`
	Pending []string `json:"pending"`
}

// Engine - корень композиции
type Engine struct {
	cfg     *config.Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	scheduler   *elm.Scheduler
	session     *elm.Session
	buffer      *history.Buffer
	analyzer    *trend.Analyzer
	diag        *diag.Service
	supervisors []*poller.Supervisor

	lost chan error

	mu           sync.RWMutex
	publishers   []Publisher
	predictions  []common.Prediction
	vin          string
	lastAnalysis time.Time
}

// New собирает движок по конфигурации
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Factory == nil {
		opts.Factory = transport.NewFactory(cfg.Adapter.Transport, opts.Logger)
	}

	e := &Engine{
		cfg:         cfg,
		clock:       opts.Clock,
		logger:      opts.Logger.Named("engine"),
		metrics:     opts.Metrics,
		lost:        make(chan error, 1),
		predictions: []common.Prediction{},
	}

	e.scheduler = elm.NewScheduler(cfg.Adapter.Command, opts.Clock, opts.Logger, opts.Metrics)
	e.session = elm.NewSession(cfg.Adapter.Command, opts.Factory, e.scheduler, opts.Clock, opts.Logger)
	e.session.OnDisconnect(e.onDisconnect)

	e.buffer = history.NewBuffer(cfg.History.Capacity, opts.Persister, opts.Logger)
	if opts.Persister != nil {
		if err := e.buffer.Load(); err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
	}
	e.analyzer = trend.NewAnalyzer(opts.Logger, trend.DefaultRules()...)
	e.diag = diag.NewService(cfg.Diag, e.session, e.buffer, opts.Clock, opts.Logger)

	for _, m := range cfg.Polling.Modules {
		params, err := m.Parameters()
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", m.Name, err)
		}
		sup := poller.NewSupervisor(m.Name, params, m.Interval, cfg.Polling, poller.Deps{
			Link:    e.session,
			Sink:    e.buffer,
			Publish: e.publishReadings,
			Clock:   opts.Clock,
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
		})
		sup.SetActive(m.Active)
		e.supervisors = append(e.supervisors, sup)
	}
	return e, nil
}

// AddPublisher подключает получателя показаний и прогнозов
func (e *Engine) AddPublisher(p Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishers = append(e.publishers, p)
}

func (e *Engine) publishersSnapshot() []Publisher {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Publisher(nil), e.publishers...)
}

func (e *Engine) publishReadings(module string, readings []common.Telemetry) {
	for _, p := range e.publishersSnapshot() {
		p.PublishReadings(module, readings)
	}
}

func (e *Engine) onDisconnect(err error) {
	if err == nil {
		return
	}
	e.logger.Warn("Adapter connection lost, scheduling reconnect", zap.Error(err))
	select {
	case e.lost <- err:
	default:
	}
}

// Connect выполняет одну попытку подключения: инициализация, идентификация адаптера, VIN
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.session.Connect(ctx, e.cfg.Adapter.Transport.Kind); err != nil {
		return err
	}
	if _, err := e.session.Identify(ctx); err != nil {
		return fmt.Errorf("failed to identify adapter: %w", err)
	}

	if vin, err := e.diag.ReadVIN(ctx); err == nil {
		e.setVIN(vin)
	} else {
		e.logger.Warn("VIN unavailable", zap.Error(err))
	}

	// Новая сессия: состояние параметров и предохранителей начинается заново
	for _, sup := range e.supervisors {
		sup.Reset()
	}
	return nil
}

func (e *Engine) setVIN(vin string) {
	e.mu.Lock()
	e.vin = vin
	e.mu.Unlock()
	for _, p := range e.publishersSnapshot() {
		if s, ok := p.(vinSetter); ok {
			s.SetVIN(vin)
		}
	}
}

// nextBackoff удваивает задержку до MaxBackoff
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// connectWithRetry повторяет Connect с экспоненциальной задержкой до успеха или отмены ctx
func (e *Engine) connectWithRetry(ctx context.Context) error {
	backoff := InitialBackoff
	for {
		err := e.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("Connect failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))

		timer := e.clock.Timer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = nextBackoff(backoff)
	}
}

// Run подключается к адаптеру, запускает опрос и периодический анализ.
// При потере соединения переподключается. Возвращается после отмены ctx.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for _, sup := range e.supervisors {
		wg.Add(1)
		go func(sup *poller.Supervisor) {
			defer wg.Done()
			sup.Run(ctx)
		}(sup)
	}

	if e.cfg.Analysis.Enabled {
		c := cron.New()
		if _, err := c.AddFunc(e.cfg.Analysis.Schedule, func() { e.Analyze() }); err != nil {
			return fmt.Errorf("invalid analysis schedule: %w", err)
		}
		c.Start()
		defer c.Stop()
	}

	defer e.session.Disconnect()

	if err := e.connectWithRetry(ctx); err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopped")
			return nil
		case <-e.lost:
			// Сигнал мог остаться от неудачной попытки подключения
			if e.session.IsConnected() {
				continue
			}
			e.metrics.Reconnect()
			if err := e.connectWithRetry(ctx); err != nil {
				return nil
			}
			e.logger.Info("Reconnected to adapter")
		}
	}
}

// PollOnce выполняет по одному циклу каждого активного модуля
func (e *Engine) PollOnce(ctx context.Context) {
	for _, sup := range e.supervisors {
		sup.Tick(ctx)
	}
}

// Analyze строит прогнозы по истории и публикует их
func (e *Engine) Analyze() []common.Prediction {
	predictions := e.analyzer.Analyze(e.buffer.Snapshots(), e.currentValues())

	e.mu.Lock()
	e.predictions = predictions
	e.lastAnalysis = e.clock.Now()
	e.mu.Unlock()

	e.metrics.SetPredictions(trend.Counts(predictions))
	for _, p := range e.publishersSnapshot() {
		if err := p.PublishPredictions(predictions); err != nil {
			e.logger.Debug("Failed to publish predictions", zap.Error(err))
		}
	}
	e.logger.Info("Trend analysis complete", zap.Int("predictions", len(predictions)))
	return predictions
}

// currentValues - последние действительные показания всех модулей
func (e *Engine) currentValues() map[string]float64 {
	values := make(map[string]float64)
	for _, sup := range e.supervisors {
		for _, t := range sup.Readings() {
			if t.Valid {
				values[t.Metric] = t.Value
			}
		}
	}
	return values
}

// Status возвращает сводное состояние
func (e *Engine) Status() Status {
	status := Status{
		Connected:   e.session.IsConnected(),
		SessionID:   e.session.ID(),
		Transport:   e.session.Kind(),
		Adapter:     e.session.Info(),
		QueueDepth:  e.scheduler.QueueDepth(),
		HistorySize: e.buffer.Len(),
		Modules:     make([]poller.Status, 0, len(e.supervisors)),
	}

	e.mu.RLock()
	status.VIN = e.vin
	if !e.lastAnalysis.IsZero() {
		t := e.lastAnalysis
		status.LastAnalysis = &t
	}
	e.mu.RUnlock()

	for _, sup := range e.supervisors {
		status.Modules = append(status.Modules, sup.State())
	}
	return status
}

// Readings возвращает последние показания по модулям
func (e *Engine) Readings() map[string][]common.Telemetry {
	readings := make(map[string][]common.Telemetry, len(e.supervisors))
	for _, sup := range e.supervisors {
		readings[sup.Name()] = sup.Readings()
	}
	return readings
}

// Predictions возвращает результат последнего анализа
func (e *Engine) Predictions() []common.Prediction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]common.Prediction(nil), e.predictions...)
}

// Monitors читает состояние мониторов готовности и публикует его
func (e *Engine) Monitors(ctx context.Context) (common.MonitorStatus, error) {
	status, err := e.diag.ReadMonitors(ctx)
	if err != nil {
		return status, err
	}
	for _, p := range e.publishersSnapshot() {
		if mp, ok := p.(monitorPublisher); ok {
			if err := mp.PublishMonitors(status); err != nil {
				e.logger.Debug("Failed to publish monitors", zap.Error(err))
			}
		}
	}
	return status, nil
}

// DTCs читает сохраненные и неподтвержденные коды
func (e *Engine) DTCs(ctx context.Context) (DTCReport, error) {
	var report DTCReport
	var err error
	if report.Stored, err = e.diag.ReadDTCs(ctx); err != nil {
		return report, err
	}
	if report.Pending, err = e.diag.ReadPendingDTCs(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// FreezeFrame читает стоп-кадр 0; пустой список означает набор по умолчанию
func (e *Engine) FreezeFrame(ctx context.Context, pids []string) ([]common.Telemetry, error) {
	if len(pids) == 0 {
		pids = diag.FreezeFramePIDs
	}
	return e.diag.ReadFreezeFrame(ctx, pids)
}

// ClearDTCs стирает коды неисправностей
func (e *Engine) ClearDTCs(ctx context.Context) error {
	return e.diag.ClearDTCs(ctx)
}

// Tests читает результаты самодиагностики монитора mid
func (e *Engine) Tests(ctx context.Context, mid byte) ([]common.TestRecord, error) {
	return e.diag.ReadTests(ctx, mid)
}

// SendCommand отправляет произвольную команду через общую очередь
func (e *Engine) SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	return e.session.SendCommand(ctx, cmd, timeout)
}

// SetModuleActive включает или выключает опрос модуля
func (e *Engine) SetModuleActive(name string, active bool) error {
	for _, sup := range e.supervisors {
		if sup.Name() == name {
			sup.SetActive(active)
			e.logger.Info("Module visibility changed", zap.String("module", name), zap.Bool("active", active))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownModule, name)
}

// Diag возвращает сервис диагностики
func (e *Engine) Diag() *diag.Service {
	return e.diag
}

// Session возвращает сессию адаптера
func (e *Engine) Session() *elm.Session {
	return e.session
}

// History возвращает буфер срезов
func (e *Engine) History() *history.Buffer {
	return e.buffer
}

// Disconnect закрывает сессию
func (e *Engine) Disconnect() error {
	return e.session.Disconnect()
}
