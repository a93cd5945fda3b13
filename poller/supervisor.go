// Package poller реализует адаптивный опрос параметров: определение поддержки
// каждого параметра и предохранитель модуля при серии неудачных чтений.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/elm"
	"elm327-diag/metrics"
	"elm327-diag/obd"
	"elm327-diag/transport"
)

// Config представляет конфигурацию опроса
type Config struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`               // Интервал по умолчанию
	MaxErrors      int           `mapstructure:"max_errors" yaml:"max_errors"`           // Неудач подряд до отключения модуля
	CountMalformed bool          `mapstructure:"count_malformed" yaml:"count_malformed"` // Учитывать ли искаженные ответы в предохранителе
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`                 // Таймаут команды, 0 - по умолчанию сессии
	Modules        []Module      `mapstructure:"modules" yaml:"modules"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Interval:       time.Second,
		MaxErrors:      5,
		CountMalformed: false,
		Modules:        DefaultModules(),
	}
}

// Link - канал до адаптера: отправка команд и состояние подключения
type Link interface {
	SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	IsConnected() bool
}

// SnapshotSink принимает срезы значений каждого цикла
type SnapshotSink interface {
	Append(s common.Snapshot)
}

// Publisher получает показания каждого цикла
type Publisher func(module string, readings []common.Telemetry)

// Deps - зависимости опросчика
type Deps struct {
	Link    Link
	Sink    SnapshotSink
	Publish Publisher
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Supervisor опрашивает набор параметров одного модуля
type Supervisor struct {
	name     string
	params   []obd.Parameter
	cfg      Config
	interval time.Duration

	link    Link
	sink    SnapshotSink
	publish Publisher
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	active atomic.Bool
	busy   atomic.Bool

	mu       sync.Mutex
	states   map[string]*ParamState
	breaker  Breaker
	readings map[string]common.Telemetry
}

// NewSupervisor создает опросчик модуля. interval <= 0 берется из cfg.
func NewSupervisor(name string, params []obd.Parameter, interval time.Duration, cfg Config, deps Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = cfg.Interval
	}

	s := &Supervisor{
		name:     name,
		params:   params,
		cfg:      cfg,
		interval: interval,
		link:     deps.Link,
		sink:     deps.Sink,
		publish:  deps.Publish,
		clock:    deps.Clock,
		logger:   deps.Logger.Named("poller").With(zap.String("module", name)),
		metrics:  deps.Metrics,
	}
	s.resetLocked()
	return s
}

// Name возвращает имя модуля
func (s *Supervisor) Name() string {
	return s.name
}

// SetActive включает или выключает опрос (видимость модуля)
func (s *Supervisor) SetActive(active bool) {
	s.active.Store(active)
	s.logger.Debug("Module visibility changed", zap.Bool("active", active))
}

// IsActive сообщает, включен ли опрос
func (s *Supervisor) IsActive() bool {
	return s.active.Load()
}

// Reset возвращает параметры в состояние probing и сбрасывает предохранитель.
// Вызывается при повторном подключении.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	s.metrics.SetBreaker(s.name, false)
	s.logger.Info("Module state reset")
}

func (s *Supervisor) resetLocked() {
	s.states = make(map[string]*ParamState, len(s.params))
	for _, p := range s.params {
		s.states[p.Name] = &ParamState{Phase: PhaseProbing}
	}
	s.breaker = NewBreaker(s.cfg.MaxErrors)
	s.readings = make(map[string]common.Telemetry, len(s.params))
}

// Run вызывает Tick с интервалом модуля до отмены ctx. Такты, пришедшие во время
// незавершенного цикла, пропускаются.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.logger.Info("Polling started", zap.Duration("interval", s.interval), zap.Int("parameters", len(s.params)))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Polling stopped")
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Tick выполняет один цикл опроса. Возвращает false, если цикл пропущен:
// модуль не активен, нет подключения, сработал предохранитель или идет предыдущий цикл.
func (s *Supervisor) Tick(ctx context.Context) bool {
	if !s.active.Load() {
		s.metrics.TickSkipped("inactive")
		return false
	}
	if !s.link.IsConnected() {
		s.metrics.TickSkipped("disconnected")
		return false
	}
	if s.breakerOpen() {
		s.metrics.TickSkipped("breaker")
		return false
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.metrics.TickSkipped("busy")
		return false
	}
	defer s.busy.Store(false)

	values := make(map[string]float64, len(s.params))
	readings := make([]common.Telemetry, 0, len(s.params))

	for _, p := range s.params {
		if ctx.Err() != nil || s.breakerOpen() {
			break
		}
		if !s.supported(p) {
			continue
		}

		raw, err := s.link.SendCommand(ctx, p.Request(), s.cfg.Timeout)
		if sessionLost(err) {
			s.logger.Debug("Session lost during poll", zap.Error(err))
			break
		}

		var telemetry common.Telemetry
		if err == nil {
			telemetry, err = obd.ReadParameter(raw, p)
		} else {
			telemetry = common.Telemetry{PID: p.Request(), Metric: p.Name, Unit: p.Unit}
		}
		telemetry.Timestamp = s.clock.Now().UnixMilli()

		s.record(p, telemetry, err)
		if err == nil {
			values[p.Name] = telemetry.Value
		}
		readings = append(readings, telemetry)
	}

	if len(values) > 0 && s.sink != nil {
		s.sink.Append(common.Snapshot{Timestamp: s.clock.Now(), Values: values})
	}
	if len(readings) > 0 && s.publish != nil {
		s.publish(s.name, readings)
	}
	s.metrics.PollCycle()
	return true
}

// sessionLost - ошибки, после которых продолжать цикл бессмысленно
func sessionLost(err error) bool {
	var terr *transport.Error
	return errors.Is(err, elm.ErrNotConnected) || errors.Is(err, elm.ErrSessionClosed) || errors.As(err, &terr)
}

func (s *Supervisor) supported(p obd.Parameter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[p.Name].Supported()
}

func (s *Supervisor) breakerOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker.Open()
}

// record обновляет состояние параметра и предохранителя по результату чтения
func (s *Supervisor) record(p obd.Parameter, telemetry common.Telemetry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[p.Name]
	s.readings[p.Name] = telemetry

	switch {
	case err == nil:
		state.succeed()
		s.breaker.Success()
		s.metrics.SetValue(p.Name, p.Unit, telemetry.Value)

	case errors.Is(err, obd.ErrUnsupported):
		// Не поддерживается автомобилем: не считается неудачей модуля
		state.disable()
		s.metrics.ParameterError(p.Name, "unsupported")
		s.metrics.SetDisabled(s.disabledCountLocked())
		s.logger.Warn("Parameter not supported, disabled for session",
			zap.String("metric", p.Name), zap.String("pid", p.Request()), zap.Error(err))

	case errors.Is(err, obd.ErrMalformed):
		state.fail()
		s.metrics.ParameterError(p.Name, "malformed")
		s.logger.Warn("Malformed response", zap.String("metric", p.Name), zap.Error(err))
		if s.cfg.CountMalformed {
			s.failureLocked()
		}

	case errors.Is(err, obd.ErrBus):
		// Шина недоступна (например, зажигание выключено): параметр остается в опросе
		state.fail()
		s.metrics.ParameterError(p.Name, "bus")
		s.logger.Warn("Bus error", zap.String("metric", p.Name), zap.Error(err))
		s.failureLocked()

	default:
		state.fail()
		kind := "error"
		if errors.Is(err, elm.ErrCommandTimeout) {
			kind = "timeout"
		}
		s.metrics.ParameterError(p.Name, kind)
		s.logger.Warn("Parameter read failed", zap.String("metric", p.Name), zap.Error(err))
		s.failureLocked()
	}
}

func (s *Supervisor) failureLocked() {
	if s.breaker.Failure() {
		s.metrics.SetBreaker(s.name, true)
		s.logger.Warn("Module disabled after consecutive failures", zap.Int("failures", s.breaker.Failures()))
	}
}

func (s *Supervisor) disabledCountLocked() int {
	n := 0
	for _, st := range s.states {
		if !st.Supported() {
			n++
		}
	}
	return n
}

// ParamStatus - состояние параметра для API
type ParamStatus struct {
	Phase             string `json:"phase"`
	ConsecutiveErrors int    `json:"consecutiveErrors"`
}

// Status - состояние модуля для API
type Status struct {
	Name                string                 `json:"name"`
	Active              bool                   `json:"active"`
	Disabled            bool                   `json:"disabled"`
	ConsecutiveFailures int                    `json:"consecutiveFailures"`
	Interval            string                 `json:"interval"`
	Parameters          map[string]ParamStatus `json:"parameters"`
}

// State возвращает снимок состояния модуля
func (s *Supervisor) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := make(map[string]ParamStatus, len(s.states))
	for name, st := range s.states {
		params[name] = ParamStatus{Phase: st.Phase.String(), ConsecutiveErrors: st.ConsecutiveErrors}
	}
	return Status{
		Name:                s.name,
		Active:              s.active.Load(),
		Disabled:            s.breaker.Open(),
		ConsecutiveFailures: s.breaker.Failures(),
		Interval:            s.interval.String(),
		Parameters:          params,
	}
}

// Readings возвращает последние показания в порядке параметров модуля
func (s *Supervisor) Readings() []common.Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()

	readings := make([]common.Telemetry, 0, len(s.readings))
	for _, p := range s.params {
		if t, ok := s.readings[p.Name]; ok {
			readings = append(readings, t)
		}
	}
	return readings
}
