package elm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/obd"
	"elm327-diag/transport"
)

// Step - команда инициализации и пауза после нее
type Step struct {
	Command     string
	Description string
	Delay       time.Duration
}

// InitSequence возвращает фиксированный порядок настройки адаптера
func InitSequence(cfg Config) []Step {
	return []Step{
		{"ATZ", "reset", cfg.ResetDelay},
		{"ATE0", "echo off", cfg.StepDelay},
		{"ATL0", "linefeeds off", cfg.StepDelay},
		{"ATS0", "spaces off", cfg.StepDelay},
		{"ATH1", "headers on", cfg.StepDelay},
		{"ATAT1", "adaptive timing", cfg.StepDelay},
		{"ATSP0", "auto protocol", cfg.StepDelay},
	}
}

// Session - жизненный цикл подключения к адаптеру поверх планировщика
type Session struct {
	cfg       Config
	factory   transport.Factory
	scheduler *Scheduler
	clock     clock.Clock
	logger    *zap.Logger

	connectMu    sync.Mutex
	mu           sync.Mutex
	connected    bool
	id           string
	kind         string
	info         common.AdapterInfo
	onDisconnect []func(error)
}

// NewSession создает сессию. Ошибки транспорта планировщика приводят к отключению сессии.
func NewSession(cfg Config, factory transport.Factory, scheduler *Scheduler, clk clock.Clock, logger *zap.Logger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		cfg:       cfg,
		factory:   factory,
		scheduler: scheduler,
		clock:     clk,
		logger:    logger.Named("session"),
	}
	scheduler.SetFatalHandler(s.handleFatal)
	return s
}

// OnDisconnect регистрирует обработчик отключения. err == nil при штатном отключении.
func (s *Session) OnDisconnect(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// Connect открывает транспорт указанного вида и выполняет инициализацию адаптера.
// Сессия считается подключенной только после завершения последовательности настройки.
func (s *Session) Connect(ctx context.Context, kind string) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.IsConnected() {
		return nil
	}

	t, err := s.factory(kind)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	if err := s.scheduler.Open(ctx, t); err != nil {
		return fmt.Errorf("failed to open %s transport: %w", t.Kind(), err)
	}

	id := uuid.NewString()
	s.logger.Debug("Transport opened, initializing adapter", zap.String("transport", t.Kind()), zap.String("session", id))

	if err := s.initialize(ctx); err != nil {
		if cerr := s.scheduler.Close(); cerr != nil {
			s.logger.Debug("Failed to close transport", zap.Error(cerr))
		}
		s.logger.Error("Adapter initialization failed", zap.Error(err))
		return fmt.Errorf("adapter initialization failed: %w", err)
	}

	s.mu.Lock()
	s.connected = true
	s.id = id
	s.kind = t.Kind()
	s.info = common.AdapterInfo{}
	s.mu.Unlock()

	s.logger.Info("Connected to adapter", zap.String("transport", t.Kind()), zap.String("session", id))
	return nil
}

// initialize выполняет последовательность настройки. Ошибки отдельных шагов не фатальны,
// кроме закрытия сессии и ошибок транспорта.
func (s *Session) initialize(ctx context.Context) error {
	for _, step := range InitSequence(s.cfg) {
		resp, err := s.scheduler.Submit(ctx, step.Command, 0)
		if err != nil {
			if isFatal(err) || ctx.Err() != nil {
				return err
			}
			s.logger.Warn("Init command failed", zap.String("command", step.Command),
				zap.String("step", step.Description), zap.Error(err))
		} else {
			s.logger.Debug("Init command", zap.String("command", step.Command), zap.String("response", resp))
		}

		if err := s.sleep(ctx, step.Delay); err != nil {
			return err
		}
	}
	s.logger.Info("Adapter initialized")
	return nil
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isFatal(err error) bool {
	var terr *transport.Error
	return errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotConnected) || errors.As(err, &terr)
}

// Identify читает версию прошивки, обнаруженный протокол и напряжение бортовой сети
func (s *Session) Identify(ctx context.Context) (common.AdapterInfo, error) {
	var info common.AdapterInfo

	if resp, err := s.SendCommand(ctx, "ATI", 0); err == nil {
		info.Version = lastLine(resp)
	} else if isFatal(err) {
		return info, err
	} else {
		s.logger.Warn("ATI failed", zap.Error(err))
	}

	if resp, err := s.SendCommand(ctx, "ATDPN", 0); err == nil {
		info.Protocol = lastLine(resp)
		info.ProtocolName = obd.ProtocolName(info.Protocol)
	} else if isFatal(err) {
		return info, err
	} else {
		s.logger.Warn("ATDPN failed", zap.Error(err))
	}

	if resp, err := s.SendCommand(ctx, "ATRV", 0); err == nil {
		if v, perr := obd.ParseVoltage(lastLine(resp)); perr == nil {
			info.Voltage = v
		} else {
			s.logger.Warn("Unexpected ATRV response", zap.String("response", resp))
		}
	} else if isFatal(err) {
		return info, err
	} else {
		s.logger.Warn("ATRV failed", zap.Error(err))
	}

	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	s.logger.Info("Adapter identified",
		zap.String("version", info.Version),
		zap.String("protocol", info.ProtocolName),
		zap.Float64("voltage", info.Voltage))
	return info, nil
}

// lastLine возвращает последнюю непустую строку ответа (ATZ/ATI могут содержать эхо)
func lastLine(resp string) string {
	lines := strings.FieldsFunc(resp, func(r rune) bool { return r == '\r' || r == '\n' })
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// SendCommand отправляет команду, если сессия подключена
func (s *Session) SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if !s.IsConnected() {
		return "", ErrNotConnected
	}
	return s.scheduler.Submit(ctx, cmd, timeout)
}

// Disconnect отклоняет все команды, закрывает транспорт и сбрасывает тайминги
func (s *Session) Disconnect() error {
	return s.disconnect(nil)
}

func (s *Session) disconnect(cause error) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	handlers := append([]func(error){}, s.onDisconnect...)
	s.mu.Unlock()

	err := s.scheduler.Close()
	if cause != nil {
		s.logger.Error("Disconnected from adapter", zap.Error(cause))
	} else {
		s.logger.Info("Disconnected from adapter")
	}
	for _, fn := range handlers {
		fn(cause)
	}
	return err
}

func (s *Session) handleFatal(err error) {
	s.disconnect(err)
}

// IsConnected сообщает, установлено ли соединение
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ID возвращает идентификатор текущей сессии
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Kind возвращает вид транспорта текущей сессии
func (s *Session) Kind() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Info возвращает данные последней идентификации адаптера
func (s *Session) Info() common.AdapterInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Scheduler возвращает планировщик сессии
func (s *Session) Scheduler() *Scheduler {
	return s.scheduler
}
