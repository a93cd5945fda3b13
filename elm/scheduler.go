// Package elm управляет сессией с адаптером ELM327: очередь команд с одной
// командой "в полете", выделение ответов по приглашению '>' и рукопожатие инициализации.
package elm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"elm327-diag/metrics"
	"elm327-diag/transport"
)

// Config представляет конфигурацию сессии с адаптером
type Config struct {
	MinDelay   time.Duration `mapstructure:"min_delay" yaml:"min_delay"`     // Минимальная пауза между командами
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`         // Таймаут команды по умолчанию
	ResetDelay time.Duration `mapstructure:"reset_delay" yaml:"reset_delay"` // Пауза после ATZ
	StepDelay  time.Duration `mapstructure:"step_delay" yaml:"step_delay"`   // Пауза после остальных команд инициализации
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		MinDelay:   50 * time.Millisecond,
		Timeout:    2 * time.Second,
		ResetDelay: time.Second,
		StepDelay:  100 * time.Millisecond,
	}
}

type result struct {
	text string
	err  error
}

// request - команда в очереди с единственным разрешением
type request struct {
	payload  string
	issuedAt time.Time
	deadline time.Time
	done     chan result
	once     sync.Once
	resolved bool
	mu       sync.Mutex
}

// resolve завершает команду; возвращает false, если она уже завершена
func (r *request) resolve(res result) bool {
	won := false
	r.once.Do(func() {
		r.mu.Lock()
		r.resolved = true
		r.mu.Unlock()
		r.done <- res
		won = true
	})
	return won
}

func (r *request) isResolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Scheduler сериализует команды в единственный транспорт: FIFO, одна команда в полете,
// минимальная пауза между завершением предыдущей и записью следующей.
type Scheduler struct {
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	wake chan struct{}

	mu        sync.Mutex
	open      bool
	broken    error
	transport transport.Transport
	queue     []*request
	inflight  *request
	lastSend  time.Time
	closed    chan struct{}
	done      chan struct{}
	onFatal   func(error)
}

// NewScheduler создает планировщик. clk и m могут быть nil.
func NewScheduler(cfg Config, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		clock:   clk,
		logger:  logger.Named("scheduler"),
		metrics: m,
		wake:    make(chan struct{}, 1),
	}
}

// SetFatalHandler задает обработчик ошибок транспорта, фатальных для сессии
func (s *Scheduler) SetFatalHandler(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFatal = fn
}

// Open захватывает транспорт и запускает цикл обработки очереди
func (s *Scheduler) Open(ctx context.Context, t transport.Transport) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return errors.New("elm: scheduler already open")
	}
	closed := make(chan struct{})
	s.open = true
	s.broken = nil
	s.transport = t
	s.queue = nil
	s.inflight = nil
	s.lastSend = time.Time{}
	s.closed = closed
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	parser := &FrameParser{}
	frames := make(chan string, 16)
	onData := func(chunk []byte) {
		for _, frame := range parser.Feed(chunk) {
			select {
			case frames <- frame:
			default:
				s.logger.Warn("Frame buffer full, dropping frame", zap.String("frame", frame))
			}
		}
	}

	if err := t.Open(ctx, onData, s.fail); err != nil {
		s.mu.Lock()
		s.open = false
		s.transport = nil
		close(closed)
		s.mu.Unlock()
		close(done)
		return err
	}

	go s.drain(t, closed, frames, done)
	s.logger.Info("Scheduler opened", zap.String("transport", t.Kind()))
	return nil
}

// Submit ставит команду в очередь и ждет ответ. Таймаут фиксируется в момент постановки
// и включает время ожидания в очереди. timeout <= 0 означает таймаут по умолчанию.
func (s *Scheduler) Submit(ctx context.Context, payload string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	now := s.clock.Now()
	req := &request{
		payload:  payload,
		issuedAt: now,
		deadline: now.Add(timeout),
		done:     make(chan result, 1),
	}

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return "", ErrNotConnected
	}
	if s.broken != nil {
		err := s.broken
		s.mu.Unlock()
		return "", err
	}
	s.queue = append(s.queue, req)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
	select {
	case s.wake <- struct{}{}:
	default:
	}

	timer := s.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.done:
		return res.text, res.err
	case <-timer.C:
		// Команда могла истечь в очереди; цикл пропустит ее без записи
		if req.resolve(result{err: s.timeoutError(req)}) {
			s.metrics.ObserveCommand(metrics.ResultTimeout, 0)
		}
		res := <-req.done
		return res.text, res.err
	case <-ctx.Done():
		// Отмены команды нет: она будет выполнена, результат отброшен
		return "", ctx.Err()
	}
}

// SendCommand - примитив sendCommand(text, timeout) для опросчиков и разовых запросов
func (s *Scheduler) SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	return s.Submit(ctx, cmd, timeout)
}

// QueueDepth возвращает количество команд, ожидающих отправки
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// IsOpen сообщает, захвачен ли транспорт
func (s *Scheduler) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && s.broken == nil
}

// Close отклоняет все команды в очереди и в полете, закрывает транспорт
// и сбрасывает состояние таймингов. Новые команды после Close сразу получают ErrNotConnected.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	pending := s.takePendingLocked()
	s.open = false
	s.broken = nil
	t := s.transport
	s.transport = nil
	s.lastSend = time.Time{}
	close(s.closed)
	done := s.done
	s.mu.Unlock()

	for _, req := range pending {
		if req.resolve(result{err: ErrSessionClosed}) {
			s.metrics.ObserveCommand(metrics.ResultClosed, 0)
		}
	}
	s.metrics.SetQueueDepth(0)

	err := t.Close()
	<-done
	s.logger.Info("Scheduler closed", zap.Int("rejected", len(pending)))
	return err
}

func (s *Scheduler) takePendingLocked() []*request {
	pending := s.queue
	if s.inflight != nil {
		pending = append([]*request{s.inflight}, pending...)
	}
	s.queue = nil
	s.inflight = nil
	return pending
}

// fail вызывается транспортом при ошибке чтения
func (s *Scheduler) fail(err error) {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		err = &transport.Error{Op: "read", Err: err}
	}

	s.mu.Lock()
	if !s.open || s.broken != nil {
		s.mu.Unlock()
		return
	}
	s.broken = err
	pending := s.takePendingLocked()
	onFatal := s.onFatal
	s.mu.Unlock()

	s.logger.Error("Transport failure", zap.Error(err), zap.Int("rejected", len(pending)))
	for _, req := range pending {
		if req.resolve(result{err: err}) {
			s.metrics.ObserveCommand(metrics.ResultTransport, 0)
		}
	}
	if onFatal != nil {
		// Обработчик закрывает сессию и ждет завершения горутины чтения, из которой мы вызваны
		go onFatal(err)
	}
}

// next снимает голову очереди, пропуская уже завершенные команды
func (s *Scheduler) next() *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		req := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if req.isResolved() {
			continue
		}
		s.inflight = req
		s.metrics.SetQueueDepth(len(s.queue))
		return req
	}
	return nil
}

// drain - единственный цикл, пишущий в транспорт
func (s *Scheduler) drain(t transport.Transport, closed <-chan struct{}, frames <-chan string, done chan<- struct{}) {
	defer close(done)
	for {
		req := s.next()
		if req == nil {
			select {
			case <-s.wake:
				continue
			case <-closed:
				return
			}
		}
		if !s.execute(t, req, closed, frames) {
			return
		}
	}
}

// execute выполняет одну команду; возвращает false, если сессия закрыта
func (s *Scheduler) execute(t transport.Transport, req *request, closed <-chan struct{}, frames <-chan string) bool {
	s.mu.Lock()
	lastSend := s.lastSend
	s.mu.Unlock()

	if wait := s.cfg.MinDelay - s.clock.Since(lastSend); !lastSend.IsZero() && wait > 0 {
		timer := s.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-closed:
			timer.Stop()
			return false
		}
	}

	now := s.clock.Now()
	if req.isResolved() {
		s.clearInflight(req)
		return true
	}
	if !now.Before(req.deadline) {
		s.logger.Warn("Command expired in queue", zap.String("command", req.payload))
		s.finish(req, result{err: s.timeoutError(req)}, metrics.ResultTimeout, 0)
		return true
	}

	// Опоздавшие ответы на истекшие команды не должны попасть к следующей
	for stale := true; stale; {
		select {
		case frame := <-frames:
			s.logger.Debug("Discarding stale frame", zap.String("frame", frame))
		default:
			stale = false
		}
	}

	s.logger.Debug("Sending command", zap.String("command", req.payload))
	if err := t.Write([]byte(req.payload + "\r")); err != nil {
		select {
		case <-closed:
			return false
		default:
		}
		var terr *transport.Error
		if !errors.As(err, &terr) {
			err = &transport.Error{Op: "write", Kind: t.Kind(), Err: err}
		}
		s.finish(req, result{err: err}, metrics.ResultTransport, 0)
		s.fail(err)
		return true
	}

	timer := s.clock.Timer(req.deadline.Sub(now))
	defer timer.Stop()

	select {
	case frame := <-frames:
		s.markSent()
		s.logger.Debug("Received response", zap.String("command", req.payload), zap.String("response", frame))
		s.finish(req, result{text: frame}, metrics.ResultOK, s.clock.Since(now))
	case <-timer.C:
		s.markSent()
		s.logger.Warn("Command timeout", zap.String("command", req.payload))
		s.finish(req, result{err: s.timeoutError(req)}, metrics.ResultTimeout, 0)
	case <-closed:
		return false
	}
	return true
}

// markSent обновляет время последней отправки по факту завершения команды
func (s *Scheduler) markSent() {
	s.mu.Lock()
	s.lastSend = s.clock.Now()
	s.mu.Unlock()
}

func (s *Scheduler) clearInflight(req *request) {
	s.mu.Lock()
	if s.inflight == req {
		s.inflight = nil
	}
	s.mu.Unlock()
}

func (s *Scheduler) finish(req *request, res result, outcome string, d time.Duration) {
	s.clearInflight(req)
	if req.resolve(res) {
		s.metrics.ObserveCommand(outcome, d)
	}
}

func (s *Scheduler) timeoutError(req *request) error {
	return fmt.Errorf("%w: %s after %v", ErrCommandTimeout, req.payload, req.deadline.Sub(req.issuedAt))
}
