package poller

// Phase - состояние параметра в течение сессии
type Phase int

const (
	// PhaseProbing - параметр еще ни разу не прочитан
	PhaseProbing Phase = iota
	// PhaseActive - хотя бы одно успешное чтение
	PhaseActive
	// PhaseDisabled - автомобиль не поддерживает параметр; до конца сессии
	PhaseDisabled
)

func (p Phase) String() string {
	switch p {
	case PhaseProbing:
		return "probing"
	case PhaseActive:
		return "active"
	case PhaseDisabled:
		return "disabledForSession"
	default:
		return "unknown"
	}
}

// ParamState - состояние одного параметра внутри опросчика
type ParamState struct {
	Phase             Phase
	ConsecutiveErrors int
}

// Supported - признак поддержки монотонен: после отключения не восстанавливается до Reset
func (s *ParamState) Supported() bool {
	return s.Phase != PhaseDisabled
}

func (s *ParamState) succeed() {
	if s.Phase == PhaseDisabled {
		return
	}
	s.Phase = PhaseActive
	s.ConsecutiveErrors = 0
}

func (s *ParamState) fail() {
	s.ConsecutiveErrors++
}

func (s *ParamState) disable() {
	s.Phase = PhaseDisabled
}

// Breaker - предохранитель модуля: после max подряд неудачных чтений модуль отключается
type Breaker struct {
	max      int
	failures int
	open     bool
}

// NewBreaker создает предохранитель; max <= 0 означает, что он никогда не срабатывает
func NewBreaker(max int) Breaker {
	return Breaker{max: max}
}

// Success сбрасывает счетчик неудач
func (b *Breaker) Success() {
	if b.open {
		return
	}
	b.failures = 0
}

// Failure учитывает неудачу; возвращает true в момент срабатывания
func (b *Breaker) Failure() bool {
	if b.open {
		return false
	}
	b.failures++
	if b.max > 0 && b.failures >= b.max {
		b.open = true
		return true
	}
	return false
}

// Open сообщает, что модуль отключен
func (b *Breaker) Open() bool {
	return b.open
}

// Failures возвращает текущее количество неудач подряд
func (b *Breaker) Failures() int {
	return b.failures
}

// Reset возвращает предохранитель в рабочее состояние
func (b *Breaker) Reset() {
	b.failures = 0
	b.open = false
}
