package common

import "time"

// Telemetry представляет декодированные данные телеметрии
type Telemetry struct {
	PID       string  `json:"pid"`       // Код запроса (например, "010C")
	Metric    string  `json:"metric"`    // Название метрики (например, "engine_rpm")
	Value     float64 `json:"value"`     // Декодированное значение
	Unit      string  `json:"unit"`      // Единица измерения (например, "rpm")
	Valid     bool    `json:"valid"`     // false, если значение не удалось получить
	Timestamp int64   `json:"timestamp"` // Unix timestamp (мс)
	Raw       string  `json:"raw"`       // Сырые данные для отладки
}

// CommandMessage представляет входящую команду
type CommandMessage struct {
	Command       string `json:"command"`              // AT или OBD команда для отправки в ELM327
	CorrelationID string `json:"correlation_id"`       // ID для сопоставления запроса и ответа
	Description   string `json:"description"`          // Описание команды
	VIN           string `json:"vin"`                  // VIN автомобиля
	TimeoutMs     int    `json:"timeout_ms,omitempty"` // Таймаут команды, 0 = по умолчанию
}

// CommandResponse представляет ответ на команду
type CommandResponse struct {
	CorrelationID string      `json:"correlation_id"`
	Status        string      `json:"status"`          // "success", "error"
	Result        interface{} `json:"result"`          // Результат выполнения команды
	Error         string      `json:"error,omitempty"` // Описание ошибки если статус "error"
	Timestamp     time.Time   `json:"timestamp"`
}

// Snapshot - срез значений метрик в момент опроса
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Severity - уровень важности прогноза
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityGood     Severity = "good"
)

// Rank задает порядок сортировки: critical < warning < info < good
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 2
	default:
		return 3
	}
}

// Prediction - прогноз состояния компонента на основе тренда
type Prediction struct {
	Component      string   `json:"component"`
	Severity       Severity `json:"severity"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
	Timeframe      string   `json:"timeframe"`
	Confidence     int      `json:"confidence"`
	CurrentValue   string   `json:"currentValue"`
	Trend          string   `json:"trend"`
}

// Monitor - состояние одного монитора готовности
type Monitor struct {
	Supported bool `json:"supported"`
	Complete  bool `json:"complete"`
}

// MonitorStatus - результат декодирования PID 01 (MIL, DTC, мониторы)
type MonitorStatus struct {
	MILOn           bool               `json:"milOn"`
	StoredCodeCount int                `json:"storedCodeCount"`
	Monitors        map[string]Monitor `json:"monitors"`
}

// TestRecord - одна запись таблицы результатов самодиагностики (Mode 06)
type TestRecord struct {
	TestID         int     `json:"testID"`
	ComponentID    int     `json:"componentID"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	Current        float64 `json:"current"`
	Unit           string  `json:"unit"`
	Status         string  `json:"status"`
	PercentToLimit float64 `json:"percentToLimit"`
}

// AdapterInfo - сведения об адаптере после инициализации
type AdapterInfo struct {
	Version      string  `json:"version"`
	Protocol     string  `json:"protocol"`
	ProtocolName string  `json:"protocolName"`
	Voltage      float64 `json:"voltage"`
}
