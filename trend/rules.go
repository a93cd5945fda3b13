package trend

import (
	"math"

	"elm327-diag/common"
)

// Outcome - фиксированный результат ветки правила
type Outcome struct {
	Message        string
	Recommendation string
	Timeframe      string
	Confidence     int
}

// Rule описывает анализ одной метрики. Условия проверяются по порядку:
// Critical, Warning, Degrading; если ни одно не сработало - Good.
type Rule struct {
	Metric     string
	Component  string
	Unit       string
	MinSamples int
	// Target - порог, к которому стремится деградирующий тренд (для оценки в сообщении)
	Target float64

	Critical  func(current float64) bool
	Warning   func(current float64) bool
	Degrading func(current float64, fit Fit) bool

	Outcomes map[common.Severity]Outcome
}

// Classify выбирает уровень важности по приоритету веток
func (r Rule) Classify(current float64, fit Fit) common.Severity {
	switch {
	case r.Critical != nil && r.Critical(current):
		return common.SeverityCritical
	case r.Warning != nil && r.Warning(current):
		return common.SeverityWarning
	case r.Degrading != nil && r.Degrading(current, fit):
		return common.SeverityInfo
	default:
		return common.SeverityGood
	}
}

// Пороги напряжения бортовой сети
const (
	VoltageCriticalLow  = 12.0
	VoltageCriticalHigh = 15.0
	VoltageWarning      = 12.4
	VoltageSlope        = -0.05
)

// DefaultRules возвращает набор правил для стандартных метрик
func DefaultRules() []Rule {
	return []Rule{
		{
			Metric:     "control_module_voltage",
			Component:  "Battery / charging system",
			Unit:       "V",
			MinSamples: 5,
			Target:     VoltageWarning,
			Critical:   func(v float64) bool { return v < VoltageCriticalLow || v > VoltageCriticalHigh },
			Warning:    func(v float64) bool { return v < VoltageWarning },
			Degrading:  func(_ float64, fit Fit) bool { return fit.Slope < VoltageSlope },
			Outcomes: map[common.Severity]Outcome{
				common.SeverityCritical: {"Charging system voltage out of range", "Test battery and alternator output immediately", "Immediate", 95},
				common.SeverityWarning:  {"Battery voltage is low", "Load-test the battery and clean the terminals", "2-4 weeks", 75},
				common.SeverityInfo:     {"Battery voltage is declining", "Monitor voltage and check for parasitic drain", "1-2 months", 60},
				common.SeverityGood:     {"Charging system voltage is normal", "No action needed", "N/A", 90},
			},
		},
		{
			Metric:     "coolant_temperature",
			Component:  "Cooling system",
			Unit:       "°C",
			MinSamples: 5,
			Target:     105,
			Critical:   func(v float64) bool { return v >= 110 },
			Warning:    func(v float64) bool { return v >= 105 },
			Degrading:  func(_ float64, fit Fit) bool { return fit.Slope > 0.5 },
			Outcomes: map[common.Severity]Outcome{
				common.SeverityCritical: {"Engine is overheating", "Stop the engine and inspect coolant level, fan and thermostat", "Immediate", 90},
				common.SeverityWarning:  {"Coolant temperature is high", "Check coolant level and radiator fan operation", "1-2 weeks", 70},
				common.SeverityInfo:     {"Coolant temperature is trending up", "Inspect thermostat and radiator at next service", "1-3 months", 55},
				common.SeverityGood:     {"Coolant temperature is normal", "No action needed", "N/A", 85},
			},
		},
		{
			Metric:     "long_term_fuel_trim_1",
			Component:  "Fuel system",
			Unit:       "%",
			MinSamples: 5,
			Target:     10,
			Critical:   func(v float64) bool { return math.Abs(v) >= 20 },
			Warning:    func(v float64) bool { return math.Abs(v) >= 10 },
			Degrading: func(v float64, fit Fit) bool {
				// Коррекция уходит от нуля в сторону текущего знака
				if v < 0 {
					return fit.Slope < -0.5
				}
				return fit.Slope > 0.5
			},
			Outcomes: map[common.Severity]Outcome{
				common.SeverityCritical: {"Fuel trim at adaptation limit", "Check for vacuum leaks, fuel pressure and MAF sensor", "1 week", 85},
				common.SeverityWarning:  {"Fuel trim is high", "Inspect intake for leaks and clean the MAF sensor", "2-4 weeks", 70},
				common.SeverityInfo:     {"Fuel trim is drifting", "Monitor fuel trims over the next drive cycles", "1-2 months", 55},
				common.SeverityGood:     {"Fuel mixture is balanced", "No action needed", "N/A", 85},
			},
		},
		{
			Metric:     "catalyst_monitor_margin",
			Component:  "Catalytic converter",
			Unit:       "%",
			MinSamples: 3,
			Target:     10,
			Critical:   func(v float64) bool { return v <= 0 },
			Warning:    func(v float64) bool { return v <= 10 },
			Degrading:  func(_ float64, fit Fit) bool { return fit.Slope < -2 },
			Outcomes: map[common.Severity]Outcome{
				common.SeverityCritical: {"Catalyst efficiency test failed", "Diagnose catalytic converter and upstream O2 sensor", "Immediate", 85},
				common.SeverityWarning:  {"Catalyst efficiency near limit", "Plan catalytic converter inspection", "1-3 months", 70},
				common.SeverityInfo:     {"Catalyst margin is shrinking", "Recheck Mode 06 results after several drive cycles", "3-6 months", 55},
				common.SeverityGood:     {"Catalyst efficiency is within limits", "No action needed", "N/A", 80},
			},
		},
	}
}
