package trend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"elm327-diag/common"
)

func series(metric string, values ...float64) []common.Snapshot {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	snapshots := make([]common.Snapshot, len(values))
	for i, v := range values {
		snapshots[i] = common.Snapshot{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Values:    map[string]float64{metric: v},
		}
	}
	return snapshots
}

func TestRegression(t *testing.T) {
	fit := Regression([]float64{12.6, 12.5, 12.4, 12.3, 12.2})
	assert.InDelta(t, -0.1, fit.Slope, 1e-9)
	assert.InDelta(t, 12.6, fit.Intercept, 1e-9)
	assert.InDelta(t, 12.2, fit.At(4), 1e-9)

	steps, ok := fit.StepsTo(12.0)
	assert.True(t, ok)
	assert.InDelta(t, 2.0, steps, 1e-9)

	_, ok = fit.StepsTo(13.0)
	assert.False(t, ok)

	assert.Equal(t, Fit{}, Regression(nil))
	assert.Equal(t, Fit{Intercept: 5, Samples: 1}, Regression([]float64{5}))

	flat := Regression([]float64{3, 3, 3})
	assert.InDelta(t, 0, flat.Slope, 1e-12)
	_, ok = flat.StepsTo(4)
	assert.False(t, ok)
}

func TestVoltageSeverityTransitions(t *testing.T) {
	a := NewAnalyzer(zaptest.NewLogger(t))

	tests := []struct {
		name      string
		values    []float64
		severity  common.Severity
		timeframe string
	}{
		{"declining above threshold", []float64{13.0, 12.9, 12.8, 12.7, 12.6}, common.SeverityInfo, "1-2 months"},
		{"crossed warning threshold", []float64{12.6, 12.5, 12.4, 12.3, 12.2}, common.SeverityWarning, "2-4 weeks"},
		{"below critical", []float64{12.4, 12.3, 12.2, 12.1, 11.8}, common.SeverityCritical, "Immediate"},
		{"overcharging", []float64{14.2, 14.4, 14.6, 14.9, 15.3}, common.SeverityCritical, "Immediate"},
		{"stable", []float64{14.1, 14.0, 14.2, 14.1, 14.1}, common.SeverityGood, "N/A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			predictions := a.Analyze(series("control_module_voltage", tt.values...), nil)
			require.Len(t, predictions, 1)
			assert.Equal(t, tt.severity, predictions[0].Severity)
			assert.Equal(t, tt.timeframe, predictions[0].Timeframe)
			assert.Equal(t, "Battery / charging system", predictions[0].Component)
		})
	}
}

func TestInfoMessageProjectsThreshold(t *testing.T) {
	a := NewAnalyzer(nil)

	predictions := a.Analyze(series("control_module_voltage", 13.0, 12.9, 12.8, 12.7, 12.6), nil)
	require.Len(t, predictions, 1)
	assert.Equal(t, "Battery voltage is declining (reaches 12.4 V in ~2 samples)", predictions[0].Message)
	assert.Equal(t, "12.60 V", predictions[0].CurrentValue)
	assert.Equal(t, "declining (-0.100 V/sample)", predictions[0].Trend)
	assert.Equal(t, 60, predictions[0].Confidence)
}

func TestMinimumSamples(t *testing.T) {
	a := NewAnalyzer(zaptest.NewLogger(t))

	assert.Empty(t, a.Analyze(series("control_module_voltage", 12.6, 12.5, 12.4, 12.3), nil))
	// Для катализатора достаточно трех отсчетов
	predictions := a.Analyze(series("catalyst_monitor_margin", 40, 35, 30), nil)
	require.Len(t, predictions, 1)
	assert.Equal(t, common.SeverityInfo, predictions[0].Severity)
}

func TestCurrentValueOverridesHistory(t *testing.T) {
	a := NewAnalyzer(nil)

	snapshots := series("coolant_temperature", 90, 90, 91, 90, 90)
	predictions := a.Analyze(snapshots, map[string]float64{"coolant_temperature": 112})
	require.Len(t, predictions, 1)
	assert.Equal(t, common.SeverityCritical, predictions[0].Severity)
	assert.Equal(t, "112.00 °C", predictions[0].CurrentValue)
}

func TestFuelTrimDriftDirection(t *testing.T) {
	a := NewAnalyzer(nil)

	lean := a.Analyze(series("long_term_fuel_trim_1", 2, 3, 4, 5, 6), nil)
	require.Len(t, lean, 1)
	assert.Equal(t, common.SeverityInfo, lean[0].Severity)

	rich := a.Analyze(series("long_term_fuel_trim_1", -2, -3, -4, -5, -6), nil)
	require.Len(t, rich, 1)
	assert.Equal(t, common.SeverityInfo, rich[0].Severity)

	recovering := a.Analyze(series("long_term_fuel_trim_1", -8, -7, -6, -5, -4), nil)
	require.Len(t, recovering, 1)
	assert.Equal(t, common.SeverityGood, recovering[0].Severity)

	limit := a.Analyze(series("long_term_fuel_trim_1", -18, -19, -20, -21, -22), nil)
	assert.Equal(t, common.SeverityCritical, limit[0].Severity)
}

func TestPredictionsSortedBySeverity(t *testing.T) {
	a := NewAnalyzer(zaptest.NewLogger(t))

	var snapshots []common.Snapshot
	voltage := []float64{14.1, 14.1, 14.0, 14.1, 14.1}  // good
	coolant := []float64{100, 102, 104, 106, 111}       // critical
	trim := []float64{5, 7, 9, 11, 12}                  // warning
	catalyst := []float64{60, 50, 40, 30, 20}           // info
	for i := 0; i < 5; i++ {
		snapshots = append(snapshots, common.Snapshot{Values: map[string]float64{
			"control_module_voltage":  voltage[i],
			"coolant_temperature":     coolant[i],
			"long_term_fuel_trim_1":   trim[i],
			"catalyst_monitor_margin": catalyst[i],
		}})
	}

	predictions := a.Analyze(snapshots, nil)
	require.Len(t, predictions, 4)

	var severities []common.Severity
	for _, p := range predictions {
		severities = append(severities, p.Severity)
	}
	assert.Equal(t, []common.Severity{
		common.SeverityCritical,
		common.SeverityWarning,
		common.SeverityInfo,
		common.SeverityGood,
	}, severities)

	assert.Equal(t, map[string]int{"critical": 1, "warning": 1, "info": 1, "good": 1}, Counts(predictions))
}

func TestCustomRules(t *testing.T) {
	rule := Rule{
		Metric:     "engine_rpm",
		Component:  "Idle control",
		Unit:       "rpm",
		MinSamples: 2,
		Warning:    func(v float64) bool { return v > 1200 },
		Outcomes: map[common.Severity]Outcome{
			common.SeverityWarning: {"Idle too high", "Clean throttle body", "2-4 weeks", 60},
			common.SeverityGood:    {"Idle normal", "No action needed", "N/A", 80},
		},
	}
	a := NewAnalyzer(nil, rule)

	predictions := a.Analyze(series("engine_rpm", 800, 1300), nil)
	require.Len(t, predictions, 1)
	assert.Equal(t, common.SeverityWarning, predictions[0].Severity)
	assert.Equal(t, "Idle too high", predictions[0].Message)
}
