// Package trend превращает историю срезов в прогнозы состояния компонентов
package trend

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/history"
)

// stableSlope - наклон, ниже которого тренд считается стабильным
const stableSlope = 0.01

// Analyzer применяет правила к истории срезов
type Analyzer struct {
	rules  []Rule
	logger *zap.Logger
}

// NewAnalyzer создает анализатор. Без правил используются DefaultRules.
func NewAnalyzer(logger *zap.Logger, rules ...Rule) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Analyzer{rules: rules, logger: logger.Named("trend")}
}

// Analyze возвращает по одному прогнозу на каждую метрику с достаточным числом отсчетов,
// отсортированные по важности. current может переопределять последнее значение метрики.
func (a *Analyzer) Analyze(snapshots []common.Snapshot, current map[string]float64) []common.Prediction {
	predictions := make([]common.Prediction, 0, len(a.rules))

	for _, rule := range a.rules {
		series := history.Series(snapshots, rule.Metric)
		if len(series) < rule.MinSamples || len(series) == 0 {
			a.logger.Debug("Not enough samples",
				zap.String("metric", rule.Metric),
				zap.Int("samples", len(series)),
				zap.Int("required", rule.MinSamples))
			continue
		}

		value := series[len(series)-1]
		if v, ok := current[rule.Metric]; ok {
			value = v
		}
		predictions = append(predictions, a.predict(rule, value, Regression(series)))
	}

	sort.SliceStable(predictions, func(i, j int) bool {
		return predictions[i].Severity.Rank() < predictions[j].Severity.Rank()
	})
	return predictions
}

func (a *Analyzer) predict(rule Rule, value float64, fit Fit) common.Prediction {
	severity := rule.Classify(value, fit)
	outcome := rule.Outcomes[severity]

	message := outcome.Message
	if severity == common.SeverityInfo {
		if steps, ok := fit.StepsTo(rule.Target); ok {
			message = fmt.Sprintf("%s (reaches %.1f %s in ~%.0f samples)", message, rule.Target, rule.Unit, steps)
		}
	}

	a.logger.Debug("Prediction",
		zap.String("metric", rule.Metric),
		zap.String("severity", string(severity)),
		zap.Float64("value", value),
		zap.Float64("slope", fit.Slope))

	return common.Prediction{
		Component:      rule.Component,
		Severity:       severity,
		Message:        message,
		Recommendation: outcome.Recommendation,
		Timeframe:      outcome.Timeframe,
		Confidence:     outcome.Confidence,
		CurrentValue:   fmt.Sprintf("%.2f %s", value, rule.Unit),
		Trend:          trendLabel(fit, rule.Unit),
	}
}

func trendLabel(fit Fit, unit string) string {
	direction := "stable"
	switch {
	case fit.Slope <= -stableSlope:
		direction = "declining"
	case fit.Slope >= stableSlope:
		direction = "rising"
	}
	return fmt.Sprintf("%s (%+.3f %s/sample)", direction, fit.Slope, unit)
}

// Counts возвращает количество прогнозов по уровням важности
func Counts(predictions []common.Prediction) map[string]int {
	counts := make(map[string]int, 4)
	for _, p := range predictions {
		counts[string(p.Severity)]++
	}
	return counts
}
