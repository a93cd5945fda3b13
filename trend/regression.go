package trend

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Fit - результат линейной регрессии значения по номеру отсчета
type Fit struct {
	Slope     float64
	Intercept float64
	Samples   int
}

// Regression вычисляет МНК-прямую по парам (индекс, значение).
// Индекс - позиция в ряду, а не время.
func Regression(values []float64) Fit {
	switch len(values) {
	case 0:
		return Fit{}
	case 1:
		return Fit{Intercept: values[0], Samples: 1}
	}

	x := make([]float64, len(values))
	for i := range x {
		x[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(x, values, nil, false)
	return Fit{Slope: beta, Intercept: alpha, Samples: len(values)}
}

// At возвращает значение прямой в точке i
func (f Fit) At(i float64) float64 {
	return f.Intercept + f.Slope*i
}

// StepsTo оценивает, через сколько отсчетов после последнего прямая достигнет target.
// Возвращает false, если прямая удаляется от target или горизонтальна.
func (f Fit) StepsTo(target float64) (float64, bool) {
	if f.Slope == 0 || f.Samples == 0 {
		return 0, false
	}
	last := float64(f.Samples - 1)
	steps := (target-f.Intercept)/f.Slope - last
	if steps < 0 || math.IsInf(steps, 0) || math.IsNaN(steps) {
		return 0, false
	}
	return steps, true
}
