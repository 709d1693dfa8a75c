package ml

import (
	"errors"
	"math"
)

// Linear is an ordinary least squares model with intercept.
type Linear struct {
	Intercept float64   `json:"intercept"`
	Coef      []float64 `json:"coef"`
}

// FitLinear solves the centred normal equations by Gauss-Jordan
// elimination. Columns that are constant or collinear get a zero
// coefficient.
func FitLinear(x [][]float64, y []float64) (*Linear, error) {
	n := len(x)
	if n == 0 || n != len(y) {
		return nil, errors.New("linear regression needs matching, non-empty x and y")
	}
	p := len(x[0])
	xMean := make([]float64, p)
	for j := 0; j < p; j++ {
		xMean[j] = Mean(Column(x, j))
	}
	yMean := Mean(y)

	a := make([][]float64, p)
	for j := range a {
		a[j] = make([]float64, p+1)
	}
	for i := 0; i < n; i++ {
		dy := y[i] - yMean
		for j := 0; j < p; j++ {
			dj := x[i][j] - xMean[j]
			for k := 0; k < p; k++ {
				a[j][k] += dj * (x[i][k] - xMean[k])
			}
			a[j][p] += dj * dy
		}
	}

	coef := make([]float64, p)
	solved := make([]bool, p)
	pivotOf := make([]int, p)
	for col := range pivotOf {
		pivotOf[col] = -1
	}
	for col := 0; col < p; col++ {
		pivot := -1
		best := 1e-9
		for r := 0; r < p; r++ {
			if solved[r] {
				continue
			}
			if v := math.Abs(a[r][col]); v > best {
				best = v
				pivot = r
			}
		}
		if pivot < 0 {
			continue
		}
		solved[pivot] = true
		pivotOf[col] = pivot
		pv := a[pivot][col]
		for k := range a[pivot] {
			a[pivot][k] /= pv
		}
		for r := 0; r < p; r++ {
			if r == pivot || a[r][col] == 0 {
				continue
			}
			factor := a[r][col]
			for k := range a[r] {
				a[r][k] -= factor * a[pivot][k]
			}
		}
	}
	for col, r := range pivotOf {
		if r >= 0 {
			coef[col] = a[r][p]
		}
	}

	intercept := yMean
	for j := 0; j < p; j++ {
		intercept -= coef[j] * xMean[j]
	}
	return &Linear{Intercept: intercept, Coef: coef}, nil
}

func (m *Linear) Predict(row []float64) float64 {
	out := m.Intercept
	for j, c := range m.Coef {
		if j < len(row) {
			out += c * row[j]
		}
	}
	return out
}

func (m *Linear) PredictAll(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = m.Predict(row)
	}
	return out
}

// ResidualStd is the population standard deviation of y - pred.
func ResidualStd(y, pred []float64) float64 {
	if len(y) == 0 || len(y) != len(pred) {
		return 0
	}
	res := make([]float64, len(y))
	for i := range y {
		res[i] = y[i] - pred[i]
	}
	return StdDev(res, true)
}
