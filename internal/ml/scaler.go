package ml

// Scaler standardises columns to zero mean and unit population variance.
// Constant columns keep a scale of 1.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func FitScaler(x [][]float64) *Scaler {
	if len(x) == 0 {
		return &Scaler{}
	}
	cols := len(x[0])
	s := &Scaler{Mean: make([]float64, cols), Scale: make([]float64, cols)}
	for j := 0; j < cols; j++ {
		c := Column(x, j)
		s.Mean[j] = Mean(c)
		sd := StdDev(c, true)
		if sd < 1e-12 {
			sd = 1
		}
		s.Scale[j] = sd
	}
	return s
}

func (s *Scaler) Transform(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s.TransformRow(row)
	}
	return out
}

func (s *Scaler) TransformRow(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		if j >= len(s.Mean) {
			out[j] = v
			continue
		}
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}

func FitTransform(x [][]float64) ([][]float64, *Scaler) {
	s := FitScaler(x)
	return s.Transform(x), s
}
