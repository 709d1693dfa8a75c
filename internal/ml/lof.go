package ml

import (
	"errors"
	"math"
	"sort"
)

const lrdEpsilon = 1e-10

// LOF is a Local Outlier Factor model. Scores follow the "higher is more
// normal" convention: ScoreSamples returns -LOF and Decision subtracts an
// offset so inliers sit at or above zero.
type LOF struct {
	K             int         `json:"k"`
	Contamination float64     `json:"contamination"`
	Points        [][]float64 `json:"points"`
	KDist         []float64   `json:"k_dist"`
	LRD           []float64   `json:"lrd"`
	Offset        float64     `json:"offset"`
	// TrainScores holds -LOF of each training point with the point itself
	// excluded from its neighbourhood.
	TrainScores []float64 `json:"train_scores"`
}

type neighbour struct {
	idx  int
	dist float64
}

// FitLOF trains on x with k = min(k, n-1) neighbours.
func FitLOF(x [][]float64, k int, contamination float64) (*LOF, error) {
	n := len(x)
	if n < 2 {
		return nil, errors.New("lof needs at least 2 points")
	}
	if k > n-1 {
		k = n - 1
	}
	if k < 1 {
		k = 1
	}
	m := &LOF{K: k, Contamination: contamination, Points: copyMatrix(x)}
	neigh := make([][]neighbour, n)
	m.KDist = make([]float64, n)
	for i := range x {
		neigh[i] = nearest(x, x[i], k, i)
		m.KDist[i] = neigh[i][len(neigh[i])-1].dist
	}
	m.LRD = make([]float64, n)
	for i := range x {
		m.LRD[i] = m.lrd(neigh[i])
	}
	m.TrainScores = make([]float64, n)
	for i := range x {
		m.TrainScores[i] = -m.lofFromNeighbours(m.LRD[i], neigh[i])
	}
	m.Offset = Percentile(m.TrainScores, 100*contamination)
	return m, nil
}

// TrainingDecision is the decision score of each training point.
func (m *LOF) TrainingDecision() []float64 {
	out := make([]float64, len(m.TrainScores))
	for i, s := range m.TrainScores {
		out[i] = s - m.Offset
	}
	return out
}

// ScoreSamples returns -LOF of new points against the training set.
func (m *LOF) ScoreSamples(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, p := range x {
		nb := nearest(m.Points, p, m.K, -1)
		out[i] = -m.lofFromNeighbours(m.lrd(nb), nb)
	}
	return out
}

func (m *LOF) Decision(x [][]float64) []float64 {
	out := m.ScoreSamples(x)
	for i := range out {
		out[i] -= m.Offset
	}
	return out
}

func (m *LOF) lrd(nb []neighbour) float64 {
	sum := 0.0
	for _, o := range nb {
		sum += math.Max(m.KDist[o.idx], o.dist)
	}
	return 1 / (sum/float64(len(nb)) + lrdEpsilon)
}

func (m *LOF) lofFromNeighbours(lrd float64, nb []neighbour) float64 {
	sum := 0.0
	for _, o := range nb {
		sum += m.LRD[o.idx]
	}
	return sum / float64(len(nb)) / lrd
}

// nearest returns the k closest points to p, skipping index skip. Ties keep
// the lower index first.
func nearest(points [][]float64, p []float64, k, skip int) []neighbour {
	all := make([]neighbour, 0, len(points))
	for j, q := range points {
		if j == skip {
			continue
		}
		all = append(all, neighbour{idx: j, dist: euclidean(p, q)})
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].dist < all[b].dist })
	if k > len(all) {
		k = len(all)
	}
	return all[:k]
}

func copyMatrix(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
