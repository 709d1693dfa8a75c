package ml

import (
	"context"
	"errors"
	"math/rand"
	"sort"
)

// Tree is a regression tree flattened into parallel slices. Feature < 0
// marks a leaf.
type Tree struct {
	Feature   []int     `json:"feature"`
	Threshold []float64 `json:"threshold"`
	Left      []int     `json:"left"`
	Right     []int     `json:"right"`
	Value     []float64 `json:"value"`
}

// Forest is a bagged ensemble of regression trees with MSE splits and every
// feature considered at each split.
type Forest struct {
	Trees []Tree `json:"trees"`
	Seed  int64  `json:"seed"`
}

// FitForest grows nTrees trees on bootstrap samples drawn from a generator
// seeded with seed. ctx is checked between trees.
func FitForest(ctx context.Context, x [][]float64, y []float64, nTrees int, seed int64) (*Forest, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, errors.New("forest needs matching, non-empty x and y")
	}
	if nTrees <= 0 {
		nTrees = 100
	}
	rng := rand.New(rand.NewSource(seed))
	f := &Forest{Trees: make([]Tree, 0, nTrees), Seed: seed}
	n := len(x)
	for t := 0; t < nTrees; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.Intn(n)
		}
		var tree Tree
		tree.grow(x, y, idx)
		f.Trees = append(f.Trees, tree)
	}
	return f, nil
}

func (f *Forest) Predict(row []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for i := range f.Trees {
		sum += f.Trees[i].predict(row)
	}
	return sum / float64(len(f.Trees))
}

func (f *Forest) PredictAll(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = f.Predict(row)
	}
	return out
}

func (t *Tree) predict(row []float64) float64 {
	node := 0
	for t.Feature[node] >= 0 {
		if row[t.Feature[node]] <= t.Threshold[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
	}
	return t.Value[node]
}

func (t *Tree) addNode(value float64) int {
	t.Feature = append(t.Feature, -1)
	t.Threshold = append(t.Threshold, 0)
	t.Left = append(t.Left, -1)
	t.Right = append(t.Right, -1)
	t.Value = append(t.Value, value)
	return len(t.Value) - 1
}

// grow builds the tree iteratively over an explicit stack of index sets.
func (t *Tree) grow(x [][]float64, y []float64, idx []int) {
	type task struct {
		node int
		idx  []int
	}
	root := t.addNode(meanAt(y, idx))
	stack := []task{{node: root, idx: idx}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		feature, threshold, ok := bestSplit(x, y, cur.idx)
		if !ok {
			continue
		}
		var left, right []int
		for _, i := range cur.idx {
			if x[i][feature] <= threshold {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}
		l := t.addNode(meanAt(y, left))
		r := t.addNode(meanAt(y, right))
		t.Feature[cur.node] = feature
		t.Threshold[cur.node] = threshold
		t.Left[cur.node] = l
		t.Right[cur.node] = r
		stack = append(stack, task{node: l, idx: left}, task{node: r, idx: right})
	}
}

// bestSplit scans every feature for the threshold minimising the summed
// squared error of both children. Earlier features win ties.
func bestSplit(x [][]float64, y []float64, idx []int) (int, float64, bool) {
	n := len(idx)
	if n < 2 {
		return 0, 0, false
	}
	parentSSE := sse(y, idx)
	if parentSSE <= 1e-12 {
		return 0, 0, false
	}
	bestFeature, bestThreshold := -1, 0.0
	bestSSE := parentSSE
	sorted := make([]int, n)
	for f := range x[idx[0]] {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, b int) bool { return x[sorted[a]][f] < x[sorted[b]][f] })
		var totalSum, totalSq float64
		for _, i := range sorted {
			totalSum += y[i]
			totalSq += y[i] * y[i]
		}
		var leftSum, leftSq float64
		for k := 0; k < n-1; k++ {
			v := y[sorted[k]]
			leftSum += v
			leftSq += v * v
			cur, next := x[sorted[k]][f], x[sorted[k+1]][f]
			if cur == next {
				continue
			}
			nl := float64(k + 1)
			nr := float64(n - k - 1)
			rightSum := totalSum - leftSum
			rightSq := totalSq - leftSq
			score := (leftSq - leftSum*leftSum/nl) + (rightSq - rightSum*rightSum/nr)
			if score < bestSSE-1e-12 {
				bestSSE = score
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}
	if bestFeature < 0 {
		return 0, 0, false
	}
	return bestFeature, bestThreshold, true
}

func meanAt(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}

func sse(y []float64, idx []int) float64 {
	m := meanAt(y, idx)
	out := 0.0
	for _, i := range idx {
		d := y[i] - m
		out += d * d
	}
	return out
}
