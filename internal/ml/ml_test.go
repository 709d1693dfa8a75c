package ml

import (
	"context"
	"encoding/json"
	"math"
	"testing"
)

func TestScalerConstantColumn(t *testing.T) {
	x := [][]float64{{1, 5}, {3, 5}, {5, 5}}
	out, s := FitTransform(x)
	if s.Scale[1] != 1 {
		t.Fatalf("constant column should keep unit scale, got %v", s.Scale[1])
	}
	if out[0][1] != 0 || out[1][0] != 0 {
		t.Fatalf("unexpected transform: %v", out)
	}
}

func TestPercentileInterpolates(t *testing.T) {
	got := Percentile([]float64{4, 1, 3, 2}, 50)
	if got != 2.5 {
		t.Fatalf("median: %v", got)
	}
	if Percentile([]float64{7}, 5) != 7 {
		t.Fatalf("single value percentile")
	}
}

func TestLOFFlagsIsolatedPoint(t *testing.T) {
	x := clusterWithOutlier()
	m, err := FitLOF(x, 20, 0.05)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if m.K != len(x)-1 {
		t.Fatalf("k should shrink to n-1, got %d", m.K)
	}
	dec := m.TrainingDecision()
	last := len(dec) - 1
	if dec[last] >= 0 {
		t.Fatalf("outlier decision should be negative, got %v", dec[last])
	}
	for i := 0; i < last; i++ {
		if dec[i] < dec[last] {
			t.Fatalf("inlier %d scored below the outlier", i)
		}
	}
	novel := m.Decision([][]float64{{0.05, 0.05}, {50, 50}})
	if novel[0] <= novel[1] {
		t.Fatalf("far point should score lower: %v", novel)
	}
}

func TestLOFSerializes(t *testing.T) {
	m, err := FitLOF(clusterWithOutlier(), 5, 0.1)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back LOF
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	a := m.Decision([][]float64{{3, 3}})[0]
	b := back.Decision([][]float64{{3, 3}})[0]
	if math.Abs(a-b) > 1e-12 {
		t.Fatalf("decision changed after round trip: %v vs %v", a, b)
	}
}

func TestDBSCANNoise(t *testing.T) {
	var x [][]float64
	for i := 0; i < 10; i++ {
		x = append(x, []float64{float64(i) * 0.1, 0})
	}
	x = append(x, []float64{10, 10}, []float64{-10, 4})
	labels, clusters := DBSCAN(x, 0.5, 5)
	if clusters != 1 {
		t.Fatalf("clusters: %d", clusters)
	}
	if labels[10] != Noise || labels[11] != Noise || labels[0] != 0 {
		t.Fatalf("labels: %v", labels)
	}
	if f := NoiseFraction(labels); math.Abs(f-2.0/12.0) > 1e-12 {
		t.Fatalf("noise fraction: %v", f)
	}
}

func TestForestDeterministicWithSeed(t *testing.T) {
	var x [][]float64
	var y []float64
	for h := 0; h < 48; h++ {
		hour := float64(h % 24)
		x = append(x, []float64{hour, float64(h / 24), 0, 0})
		y = append(y, 100+hour*10)
	}
	a, err := FitForest(context.Background(), x, y, 20, 42)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	b, _ := FitForest(context.Background(), x, y, 20, 42)
	pa := a.Predict([]float64{12, 0, 0, 0})
	pb := b.Predict([]float64{12, 0, 0, 0})
	if pa != pb {
		t.Fatalf("same seed should give same prediction: %v vs %v", pa, pb)
	}
	if math.Abs(pa-220) > 15 {
		t.Fatalf("prediction far from target: %v", pa)
	}
}

func TestForestHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := FitForest(ctx, [][]float64{{1}, {2}}, []float64{1, 2}, 10, 1); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestLinearRecoversCoefficients(t *testing.T) {
	var x [][]float64
	var y []float64
	for i := 0; i < 30; i++ {
		a := float64(i % 7)
		b := float64(i % 5)
		// third column constant, fourth duplicates the first
		x = append(x, []float64{a, b, 1, a})
		y = append(y, 2+3*a-b)
	}
	m, err := FitLinear(x, y)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if got := m.Predict([]float64{4, 2, 1, 4}); math.Abs(got-12) > 1e-6 {
		t.Fatalf("prediction: %v (%+v)", got, m)
	}
	if m.Coef[2] != 0 {
		t.Fatalf("constant column should get zero coefficient: %v", m.Coef)
	}
}

func clusterWithOutlier() [][]float64 {
	var x [][]float64
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			x = append(x, []float64{float64(i) * 0.1, float64(j) * 0.1})
		}
	}
	return append(x, []float64{5, 5})
}
