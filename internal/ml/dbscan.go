package ml

// Noise is the DBSCAN label of points outside every cluster.
const Noise = -1

// DBSCAN clusters x and returns one label per point plus the cluster count.
// A point's own position counts toward minSamples.
func DBSCAN(x [][]float64, eps float64, minSamples int) ([]int, int) {
	n := len(x)
	labels := make([]int, n)
	visited := make([]bool, n)
	for i := range labels {
		labels[i] = Noise
	}
	regions := make([][]int, n)
	for i := range x {
		regions[i] = regionQuery(x, i, eps)
	}
	cluster := 0
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true
		if len(regions[i]) < minSamples {
			continue
		}
		labels[i] = cluster
		queue := append([]int(nil), regions[i]...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == Noise {
				labels[j] = cluster
			}
			if visited[j] {
				continue
			}
			visited[j] = true
			if len(regions[j]) >= minSamples {
				queue = append(queue, regions[j]...)
			}
		}
		cluster++
	}
	return labels, cluster
}

// NoiseFraction is the share of points labelled Noise, in [0, 1].
func NoiseFraction(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	noise := 0
	for _, l := range labels {
		if l == Noise {
			noise++
		}
	}
	return float64(noise) / float64(len(labels))
}

func regionQuery(x [][]float64, i int, eps float64) []int {
	var out []int
	for j := range x {
		if euclidean(x[i], x[j]) <= eps {
			out = append(out, j)
		}
	}
	return out
}
