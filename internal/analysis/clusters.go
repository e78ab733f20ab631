package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-interp/internal/dataset"
	"github.com/23skdu/longbow-interp/internal/logger"
)

const (
	DefaultTopN    = 5
	DefaultMaxIter = 100
)

var ErrNoRows = errors.New("no encoded rows to cluster")

type ClusterOptions struct {
	Seed    int64
	TopN    int
	MaxIter int
}

type TopFeature struct {
	Feature int     `json:"feature"`
	Label   string  `json:"label"`
	Lift    float64 `json:"lift"`
}

type Cluster struct {
	ID          int          `json:"id"`
	Size        int          `json:"size"`
	Indices     []int        `json:"indices"`
	TopFeatures []TopFeature `json:"top_features"`
}

type Clustering struct {
	NClusters  int       `json:"n_clusters"`
	Iterations int       `json:"iterations"`
	Inertia    float64   `json:"inertia"`
	Clusters   []Cluster `json:"clusters"`
}

// ComputeClusters runs seeded k-means++ over the binary pooled feature
// vectors of every present row and describes each cluster by the features
// with the highest lift: P(feature | cluster) / P(feature).
func ComputeClusters(ds *dataset.Dataset, k int, opts ClusterOptions) (*Clustering, error) {
	if k <= 0 {
		return nil, fmt.Errorf("invalid cluster count %d (must be positive)", k)
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = DefaultMaxIter
	}

	rows, cols, vecs := binaryVectors(ds)
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	if k > len(rows) {
		logger.Log.Warn("fewer rows than clusters", "rows", len(rows), "n_clusters", k)
		k = len(rows)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	centers := seedCenters(vecs, k, rng)
	assign := make([]int, len(vecs))
	for i := range assign {
		assign[i] = -1
	}

	iter := 0
	for iter < opts.MaxIter {
		iter++
		changed := 0
		for i, v := range vecs {
			best := nearest(v, centers)
			if best != assign[i] {
				assign[i] = best
				changed++
			}
		}
		updateCenters(vecs, assign, centers)
		if changed == 0 {
			break
		}
	}

	inertia := 0.0
	for i, v := range vecs {
		d := floats.Distance(v, centers[assign[i]], 2)
		inertia += d * d
	}

	res := &Clustering{NClusters: k, Iterations: iter, Inertia: inertia, Clusters: make([]Cluster, k)}
	for c := range res.Clusters {
		res.Clusters[c] = Cluster{ID: c, Indices: []int{}, TopFeatures: []TopFeature{}}
	}
	for i, c := range assign {
		res.Clusters[c].Indices = append(res.Clusters[c].Indices, rows[i])
		res.Clusters[c].Size++
	}

	overall := make([]float64, len(cols))
	for _, v := range vecs {
		floats.Add(overall, v)
	}
	floats.Scale(1/float64(len(vecs)), overall)

	labels := ds.FeatureLabels()
	for c := range res.Clusters {
		res.Clusters[c].TopFeatures = topLift(vecs, assign, c, overall, cols, labels, opts.TopN)
	}
	logger.Log.Info("clustered dataset", "rows", len(rows), "n_clusters", k, "iterations", iter, "inertia", inertia)
	return res, nil
}

// binaryVectors projects present rows onto the features active anywhere in
// the dataset.
func binaryVectors(ds *dataset.Dataset) (rows []int, cols []int, vecs [][]float64) {
	col := make(map[int32]int)
	var pooled [][]int32
	for i := 0; i < ds.Len(); i++ {
		if ds.Features(i) == nil {
			continue
		}
		v := ds.Pooled(i, dataset.PoolBinary)
		rows = append(rows, i)
		pooled = append(pooled, v.Indices)
		for _, f := range v.Indices {
			if _, ok := col[f]; !ok {
				col[f] = 0
			}
		}
	}
	keys := make([]int32, 0, len(col))
	for f := range col {
		keys = append(keys, f)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
	cols = make([]int, len(keys))
	for j, f := range keys {
		col[f] = j
		cols[j] = int(f)
	}

	vecs = make([][]float64, len(pooled))
	for i, idx := range pooled {
		v := make([]float64, len(cols))
		for _, f := range idx {
			v[col[f]] = 1
		}
		vecs[i] = v
	}
	return rows, cols, vecs
}

// seedCenters picks k initial centers with k-means++ weighting.
func seedCenters(vecs [][]float64, k int, rng *rand.Rand) [][]float64 {
	centers := make([][]float64, 0, k)
	centers = append(centers, clone(vecs[rng.Intn(len(vecs))]))

	dist := make([]float64, len(vecs))
	for len(centers) < k {
		total := 0.0
		for i, v := range vecs {
			d := floats.Distance(v, centers[nearest(v, centers)], 2)
			dist[i] = d * d
			total += dist[i]
		}
		next := 0
		if total == 0 {
			// all remaining points coincide with a center
			next = rng.Intn(len(vecs))
		} else {
			target := rng.Float64() * total
			for i, d := range dist {
				target -= d
				if target < 0 {
					next = i
					break
				}
				next = i
			}
		}
		centers = append(centers, clone(vecs[next]))
	}
	return centers
}

func nearest(v []float64, centers [][]float64) int {
	best, bestD := 0, math.Inf(1)
	for c, ctr := range centers {
		if d := floats.Distance(v, ctr, 2); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

// updateCenters moves each center to the mean of its points. Empty
// clusters keep their previous center.
func updateCenters(vecs [][]float64, assign []int, centers [][]float64) {
	counts := make([]int, len(centers))
	sums := make([][]float64, len(centers))
	for c := range sums {
		sums[c] = make([]float64, len(centers[c]))
	}
	for i, v := range vecs {
		floats.Add(sums[assign[i]], v)
		counts[assign[i]]++
	}
	for c := range centers {
		if counts[c] == 0 {
			continue
		}
		floats.Scale(1/float64(counts[c]), sums[c])
		centers[c] = sums[c]
	}
}

func topLift(vecs [][]float64, assign []int, c int, overall []float64, cols []int, labels map[int]string, n int) []TopFeature {
	inCluster := make([]float64, len(cols))
	size := 0
	for i, v := range vecs {
		if assign[i] == c {
			floats.Add(inCluster, v)
			size++
		}
	}
	out := []TopFeature{}
	if size == 0 {
		return out
	}
	for j := range cols {
		if inCluster[j] == 0 || overall[j] == 0 {
			continue
		}
		lift := (inCluster[j] / float64(size)) / overall[j]
		out = append(out, TopFeature{Feature: cols[j], Label: labels[cols[j]], Lift: lift})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Lift != out[b].Lift {
			return out[a].Lift > out[b].Lift
		}
		return out[a].Feature < out[b].Feature
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

// SaveJSON writes the clustering to path, creating parent directories.
func (c *Clustering) SaveJSON(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
