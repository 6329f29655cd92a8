// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

const defaultKMeansIter = 100

// kmeans is Lloyd's algorithm with kmeans++ seeding. When targets
// are supplied to Fit, they are interpreted as integer class labels
// seeding the initial centroids (the semi-supervised clustering
// path); the class count becomes a floor on k.
type kmeans struct {
	K       int
	MaxIter int
	Seed    int64

	Cols      int
	Centroids []float64 // K x Cols, row-major
}

func newKMeans(o Options) Predictor {
	k := &kmeans{K: o.Clusters, MaxIter: o.MaxIter, Seed: o.Seed}
	if k.K < 1 {
		k.K = 2
	}
	if k.MaxIter < 1 {
		k.MaxIter = defaultKMeansIter
	}
	return k
}

func (m *kmeans) Tags() []string { return []string{"cluster"} }

func sqDist(a, b []float64) float64 {
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}

// seedPlusPlus chooses initial centroids by kmeans++: each next
// centroid is drawn with probability proportional to squared distance
// from the nearest chosen one. The random stream is fully determined
// by the seed, so every run (and every worker holding the same data)
// seeds identically.
func (m *kmeans) seedPlusPlus(x *mat.Dense, rows int) {
	r := rand.New(rand.NewSource(m.Seed))
	m.Centroids = make([]float64, 0, m.K*m.Cols)
	first := r.Intn(rows)
	m.Centroids = append(m.Centroids, x.RawRowView(first)...)
	d2 := make([]float64, rows)
	for len(m.Centroids) < m.K*m.Cols {
		var total float64
		last := m.Centroids[len(m.Centroids)-m.Cols:]
		for i := 0; i < rows; i++ {
			d := sqDist(x.RawRowView(i), last)
			if len(m.Centroids) == m.Cols || d < d2[i] {
				d2[i] = d
			}
			total += d2[i]
		}
		pick := 0
		if total > 0 {
			target := r.Float64() * total
			var cum float64
			for i := 0; i < rows; i++ {
				cum += d2[i]
				if cum >= target {
					pick = i
					break
				}
			}
		} else {
			pick = r.Intn(rows)
		}
		m.Centroids = append(m.Centroids, x.RawRowView(pick)...)
	}
}

// seedClasses initializes centroids from labeled rows: one centroid
// per distinct class at the class mean. Classes found in the labels
// floor k.
func (m *kmeans) seedClasses(x *mat.Dense, y []float64, rows int) {
	sums := map[int][]float64{}
	counts := map[int]int{}
	maxClass := -1
	for i := 0; i < rows; i++ {
		c := int(y[i])
		if sums[c] == nil {
			sums[c] = make([]float64, m.Cols)
		}
		counts[c]++
		row := x.RawRowView(i)
		for j, v := range row {
			sums[c][j] += v
		}
		if c > maxClass {
			maxClass = c
		}
	}
	if maxClass+1 > m.K {
		m.K = maxClass + 1
	}
	m.seedPlusPlus(x, rows)
	for c, sum := range sums {
		if c < 0 || c >= m.K {
			continue
		}
		for j, v := range sum {
			m.Centroids[c*m.Cols+j] = v / float64(counts[c])
		}
	}
}

// Fit clusters the rows of x. A nil y runs unsupervised; a non-nil y
// supplies class labels for semi-supervised seeding.
func (m *kmeans) Fit(ctx context.Context, x *mat.Dense, y []float64) error {
	rows, cols := x.Dims()
	if rows == 0 {
		return errors.E(errors.Invalid, "kmeans: no samples")
	}
	if y != nil && len(y) != rows {
		return errors.E(errors.Invalid, fmt.Sprintf("kmeans: %d rows, %d labels", rows, len(y)))
	}
	if m.K > rows {
		m.K = rows
	}
	m.Cols = cols
	if y != nil {
		m.seedClasses(x, y, rows)
	} else {
		m.seedPlusPlus(x, rows)
	}
	assign := make([]int, rows)
	for iter := 0; iter < m.MaxIter; iter++ {
		changed := false
		for i := 0; i < rows; i++ {
			best, bestD := 0, math.Inf(1)
			for c := 0; c < m.K; c++ {
				if d := sqDist(x.RawRowView(i), m.Centroids[c*cols:(c+1)*cols]); d < bestD {
					best, bestD = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}
		sums := make([]float64, m.K*cols)
		counts := make([]int, m.K)
		for i := 0; i < rows; i++ {
			c := assign[i]
			counts[c]++
			for j, v := range x.RawRowView(i) {
				sums[c*cols+j] += v
			}
		}
		for c := 0; c < m.K; c++ {
			if counts[c] == 0 {
				continue // empty cluster keeps its centroid
			}
			for j := 0; j < cols; j++ {
				m.Centroids[c*cols+j] = sums[c*cols+j] / float64(counts[c])
			}
		}
	}
	return nil
}

// Predict returns the nearest centroid index for each row.
func (m *kmeans) Predict(ctx context.Context, x *mat.Dense) ([]float64, error) {
	if m.Centroids == nil {
		return nil, errors.E(errors.Precondition, "kmeans: model not fitted")
	}
	rows, cols := x.Dims()
	if cols != m.Cols {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"kmeans: %d feature columns, model fitted with %d", cols, m.Cols))
	}
	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		best, bestD := 0, math.Inf(1)
		for c := 0; c < m.K; c++ {
			if d := sqDist(x.RawRowView(i), m.Centroids[c*cols:(c+1)*cols]); d < bestD {
				best, bestD = c, d
			}
		}
		out[i] = float64(best)
	}
	return out, nil
}
