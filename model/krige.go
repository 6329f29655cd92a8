// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package model

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

type krigeMethod int

const (
	krigeOrdinary krigeMethod = iota
	krigeUniversal
)

// krige implements ordinary and universal kriging over an exponential
// covariance model. The feature matrix's first two columns are the
// spatial coordinates; universal kriging additionally removes a
// linear drift in the coordinates before kriging the residuals.
//
// The fitted state keeps the training coordinates and dual weights;
// the covariance matrix is rebuilt from them on demand, so the state
// is plainly gob-encodable.
type krige struct {
	Method              krigeMethod
	Sill, Range, Nugget float64

	Coords []float64 // n x 2, row-major
	N      int
	Mu     float64
	Drift  []float64 // universal: {b0, bx, by}
	Alpha  []float64 // dual weights: K^-1 residuals
	YResid []float64
}

func newKrige(method krigeMethod, o Options) Predictor {
	k := &krige{Method: method, Sill: o.Sill, Range: o.Range, Nugget: o.Nugget}
	if k.Sill <= 0 {
		k.Sill = 1
	}
	if k.Range <= 0 {
		k.Range = 1
	}
	if k.Nugget < 0 {
		k.Nugget = 0
	}
	return k
}

func (m *krige) Tags() []string { return uncertainTags("prediction") }

func (m *krige) cov(d float64) float64 {
	return m.Sill * math.Exp(-d/m.Range)
}

func (m *krige) dist(ax, ay, bx, by float64) float64 {
	return math.Hypot(ax-bx, ay-by)
}

// trainCov builds the training covariance matrix, nugget on the
// diagonal.
func (m *krige) trainCov() *mat.Dense {
	k := mat.NewDense(m.N, m.N, nil)
	for i := 0; i < m.N; i++ {
		for j := 0; j < m.N; j++ {
			d := m.dist(m.Coords[2*i], m.Coords[2*i+1], m.Coords[2*j], m.Coords[2*j+1])
			v := m.cov(d)
			if i == j {
				v += m.Nugget
			}
			k.Set(i, j, v)
		}
	}
	return k
}

func (m *krige) drift(x, y float64) float64 {
	if m.Method != krigeUniversal || m.Drift == nil {
		return 0
	}
	return m.Drift[0] + m.Drift[1]*x + m.Drift[2]*y
}

func (m *krige) Fit(ctx context.Context, x *mat.Dense, y []float64) error {
	rows, cols := x.Dims()
	if cols < 2 {
		return errors.E(errors.Invalid, fmt.Sprintf(
			"krige: need coordinate columns, feature matrix has %d", cols))
	}
	if rows != len(y) {
		return errors.E(errors.Invalid, fmt.Sprintf("krige: %d rows, %d targets", rows, len(y)))
	}
	if rows == 0 {
		return errors.E(errors.Invalid, "krige: no training samples")
	}
	m.N = rows
	m.Coords = make([]float64, 2*rows)
	for i := 0; i < rows; i++ {
		m.Coords[2*i] = x.At(i, 0)
		m.Coords[2*i+1] = x.At(i, 1)
	}
	resid := make([]float64, rows)
	switch m.Method {
	case krigeOrdinary:
		var sum float64
		for _, v := range y {
			sum += v
		}
		m.Mu = sum / float64(rows)
		for i, v := range y {
			resid[i] = v - m.Mu
		}
	case krigeUniversal:
		// Linear drift in the coordinates, ordinary least squares.
		f := mat.NewDense(rows, 3, nil)
		for i := 0; i < rows; i++ {
			f.Set(i, 0, 1)
			f.Set(i, 1, m.Coords[2*i])
			f.Set(i, 2, m.Coords[2*i+1])
		}
		var beta mat.Dense
		if err := beta.Solve(f, mat.NewVecDense(rows, y)); err != nil {
			return errors.E("krige: drift solve", err)
		}
		m.Drift = []float64{beta.At(0, 0), beta.At(1, 0), beta.At(2, 0)}
		for i, v := range y {
			resid[i] = v - m.drift(m.Coords[2*i], m.Coords[2*i+1])
		}
	}
	var alpha mat.Dense
	if err := alpha.Solve(m.trainCov(), mat.NewVecDense(rows, resid)); err != nil {
		return errors.E("krige: covariance solve", err)
	}
	m.Alpha = make([]float64, rows)
	for i := range m.Alpha {
		m.Alpha[i] = alpha.At(i, 0)
	}
	m.YResid = resid
	return nil
}

// queryCov builds the cross-covariance between training points and
// the query rows of x.
func (m *krige) queryCov(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	ks := mat.NewDense(m.N, rows, nil)
	for i := 0; i < m.N; i++ {
		for q := 0; q < rows; q++ {
			d := m.dist(m.Coords[2*i], m.Coords[2*i+1], x.At(q, 0), x.At(q, 1))
			ks.Set(i, q, m.cov(d))
		}
	}
	return ks
}

func (m *krige) Predict(ctx context.Context, x *mat.Dense) ([]float64, error) {
	estimate, _, err := m.PredictVariance(ctx, x)
	return estimate, err
}

func (m *krige) PredictVariance(ctx context.Context, x *mat.Dense) ([]float64, []float64, error) {
	if m.Alpha == nil {
		return nil, nil, errors.E(errors.Precondition, "krige: model not fitted")
	}
	rows, cols := x.Dims()
	if cols < 2 {
		return nil, nil, errors.E(errors.Invalid, fmt.Sprintf(
			"krige: need coordinate columns, feature matrix has %d", cols))
	}
	ks := m.queryCov(x)
	// Z = K^-1 Kstar, one solve for the whole batch.
	var z mat.Dense
	if err := z.Solve(m.trainCov(), ks); err != nil {
		return nil, nil, errors.E("krige: predictive solve", err)
	}
	estimate := make([]float64, rows)
	variance := make([]float64, rows)
	for q := 0; q < rows; q++ {
		var est, reduction float64
		for i := 0; i < m.N; i++ {
			est += ks.At(i, q) * m.Alpha[i]
			reduction += ks.At(i, q) * z.At(i, q)
		}
		base := m.Mu
		if m.Method == krigeUniversal {
			base = m.drift(x.At(q, 0), x.At(q, 1))
		}
		estimate[q] = base + est
		v := m.Sill + m.Nugget - reduction
		if v < 0 {
			v = 0
		}
		variance[q] = v
	}
	return estimate, variance, nil
}
