// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package model

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

// linearRegression is ordinary least squares with an intercept. The
// predictive variance is the homoscedastic residual variance of the
// fit, which is what makes the model usable with the post-hoc
// uncertainty wrapper.
type linearRegression struct {
	Beta   []float64 // intercept followed by per-column coefficients
	Sigma2 float64
}

func (m *linearRegression) Tags() []string { return uncertainTags("prediction") }

func (m *linearRegression) Fit(ctx context.Context, x *mat.Dense, y []float64) error {
	rows, cols := x.Dims()
	if rows != len(y) {
		return errors.E(errors.Invalid, fmt.Sprintf("regression: %d rows, %d targets", rows, len(y)))
	}
	if rows == 0 {
		return errors.E(errors.Invalid, "regression: no training samples")
	}
	a := mat.NewDense(rows, cols+1, nil)
	for i := 0; i < rows; i++ {
		a.Set(i, 0, 1)
		for j := 0; j < cols; j++ {
			a.Set(i, j+1, x.At(i, j))
		}
	}
	var beta mat.Dense
	if err := beta.Solve(a, mat.NewVecDense(rows, y)); err != nil {
		return errors.E("regression: least squares solve", err)
	}
	m.Beta = make([]float64, cols+1)
	for j := range m.Beta {
		m.Beta[j] = beta.At(j, 0)
	}
	var rss float64
	for i := 0; i < rows; i++ {
		r := y[i] - m.dot(x, i)
		rss += r * r
	}
	m.Sigma2 = rss / float64(rows)
	return nil
}

func (m *linearRegression) dot(x *mat.Dense, i int) float64 {
	v := m.Beta[0]
	for j := 1; j < len(m.Beta); j++ {
		v += m.Beta[j] * x.At(i, j-1)
	}
	return v
}

func (m *linearRegression) Predict(ctx context.Context, x *mat.Dense) ([]float64, error) {
	if m.Beta == nil {
		return nil, errors.E(errors.Precondition, "regression: model not fitted")
	}
	rows, cols := x.Dims()
	if cols != len(m.Beta)-1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"regression: %d feature columns, model fitted with %d", cols, len(m.Beta)-1))
	}
	out := make([]float64, rows)
	for i := range out {
		out[i] = m.dot(x, i)
	}
	return out, nil
}

func (m *linearRegression) PredictVariance(ctx context.Context, x *mat.Dense) ([]float64, []float64, error) {
	estimate, err := m.Predict(ctx, x)
	if err != nil {
		return nil, nil, err
	}
	variance := make([]float64, len(estimate))
	for i := range variance {
		variance[i] = m.Sigma2
	}
	return estimate, variance, nil
}
