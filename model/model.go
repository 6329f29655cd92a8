// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package model defines the capability contract that statistical
// models must satisfy to plug into the gridml pipeline, a closed
// registry of algorithm implementations, and the versioned bundle
// format used to persist a trained model together with its
// feature-composition state.
package model

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Options parameterizes algorithm construction. Fields not relevant
// to the selected algorithm are ignored.
type Options struct {
	// Kriging covariance parameters: partial sill, range, and
	// nugget of an exponential covariance model.
	Sill, Range, Nugget float64
	// Clusters is the number of k-means classes.
	Clusters int
	// MaxIter bounds k-means iterations.
	MaxIter int
	// Seed drives any randomized initialization; runs with equal
	// seeds are reproducible.
	Seed int64
}

// A Predictor is a trained or trainable model. Implementations are
// fitted once and then used read-only, possibly from several
// goroutines.
type Predictor interface {
	// Fit trains the model on the given feature matrix and targets.
	Fit(ctx context.Context, x *mat.Dense, y []float64) error
	// Predict returns one point estimate per row of x.
	Predict(ctx context.Context, x *mat.Dense) ([]float64, error)
	// Tags names the prediction quantities the model produces, in
	// output band order.
	Tags() []string
}

// A VariancePredictor additionally reports a predictive variance per
// estimate, enabling post-hoc uncertainty bounds (see
// PredictWithUncertainty).
type VariancePredictor interface {
	Predictor
	// PredictVariance returns point estimates and their predictive
	// variances.
	PredictVariance(ctx context.Context, x *mat.Dense) (estimate, variance []float64, err error)
}

// The algorithm registry is closed: the set of recognized algorithm
// identifiers is fixed at compile time, and New checks membership at
// construction so that a misconfigured run fails on every worker
// before any collective work starts.
var algorithms = map[string]func(Options) Predictor{
	"ordinary":          func(o Options) Predictor { return newKrige(krigeOrdinary, o) },
	"universal":         func(o Options) Predictor { return newKrige(krigeUniversal, o) },
	"kmeans":            func(o Options) Predictor { return newKMeans(o) },
	"regression-linear": func(o Options) Predictor { return new(linearRegression) },
}

// Algorithms returns the sorted list of recognized algorithm
// identifiers.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns an untrained model for the given algorithm identifier.
// Unknown identifiers fail with an error of kind errors.Invalid.
func New(algorithm string, opts Options) (Predictor, error) {
	factory, ok := algorithms[algorithm]
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"unknown algorithm %q; must be one of %v", algorithm, Algorithms()))
	}
	return factory(opts), nil
}

// Uncertain is a prediction with post-hoc confidence bounds.
type Uncertain struct {
	Estimate, Variance []float64
	Lower, Upper       []float64
}

// PredictWithUncertainty predicts with confidence bounds computed
// from a normal-distribution quantile at the requested confidence
// level applied to each (estimate, variance) pair. It is usable with
// any model reporting a variance and carries no algorithm-specific
// logic; a zero variance collapses both bounds onto the estimate.
// Models without variance support fail with errors.NotSupported.
func PredictWithUncertainty(ctx context.Context, p Predictor, x *mat.Dense, interval float64) (*Uncertain, error) {
	vp, ok := p.(VariancePredictor)
	if !ok {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf(
			"model %T does not report predictive variance", p))
	}
	if interval <= 0 || interval >= 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid confidence level %v", interval))
	}
	estimate, variance, err := vp.PredictVariance(ctx, x)
	if err != nil {
		return nil, err
	}
	q := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(0.5 + interval/2)
	u := &Uncertain{
		Estimate: estimate,
		Variance: variance,
		Lower:    make([]float64, len(estimate)),
		Upper:    make([]float64, len(estimate)),
	}
	for i := range estimate {
		dev := q * math.Sqrt(variance[i])
		u.Lower[i] = estimate[i] - dev
		u.Upper[i] = estimate[i] + dev
	}
	return u, nil
}

// uncertainTags extends a model's point-estimate tag with the bands
// produced by PredictWithUncertainty.
func uncertainTags(first string) []string {
	return []string{first, "variance", "lower", "upper"}
}
