// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package model

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

func TestNewUnknownAlgorithm(t *testing.T) {
	_, err := New("gradientboost", Options{})
	if err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid config error, got %v", err)
	}
}

func TestAlgorithms(t *testing.T) {
	want := []string{"kmeans", "ordinary", "regression-linear", "universal"}
	if got := Algorithms(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, name := range want {
		if _, err := New(name, Options{}); err != nil {
			t.Errorf("New(%q): %v", name, err)
		}
	}
}

// constVariance is a test double reporting a fixed variance.
type constVariance struct {
	variance float64
}

func (constVariance) Tags() []string                                           { return uncertainTags("prediction") }
func (constVariance) Fit(ctx context.Context, x *mat.Dense, y []float64) error { return nil }

func (constVariance) Predict(ctx context.Context, x *mat.Dense) ([]float64, error) {
	rows, _ := x.Dims()
	out := make([]float64, rows)
	for i := range out {
		out[i] = float64(i) + 1
	}
	return out, nil
}

func (m constVariance) PredictVariance(ctx context.Context, x *mat.Dense) ([]float64, []float64, error) {
	est, _ := m.Predict(ctx, x)
	variance := make([]float64, len(est))
	for i := range variance {
		variance[i] = m.variance
	}
	return est, variance, nil
}

func TestPredictWithUncertaintyZeroVariance(t *testing.T) {
	x := mat.NewDense(3, 1, []float64{1, 2, 3})
	u, err := PredictWithUncertainty(context.Background(), constVariance{0}, x, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	for i := range u.Estimate {
		if u.Lower[i] != u.Estimate[i] || u.Upper[i] != u.Estimate[i] {
			t.Errorf("row %d: bounds (%v, %v) do not collapse onto estimate %v",
				i, u.Lower[i], u.Upper[i], u.Estimate[i])
		}
	}
}

func TestPredictWithUncertaintyBounds(t *testing.T) {
	x := mat.NewDense(2, 1, []float64{1, 2})
	u, err := PredictWithUncertainty(context.Background(), constVariance{4}, x, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	// 95% normal quantile is 1.95996...; deviation is q*sqrt(4).
	wantDev := 1.959964 * 2
	for i := range u.Estimate {
		if math.Abs((u.Upper[i]-u.Estimate[i])-wantDev) > 1e-4 {
			t.Errorf("row %d: deviation %v, want %v", i, u.Upper[i]-u.Estimate[i], wantDev)
		}
		if math.Abs((u.Estimate[i]-u.Lower[i])-wantDev) > 1e-4 {
			t.Errorf("row %d: lower deviation %v, want %v", i, u.Estimate[i]-u.Lower[i], wantDev)
		}
	}
}

func TestPredictWithUncertaintyUnsupported(t *testing.T) {
	m, err := New("kmeans", Options{Clusters: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := PredictWithUncertainty(context.Background(), m, mat.NewDense(1, 1, nil), 0.95); err == nil {
		t.Fatal("expected error for model without variance support")
	}
}

func TestLinearRegression(t *testing.T) {
	ctx := context.Background()
	const n = 50
	x := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		a, b := float64(i), float64(i%7)
		x.Set(i, 0, a)
		x.Set(i, 1, b)
		y[i] = 1 + 2*a - 3*b
	}
	m, err := New("regression-linear", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Fit(ctx, x, y); err != nil {
		t.Fatal(err)
	}
	got, err := m.Predict(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	for i := range got {
		if math.Abs(got[i]-y[i]) > 1e-8 {
			t.Fatalf("row %d: got %v, want %v", i, got[i], y[i])
		}
	}
	// A perfect linear fit has (near) zero residual variance.
	est, variance, err := m.(VariancePredictor).PredictVariance(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	if len(est) != n || variance[0] > 1e-10 {
		t.Errorf("unexpected residual variance %v", variance[0])
	}
}

func TestKrigeInterpolates(t *testing.T) {
	ctx := context.Background()
	coords := mat.NewDense(4, 2, []float64{
		0, 0,
		0, 10,
		10, 0,
		10, 10,
	})
	y := []float64{1, 2, 3, 4}
	for _, algo := range []string{"ordinary", "universal"} {
		m, err := New(algo, Options{Sill: 1, Range: 5})
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Fit(ctx, coords, y); err != nil {
			t.Fatalf("%s: %v", algo, err)
		}
		est, variance, err := m.(VariancePredictor).PredictVariance(ctx, coords)
		if err != nil {
			t.Fatalf("%s: %v", algo, err)
		}
		for i := range y {
			// With no nugget, kriging honors the training data.
			if math.Abs(est[i]-y[i]) > 1e-6 {
				t.Errorf("%s: point %d: got %v, want %v", algo, i, est[i], y[i])
			}
			if variance[i] > 1e-6 {
				t.Errorf("%s: point %d: variance %v at a training point", algo, i, variance[i])
			}
		}
	}
}

func TestKrigeUniversalDrift(t *testing.T) {
	// Universal kriging should track a linear trend beyond the
	// training hull better than a constant mean would.
	ctx := context.Background()
	const n = 25
	coords := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		cx, cy := float64(i%5), float64(i/5)
		coords.Set(i, 0, cx)
		coords.Set(i, 1, cy)
		y[i] = 2*cx + 3*cy
	}
	m, err := New("universal", Options{Sill: 1, Range: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Fit(ctx, coords, y); err != nil {
		t.Fatal(err)
	}
	far := mat.NewDense(1, 2, []float64{100, 100})
	est, err := m.Predict(ctx, far)
	if err != nil {
		t.Fatal(err)
	}
	if want := 500.0; math.Abs(est[0]-want) > 1 {
		t.Errorf("got %v, want about %v", est[0], want)
	}
}

func TestKMeansSeparable(t *testing.T) {
	ctx := context.Background()
	const n = 60
	x := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		base := 0.0
		if i >= n/2 {
			base = 100
		}
		x.Set(i, 0, base+float64(i%5))
		x.Set(i, 1, base+float64(i%3))
	}
	m, err := New("kmeans", Options{Clusters: 2, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Fit(ctx, x, nil); err != nil {
		t.Fatal(err)
	}
	got, err := m.Predict(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < n/2; i++ {
		if got[i] != got[0] {
			t.Fatalf("row %d: cluster %v, want %v", i, got[i], got[0])
		}
	}
	for i := n/2 + 1; i < n; i++ {
		if got[i] != got[n/2] {
			t.Fatalf("row %d: cluster %v, want %v", i, got[i], got[n/2])
		}
	}
	if got[0] == got[n/2] {
		t.Fatal("separable clusters assigned identically")
	}
}

func TestKMeansDeterministic(t *testing.T) {
	ctx := context.Background()
	x := mat.NewDense(20, 1, nil)
	for i := 0; i < 20; i++ {
		x.Set(i, 0, float64(i*i%17))
	}
	fit := func() []float64 {
		m, err := New("kmeans", Options{Clusters: 3, Seed: 42})
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Fit(ctx, x, nil); err != nil {
			t.Fatal(err)
		}
		return m.(*kmeans).Centroids
	}
	if !reflect.DeepEqual(fit(), fit()) {
		t.Fatal("kmeans fit is not deterministic for a fixed seed")
	}
}
