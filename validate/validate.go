// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package validate implements k-fold cross-validation and
// leave-one-source-out feature ranking over composed datasets. Both
// run SPMD-style under a comm.Group: folds are distributed across
// ranks, per-fold outputs are allgathered, and every rank performs the
// identical reduction so that all ranks hold the same results.
package validate

import (
	"context"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml/comm"
	"github.com/grailbio/gridml/feature"
	"github.com/grailbio/gridml/model"
	"github.com/grailbio/gridml/target"
	"gonum.org/v1/gonum/mat"
)

func init() {
	gob.Register([]foldOut{})
}

// foldOut is one fold's held-out outcome, shipped between ranks. A
// rank contributes the outcomes of every fold it evaluated.
type foldOut struct {
	Fold  int
	Index []int
	True  []float64
	Pred  []float64
}

// A FoldResult is the held-out outcome of a single fold: the global
// sample indices of the fold's rows, their observed and predicted
// values, and per-metric scores.
type FoldResult struct {
	Fold   int
	Index  []int
	True   []float64
	Pred   []float64
	Scores map[string]float64
}

// A Result is the outcome of one cross-validation run. Scores are the
// aggregate metrics over all held-out predictions, concatenated in
// fold order; Folds holds the per-fold breakdown.
type Result struct {
	Folds  []FoldResult
	Scores map[string]float64
}

// CrossValidate runs k-fold cross-validation of the named algorithm
// over the gathered dataset. Fold assignment is a deterministic
// function of (row count, k, seed), identical on every rank. Fold f is
// evaluated by rank f mod size; a fresh model is fit per fold on the
// rows of all other folds and predicts the held-out rows. Outcomes are
// allgathered so every rank returns an identical Result.
//
// y holds observed values indexed by global sample index; row i of the
// dataset is observed as y[data.Index[i]].
func CrossValidate(ctx context.Context, g comm.Group, algorithm string, opts model.Options, data *feature.Dataset, y []float64, k int, seed int64) (*Result, error) {
	n := data.Rows()
	if k < 2 || k > n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("crossval: %d folds for %d rows", k, n))
	}
	// Fail before any collective work if the algorithm is unknown, so
	// that every rank aborts uniformly.
	if _, err := model.New(algorithm, opts); err != nil {
		return nil, err
	}
	folds := target.AssignFolds(n, k, seed)
	var local []foldOut
	for f := g.Rank(); f < k; f += g.Size() {
		out, err := evalFold(ctx, algorithm, opts, data, y, folds, f)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("crossval: fold %d", f), err)
		}
		local = append(local, out)
		log.Printf("crossval: rank %d evaluated fold %d (%d rows held out)", g.Rank(), f, len(out.Index))
	}
	gathered, err := g.AllGather(ctx, local)
	if err != nil {
		return nil, err
	}
	var all []foldOut
	for _, v := range gathered {
		all = append(all, v.([]foldOut)...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Fold < all[j].Fold })
	r := &Result{Folds: make([]FoldResult, len(all))}
	var allTrue, allPred []float64
	for i, out := range all {
		r.Folds[i] = FoldResult{
			Fold:   out.Fold,
			Index:  out.Index,
			True:   out.True,
			Pred:   out.Pred,
			Scores: Scores(out.True, out.Pred),
		}
		allTrue = append(allTrue, out.True...)
		allPred = append(allPred, out.Pred...)
	}
	r.Scores = Scores(allTrue, allPred)
	return r, nil
}

// evalFold fits a fresh model on all rows outside fold f and predicts
// the rows of fold f.
func evalFold(ctx context.Context, algorithm string, opts model.Options, data *feature.Dataset, y []float64, folds []int, f int) (foldOut, error) {
	n := data.Rows()
	_, cols := data.X.Dims()
	var trainRows, testRows []int
	for i := 0; i < n; i++ {
		if folds[i] == f {
			testRows = append(testRows, i)
		} else {
			trainRows = append(trainRows, i)
		}
	}
	trainX := subsetRows(data.X, trainRows, cols)
	trainY := make([]float64, len(trainRows))
	for i, row := range trainRows {
		trainY[i] = y[data.Index[row]]
	}
	m, err := model.New(algorithm, opts)
	if err != nil {
		return foldOut{}, err
	}
	if err := m.Fit(ctx, trainX, trainY); err != nil {
		return foldOut{}, err
	}
	testX := subsetRows(data.X, testRows, cols)
	pred, err := m.Predict(ctx, testX)
	if err != nil {
		return foldOut{}, err
	}
	out := foldOut{
		Fold:  f,
		Index: make([]int, len(testRows)),
		True:  make([]float64, len(testRows)),
		Pred:  pred,
	}
	for i, row := range testRows {
		out.Index[i] = data.Index[row]
		out.True[i] = y[data.Index[row]]
	}
	return out, nil
}

func subsetRows(x *mat.Dense, rows []int, cols int) *mat.Dense {
	out := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		for j := 0; j < cols; j++ {
			out.Set(i, j, x.At(row, j))
		}
	}
	return out
}
