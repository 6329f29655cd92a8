// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package feature

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridml/comm"
	"gonum.org/v1/gonum/mat"
)

// Column transform names accepted by NewComposer.
const (
	TransformIdentity    = "identity"
	TransformLog         = "log"
	TransformStandardise = "standardise"
)

func init() {
	gob.Register(&State{})
	gob.Register(momentPartials{})
	gob.Register(crossPartials{})
	gob.Register(gatherPayload{})
}

// State holds the shared composition statistics: imputation fill
// values, the moments used by standardization, and the projection
// basis for dimensionality reduction. A State is computed
// cooperatively once per run and held read-only thereafter; every
// worker holds a bit-identical copy, and prediction runs reuse the
// training-time State verbatim so that train and predict features
// share one basis.
type State struct {
	Impute     bool
	Transforms []string
	Fraction   float64

	Cols int
	// Fill holds per-column imputation values (the global mean of
	// each column's valid cells).
	Fill []float64
	// Mean and Std are the moments consumed by the standardise
	// stage. They describe the stage's input (post-imputation, and
	// post-log when a log transform precedes standardise).
	Mean, Std []float64

	// Projection basis, present when Fraction > 0. PMean centers the
	// transformed data; Basis is Cols x Keep in row-major order with
	// principal components as columns, in descending eigenvalue
	// order. EigVals holds the kept eigenvalues, descending.
	Keep    int
	PMean   []float64
	Basis   []float64
	EigVals []float64
}

// A Composer derives a State cooperatively across a worker group and
// applies it to local chunks. Construction validates all transform
// names so that a configuration error surfaces on every worker
// before any collective call is made.
type Composer struct {
	impute     bool
	transforms []string
	fraction   float64
}

// NewComposer returns a composer applying the given stages: optional
// missing-value imputation, the named column transforms in order, and
// optional projection keeping the smallest basis that explains the
// given cumulative variance fraction (0 disables projection).
func NewComposer(impute bool, transforms []string, fraction float64) (*Composer, error) {
	for _, name := range transforms {
		switch name {
		case TransformIdentity, TransformLog, TransformStandardise:
		default:
			return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown transform %q", name))
		}
	}
	if fraction < 0 || fraction > 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid variance fraction %v", fraction))
	}
	return &Composer{
		impute:     impute,
		transforms: append([]string(nil), transforms...),
		fraction:   fraction,
	}, nil
}

// momentPartials are one worker's contribution to the global
// per-column moments: counts and sums over valid cells, plus the
// log1p sums needed when a log transform precedes standardization.
type momentPartials struct {
	Rows, Cols int
	Count      []float64
	Sum, SumSq []float64
	LogSum     []float64
	LogSumSq   []float64
}

func localMoments(c *Chunk) momentPartials {
	if c == nil {
		return momentPartials{Cols: -1}
	}
	p := momentPartials{
		Rows:     c.Rows,
		Cols:     c.Cols,
		Count:    make([]float64, c.Cols),
		Sum:      make([]float64, c.Cols),
		SumSq:    make([]float64, c.Cols),
		LogSum:   make([]float64, c.Cols),
		LogSumSq: make([]float64, c.Cols),
	}
	for i := 0; i < c.Rows; i++ {
		for j := 0; j < c.Cols; j++ {
			if c.IsMissing(i, j) {
				continue
			}
			v := c.At(i, j)
			lv := math.Log1p(v)
			p.Count[j]++
			p.Sum[j] += v
			p.SumSq[j] += v * v
			p.LogSum[j] += lv
			p.LogSumSq[j] += lv * lv
		}
	}
	return p
}

// crossPartials are one worker's contribution to the covariance of
// the transformed data: sums and cross-products over rows with no
// missing cells.
type crossPartials struct {
	Rows  int
	Cols  int
	Sum   []float64
	Cross []float64
}

func localCross(c *Chunk) crossPartials {
	if c == nil {
		return crossPartials{Cols: -1}
	}
	p := crossPartials{
		Cols:  c.Cols,
		Sum:   make([]float64, c.Cols),
		Cross: make([]float64, c.Cols*c.Cols),
	}
	for i := 0; i < c.Rows; i++ {
		if c.RowMissing(i) {
			continue
		}
		p.Rows++
		row := c.Data[i*c.Cols : (i+1)*c.Cols]
		for a, va := range row {
			p.Sum[a] += va
			for b, vb := range row {
				p.Cross[a*c.Cols+b] += va * vb
			}
		}
	}
	return p
}

// agreeCols returns the column count agreed on by workers that hold
// data (-1 marks absent chunks), failing with an integrity error on
// disagreement: a worker composing a different width would corrupt
// the rank-ordered gather downstream.
func agreeCols(cols []int) (int, error) {
	agreed := -1
	for rank, c := range cols {
		if c < 0 {
			continue
		}
		if agreed == -1 {
			agreed = c
		} else if c != agreed {
			return 0, errors.E(errors.Integrity, fmt.Sprintf(
				"shape mismatch: rank %d has %d columns, want %d", rank, c, agreed))
		}
	}
	return agreed, nil
}

// Compose computes the composition State cooperatively and returns
// the worker's composed chunk along with the State. Every worker's
// reduction runs in rank order over identical gathered partials, so
// all workers hold bit-identical States without a broadcast round.
// A nil chunk (this worker has no rows) still participates in all
// collective calls; its composed result is nil.
//
// The returned chunk is exactly Apply(state, chunk): composing during
// training and re-applying the stored state at prediction time
// produce identical results on identical input.
func (c *Composer) Compose(ctx context.Context, g comm.Group, chunk *Chunk) (*Chunk, *State, error) {
	values, err := g.AllGather(ctx, localMoments(chunk))
	if err != nil {
		return nil, nil, err
	}
	partials := make([]momentPartials, len(values))
	cols := make([]int, len(values))
	for rank, v := range values {
		partials[rank] = v.(momentPartials)
		cols[rank] = partials[rank].Cols
	}
	width, err := agreeCols(cols)
	if err != nil {
		return nil, nil, err
	}
	state := &State{
		Impute:     c.impute,
		Transforms: append([]string(nil), c.transforms...),
		Fraction:   c.fraction,
	}
	if width < 0 {
		// No worker holds any data; GatherComposed reports the
		// empty dataset after row accounting.
		width = 0
	}
	c.reduceMoments(state, partials, width)

	if c.fraction > 0 {
		pre := applyBase(state, chunk)
		if err := c.reduceBasis(ctx, g, state, pre, width); err != nil {
			return nil, nil, err
		}
	}
	out, err := Apply(state, chunk)
	if err != nil {
		return nil, nil, err
	}
	return out, state, nil
}

// reduceMoments derives fill values and standardise moments from the
// gathered per-worker partials. The reduction order is rank order on
// every worker.
func (c *Composer) reduceMoments(state *State, partials []momentPartials, width int) {
	var (
		rows                               float64
		count, sum, sumsq, logsum, logsumq = zeros(width), zeros(width), zeros(width), zeros(width), zeros(width)
	)
	for _, p := range partials {
		if p.Cols < 0 {
			continue
		}
		rows += float64(p.Rows)
		for j := 0; j < width; j++ {
			count[j] += p.Count[j]
			sum[j] += p.Sum[j]
			sumsq[j] += p.SumSq[j]
			logsum[j] += p.LogSum[j]
			logsumq[j] += p.LogSumSq[j]
		}
	}
	state.Cols = width
	state.Fill = zeros(width)
	state.Mean = zeros(width)
	state.Std = ones(width)
	logFirst := false
	for _, name := range c.transforms {
		if name == TransformStandardise {
			break
		}
		if name == TransformLog {
			logFirst = true
		}
	}
	for j := 0; j < width; j++ {
		if count[j] == 0 {
			continue
		}
		fill := sum[j] / count[j]
		state.Fill[j] = fill
		// Standardise moments describe the stage's input: the log
		// sums when a log transform runs first, the raw sums
		// otherwise; with imputation enabled, imputed cells
		// contribute the fill value to both moments.
		s, sq := sum[j], sumsq[j]
		fv := fill
		if logFirst {
			s, sq = logsum[j], logsumq[j]
			fv = math.Log1p(fill)
		}
		n := count[j]
		if c.impute {
			miss := rows - count[j]
			s += miss * fv
			sq += miss * fv * fv
			n = rows
		}
		if n == 0 {
			continue
		}
		mean := s / n
		variance := sq/n - mean*mean
		state.Mean[j] = mean
		if variance > 0 {
			state.Std[j] = math.Sqrt(variance)
		}
	}
}

// reduceBasis derives the shared projection basis from a second
// gather over the transformed data's cross-products.
func (c *Composer) reduceBasis(ctx context.Context, g comm.Group, state *State, pre *Chunk, width int) error {
	values, err := g.AllGather(ctx, localCross(pre))
	if err != nil {
		return err
	}
	var (
		rows  float64
		sum   = zeros(width)
		cross = zeros(width * width)
	)
	for rank, v := range values {
		p := v.(crossPartials)
		if p.Cols < 0 {
			continue
		}
		if p.Cols != width {
			return errors.E(errors.Integrity, fmt.Sprintf(
				"shape mismatch: rank %d transformed %d columns, want %d", rank, p.Cols, width))
		}
		rows += float64(p.Rows)
		for j := range sum {
			sum[j] += p.Sum[j]
		}
		for j := range cross {
			cross[j] += p.Cross[j]
		}
	}
	if rows == 0 {
		return errors.E(errors.Integrity, "empty dataset: no valid rows for projection basis")
	}
	mean := zeros(width)
	for j := range mean {
		mean[j] = sum[j] / rows
	}
	cov := mat.NewSymDense(width, nil)
	for a := 0; a < width; a++ {
		for b := a; b < width; b++ {
			cov.SetSym(a, b, cross[a*width+b]/rows-mean[a]*mean[b])
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return errors.E(errors.Integrity, "projection basis: eigendecomposition failed")
	}
	eigvals := eig.Values(nil) // ascending
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	total := 0.0
	for _, v := range eigvals {
		if v > 0 {
			total += v
		}
	}
	keep, cum := 0, 0.0
	for i := width - 1; i >= 0; i-- {
		keep++
		if eigvals[i] > 0 {
			cum += eigvals[i]
		}
		if total > 0 && cum >= c.fraction*total {
			break
		}
	}
	state.Keep = keep
	state.PMean = mean
	state.Basis = make([]float64, width*keep)
	state.EigVals = make([]float64, keep)
	for k := 0; k < keep; k++ {
		src := width - 1 - k // descending eigenvalue order
		state.EigVals[k] = eigvals[src]
		for a := 0; a < width; a++ {
			state.Basis[a*keep+k] = vecs.At(a, src)
		}
	}
	return nil
}

// applyBase applies imputation and column transforms (all stages
// short of projection) to a copy of the chunk.
func applyBase(state *State, c *Chunk) *Chunk {
	if c == nil {
		return nil
	}
	out := c.Clone()
	for i := 0; i < out.Rows; i++ {
		for j := 0; j < out.Cols; j++ {
			if out.IsMissing(i, j) {
				if !state.Impute {
					continue
				}
				out.Set(i, j, state.Fill[j])
			}
		}
	}
	for _, name := range state.Transforms {
		switch name {
		case TransformIdentity:
		case TransformLog:
			for k, v := range out.Data {
				if !out.Missing[k] {
					out.Data[k] = math.Log1p(v)
				}
			}
		case TransformStandardise:
			for i := 0; i < out.Rows; i++ {
				for j := 0; j < out.Cols; j++ {
					if !out.IsMissing(i, j) {
						out.Set(i, j, (out.At(i, j)-state.Mean[j])/state.Std[j])
					}
				}
			}
		}
	}
	return out
}

// Apply composes a chunk using a stored State: imputation, column
// transforms, then projection, in fixed order. It is a pure function
// of (state, chunk); prediction-time composition calls Apply with the
// training-time State and never recomputes statistics.
func Apply(state *State, c *Chunk) (*Chunk, error) {
	if c == nil {
		return nil, nil
	}
	if c.Cols != state.Cols {
		return nil, errors.E(errors.Integrity, fmt.Sprintf(
			"shape mismatch: chunk has %d columns, compose state has %d", c.Cols, state.Cols))
	}
	out := applyBase(state, c)
	if state.Keep == 0 {
		return out, nil
	}
	proj := NewChunk(out.Rows, state.Keep)
	for i := 0; i < out.Rows; i++ {
		if out.RowMissing(i) {
			// Projection mixes all columns; a row missing any cell
			// stays missing in full.
			for k := 0; k < state.Keep; k++ {
				proj.SetMissing(i, k)
			}
			continue
		}
		row := out.Data[i*out.Cols : (i+1)*out.Cols]
		for k := 0; k < state.Keep; k++ {
			var v float64
			for a, x := range row {
				v += (x - state.PMean[a]) * state.Basis[a*state.Keep+k]
			}
			proj.Set(i, k, v)
		}
	}
	return proj, nil
}

// A Dataset is the globally gathered, composed feature matrix
// together with the global sample indexes of its rows. Row order is
// the rank order of the gather; every structure indexed by sample
// must follow Index, or training data and labels silently diverge.
type Dataset struct {
	X     *mat.Dense
	Index []int
}

// Rows returns the number of samples in the dataset.
func (d *Dataset) Rows() int {
	if d.X == nil {
		return 0
	}
	r, _ := d.X.Dims()
	return r
}

type gatherPayload struct {
	Rows, Cols int
	Data       []float64
	Index      []int
}

// GatherComposed assembles the global dataset from per-worker
// composed chunks: rows with missing cells are excluded, remaining
// rows are gathered and stacked in rank order, and every worker
// receives the identical dataset. index supplies the global sample
// index of each local row. GatherComposed fails with an
// errors.Integrity error if workers disagree on column count or if
// no valid rows remain anywhere in the group, since downstream model
// fitting requires at least one sample.
func GatherComposed(ctx context.Context, g comm.Group, composed *Chunk, index []int) (*Dataset, error) {
	payload := gatherPayload{Cols: -1}
	if composed != nil {
		if len(index) != composed.Rows {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"gather: %d indexes for %d rows", len(index), composed.Rows))
		}
		payload.Cols = composed.Cols
		for i := 0; i < composed.Rows; i++ {
			if composed.RowMissing(i) {
				continue
			}
			payload.Rows++
			payload.Data = append(payload.Data, composed.Data[i*composed.Cols:(i+1)*composed.Cols]...)
			payload.Index = append(payload.Index, index[i])
		}
	}
	values, err := g.AllGather(ctx, payload)
	if err != nil {
		return nil, err
	}
	cols := make([]int, len(values))
	payloads := make([]gatherPayload, len(values))
	for rank, v := range values {
		payloads[rank] = v.(gatherPayload)
		cols[rank] = payloads[rank].Cols
	}
	width, err := agreeCols(cols)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, p := range payloads {
		total += p.Rows
	}
	if total == 0 || width <= 0 {
		return nil, errors.E(errors.Integrity, "empty dataset: no valid rows remain after composition")
	}
	ds := &Dataset{Index: make([]int, 0, total)}
	data := make([]float64, 0, total*width)
	for _, p := range payloads {
		data = append(data, p.Data...)
		ds.Index = append(ds.Index, p.Index...)
	}
	ds.X = mat.NewDense(total, width, data)
	return ds, nil
}

func zeros(n int) []float64 { return make([]float64, n) }

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
