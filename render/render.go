// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package render writes model predictions back onto a raster grid.
// Each worker renders its share of the raster's pixel rows in
// sequential sub-chunks, reusing the stored feature-composition state
// from the model bundle so that prediction-time features are composed
// in exactly the training-time basis. Writes land in disjoint row
// regions derived from the deterministic partition map; the regions
// across all (worker, sub-chunk) pairs tile the raster exactly once.
package render

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml/chunk"
	"github.com/grailbio/gridml/comm"
	"github.com/grailbio/gridml/feature"
	"github.com/grailbio/gridml/gridio"
	"github.com/grailbio/gridml/model"
	"gonum.org/v1/gonum/mat"
)

// State is the per-sub-chunk progression of a rendering worker. State
// values are defined so that their magnitudes correspond with
// progression through a sub-chunk.
type State int

const (
	// Idle is the state between sub-chunks.
	Idle State = iota
	// ExtractFeatures reads the sub-chunk's pixel rows from every
	// raster source.
	ExtractFeatures
	// ApplyStoredCompose applies the bundle's stored composition
	// state to the extracted features.
	ApplyStoredCompose
	// Predict runs the bundle's model over the composed rows.
	Predict
	// WriteRegion writes prediction bands into the worker's region of
	// the shared output raster.
	WriteRegion
	// Done is the terminal state, reached after the last sub-chunk.
	Done
)

var states = [...]string{
	Idle:               "IDLE",
	ExtractFeatures:    "EXTRACT",
	ApplyStoredCompose: "COMPOSE",
	Predict:            "PREDICT",
	WriteRegion:        "WRITE",
	Done:               "DONE",
}

// String returns the state as an upper-case string.
func (s State) String() string { return states[s] }

// A Renderer renders one model bundle onto an output raster. The same
// Renderer value is constructed on every worker; Render is then the
// SPMD entry point.
type Renderer struct {
	// Bundle is the trained model with its composition state and the
	// raster geometry to render into.
	Bundle *model.Bundle
	// Sources are the covariate rasters, ordered by name. Their shape
	// and bounding box must match the bundle's.
	Sources []gridio.RasterSource
	// Writer is this worker's handle on the shared output raster.
	Writer gridio.RasterWriter
	// Subchunks bounds peak memory by splitting each worker's share
	// of pixel rows into sequential passes.
	Subchunks int
	// Interval, if positive, requests uncertainty bands at this
	// confidence level. Requires a model reporting variance.
	Interval float64

	state State
}

// Bands returns the output band tags the renderer will write, in band
// order: the model's point-estimate tag, plus uncertainty bands when
// requested.
func (r *Renderer) Bands() []string {
	if r.Interval > 0 {
		return r.Bundle.Predictor.Tags()
	}
	return r.Bundle.Predictor.Tags()[:1]
}

// validate checks configuration and geometry before any collective
// call, so that a misconfigured run fails on every worker uniformly.
func (r *Renderer) validate() error {
	if r.Subchunks < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("render: invalid sub-chunk count %d", r.Subchunks))
	}
	if r.Interval > 0 {
		if _, ok := r.Bundle.Predictor.(model.VariancePredictor); !ok {
			return errors.E(errors.NotSupported, fmt.Sprintf(
				"render: %s does not report variance; cannot render uncertainty bands", r.Bundle.Algorithm))
		}
		if r.Interval >= 1 {
			return errors.E(errors.Invalid, fmt.Sprintf("render: invalid confidence level %v", r.Interval))
		}
	}
	if len(r.Sources) == 0 {
		return errors.E(errors.Invalid, "render: no raster sources")
	}
	for _, src := range r.Sources {
		if src.Shape() != r.Bundle.Shape || src.BBox() != r.Bundle.BBox {
			return errors.E(errors.Integrity, fmt.Sprintf(
				"render: source %s geometry %v does not match model raster %v",
				src.Name(), src.Shape(), r.Bundle.Shape))
		}
	}
	return nil
}

// Render renders this worker's share of the raster. After every
// worker reaches Done, the coordinator alone finalizes the raster.
func (r *Renderer) Render(ctx context.Context, g comm.Group) error {
	if err := r.validate(); err != nil {
		return err
	}
	own := chunk.Of(r.Bundle.Shape.Rows, g.Size(), g.Rank())
	subs := chunk.Subdivide(own, r.Subchunks)
	for i, sub := range subs {
		if err := r.renderSub(ctx, sub); err != nil {
			return errors.E(fmt.Sprintf("render: rank %d sub-chunk %d %s", g.Rank(), i, sub), err)
		}
		r.setState(Idle)
	}
	r.setState(Done)
	if err := r.Writer.Close(ctx); err != nil {
		return err
	}
	if err := g.Barrier(ctx); err != nil {
		return err
	}
	_, err := comm.RunOnce(ctx, g, func() (interface{}, error) {
		return nil, r.Writer.Finalize(ctx)
	})
	return err
}

func (r *Renderer) setState(s State) {
	if s != r.state {
		log.Debug.Printf("render: %s -> %s", r.state, s)
		r.state = s
	}
}

// renderSub renders the pixel rows of one sub-chunk. Rows whose
// composed features are missing entirely render as nodata.
func (r *Renderer) renderSub(ctx context.Context, sub chunk.Range) error {
	if sub.Len() == 0 {
		return nil
	}
	r.setState(ExtractFeatures)
	sources := make(feature.SourceSet, len(r.Sources))
	for i, src := range r.Sources {
		c, err := src.ReadRows(ctx, sub.Lo, sub.Hi)
		if err != nil {
			return errors.E(fmt.Sprintf("read %s", src.Name()), err)
		}
		sources[i] = feature.Source{Name: src.Name(), Chunk: c}
	}
	raw, err := feature.Concat(sources)
	if err != nil {
		return err
	}

	r.setState(ApplyStoredCompose)
	composed, err := feature.Apply(r.Bundle.Compose, raw)
	if err != nil {
		return err
	}

	r.setState(Predict)
	var valid []int
	for i := 0; i < composed.Rows; i++ {
		if !composed.RowMissing(i) {
			valid = append(valid, i)
		}
	}
	tags := r.Bands()
	out := feature.NewChunk(composed.Rows, len(tags))
	for i := range out.Missing {
		out.Missing[i] = true
	}
	if len(valid) > 0 {
		x := mat.NewDense(len(valid), composed.Cols, nil)
		for i, row := range valid {
			for j := 0; j < composed.Cols; j++ {
				x.Set(i, j, composed.At(row, j))
			}
		}
		if r.Interval > 0 {
			u, err := model.PredictWithUncertainty(ctx, r.Bundle.Predictor, x, r.Interval)
			if err != nil {
				return err
			}
			for i, row := range valid {
				setRow(out, row, u.Estimate[i], u.Variance[i], u.Lower[i], u.Upper[i])
			}
		} else {
			est, err := r.Bundle.Predictor.Predict(ctx, x)
			if err != nil {
				return err
			}
			for i, row := range valid {
				setRow(out, row, est[i])
			}
		}
	}

	r.setState(WriteRegion)
	return r.Writer.WriteRows(ctx, sub.Lo, sub.Hi, out)
}

func setRow(c *feature.Chunk, row int, bands ...float64) {
	for j, v := range bands {
		c.Set(row, j, v)
		c.Missing[row*c.Cols+j] = false
	}
}
