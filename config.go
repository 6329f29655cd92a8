// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridml

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridml/feature"
	"github.com/grailbio/gridml/gridio"
	"github.com/grailbio/gridml/model"
	"github.com/grailbio/gridml/target"
)

// Config is the immutable per-run configuration. The same Config
// value must be passed to every rank of a run; there is no
// process-wide configuration state.
type Config struct {
	// Name identifies the run; the model bundle and reports are
	// stored under it.
	Name string
	// Algorithm selects the model (see model.Algorithms).
	Algorithm string
	// Options parameterizes the model.
	Options model.Options

	// Impute, Transforms and Fraction configure feature composition:
	// missing-value imputation, the ordered column transforms, and the
	// cumulative variance fraction retained by projection (0 disables
	// projection).
	Impute     bool
	Transforms []string
	Fraction   float64

	// Folds and Seed drive fold assignment and all randomized
	// initialization. Runs with equal seeds are reproducible.
	Folds int
	Seed  int64

	// CrossValidate and RankFeatures enable the optional validation
	// stages of Learn.
	CrossValidate bool
	RankFeatures  bool

	// Subchunks splits each worker's share of prediction pixel rows
	// into sequential passes to bound peak memory.
	Subchunks int
	// Interval, if positive, renders uncertainty bands at this
	// confidence level during Predict.
	Interval float64

	// Subsample is the fraction of valid pixels used for clustering;
	// 0 or 1 uses all of them.
	Subsample float64
}

// Validate front-loads every registry and range check so that a
// misconfigured run fails on all ranks before any collective call is
// issued. Configurations that differ between ranks, or that fail on
// only some control-flow paths, would otherwise deadlock the group.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.E(errors.Invalid, "config: empty run name")
	}
	if _, err := model.New(c.Algorithm, c.Options); err != nil {
		return err
	}
	if _, err := feature.NewComposer(c.Impute, c.Transforms, c.Fraction); err != nil {
		return err
	}
	if c.CrossValidate || c.RankFeatures {
		if c.Folds < 2 {
			return errors.E(errors.Invalid, fmt.Sprintf("config: %d folds; validation needs at least 2", c.Folds))
		}
	}
	if c.Subchunks < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("config: invalid sub-chunk count %d", c.Subchunks))
	}
	if c.Subsample < 0 || c.Subsample > 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("config: invalid subsample fraction %v", c.Subsample))
	}
	if c.Interval < 0 || c.Interval >= 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("config: invalid confidence level %v", c.Interval))
	}
	return nil
}

// Env names a run's collaborators. Every rank constructs an
// equivalent Env; collaborators invoked only on the coordinator (point
// loading, report sinks) may be stubs on other ranks.
type Env struct {
	// Sources are the covariate rasters. They are sorted by name at
	// pipeline entry; all must share one geometry.
	Sources []gridio.RasterSource
	// Points loads the point observations. It is invoked on the
	// coordinator only, via comm.RunOnce.
	Points func(ctx context.Context) (*target.PointSet, error)
	// Store persists and loads model bundles.
	Store model.Store
	// NewWriter opens this rank's handle on the shared output raster.
	NewWriter func(ctx context.Context, shape gridio.Shape, bbox gridio.BBox, tags []string) (gridio.RasterWriter, error)
	// NewReport opens a named report sink. It is invoked on the
	// coordinator only; a nil NewReport disables report output.
	NewReport func(ctx context.Context, name string) (io.WriteCloser, error)
}

// sources returns the Env's raster sources sorted by name, verifying
// that they share one shape and bounding box. The sort copies: ranks
// of an in-process group share the Env.
func (e *Env) sources() ([]gridio.RasterSource, gridio.Shape, gridio.BBox, error) {
	if len(e.Sources) == 0 {
		return nil, gridio.Shape{}, gridio.BBox{}, errors.E(errors.Invalid, "no raster sources")
	}
	sources := append([]gridio.RasterSource(nil), e.Sources...)
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name() < sources[j].Name() })
	shape, bbox := sources[0].Shape(), sources[0].BBox()
	for _, src := range sources[1:] {
		if src.Shape() != shape || src.BBox() != bbox {
			return nil, gridio.Shape{}, gridio.BBox{}, errors.E(errors.Integrity, fmt.Sprintf(
				"source %s geometry %v disagrees with %s %v",
				src.Name(), src.Shape(), sources[0].Name(), shape))
		}
	}
	return sources, shape, bbox, nil
}

// writeReport writes a report through the Env's report sink, if any.
func (e *Env) writeReport(ctx context.Context, name string, write func(io.Writer) error) error {
	if e.NewReport == nil {
		return nil
	}
	w, err := e.NewReport(ctx, name)
	if err != nil {
		return err
	}
	if err := write(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
