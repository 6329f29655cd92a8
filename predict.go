// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridml

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml/comm"
	"github.com/grailbio/gridml/model"
	"github.com/grailbio/gridml/render"
)

// Predict loads the named model bundle and renders its predictions
// over the configured raster sources. The bundle's stored composition
// state is applied verbatim; composition statistics are never
// recomputed at prediction time. Every rank must call Predict with
// identical arguments.
func Predict(ctx context.Context, g comm.Group, cfg Config, env *Env) error {
	// The algorithm and composition settings come from the stored
	// bundle, so only the rendering configuration is checked here.
	if cfg.Name == "" {
		return errors.E(errors.Invalid, "config: empty run name")
	}
	if cfg.Subchunks < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("config: invalid sub-chunk count %d", cfg.Subchunks))
	}
	if cfg.Interval < 0 || cfg.Interval >= 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("config: invalid confidence level %v", cfg.Interval))
	}
	rasters, shape, bbox, err := env.sources()
	if err != nil {
		return err
	}

	// The coordinator loads the bundle and broadcasts it, so that
	// every rank predicts with the identical model state.
	v, err := comm.RunOnce(ctx, g, func() (interface{}, error) {
		r, err := env.Store.Open(ctx, cfg.Name)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return model.ReadBundle(r)
	})
	if err != nil {
		return err
	}
	bundle := v.(*model.Bundle)
	if bundle.Shape != shape || bundle.BBox != bbox {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"predict %s: model was trained on raster geometry %v, sources have %v",
			cfg.Name, bundle.Shape, shape))
	}
	log.Printf("predict %s: %s over %dx%d raster, %d workers, %d sub-chunks",
		cfg.Name, bundle.Algorithm, shape.Rows, shape.Cols, g.Size(), cfg.Subchunks)

	renderer := &render.Renderer{
		Bundle:    bundle,
		Sources:   rasters,
		Subchunks: cfg.Subchunks,
		Interval:  cfg.Interval,
	}
	writer, err := env.NewWriter(ctx, shape, bbox, renderer.Bands())
	if err != nil {
		return err
	}
	renderer.Writer = writer
	return renderer.Render(ctx, g)
}
