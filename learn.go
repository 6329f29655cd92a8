// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridml

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml/chunk"
	"github.com/grailbio/gridml/comm"
	"github.com/grailbio/gridml/feature"
	"github.com/grailbio/gridml/model"
	"github.com/grailbio/gridml/target"
	"github.com/grailbio/gridml/validate"
)

// Learn runs the learning pipeline: load targets, extract per-source
// feature chunks at target locations, optionally rank feature sources
// and cross-validate, fit the configured model on the gathered
// dataset, and persist the resulting bundle. Every rank must call
// Learn with identical arguments; the returned bundle and result are
// identical on every rank.
func Learn(ctx context.Context, g comm.Group, cfg Config, env *Env) (*model.Bundle, *validate.Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	rasters, shape, bbox, err := env.sources()
	if err != nil {
		return nil, nil, err
	}

	// The coordinator loads the point set once and broadcasts it, so
	// every rank holds the identical (lat, lon)-sorted global view.
	v, err := comm.RunOnce(ctx, g, func() (interface{}, error) {
		pts, err := env.Points(ctx)
		if err != nil {
			return nil, err
		}
		return pts, nil
	})
	if err != nil {
		return nil, nil, err
	}
	pts := v.(*target.PointSet)
	log.Printf("learn %s: %d targets, %d sources, %d workers", cfg.Name, pts.Len(), len(env.Sources), g.Size())

	own := chunk.Of(pts.Len(), g.Size(), g.Rank())
	sources, index, err := extractSources(ctx, rasters, pts, own)
	if err != nil {
		return nil, nil, err
	}

	if cfg.RankFeatures {
		rankCfg := validate.RankConfig{
			Algorithm:  cfg.Algorithm,
			Options:    cfg.Options,
			Impute:     cfg.Impute,
			Transforms: cfg.Transforms,
			Fraction:   cfg.Fraction,
			Folds:      cfg.Folds,
			Seed:       cfg.Seed,
		}
		ranking, err := validate.RankFeatures(ctx, g, rankCfg, sources, index, pts.Value)
		if err != nil {
			return nil, nil, err
		}
		if err := reportOnce(ctx, g, env, cfg.Name+".ranks.json", func(w io.Writer) error {
			return validate.WriteRankReport(w, ranking)
		}); err != nil {
			return nil, nil, err
		}
	}

	composer, err := feature.NewComposer(cfg.Impute, cfg.Transforms, cfg.Fraction)
	if err != nil {
		return nil, nil, err
	}
	raw, err := feature.Concat(sources)
	if err != nil {
		return nil, nil, err
	}
	composed, state, err := composer.Compose(ctx, g, raw)
	if err != nil {
		return nil, nil, err
	}
	data, err := feature.GatherComposed(ctx, g, composed, index)
	if err != nil {
		return nil, nil, err
	}

	var result *validate.Result
	if cfg.CrossValidate {
		result, err = validate.CrossValidate(ctx, g, cfg.Algorithm, cfg.Options, data, pts.Value, cfg.Folds, cfg.Seed)
		if err != nil {
			return nil, nil, err
		}
		if err := reportOnce(ctx, g, env, cfg.Name+".scores.json", func(w io.Writer) error {
			return validate.WriteScoreReport(w, result)
		}); err != nil {
			return nil, nil, err
		}
	}

	// Every rank fits on the identical gathered dataset; fitting is
	// deterministic, so the models agree without a broadcast.
	m, err := model.New(cfg.Algorithm, cfg.Options)
	if err != nil {
		return nil, nil, err
	}
	y := make([]float64, data.Rows())
	for i, idx := range data.Index {
		y[i] = pts.Value[idx]
	}
	if err := m.Fit(ctx, data.X, y); err != nil {
		return nil, nil, err
	}
	bundle := &model.Bundle{
		Algorithm: cfg.Algorithm,
		Predictor: m,
		Compose:   state,
		Shape:     shape,
		BBox:      bbox,
	}

	if _, err := comm.RunOnce(ctx, g, func() (interface{}, error) {
		if err := persistBundle(ctx, env, cfg.Name, bundle); err != nil {
			return nil, err
		}
		return nil, env.writeReport(ctx, cfg.Name+".targets.csv", func(w io.Writer) error {
			return writeTargetsCSV(w, pts)
		})
	}); err != nil {
		return nil, nil, err
	}
	return bundle, result, nil
}

// reportOnce writes a report on the coordinator only; the broadcast
// keeps all ranks' control flow (and errors) uniform.
func reportOnce(ctx context.Context, g comm.Group, env *Env, name string, write func(io.Writer) error) error {
	_, err := comm.RunOnce(ctx, g, func() (interface{}, error) {
		return nil, env.writeReport(ctx, name, write)
	})
	return err
}

// writeTargetsCSV exports the gathered point set in the same CSV
// format accepted by gridio.ReadPoints, preserving the pipeline's
// sorted sample order.
func writeTargetsCSV(w io.Writer, pts *target.PointSet) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"lon", "lat", "value"}); err != nil {
		return err
	}
	for i := 0; i < pts.Len(); i++ {
		rec := []string{
			strconv.FormatFloat(pts.Lon[i], 'g', -1, 64),
			strconv.FormatFloat(pts.Lat[i], 'g', -1, 64),
			strconv.FormatFloat(pts.Value[i], 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func persistBundle(ctx context.Context, env *Env, name string, bundle *model.Bundle) error {
	w, err := env.Store.Create(ctx, name)
	if err != nil {
		return err
	}
	if err := bundle.Write(w); err != nil {
		w.Close()
		return errors.E("persist bundle", err)
	}
	return w.Close()
}
