// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridml

import (
	"context"
	"math/rand"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml/chunk"
	"github.com/grailbio/gridml/comm"
	"github.com/grailbio/gridml/feature"
	"github.com/grailbio/gridml/gridio"
	"github.com/grailbio/gridml/model"
	"github.com/grailbio/gridml/target"
)

// Cluster runs the unsupervised pipeline: compose all valid raster
// pixels, optionally subsample them, fit the configured clustering
// model, and persist the bundle. If the Env provides a point set, its
// values are interpreted as integer class labels seeding the
// clustering semi-supervised; the number of distinct classes floors
// the cluster count. Every rank must call Cluster with identical
// arguments.
func Cluster(ctx context.Context, g comm.Group, cfg Config, env *Env) (*model.Bundle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rasters, shape, bbox, err := env.sources()
	if err != nil {
		return nil, err
	}

	// Each rank composes its share of the raster's pixel rows.
	own := chunk.Of(shape.Rows, g.Size(), g.Rank())
	sources := make(feature.SourceSet, len(rasters))
	for i, src := range rasters {
		c, err := src.ReadRows(ctx, own.Lo, own.Hi)
		if err != nil {
			return nil, err
		}
		sources[i] = feature.Source{Name: src.Name(), Chunk: c}
	}
	raw, err := feature.Concat(sources)
	if err != nil {
		return nil, err
	}
	composer, err := feature.NewComposer(cfg.Impute, cfg.Transforms, cfg.Fraction)
	if err != nil {
		return nil, err
	}
	composed, state, err := composer.Compose(ctx, g, raw)
	if err != nil {
		return nil, err
	}

	// Subsampling is deterministic per rank: the decision stream is
	// seeded from the run seed and the rank, so reruns cluster the
	// same pixels.
	index := pixelIndex(own, shape.Cols)
	if cfg.Subsample > 0 && cfg.Subsample < 1 {
		composed, index = subsampleRows(composed, index, cfg.Subsample,
			target.SubSeed(cfg.Seed, "subsample")+int64(g.Rank()))
	}
	data, err := feature.GatherComposed(ctx, g, composed, index)
	if err != nil {
		return nil, err
	}
	log.Printf("cluster %s: %d pixels gathered, %d workers", cfg.Name, data.Rows(), g.Size())

	var labels []float64
	if env.Points != nil {
		labels, err = seedLabels(ctx, g, env, shape, bbox, data.Index)
		if err != nil {
			return nil, err
		}
	}
	m, err := model.New(cfg.Algorithm, cfg.Options)
	if err != nil {
		return nil, err
	}
	if err := m.Fit(ctx, data.X, labels); err != nil {
		return nil, err
	}
	bundle := &model.Bundle{
		Algorithm: cfg.Algorithm,
		Predictor: m,
		Compose:   state,
		Shape:     shape,
		BBox:      bbox,
	}
	if _, err := comm.RunOnce(ctx, g, func() (interface{}, error) {
		return nil, persistBundle(ctx, env, cfg.Name, bundle)
	}); err != nil {
		return nil, err
	}
	return bundle, nil
}

// pixelIndex returns the global pixel index of every sample row in a
// rank's share of raster rows [own.Lo, own.Hi).
func pixelIndex(own chunk.Range, cols int) []int {
	index := make([]int, own.Len()*cols)
	for i := range index {
		index[i] = own.Lo*cols + i
	}
	return index
}

// subsampleRows keeps each row independently with the given
// probability, drawn from a deterministic stream.
func subsampleRows(c *feature.Chunk, index []int, fraction float64, seed int64) (*feature.Chunk, []int) {
	rng := rand.New(rand.NewSource(seed))
	var rows []int
	for i := 0; i < c.Rows; i++ {
		if rng.Float64() < fraction {
			rows = append(rows, i)
		}
	}
	out := feature.NewChunk(len(rows), c.Cols)
	outIndex := make([]int, len(rows))
	for oi, i := range rows {
		copy(out.Data[oi*c.Cols:(oi+1)*c.Cols], c.Data[i*c.Cols:(i+1)*c.Cols])
		copy(out.Missing[oi*c.Cols:(oi+1)*c.Cols], c.Missing[i*c.Cols:(i+1)*c.Cols])
		outIndex[oi] = index[i]
	}
	return out, outIndex
}

// seedLabels maps labeled points onto gathered pixel rows for
// semi-supervised seeding. Pixels without a labeled point carry the
// label -1, which the clustering model ignores.
func seedLabels(ctx context.Context, g comm.Group, env *Env, shape gridio.Shape, bbox gridio.BBox, index []int) ([]float64, error) {
	v, err := comm.RunOnce(ctx, g, func() (interface{}, error) {
		return env.Points(ctx)
	})
	if err != nil {
		return nil, err
	}
	pts := v.(*target.PointSet)
	byPixel := make(map[int]float64, pts.Len())
	for i := 0; i < pts.Len(); i++ {
		row, col, ok := gridio.PixelAt(shape, bbox, pts.Lon[i], pts.Lat[i])
		if !ok {
			continue
		}
		byPixel[row*shape.Cols+col] = pts.Value[i]
	}
	labels := make([]float64, len(index))
	for i, pixel := range index {
		if class, ok := byPixel[pixel]; ok {
			labels[i] = class
		} else {
			labels[i] = -1
		}
	}
	return labels, nil
}
