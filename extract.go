// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridml

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/gridml/chunk"
	"github.com/grailbio/gridml/feature"
	"github.com/grailbio/gridml/gridio"
	"github.com/grailbio/gridml/target"
)

// extractSources reads each raster source at the locations of this
// rank's share [r.Lo, r.Hi) of the point set, producing one feature
// chunk per source with one sample row per point. Points outside a
// source's bounding box become fully missing rows; per-cell nodata
// carries through the validity mask. Sources are read concurrently;
// no collectives are issued here.
func extractSources(ctx context.Context, sources []gridio.RasterSource, pts *target.PointSet, r chunk.Range) (feature.SourceSet, []int, error) {
	out := make(feature.SourceSet, len(sources))
	err := traverse.Each(len(sources), func(j int) error {
		src := sources[j]
		shape, bbox := src.Shape(), src.BBox()
		c := feature.NewChunk(r.Len(), shape.Bands)
		cachedRow := -1
		var cached *feature.Chunk
		for i := r.Lo; i < r.Hi; i++ {
			oi := i - r.Lo
			row, col, ok := gridio.PixelAt(shape, bbox, pts.Lon[i], pts.Lat[i])
			if !ok {
				for b := 0; b < shape.Bands; b++ {
					c.SetMissing(oi, b)
				}
				continue
			}
			// Points are sorted by latitude, so row accesses are
			// monotone and a one-row cache avoids rereads.
			if row != cachedRow {
				var err error
				cached, err = src.ReadRows(ctx, row, row+1)
				if err != nil {
					return errors.E(fmt.Sprintf("extract %s", src.Name()), err)
				}
				cachedRow = row
			}
			for b := 0; b < shape.Bands; b++ {
				if cached.IsMissing(col, b) {
					c.SetMissing(oi, b)
				} else {
					c.Set(oi, b, cached.At(col, b))
				}
			}
		}
		out[j] = feature.Source{Name: src.Name(), Chunk: c}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	index := make([]int, r.Len())
	for i := range index {
		index[i] = r.Lo + i
	}
	return out, index, nil
}
