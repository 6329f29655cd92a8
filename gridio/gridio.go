// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gridio defines the I/O boundary of the gridml pipeline:
// raster sources read covariate bands by pixel-row range, raster
// writers accept predictions into disjoint row regions, and point
// sources load observations. The pipeline depends only on these
// contracts; the implementations here (in-memory rasters for tests,
// a flat on-disk raster format, CSV point sets) are reference
// collaborators.
package gridio

import (
	"context"

	"github.com/grailbio/gridml/feature"
)

// Shape is a raster's dimensions: Rows x Cols pixels of Bands bands.
type Shape struct {
	Rows, Cols, Bands int
}

// Pixels returns the pixel count of the raster.
func (s Shape) Pixels() int { return s.Rows * s.Cols }

// BBox is a raster's geographic bounding box. Pixel (0, 0) is the
// (MinLon, MinLat) corner; pixel rows advance along latitude.
type BBox struct {
	MinLon, MinLat float64
	MaxLon, MaxLat float64
}

// A RasterSource provides read access to one covariate raster. Band
// ordering and shape metadata are identical regardless of caller, so
// that every worker derives the same view.
type RasterSource interface {
	// Name returns the source's stable name; sources are ordered by
	// name throughout the pipeline.
	Name() string
	Shape() Shape
	BBox() BBox
	// ReadRows returns the pixels of raster rows [lo, hi) as a
	// feature chunk of (hi-lo)*Cols sample rows by Bands columns,
	// with nodata cells masked missing.
	ReadRows(ctx context.Context, lo, hi int) (*feature.Chunk, error)
}

// A RasterWriter accepts prediction bands into a shared output
// raster. Writers tolerate concurrent WriteRows calls for disjoint
// row regions; region disjointness is guaranteed by the deterministic
// partition map, not by locking.
type RasterWriter interface {
	// WriteRows writes the given bands into raster rows [lo, hi).
	// The chunk has (hi-lo)*Cols sample rows; missing cells are
	// recorded as nodata.
	WriteRows(ctx context.Context, lo, hi int, bands *feature.Chunk) error
	// Close releases this writer's handle. Each worker closes its
	// own handle after rendering.
	Close(ctx context.Context) error
	// Finalize completes the raster; it is called exactly once, by
	// the coordinator, after all workers are done.
	Finalize(ctx context.Context) error
}

// PixelAt maps a coordinate to its raster (row, col), reporting
// whether the coordinate falls inside the bounding box.
func PixelAt(shape Shape, bbox BBox, lon, lat float64) (row, col int, ok bool) {
	if lon < bbox.MinLon || lon > bbox.MaxLon || lat < bbox.MinLat || lat > bbox.MaxLat {
		return 0, 0, false
	}
	row = int((lat - bbox.MinLat) / (bbox.MaxLat - bbox.MinLat) * float64(shape.Rows))
	col = int((lon - bbox.MinLon) / (bbox.MaxLon - bbox.MinLon) * float64(shape.Cols))
	if row >= shape.Rows {
		row = shape.Rows - 1
	}
	if col >= shape.Cols {
		col = shape.Cols - 1
	}
	return row, col, true
}
