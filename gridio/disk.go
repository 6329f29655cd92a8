// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridio

import (
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridml/feature"
)

// The flat raster format stores float64 pixel data little-endian in
// (row, col, band) order, with NaN as nodata, alongside a gob
// metadata sidecar at <path>.meta. It stands in for a geospatial
// raster library: the write path only ever touches disjoint row
// regions, so concurrent workers on one host can share the file via
// WriteAt without locking.

type rasterMeta struct {
	Dim  Shape
	Box  BBox
	Tags []string
}

func metaPath(path string) string { return path + ".meta" }

// DiskRaster is a flat-file raster source.
type DiskRaster struct {
	name string
	path string
	meta rasterMeta
	f    *os.File
}

// OpenRaster opens a flat-file raster for reading.
func OpenRaster(path string) (*DiskRaster, error) {
	mf, err := os.Open(metaPath(path))
	if err != nil {
		return nil, err
	}
	defer mf.Close()
	var meta rasterMeta
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return nil, errors.E(fmt.Sprintf("raster %s: corrupt metadata", path), err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &DiskRaster{name: path, path: path, meta: meta, f: f}, nil
}

func (r *DiskRaster) Name() string { return r.name }
func (r *DiskRaster) Shape() Shape { return r.meta.Dim }
func (r *DiskRaster) BBox() BBox   { return r.meta.Box }

// Tags returns the raster's band tags.
func (r *DiskRaster) Tags() []string { return r.meta.Tags }

// Close closes the underlying file.
func (r *DiskRaster) Close() error { return r.f.Close() }

func (r *DiskRaster) ReadRows(ctx context.Context, lo, hi int) (*feature.Chunk, error) {
	dim := r.meta.Dim
	if lo < 0 || hi > dim.Rows || lo > hi {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("raster %s: rows [%d, %d) out of range", r.path, lo, hi))
	}
	n := (hi - lo) * dim.Cols * dim.Bands
	buf := make([]byte, n*8)
	if _, err := r.f.ReadAt(buf, int64(lo*dim.Cols*dim.Bands)*8); err != nil {
		return nil, err
	}
	c := feature.NewChunk((hi-lo)*dim.Cols, dim.Bands)
	for i := 0; i < n; i++ {
		v := math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
		c.Data[i] = v
		if math.IsNaN(v) {
			c.Missing[i] = true
		}
	}
	return c, nil
}

// DiskWriter writes a flat-file raster. Multiple workers on one host
// may hold writers for the same path; their write regions are
// disjoint by construction.
type DiskWriter struct {
	path string
	meta rasterMeta
	f    *os.File
}

// NewDiskWriter creates (or opens) the flat raster file at path,
// sized for the given shape with one band per tag.
func NewDiskWriter(path string, shape Shape, bbox BBox, tags []string) (*DiskWriter, error) {
	shape.Bands = len(tags)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(shape.Pixels()*shape.Bands) * 8); err != nil {
		f.Close()
		return nil, err
	}
	return &DiskWriter{
		path: path,
		meta: rasterMeta{Dim: shape, Box: bbox, Tags: tags},
		f:    f,
	}, nil
}

func (w *DiskWriter) WriteRows(ctx context.Context, lo, hi int, bands *feature.Chunk) error {
	dim := w.meta.Dim
	if bands.Rows != (hi-lo)*dim.Cols || bands.Cols != dim.Bands {
		return errors.E(errors.Invalid, fmt.Sprintf(
			"write rows [%d, %d): got %dx%d chunk, want %dx%d",
			lo, hi, bands.Rows, bands.Cols, (hi-lo)*dim.Cols, dim.Bands))
	}
	buf := make([]byte, len(bands.Data)*8)
	for i, v := range bands.Data {
		if bands.Missing[i] {
			v = math.NaN()
		}
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	_, err := w.f.WriteAt(buf, int64(lo*dim.Cols*dim.Bands)*8)
	return err
}

func (w *DiskWriter) Close(ctx context.Context) error { return w.f.Close() }

// Finalize writes the metadata sidecar, making the raster readable.
// It is called once, by the coordinator, after all workers have
// written and closed their regions.
func (w *DiskWriter) Finalize(ctx context.Context) error {
	mf, err := os.OpenFile(metaPath(w.path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(mf).Encode(&w.meta); err != nil {
		mf.Close()
		return err
	}
	return mf.Close()
}
