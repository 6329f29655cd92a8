// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridio

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridml/feature"
)

// MemRaster is an in-memory raster source, used by tests and as the
// reference ReadRows implementation.
type MemRaster struct {
	RasterName string
	Dim        Shape
	Box        BBox
	// Data holds pixel values in (row, col, band) order; Missing
	// marks nodata cells.
	Data    []float64
	Missing []bool
}

// NewMemRaster returns an all-valid, zero-filled in-memory raster.
func NewMemRaster(name string, shape Shape, bbox BBox) *MemRaster {
	return &MemRaster{
		RasterName: name,
		Dim:        shape,
		Box:        bbox,
		Data:       make([]float64, shape.Pixels()*shape.Bands),
		Missing:    make([]bool, shape.Pixels()*shape.Bands),
	}
}

func (m *MemRaster) Name() string { return m.RasterName }
func (m *MemRaster) Shape() Shape { return m.Dim }
func (m *MemRaster) BBox() BBox   { return m.Box }

// Set sets band b of pixel (row, col).
func (m *MemRaster) Set(row, col, b int, v float64) {
	m.Data[(row*m.Dim.Cols+col)*m.Dim.Bands+b] = v
}

// SetMissing marks band b of pixel (row, col) as nodata.
func (m *MemRaster) SetMissing(row, col, b int) {
	m.Missing[(row*m.Dim.Cols+col)*m.Dim.Bands+b] = true
}

func (m *MemRaster) ReadRows(ctx context.Context, lo, hi int) (*feature.Chunk, error) {
	if lo < 0 || hi > m.Dim.Rows || lo > hi {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("raster %s: rows [%d, %d) out of range", m.RasterName, lo, hi))
	}
	rows := (hi - lo) * m.Dim.Cols
	c := feature.NewChunk(rows, m.Dim.Bands)
	base := lo * m.Dim.Cols * m.Dim.Bands
	copy(c.Data, m.Data[base:base+rows*m.Dim.Bands])
	copy(c.Missing, m.Missing[base:base+rows*m.Dim.Bands])
	return c, nil
}

// MemWriter is an in-memory raster writer shared by the workers of an
// in-process group.
type MemWriter struct {
	Dim  Shape
	Box  BBox
	Tags []string

	mu        sync.Mutex
	Data      []float64
	Missing   []bool
	finalized bool
}

// NewMemWriter returns an in-memory writer for a raster of the given
// pixel shape with one band per tag.
func NewMemWriter(shape Shape, bbox BBox, tags []string) *MemWriter {
	shape.Bands = len(tags)
	return &MemWriter{
		Dim:     shape,
		Box:     bbox,
		Tags:    tags,
		Data:    make([]float64, shape.Pixels()*shape.Bands),
		Missing: make([]bool, shape.Pixels()*shape.Bands),
	}
}

func (w *MemWriter) WriteRows(ctx context.Context, lo, hi int, bands *feature.Chunk) error {
	if bands.Rows != (hi-lo)*w.Dim.Cols || bands.Cols != w.Dim.Bands {
		return errors.E(errors.Invalid, fmt.Sprintf(
			"write rows [%d, %d): got %dx%d chunk, want %dx%d",
			lo, hi, bands.Rows, bands.Cols, (hi-lo)*w.Dim.Cols, w.Dim.Bands))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return errors.E(errors.Precondition, "write after finalize")
	}
	base := lo * w.Dim.Cols * w.Dim.Bands
	copy(w.Data[base:], bands.Data)
	copy(w.Missing[base:], bands.Missing)
	return nil
}

func (w *MemWriter) Close(ctx context.Context) error { return nil }

func (w *MemWriter) Finalize(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return errors.E(errors.Exists, "raster already finalized")
	}
	w.finalized = true
	return nil
}

// Finalized reports whether Finalize has been called.
func (w *MemWriter) Finalized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalized
}
