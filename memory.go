// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridml

import (
	"fmt"
	"io"
)

// bytesPerPixel is the in-memory cost of one raster cell: a float64
// value plus its validity-mask byte.
const bytesPerPixel = 8 + 1

// A MemoryEstimate predicts peak per-worker memory for each pipeline
// stage, in gigabytes. It is a pure calculation over raster and run
// geometry; nothing is measured.
type MemoryEstimate struct {
	Learning   float64
	Prediction float64
	Clustering float64

	Partitions int
	Subsample  float64
}

// MemoryParams describes the run whose memory is being estimated.
type MemoryParams struct {
	// Targets is the point observation count.
	Targets int
	// BandPixels is the pixel count of one raster band.
	BandPixels int
	// InputBands is the total band count across all sources;
	// MaxInputBands the largest single source's band count.
	InputBands    int
	MaxInputBands int
	// OutputBands is the output band count of the selected model.
	OutputBands int
	// Overhead is a safety multiplier on all estimates.
	Overhead float64
	// Partitions is the sub-chunk count per worker.
	Partitions int
	// Subsample is the clustering subsample fraction.
	Subsample float64
}

// EstimateMemory computes per-stage peak memory estimates. Learning
// covers extraction (the largest single source held in full) plus the
// gathered dataset; prediction covers one partition of all input and
// output bands; clustering covers the subsampled composed pixels.
func EstimateMemory(p MemoryParams) MemoryEstimate {
	if p.Partitions < 1 {
		p.Partitions = 1
	}
	if p.Subsample <= 0 || p.Subsample > 1 {
		p.Subsample = 1
	}
	extract := float64(p.MaxInputBands) * float64(p.BandPixels) * bytesPerPixel
	gathered := float64(p.InputBands+p.OutputBands) * float64(p.Targets) * bytesPerPixel
	predict := float64(p.InputBands+p.OutputBands) * float64(p.BandPixels) * bytesPerPixel
	cluster := float64(p.InputBands+1) * float64(p.BandPixels) * bytesPerPixel
	return MemoryEstimate{
		Learning:   (extract + gathered) * p.Overhead / 1e9 / float64(p.Partitions),
		Prediction: predict * p.Overhead / 1e9 / float64(p.Partitions),
		Clustering: cluster * p.Overhead / 1e9 * p.Subsample,
		Partitions: p.Partitions,
		Subsample:  p.Subsample,
	}
}

// Write renders the estimate as an operator-facing report.
func (e MemoryEstimate) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"Maximum memory usage estimates with %d partitions and %v cluster subsampling:\n\n"+
			"Learning:   %2.2fGB\n"+
			"Prediction: %2.2fGB\n"+
			"Clustering: %2.2fGB\n\n"+
			"Use more partitions to decrease memory usage for learning and prediction.\n"+
			"Use a lower subsampling fraction to decrease memory usage for clustering.\n",
		e.Partitions, e.Subsample, e.Learning, e.Prediction, e.Clustering)
	return err
}
