// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml"
	"github.com/grailbio/gridml/gridio"
	"github.com/grailbio/gridml/model"
)

func memoryCmd(args []string) {
	var (
		flags     = flag.NewFlagSet("memory", flag.ExitOnError)
		algorithm = flags.String("algorithm", "ordinary", "model algorithm")
		rasters   = flags.String("rasters", "", "comma-separated raster path globs")
		targets   = flags.String("targets", "", "point observations CSV path")
		field     = flags.String("field", "value", "observation column in the targets CSV")
		overhead  = flags.Float64("overhead", 2, "memory overhead multiplier")
		partition = flags.Int("p", 1, "partitions per worker")
		subsample = flags.Float64("s", 1, "fraction of pixels used for clustering")
	)
	flags.Parse(args)
	if *rasters == "" || *targets == "" {
		log.Fatal("memory: -rasters and -targets are required")
	}
	m, err := model.New(*algorithm, model.Options{})
	if err != nil {
		log.Fatal(err)
	}
	pts, err := gridio.LoadPoints(*targets, *field)
	if err != nil {
		log.Fatal(err)
	}
	var inputBands, maxInputBands int
	sources := openSources(*rasters)
	for _, src := range sources {
		bands := src.Shape().Bands
		inputBands += bands
		if bands > maxInputBands {
			maxInputBands = bands
		}
	}
	e := gridml.EstimateMemory(gridml.MemoryParams{
		Targets:       pts.Len(),
		BandPixels:    sources[0].Shape().Pixels(),
		InputBands:    inputBands,
		MaxInputBands: maxInputBands,
		OutputBands:   len(m.Tags()),
		Overhead:      *overhead,
		Partitions:    *partition,
		Subsample:     *subsample,
	})
	if err := e.Write(os.Stdout); err != nil {
		log.Fatal(err)
	}
}
