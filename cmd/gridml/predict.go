// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"path/filepath"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml"
	"github.com/grailbio/gridml/comm"
	"github.com/grailbio/gridml/gridio"
)

func predictCmd(args []string) {
	var (
		flags     = flag.NewFlagSet("predict", flag.ExitOnError)
		name      = flags.String("name", "model", "stored model name")
		rasters   = flags.String("rasters", "", "comma-separated raster path globs")
		output    = flags.String("output", ".", "output directory")
		interval  = flags.Float64("interval", 0, "confidence level for uncertainty bands (0 disables)")
		workers   = flags.Int("workers", 1, "worker count")
		subchunks = flags.Int("p", 1, "partitions per worker")
	)
	flags.Parse(args)
	if *rasters == "" {
		log.Fatal("predict: -rasters is required")
	}
	cfg := gridml.Config{
		Name:      *name,
		Subchunks: *subchunks,
		Interval:  *interval,
	}
	env := newEnv(*rasters, "", "", *output)
	out := filepath.Join(*output, *name+".pred")

	// Every worker holds its own handle on the shared output file;
	// their write regions are disjoint by construction.
	env.NewWriter = func(ctx context.Context, shape gridio.Shape, bbox gridio.BBox, tags []string) (gridio.RasterWriter, error) {
		return gridio.NewDiskWriter(out, shape, bbox, tags)
	}
	err := comm.RunLocal(context.Background(), *workers, func(ctx context.Context, g comm.Group) error {
		return gridml.Predict(ctx, g, cfg, env)
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("predict: wrote %s", out)
}
