// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml"
	"github.com/grailbio/gridml/comm"
)

func clusterCmd(args []string) {
	var (
		flags      = flag.NewFlagSet("cluster", flag.ExitOnError)
		name       = flags.String("name", "clusters", "run name; the model bundle is stored under it")
		rasters    = flags.String("rasters", "", "comma-separated raster path globs")
		targets    = flags.String("targets", "", "optional labeled points CSV for semi-supervised seeding")
		field      = flags.String("field", "class", "class column in the targets CSV")
		output     = flags.String("output", ".", "output directory")
		transforms = flags.String("transforms", "", "comma-separated feature transforms")
		impute     = flags.Bool("impute", false, "impute missing feature values")
		fraction   = flags.Float64("fraction", 0, "cumulative variance fraction kept by projection (0 disables)")
		seed       = flags.Int64("seed", 1, "random seed")
		subsample  = flags.Float64("s", 1, "fraction of pixels used for clustering")
		workers    = flags.Int("workers", 1, "worker count")
		opts       = modelFlags(flags)
	)
	flags.Parse(args)
	if *rasters == "" {
		log.Fatal("cluster: -rasters is required")
	}
	opts.Seed = *seed
	cfg := gridml.Config{
		Name:       *name,
		Algorithm:  "kmeans",
		Options:    *opts,
		Impute:     *impute,
		Transforms: splitList(*transforms),
		Fraction:   *fraction,
		Seed:       *seed,
		Subchunks:  1,
		Subsample:  *subsample,
	}
	env := newEnv(*rasters, *targets, *field, *output)
	err := comm.RunLocal(context.Background(), *workers, func(ctx context.Context, g comm.Group) error {
		_, err := gridml.Cluster(ctx, g, cfg, env)
		return err
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("cluster: stored model %s", *name)
}
