// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml"
	"github.com/grailbio/gridml/comm"
	"github.com/grailbio/gridml/model"
)

// modelFlags registers the flags shared by model-building commands
// and returns the assembled options.
func modelFlags(flags *flag.FlagSet) *model.Options {
	opts := new(model.Options)
	flags.Float64Var(&opts.Sill, "sill", 1, "kriging partial sill")
	flags.Float64Var(&opts.Range, "range", 1, "kriging range")
	flags.Float64Var(&opts.Nugget, "nugget", 0, "kriging nugget")
	flags.IntVar(&opts.Clusters, "k", 2, "number of clusters")
	flags.IntVar(&opts.MaxIter, "maxiter", 0, "maximum clustering iterations (0 for default)")
	return opts
}

func learnCmd(args []string) {
	var (
		flags      = flag.NewFlagSet("learn", flag.ExitOnError)
		name       = flags.String("name", "model", "run name; the model bundle and reports are stored under it")
		algorithm  = flags.String("algorithm", "ordinary", "model algorithm")
		rasters    = flags.String("rasters", "", "comma-separated raster path globs")
		targets    = flags.String("targets", "", "point observations CSV path")
		field      = flags.String("field", "value", "observation column in the targets CSV")
		output     = flags.String("output", ".", "output directory")
		transforms = flags.String("transforms", "", "comma-separated feature transforms")
		impute     = flags.Bool("impute", false, "impute missing feature values")
		fraction   = flags.Float64("fraction", 0, "cumulative variance fraction kept by projection (0 disables)")
		folds      = flags.Int("folds", 5, "cross-validation fold count")
		seed       = flags.Int64("seed", 1, "random seed")
		crossval   = flags.Bool("crossval", false, "cross-validate and write a scores report")
		rank       = flags.Bool("rank", false, "rank feature sources and write a ranks report")
		workers    = flags.Int("workers", 1, "worker count")
		subchunks  = flags.Int("p", 1, "partitions per worker")
		opts       = modelFlags(flags)
	)
	flags.Parse(args)
	if *rasters == "" || *targets == "" {
		log.Fatal("learn: -rasters and -targets are required")
	}
	opts.Seed = *seed
	cfg := gridml.Config{
		Name:          *name,
		Algorithm:     *algorithm,
		Options:       *opts,
		Impute:        *impute,
		Transforms:    splitList(*transforms),
		Fraction:      *fraction,
		Folds:         *folds,
		Seed:          *seed,
		CrossValidate: *crossval,
		RankFeatures:  *rank,
		Subchunks:     *subchunks,
	}
	env := newEnv(*rasters, *targets, *field, *output)
	err := comm.RunLocal(context.Background(), *workers, func(ctx context.Context, g comm.Group) error {
		_, _, err := gridml.Learn(ctx, g, cfg, env)
		return err
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("learn: stored model %s", *name)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
