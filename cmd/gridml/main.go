// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Gridml is the command line front end for the gridml pipeline. It
// runs the pipeline SPMD-style over a group of in-process workers;
// all of the heavy lifting is done by the gridml package.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Gridml learns geospatial models from raster covariates and point
observations, and renders model predictions onto rasters.

Usage:

	gridml <command> [arguments]

The commands are:

	learn     train a model from rasters and point observations
	predict   render a trained model's predictions onto a raster
	cluster   cluster raster pixels without observations
	memory    estimate per-worker memory usage

Use gridml <command> -h for details.
`)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("gridml: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "learn":
		learnCmd(args)
	case "predict":
		predictCmd(args)
	case "cluster":
		clusterCmd(args)
	case "memory":
		memoryCmd(args)
	}
}
