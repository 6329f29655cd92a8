// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml"
	"github.com/grailbio/gridml/gridio"
	"github.com/grailbio/gridml/model"
	"github.com/grailbio/gridml/target"
)

// openSources opens every raster matching the comma-separated list of
// glob patterns.
func openSources(patterns string) []gridio.RasterSource {
	var sources []gridio.RasterSource
	for _, pattern := range strings.Split(patterns, ",") {
		paths, err := filepath.Glob(pattern)
		if err != nil {
			log.Fatalf("bad raster pattern %s: %v", pattern, err)
		}
		for _, path := range paths {
			r, err := gridio.OpenRaster(path)
			if err != nil {
				log.Fatalf("open raster %s: %v", path, err)
			}
			sources = append(sources, r)
		}
	}
	if len(sources) == 0 {
		log.Fatalf("no rasters match %s", patterns)
	}
	return sources
}

// newEnv assembles the run environment shared by all subcommands:
// rasters from the patterns, targets from a CSV file, and the model
// store and report sink under the output directory.
func newEnv(rasters, targets, field, output string) *gridml.Env {
	if err := os.MkdirAll(output, 0777); err != nil {
		log.Fatal(err)
	}
	env := &gridml.Env{
		Sources: openSources(rasters),
		Store:   &model.FileStore{Prefix: output + string(os.PathSeparator)},
		NewReport: func(ctx context.Context, name string) (io.WriteCloser, error) {
			return os.Create(filepath.Join(output, name))
		},
	}
	if targets != "" {
		env.Points = func(ctx context.Context) (*target.PointSet, error) {
			return gridio.LoadPoints(targets, field)
		}
	}
	return env
}
