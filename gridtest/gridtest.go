// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gridtest provides utilities for testing gridml pipelines.
// The utilities here are strictly intended for unit testing: fixtures
// are small, in-memory, and deterministic.
package gridtest

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/gridml/comm"
	"github.com/grailbio/gridml/gridio"
)

// Run runs fn SPMD-style over an in-process group of n workers and
// reports any worker error as fatal to t. It is the standard harness
// for testing code that issues collective calls.
func Run(t *testing.T, n int, fn func(ctx context.Context, g comm.Group) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := comm.RunLocal(ctx, n, fn); err != nil {
		t.Fatal(err)
	}
}

// Raster returns a deterministic pseudo-random in-memory raster with
// the given name and geometry. Values are drawn from a unit normal
// seeded by the name, so distinct rasters are distinct but rebuilding
// one is reproducible.
func Raster(name string, shape gridio.Shape, bbox gridio.BBox) *gridio.MemRaster {
	var seed int64
	for _, c := range name {
		seed = seed*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(seed))
	r := gridio.NewMemRaster(name, shape, bbox)
	for i := range r.Data {
		r.Data[i] = rng.NormFloat64()
	}
	return r
}

// PointsCSV renders a point set as the CSV format accepted by
// gridio.ReadPoints, with the observation under the given field name.
// Values are written at full precision so they round-trip through the
// CSV parser exactly.
func PointsCSV(field string, lon, lat, value []float64) string {
	var b strings.Builder
	b.WriteString("lon,lat," + field + "\n")
	for i := range lon {
		b.WriteString(floatField(lon[i]) + "," + floatField(lat[i]) + "," + floatField(value[i]) + "\n")
	}
	return b.String()
}

func floatField(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
