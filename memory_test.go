// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridml

import (
	"bytes"
	"math"
	"strings"
	"testing"
)

func TestEstimateMemory(t *testing.T) {
	e := EstimateMemory(MemoryParams{
		Targets:       1000,
		BandPixels:    1000 * 1000,
		InputBands:    10,
		MaxInputBands: 3,
		OutputBands:   4,
		Overhead:      2,
		Partitions:    2,
		Subsample:     0.5,
	})
	// 9 bytes per pixel: float64 value plus mask byte.
	wantLearn := (3*1e6*9 + 14*1000*9) * 2 / 1e9 / 2
	wantPredict := 14 * 1e6 * 9 * 2 / 1e9 / 2
	wantCluster := 11 * 1e6 * 9 * 2 / 1e9 * 0.5
	if math.Abs(e.Learning-wantLearn) > 1e-12 {
		t.Errorf("learning: got %v, want %v", e.Learning, wantLearn)
	}
	if math.Abs(e.Prediction-wantPredict) > 1e-12 {
		t.Errorf("prediction: got %v, want %v", e.Prediction, wantPredict)
	}
	if math.Abs(e.Clustering-wantCluster) > 1e-12 {
		t.Errorf("clustering: got %v, want %v", e.Clustering, wantCluster)
	}
}

func TestEstimateMemoryDefaults(t *testing.T) {
	e := EstimateMemory(MemoryParams{
		Targets:       10,
		BandPixels:    100,
		InputBands:    1,
		MaxInputBands: 1,
		OutputBands:   1,
		Overhead:      1,
	})
	if e.Partitions != 1 || e.Subsample != 1 {
		t.Errorf("defaults not applied: %+v", e)
	}
}

func TestMemoryEstimateWrite(t *testing.T) {
	var buf bytes.Buffer
	e := EstimateMemory(MemoryParams{
		Targets: 1, BandPixels: 1, InputBands: 1, MaxInputBands: 1,
		OutputBands: 1, Overhead: 1,
	})
	if err := e.Write(&buf); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Learning", "Prediction", "Clustering", "partitions"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("report missing %q", want)
		}
	}
}
