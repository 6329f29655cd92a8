// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridml_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridml"
	"github.com/grailbio/gridml/comm"
	"github.com/grailbio/gridml/gridio"
	"github.com/grailbio/gridml/gridtest"
	"github.com/grailbio/gridml/model"
	"github.com/grailbio/gridml/target"
	"github.com/grailbio/gridml/validate"
	"gonum.org/v1/gonum/mat"
)

func matFromValues(vs ...float64) *mat.Dense { return mat.NewDense(len(vs), 1, vs) }

var (
	pipeShape = gridio.Shape{Rows: 20, Cols: 5, Bands: 1}
	pipeBBox  = gridio.BBox{MinLon: 0, MinLat: 0, MaxLon: 5, MaxLat: 20}
)

// pipeFixture builds two single-band rasters and a point set observed
// at pixel centers with value 1 + 2a + 3b, so that a linear model can
// recover the observation exactly.
func pipeFixture(t *testing.T, n int) (sources []gridio.RasterSource, pts *target.PointSet) {
	t.Helper()
	a := gridtest.Raster("a", pipeShape, pipeBBox)
	b := gridtest.Raster("b", pipeShape, pipeBBox)
	rng := rand.New(rand.NewSource(99))
	lon := make([]float64, n)
	lat := make([]float64, n)
	value := make([]float64, n)
	for i := 0; i < n; i++ {
		row, col := rng.Intn(pipeShape.Rows), rng.Intn(pipeShape.Cols)
		lon[i] = float64(col) + 0.5
		lat[i] = float64(row) + 0.5
		pix := row*pipeShape.Cols + col
		value[i] = 1 + 2*a.Data[pix] + 3*b.Data[pix]
	}
	pts, err := target.New(lon, lat, value)
	if err != nil {
		t.Fatal(err)
	}
	return []gridio.RasterSource{a, b}, pts
}

// reportSink captures coordinator-written reports in memory.
type reportSink struct {
	mu      sync.Mutex
	reports map[string]*bytes.Buffer
}

func newReportSink() *reportSink {
	return &reportSink{reports: make(map[string]*bytes.Buffer)}
}

func (s *reportSink) open(ctx context.Context, name string) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := &bytes.Buffer{}
	s.reports[name] = buf
	return nopWriteCloser{buf}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func learnConfig() gridml.Config {
	return gridml.Config{
		Name:          "test",
		Algorithm:     "regression-linear",
		Transforms:    []string{"standardise"},
		Folds:         5,
		Seed:          42,
		CrossValidate: true,
		RankFeatures:  true,
		Subchunks:     2,
	}
}

func TestLearnPredict(t *testing.T) {
	sources, pts := pipeFixture(t, 40)
	store := model.NewMemoryStore()
	sink := newReportSink()
	env := &gridml.Env{
		Sources:   sources,
		Points:    func(ctx context.Context) (*target.PointSet, error) { return pts, nil },
		Store:     store,
		NewReport: sink.open,
	}

	var mu sync.Mutex
	results := make(map[int]*validate.Result)
	gridtest.Run(t, 3, func(ctx context.Context, g comm.Group) error {
		bundle, result, err := gridml.Learn(ctx, g, learnConfig(), env)
		if err != nil {
			return err
		}
		if bundle.Algorithm != "regression-linear" {
			t.Errorf("bundle algorithm %q", bundle.Algorithm)
		}
		mu.Lock()
		results[g.Rank()] = result
		mu.Unlock()
		return nil
	})
	for rank, result := range results {
		if got := len(result.Folds); got != 5 {
			t.Fatalf("rank %d: %d folds, want 5", rank, got)
		}
		if result.Scores["mse"] > 1e-10 {
			t.Errorf("rank %d: mse %v on exactly linear data", rank, result.Scores["mse"])
		}
	}

	// The coordinator wrote the ranks, scores, and targets reports.
	for _, name := range []string{"test.ranks.json", "test.scores.json", "test.targets.csv"} {
		if sink.reports[name] == nil {
			t.Errorf("report %s not written", name)
		}
	}
	var ranks struct {
		Ranks map[string][]struct {
			Source string `json:"source"`
		} `json:"ranks"`
	}
	if err := json.Unmarshal(sink.reports["test.ranks.json"].Bytes(), &ranks); err != nil {
		t.Fatal(err)
	}
	if got := len(ranks.Ranks["mse"]); got != 2 {
		t.Errorf("ranked %d sources, want 2", got)
	}

	// Prediction with the stored bundle reproduces 1 + 2a + 3b over
	// the full raster.
	w := gridio.NewMemWriter(pipeShape, pipeBBox, []string{"prediction"})
	env.NewWriter = func(ctx context.Context, shape gridio.Shape, bbox gridio.BBox, tags []string) (gridio.RasterWriter, error) {
		return w, nil
	}
	gridtest.Run(t, 3, func(ctx context.Context, g comm.Group) error {
		return gridml.Predict(ctx, g, gridml.Config{Name: "test", Subchunks: 2}, env)
	})
	if !w.Finalized() {
		t.Fatal("output raster not finalized")
	}
	a := sources[0].(*gridio.MemRaster)
	b := sources[1].(*gridio.MemRaster)
	for pix := 0; pix < pipeShape.Pixels(); pix++ {
		want := 1 + 2*a.Data[pix] + 3*b.Data[pix]
		if w.Missing[pix] {
			t.Fatalf("pixel %d missing", pix)
		}
		if math.Abs(w.Data[pix]-want) > 1e-6 {
			t.Fatalf("pixel %d: got %v, want %v", pix, w.Data[pix], want)
		}
	}
}

func TestPredictMissingBundle(t *testing.T) {
	sources, _ := pipeFixture(t, 4)
	env := &gridml.Env{Sources: sources, Store: model.NewMemoryStore()}
	ctx := context.Background()
	err := comm.RunLocal(ctx, 2, func(ctx context.Context, g comm.Group) error {
		return gridml.Predict(ctx, g, gridml.Config{Name: "absent", Subchunks: 1}, env)
	})
	if err == nil || !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLearnUnknownAlgorithm(t *testing.T) {
	sources, pts := pipeFixture(t, 10)
	env := &gridml.Env{
		Sources: sources,
		Points:  func(ctx context.Context) (*target.PointSet, error) { return pts, nil },
		Store:   model.NewMemoryStore(),
	}
	cfg := learnConfig()
	cfg.Algorithm = "mystery"
	ctx := context.Background()
	err := comm.RunLocal(ctx, 2, func(ctx context.Context, g comm.Group) error {
		_, _, err := gridml.Learn(ctx, g, cfg, env)
		return err
	})
	if err == nil || !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid config error, got %v", err)
	}
}

func TestCluster(t *testing.T) {
	// A single-band raster with two well-separated pixel populations.
	r := gridio.NewMemRaster("x", pipeShape, pipeBBox)
	for pix := 0; pix < pipeShape.Pixels(); pix++ {
		if pix%2 == 0 {
			r.Data[pix] = 100 + float64(pix%7)
		} else {
			r.Data[pix] = float64(pix % 7)
		}
	}
	store := model.NewMemoryStore()
	env := &gridml.Env{Sources: []gridio.RasterSource{r}, Store: store}
	cfg := gridml.Config{
		Name:      "clusters",
		Algorithm: "kmeans",
		Options:   model.Options{Clusters: 2, Seed: 7},
		Seed:      7,
		Subchunks: 1,
	}
	var bundle *model.Bundle
	var mu sync.Mutex
	gridtest.Run(t, 2, func(ctx context.Context, g comm.Group) error {
		b, err := gridml.Cluster(ctx, g, cfg, env)
		if err != nil {
			return err
		}
		mu.Lock()
		if g.Rank() == 0 {
			bundle = b
		}
		mu.Unlock()
		return nil
	})
	ctx := context.Background()
	if _, err := store.Open(ctx, "clusters"); err != nil {
		t.Fatalf("bundle not persisted: %v", err)
	}
	// The two populations land in different clusters.
	low, err := bundle.Predictor.Predict(ctx, matFromValues(1))
	if err != nil {
		t.Fatal(err)
	}
	high, err := bundle.Predictor.Predict(ctx, matFromValues(101))
	if err != nil {
		t.Fatal(err)
	}
	if low[0] == high[0] {
		t.Error("separable pixel populations clustered together")
	}
}

func TestClusterSubsample(t *testing.T) {
	r := gridtest.Raster("x", pipeShape, pipeBBox)
	env := &gridml.Env{Sources: []gridio.RasterSource{r}, Store: model.NewMemoryStore()}
	cfg := gridml.Config{
		Name:      "sub",
		Algorithm: "kmeans",
		Options:   model.Options{Clusters: 3, Seed: 1},
		Seed:      1,
		Subchunks: 1,
		Subsample: 0.5,
	}
	gridtest.Run(t, 2, func(ctx context.Context, g comm.Group) error {
		_, err := gridml.Cluster(ctx, g, cfg, env)
		return err
	})
}
