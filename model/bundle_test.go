// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package model

import (
	"bytes"
	"context"
	"encoding/gob"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridml/feature"
	"github.com/grailbio/gridml/gridio"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"gonum.org/v1/gonum/mat"
)

func testBundle(t *testing.T) *Bundle {
	t.Helper()
	ctx := context.Background()
	x := mat.NewDense(4, 2, []float64{0, 0, 0, 1, 1, 0, 1, 1})
	y := []float64{1, 2, 3, 4}
	m, err := New("regression-linear", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Fit(ctx, x, y); err != nil {
		t.Fatal(err)
	}
	return &Bundle{
		Algorithm: "regression-linear",
		Predictor: m,
		Compose: &feature.State{
			Impute:     true,
			Transforms: []string{"standardise"},
			Cols:       2,
			Fill:       []float64{0.5, 0.5},
			Mean:       []float64{0.5, 0.5},
			Std:        []float64{1, 1},
		},
		Shape: gridio.Shape{Rows: 10, Cols: 20, Bands: 1},
		BBox:  gridio.BBox{MinLon: 0, MinLat: 0, MaxLon: 2, MaxLat: 1},
	}
}

func TestBundleRoundTrip(t *testing.T) {
	b := testBundle(t)
	var buf bytes.Buffer
	if err := b.Write(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := ReadBundle(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Algorithm != b.Algorithm {
		t.Errorf("algorithm: got %q, want %q", got.Algorithm, b.Algorithm)
	}
	if !reflect.DeepEqual(got.Compose, b.Compose) {
		t.Errorf("compose state changed across serialization")
	}
	if got.Shape != b.Shape || got.BBox != b.BBox {
		t.Errorf("raster geometry changed across serialization")
	}
	ctx := context.Background()
	x := mat.NewDense(1, 2, []float64{0.5, 0.5})
	want, err := b.Predictor.Predict(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	have, err := got.Predictor.Predict(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(have, want) {
		t.Errorf("restored predictor disagrees: got %v, want %v", have, want)
	}
}

func TestBundleUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&envelope{Version: 99}); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadBundle(&buf); err == nil || !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid-version error, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.Open(ctx, "missing"); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	w, err := store.Create(ctx, "model")
	if err != nil {
		t.Fatal(err)
	}
	if err := testBundle(t).Write(w); err != nil {
		t.Fatal(err)
	}
	// Until Close, the bundle is not visible.
	if _, err := store.Open(ctx, "model"); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not-exist error before close, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := store.Open(ctx, "model")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := ReadBundle(r); err != nil {
		t.Fatal(err)
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	store := &FileStore{Prefix: filepath.Join(dir, "models") + "/"}
	w, err := store.Create(ctx, "model")
	assert.NoError(t, err)
	assert.NoError(t, testBundle(t).Write(w))
	assert.NoError(t, w.Close())
	r, err := store.Open(ctx, "model")
	assert.NoError(t, err)
	defer r.Close()
	got, err := ReadBundle(r)
	assert.NoError(t, err)
	assert.EQ(t, got.Algorithm, "regression-linear")
}
