// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package feature

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridml/chunk"
	"github.com/grailbio/gridml/comm"
	"gonum.org/v1/gonum/mat"
)

// testChunk builds a deterministic chunk with a sprinkling of
// missing cells.
func testChunk(rows, cols int, seed int64) *Chunk {
	r := rand.New(rand.NewSource(seed))
	c := NewChunk(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			c.Set(i, j, r.Float64()*10)
			if r.Intn(13) == 0 {
				c.SetMissing(i, j)
			}
		}
	}
	return c
}

func sliceChunk(c *Chunk, r chunk.Range) *Chunk {
	out := NewChunk(r.Len(), c.Cols)
	copy(out.Data, c.Data[r.Lo*c.Cols:r.Hi*c.Cols])
	copy(out.Missing, c.Missing[r.Lo*c.Cols:r.Hi*c.Cols])
	return out
}

func composeGlobal(t *testing.T, workers int, full *Chunk, composer *Composer) (*Dataset, *State) {
	t.Helper()
	type result struct {
		ds    *Dataset
		state *State
	}
	results := make([]result, workers)
	err := comm.RunLocal(context.Background(), workers, func(ctx context.Context, g comm.Group) error {
		r := chunk.Of(full.Rows, g.Size(), g.Rank())
		local := sliceChunk(full, r)
		index := make([]int, r.Len())
		for i := range index {
			index[i] = r.Lo + i
		}
		composed, state, err := composer.Compose(ctx, g, local)
		if err != nil {
			return err
		}
		ds, err := GatherComposed(ctx, g, composed, index)
		if err != nil {
			return err
		}
		results[g.Rank()] = result{ds, state}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	// Every worker must hold identical state and dataset.
	for rank := 1; rank < workers; rank++ {
		if !reflect.DeepEqual(results[rank].state, results[0].state) {
			t.Fatalf("rank %d state differs from rank 0", rank)
		}
		if !reflect.DeepEqual(results[rank].ds.Index, results[0].ds.Index) {
			t.Fatalf("rank %d dataset index differs from rank 0", rank)
		}
		if !mat.EqualApprox(results[rank].ds.X, results[0].ds.X, 0) {
			t.Fatalf("rank %d dataset differs from rank 0", rank)
		}
	}
	return results[0].ds, results[0].state
}

func TestComposePartitionInvariance(t *testing.T) {
	full := testChunk(97, 4, 1)
	var reference *Dataset
	for _, workers := range []int{1, 2, 4, 8} {
		composer, err := NewComposer(true, []string{TransformStandardise}, 0)
		if err != nil {
			t.Fatal(err)
		}
		ds, _ := composeGlobal(t, workers, full, composer)
		if reference == nil {
			reference = ds
			continue
		}
		if !reflect.DeepEqual(ds.Index, reference.Index) {
			t.Fatalf("%d workers: index differs from single-worker run", workers)
		}
		if !mat.EqualApprox(ds.X, reference.X, 1e-12) {
			t.Fatalf("%d workers: dataset differs from single-worker run", workers)
		}
	}
}

func TestComposeRowAccounting(t *testing.T) {
	// Summed local row counts must equal the gathered dataset's row
	// count for any partitioning.
	full := testChunk(60, 3, 2)
	composer, err := NewComposer(false, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	valid := 0
	for i := 0; i < full.Rows; i++ {
		if !full.RowMissing(i) {
			valid++
		}
	}
	for _, workers := range []int{1, 2, 4, 8} {
		ds, _ := composeGlobal(t, workers, full, composer)
		if got := ds.Rows(); got != valid {
			t.Fatalf("%d workers: got %d rows, want %d", workers, got, valid)
		}
	}
}

func TestComposeRoundTrip(t *testing.T) {
	// Applying the stored state to the same raw input must reproduce
	// the training-time composition exactly, including projection.
	full := testChunk(80, 5, 3)
	composer, err := NewComposer(true, []string{TransformLog, TransformStandardise}, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	err = comm.RunLocal(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
		r := chunk.Of(full.Rows, g.Size(), g.Rank())
		local := sliceChunk(full, r)
		composed, state, err := composer.Compose(ctx, g, local)
		if err != nil {
			return err
		}
		replayed, err := Apply(state, local)
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(replayed, composed) {
			return fmt.Errorf("rank %d: stored-state application differs from training composition", g.Rank())
		}
		if state.Keep == 0 || state.Keep > 5 {
			return fmt.Errorf("unexpected kept components %d", state.Keep)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestComposeProjectionReduces(t *testing.T) {
	// Columns 2..4 are near-copies of column 0; a 0.99 variance
	// fraction should keep fewer than 5 components.
	full := NewChunk(200, 5)
	r := rand.New(rand.NewSource(4))
	for i := 0; i < 200; i++ {
		a, b := r.NormFloat64(), r.NormFloat64()
		full.Set(i, 0, a)
		full.Set(i, 1, b)
		full.Set(i, 2, a+1e-6*r.NormFloat64())
		full.Set(i, 3, a+1e-6*r.NormFloat64())
		full.Set(i, 4, b+1e-6*r.NormFloat64())
	}
	composer, err := NewComposer(true, nil, 0.99)
	if err != nil {
		t.Fatal(err)
	}
	ds, state := composeGlobal(t, 2, full, composer)
	if state.Keep >= 5 {
		t.Fatalf("projection kept %d components, want < 5", state.Keep)
	}
	if _, cols := ds.X.Dims(); cols != state.Keep {
		t.Fatalf("dataset has %d columns, want %d", cols, state.Keep)
	}
}

func TestComposeStandardises(t *testing.T) {
	full := testChunk(120, 3, 5)
	composer, err := NewComposer(true, []string{TransformStandardise}, 0)
	if err != nil {
		t.Fatal(err)
	}
	ds, _ := composeGlobal(t, 3, full, composer)
	rows, cols := ds.X.Dims()
	for j := 0; j < cols; j++ {
		var sum float64
		for i := 0; i < rows; i++ {
			sum += ds.X.At(i, j)
		}
		if mean := sum / float64(rows); math.Abs(mean) > 1e-9 {
			t.Errorf("column %d mean %v after standardise", j, mean)
		}
	}
}

func TestNewComposerUnknownTransform(t *testing.T) {
	_, err := NewComposer(true, []string{"boxcox"}, 0)
	if err == nil {
		t.Fatal("expected error for unknown transform")
	}
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid config error, got %v", err)
	}
}

func TestGatherComposedEmpty(t *testing.T) {
	full := NewChunk(10, 2)
	for i := 0; i < 10; i++ {
		full.SetMissing(i, 0)
	}
	composer, err := NewComposer(false, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = comm.RunLocal(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
		r := chunk.Of(full.Rows, g.Size(), g.Rank())
		local := sliceChunk(full, r)
		index := make([]int, r.Len())
		composed, _, err := composer.Compose(ctx, g, local)
		if err != nil {
			return err
		}
		_, err = GatherComposed(ctx, g, composed, index)
		return err
	})
	if err == nil {
		t.Fatal("expected empty dataset error")
	}
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestGatherComposedAbsentSource(t *testing.T) {
	// A worker with an absent (nil) composed chunk participates in
	// the gather and contributes zero rows.
	full := testChunk(30, 2, 6)
	composer, err := NewComposer(true, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = comm.RunLocal(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
		var (
			local *Chunk
			index []int
		)
		if g.Rank() == 0 {
			local = full
			index = make([]int, full.Rows)
			for i := range index {
				index[i] = i
			}
		}
		composed, _, err := composer.Compose(ctx, g, local)
		if err != nil {
			return err
		}
		ds, err := GatherComposed(ctx, g, composed, index)
		if err != nil {
			return err
		}
		if got, want := ds.Rows(), full.Rows; got != want {
			return fmt.Errorf("got %d rows, want %d", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
