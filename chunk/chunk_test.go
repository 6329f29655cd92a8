// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunk

import (
	"testing"

	fuzz "github.com/google/gofuzz"
)

// checkTiling verifies that ranges exactly tile [0, n): contiguous,
// non-overlapping, no gaps.
func checkTiling(t *testing.T, ranges []Range, n int) {
	t.Helper()
	lo := 0
	for rank, r := range ranges {
		if r.Lo != lo {
			t.Fatalf("rank %d: range %s does not begin at %d", rank, r, lo)
		}
		if r.Hi < r.Lo {
			t.Fatalf("rank %d: inverted range %s", rank, r)
		}
		lo = r.Hi
	}
	if lo != n {
		t.Fatalf("ranges end at %d, want %d", lo, n)
	}
}

func TestPartition(t *testing.T) {
	for _, c := range []struct {
		n, workers int
		want       []Range
	}{
		{10, 2, []Range{{0, 5}, {5, 10}}},
		{10, 3, []Range{{0, 4}, {4, 7}, {7, 10}}},
		{2, 4, []Range{{0, 1}, {1, 2}, {2, 2}, {2, 2}}},
		{0, 3, []Range{{0, 0}, {0, 0}, {0, 0}}},
		{7, 1, []Range{{0, 7}}},
	} {
		got := Partition(c.n, c.workers)
		if len(got) != len(c.want) {
			t.Fatalf("Partition(%d, %d): got %v, want %v", c.n, c.workers, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("Partition(%d, %d)[%d]: got %s, want %s", c.n, c.workers, i, got[i], c.want[i])
			}
		}
	}
}

func TestPartitionFuzz(t *testing.T) {
	fz := fuzz.New()
	var n, workers uint16
	for i := 0; i < 1000; i++ {
		fz.Fuzz(&n)
		fz.Fuzz(&workers)
		nn, ww := int(n%5000), int(workers%64)+1
		ranges := Partition(nn, ww)
		checkTiling(t, ranges, nn)
		// Remainder goes to the lowest ranks: sizes are
		// non-increasing and differ by at most one.
		for rank := 1; rank < ww; rank++ {
			if d := ranges[rank-1].Len() - ranges[rank].Len(); d < 0 || d > 1 {
				t.Fatalf("Partition(%d, %d): uneven split at rank %d: %v", nn, ww, rank, ranges)
			}
		}
	}
}

func TestPartitionStable(t *testing.T) {
	// Learn and predict invocations rely on identical maps for the
	// same (count, workers) pair.
	a := Partition(1234, 7)
	b := Partition(1234, 7)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("unstable partition at rank %d: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestSubdivide(t *testing.T) {
	r := Range{100, 175}
	subs := Subdivide(r, 4)
	lo := r.Lo
	for i, s := range subs {
		if s.Lo != lo {
			t.Fatalf("sub-chunk %d: range %s does not begin at %d", i, s, lo)
		}
		lo = s.Hi
	}
	if lo != r.Hi {
		t.Fatalf("sub-chunks end at %d, want %d", lo, r.Hi)
	}
}

func TestSubTilesGlobally(t *testing.T) {
	// All (worker, sub-chunk) regions together must partition the
	// full row space exactly once; this is the renderer's write
	// disjointness invariant.
	const n, workers, subchunks = 997, 5, 3
	seen := make([]int, n)
	for rank := 0; rank < workers; rank++ {
		for i := 0; i < subchunks; i++ {
			r := Sub(n, workers, subchunks, rank, i)
			for row := r.Lo; row < r.Hi; row++ {
				seen[row]++
			}
		}
	}
	for row, count := range seen {
		if count != 1 {
			t.Fatalf("row %d covered %d times", row, count)
		}
	}
}
