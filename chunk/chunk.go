// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunk computes deterministic assignments of row and pixel
// ranges to worker ranks. Assignment is a pure function of the row
// count and worker count: every worker computes the identical
// partition map without communication, which is what guarantees that
// rank-ordered gathers reassemble data in a globally consistent
// order, and that learn and predict invocations with the same
// configuration see the same partitioning.
package chunk

import "fmt"

// A Range is a half-open interval [Lo, Hi) of row indices.
type Range struct {
	Lo, Hi int
}

// Len returns the number of rows in the range.
func (r Range) Len() int { return r.Hi - r.Lo }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Lo, r.Hi) }

// Partition returns contiguous, non-overlapping ranges assigning n
// rows to the given number of workers. Ranges are near-equal in size,
// with the remainder distributed to the lowest-ranked workers. The
// union of the returned ranges is exactly [0, n); workers beyond n
// receive empty ranges. Partition panics if workers < 1 or n < 0.
func Partition(n, workers int) []Range {
	if workers < 1 {
		panic(fmt.Sprintf("chunk.Partition: invalid worker count %d", workers))
	}
	if n < 0 {
		panic(fmt.Sprintf("chunk.Partition: invalid row count %d", n))
	}
	ranges := make([]Range, workers)
	size, rem := n/workers, n%workers
	lo := 0
	for rank := range ranges {
		hi := lo + size
		if rank < rem {
			hi++
		}
		ranges[rank] = Range{lo, hi}
		lo = hi
	}
	return ranges
}

// Of returns the range of rows assigned to rank out of n rows
// distributed over the given number of workers.
func Of(n, workers, rank int) Range {
	return Partition(n, workers)[rank]
}

// Subdivide splits a worker's range into s sequential sub-chunks to
// bound peak memory: sub-chunk i is processed and released before
// sub-chunk i+1 begins. The sub-chunks exactly tile r, with the
// remainder distributed to the lowest sub-chunk indexes.
func Subdivide(r Range, s int) []Range {
	if s < 1 {
		panic(fmt.Sprintf("chunk.Subdivide: invalid sub-chunk count %d", s))
	}
	subs := Partition(r.Len(), s)
	for i := range subs {
		subs[i].Lo += r.Lo
		subs[i].Hi += r.Lo
	}
	return subs
}

// Sub returns sub-chunk i of rank's share of n rows distributed over
// the given number of workers and sub-chunks per worker.
func Sub(n, workers, subchunks, rank, i int) Range {
	return Subdivide(Of(n, workers, rank), subchunks)[i]
}
