// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package feature composes per-source feature chunks into the dense,
// globally consistent matrices consumed by model fitting and
// prediction. Each worker composes only its own chunk of rows; the
// shared statistics needed for imputation, standardization, and
// projection are computed cooperatively across the group (see
// Composer), and composed chunks are reassembled into a global
// dataset by a rank-ordered gather (see GatherComposed).
package feature

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

// A Chunk is a rectangular numeric matrix local to one worker, with a
// parallel missing-cell mask. Rows are samples or pixels; columns are
// bands. Chunks are owned by the worker that produced them and never
// cross worker boundaries directly; only composed products do.
type Chunk struct {
	Rows, Cols int
	// Data holds cell values in row-major order.
	Data []float64
	// Missing marks cells with no valid observation. Missing cells
	// hold undefined values until imputation fills them.
	Missing []bool
}

// NewChunk returns an all-valid, zero-filled chunk of the given
// dimensions.
func NewChunk(rows, cols int) *Chunk {
	return &Chunk{
		Rows:    rows,
		Cols:    cols,
		Data:    make([]float64, rows*cols),
		Missing: make([]bool, rows*cols),
	}
}

// At returns the value of cell (i, j).
func (c *Chunk) At(i, j int) float64 { return c.Data[i*c.Cols+j] }

// Set sets the value of cell (i, j) and marks it valid.
func (c *Chunk) Set(i, j int, v float64) {
	c.Data[i*c.Cols+j] = v
	c.Missing[i*c.Cols+j] = false
}

// SetMissing marks cell (i, j) missing.
func (c *Chunk) SetMissing(i, j int) { c.Missing[i*c.Cols+j] = true }

// IsMissing reports whether cell (i, j) is missing.
func (c *Chunk) IsMissing(i, j int) bool { return c.Missing[i*c.Cols+j] }

// RowMissing reports whether any cell of row i is missing.
func (c *Chunk) RowMissing(i int) bool {
	for j := 0; j < c.Cols; j++ {
		if c.Missing[i*c.Cols+j] {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	return &Chunk{
		Rows:    c.Rows,
		Cols:    c.Cols,
		Data:    append([]float64(nil), c.Data...),
		Missing: append([]bool(nil), c.Missing...),
	}
}

// A Source is one named feature source's chunk for a worker's rows.
// A nil Chunk means the source produced no data for this sub-chunk.
type Source struct {
	Name  string
	Chunk *Chunk
}

// A SourceSet is a sequence of feature sources ordered by name. The
// explicit ordering is what guarantees that every worker iterates
// sources identically; callers must not depend on map iteration
// order anywhere in the pipeline.
type SourceSet []Source

// Sources returns a name-ordered SourceSet over the provided mapping.
func Sources(m map[string]*Chunk) SourceSet {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	s := make(SourceSet, len(names))
	for i, name := range names {
		s[i] = Source{Name: name, Chunk: m[name]}
	}
	return s
}

// Names returns the ordered source names.
func (s SourceSet) Names() []string {
	names := make([]string, len(s))
	for i := range s {
		names[i] = s[i].Name
	}
	return names
}

// Without returns the set with the named source removed. It is used
// by leave-one-source-out feature ranking.
func (s SourceSet) Without(name string) SourceSet {
	out := make(SourceSet, 0, len(s))
	for _, src := range s {
		if src.Name != name {
			out = append(out, src)
		}
	}
	return out
}

// Concat concatenates the sources' chunks column-wise into a single
// chunk whose mask is the union of the per-source masks: a cell row
// is missing if it is missing in any source. If any source has no
// chunk, the composed result is nil; all sources must agree on
// presence, and disagreement between workers is caught downstream by
// row accounting in GatherComposed. Sources with differing row
// counts fail with a shape mismatch error of kind errors.Integrity.
func Concat(sources SourceSet) (*Chunk, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	rows, cols := -1, 0
	for _, src := range sources {
		if src.Chunk == nil {
			return nil, nil
		}
		if rows == -1 {
			rows = src.Chunk.Rows
		} else if src.Chunk.Rows != rows {
			return nil, errors.E(errors.Integrity, fmt.Sprintf(
				"shape mismatch: source %s has %d rows, want %d", src.Name, src.Chunk.Rows, rows))
		}
		if len(src.Chunk.Missing) != src.Chunk.Rows*src.Chunk.Cols {
			return nil, errors.E(errors.Integrity, fmt.Sprintf(
				"shape mismatch: source %s mask has %d cells, want %d",
				src.Name, len(src.Chunk.Missing), src.Chunk.Rows*src.Chunk.Cols))
		}
		cols += src.Chunk.Cols
	}
	out := NewChunk(rows, cols)
	off := 0
	for _, src := range sources {
		ch := src.Chunk
		for i := 0; i < rows; i++ {
			copy(out.Data[i*cols+off:i*cols+off+ch.Cols], ch.Data[i*ch.Cols:(i+1)*ch.Cols])
			copy(out.Missing[i*cols+off:i*cols+off+ch.Cols], ch.Missing[i*ch.Cols:(i+1)*ch.Cols])
		}
		off += ch.Cols
	}
	return out, nil
}
