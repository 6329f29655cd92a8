// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package model

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridml/feature"
	"github.com/grailbio/gridml/gridio"
)

func init() {
	gob.Register(&Bundle{})
	gob.Register(&linearRegression{})
	gob.Register(&krige{})
	gob.Register(&kmeans{})
}

// bundleVersion is the current envelope version. Loads of unknown
// versions fail loudly rather than deserializing incompatible state.
const bundleVersion = 1

// A Bundle is the persisted product of a learning run: the trained
// model bound to its algorithm identifier, the feature-composition
// state needed to reproduce training-time transforms at prediction
// time, and the raster geometry predictions are rendered into.
// Prediction runs reuse Compose exactly; recomputing it would
// silently predict in a different basis than training.
type Bundle struct {
	Algorithm string
	Predictor Predictor
	Compose   *feature.State
	Shape     gridio.Shape
	BBox      gridio.BBox
}

// envelope is the explicitly versioned serialization wrapper. New
// bundle versions add fields here as a tagged union; version checks
// happen before any state is interpreted.
type envelope struct {
	Version int
	V1      *Bundle
}

// Write serializes the bundle to w.
func (b *Bundle) Write(w io.Writer) error {
	return gob.NewEncoder(w).Encode(&envelope{Version: bundleVersion, V1: b})
}

// ReadBundle deserializes a bundle written by Write. Unknown
// envelope versions fail with an error of kind errors.Invalid.
func ReadBundle(r io.Reader) (*Bundle, error) {
	var e envelope
	if err := gob.NewDecoder(r).Decode(&e); err != nil {
		return nil, errors.E("bundle: decode", err)
	}
	switch e.Version {
	case bundleVersion:
		if e.V1 == nil {
			return nil, errors.E(errors.Invalid, "bundle: empty v1 envelope")
		}
		return e.V1, nil
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"bundle: unsupported version %d (supported: %d)", e.Version, bundleVersion))
	}
}
