// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements the collective runtime used by gridml
// pipelines. A pipeline is run SPMD-style by a fixed group of
// workers; all coordination between workers happens through the
// blocking collective operations of a Group. Collectives are
// synchronization points: a worker suspends until the whole group has
// contributed. There is no partial-group recovery; a worker that
// fails before reaching a collective fails the whole run.
//
// Two Group implementations are provided: an in-process group for
// local runs and tests (see Local and RunLocal), and a
// bigmachine-backed group for distributed runs (see Register and
// RunMachines).
package comm

import (
	"context"
	"encoding/gob"

	"github.com/grailbio/base/errors"
)

func init() {
	gob.Register(onceResult{})
}

// A Group is an ordered set of workers {0..Size-1} participating in a
// single run. Rank 0 is the coordinator for single-writer operations.
// Groups are immutable for the lifetime of the process.
//
// All collectives block until every worker in the group has made the
// matching call, and all return errors of kind errors.Timeout if the
// context expires while waiting: an expired collective means some
// worker never arrived, which is fatal to the run.
type Group interface {
	// Rank returns this worker's rank in [0, Size).
	Rank() int
	// Size returns the number of workers in the group.
	Size() int
	// Barrier blocks until all workers in the group have called it.
	Barrier(ctx context.Context) error
	// Broadcast returns the value contributed by the root rank to
	// every worker in the group.
	Broadcast(ctx context.Context, root int, v interface{}) (interface{}, error)
	// AllGather returns every worker's contribution, ordered by rank.
	// Every worker receives the same sequence.
	AllGather(ctx context.Context, v interface{}) ([]interface{}, error)
}

// onceResult carries a RunOnce result (or its error) from the
// coordinator to the rest of the group. Errors are shipped as
// *errors.Error so that they survive gob.
type onceResult struct {
	Value interface{}
	Err   *errors.Error
}

// RunOnce invokes fn on the coordinator only and broadcasts the
// result so that every worker returns an identical value. It is used
// for filesystem writes and for computations that must not be
// repeated on every worker (for example, loading a point set from
// disk). If fn fails, the error is broadcast too, so every rank
// fails uniformly instead of desynchronizing the group's control
// flow.
//
// Values returned by fn must be gob-encodable when the group spans
// processes; callers register their concrete types with gob in the
// usual way.
func RunOnce(ctx context.Context, g Group, fn func() (interface{}, error)) (interface{}, error) {
	var r onceResult
	if g.Rank() == 0 {
		v, err := fn()
		r = onceResult{Value: v, Err: errors.Recover(err)}
	}
	v, err := g.Broadcast(ctx, 0, r)
	if err != nil {
		return nil, err
	}
	r = v.(onceResult)
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Value, nil
}
