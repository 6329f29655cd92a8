// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

// Local returns an in-process group of n workers sharing a common
// rendezvous hub. The returned groups are intended to be driven from
// n goroutines, one per rank; RunLocal does this.
func Local(n int) []Group {
	if n < 1 {
		panic(fmt.Sprintf("comm.Local: invalid group size %d", n))
	}
	h := &hub{size: n}
	groups := make([]Group, n)
	for i := range groups {
		groups[i] = &localGroup{hub: h, rank: i}
	}
	return groups
}

// RunLocal runs fn SPMD-style across an in-process group of n
// workers, one goroutine per rank, and returns the first error
// encountered. When any worker fails, the hub is aborted so that
// peers blocked in a collective fail promptly instead of hanging.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, g Group) error) error {
	groups := Local(n)
	grp, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g := groups[i]
		grp.Go(func() error {
			err := fn(ctx, g)
			if err != nil {
				g.(*localGroup).hub.abort(err)
			}
			return err
		})
	}
	return grp.Wait()
}

// A rendezvous collects one contribution per rank for a single
// collective operation. It is published (done closed) when the last
// rank arrives.
type rendezvous struct {
	values  []interface{}
	arrived int
	done    chan struct{}
	err     error
}

// A hub synchronizes collective calls for an in-process group.
// Collectives are matched purely by arrival order: SPMD control flow
// guarantees that all ranks issue collectives in the same sequence,
// so the i'th collective call from each rank belongs to the same
// operation.
type hub struct {
	mu   sync.Mutex
	size int
	cur  *rendezvous
	err  error // poisons all subsequent collectives
}

func (h *hub) abort(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return
	}
	h.err = err
	if h.cur != nil {
		h.cur.err = err
		close(h.cur.done)
		h.cur = nil
	}
}

// gather contributes v for the given rank and blocks until all ranks
// have contributed, returning the rank-ordered contributions. A
// context expiry while blocked means some worker never reached the
// collective; the hub is poisoned and an errors.Timeout is returned
// so the whole run fails rather than proceeding with a subset.
func (h *hub) gather(ctx context.Context, rank int, v interface{}) ([]interface{}, error) {
	h.mu.Lock()
	if h.err != nil {
		err := h.err
		h.mu.Unlock()
		return nil, err
	}
	if h.cur == nil {
		h.cur = &rendezvous{
			values: make([]interface{}, h.size),
			done:   make(chan struct{}),
		}
	}
	r := h.cur
	r.values[rank] = v
	r.arrived++
	if r.arrived == h.size {
		h.cur = nil
		close(r.done)
		h.mu.Unlock()
		return r.values, nil
	}
	h.mu.Unlock()
	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return r.values, nil
	case <-ctx.Done():
		err := errors.E(errors.Timeout, "collective: worker never arrived", ctx.Err())
		h.abort(err)
		return nil, err
	}
}

type localGroup struct {
	hub  *hub
	rank int
}

func (g *localGroup) Rank() int { return g.rank }
func (g *localGroup) Size() int { return g.hub.size }

func (g *localGroup) Barrier(ctx context.Context) error {
	_, err := g.hub.gather(ctx, g.rank, nil)
	return err
}

func (g *localGroup) Broadcast(ctx context.Context, root int, v interface{}) (interface{}, error) {
	if root < 0 || root >= g.Size() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("broadcast: invalid root %d", root))
	}
	values, err := g.hub.gather(ctx, g.rank, v)
	if err != nil {
		return nil, err
	}
	return values[root], nil
}

func (g *localGroup) AllGather(ctx context.Context, v interface{}) ([]interface{}, error) {
	return g.hub.gather(ctx, g.rank, v)
}
