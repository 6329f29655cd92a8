// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmachine"
)

// A Func is an SPMD entry point that can be run on a bigmachine
// group. The argument and result are opaque payloads; pipelines
// typically gob-encode their configuration into the argument.
type Func func(ctx context.Context, g Group, arg []byte) ([]byte, error)

var (
	funcsMu sync.Mutex
	funcs   = map[string]Func{}
)

func init() {
	// Service instances are serialized to remote machines, so their
	// types must be registered with gob.
	gob.Register(new(workerService))
	gob.Register(new(hubService))
}

// Register registers an SPMD entry point under the given name.
// Register must be called at package initialization time, in the same
// order in every process of the group, so that driver and workers
// agree on the set of runnable functions. It panics if the name is
// already registered.
func Register(name string, fn Func) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	if _, ok := funcs[name]; ok {
		panic(fmt.Sprintf("comm.Register: func %s already registered", name))
	}
	funcs[name] = fn
}

func lookup(name string) (Func, bool) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	fn, ok := funcs[name]
	return fn, ok
}

// gobValue wraps collective payloads so that nil and interface values
// round-trip through gob uniformly.
type gobValue struct {
	V interface{}
}

func encode(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&gobValue{v}); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decode(p []byte) (interface{}, error) {
	var v gobValue
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&v); err != nil {
		return nil, err
	}
	return v.V, nil
}

type runRequest struct {
	Func    string
	Rank    int
	Size    int
	HubAddr string
	Arg     []byte
}

type runReply struct {
	Result []byte
}

// workerService is the bigmachine service that runs SPMD entry
// points. One instance runs on every machine of the group.
type workerService struct {
	// Exported satisfies gob's requirement for at least one exported
	// field.
	Exported struct{}

	b *bigmachine.B
}

func (w *workerService) Init(b *bigmachine.B) error {
	w.b = b
	return nil
}

// Run executes the named registered Func with a Group bound to the
// group's hub machine. Run blocks for the duration of the pipeline;
// collective calls made by the Func rendezvous at the hub.
func (w *workerService) Run(ctx context.Context, req runRequest, reply *runReply) error {
	fn, ok := lookup(req.Func)
	if !ok {
		return errors.E(errors.Fatal, errors.Invalid, fmt.Sprintf("comm: func %s not registered", req.Func))
	}
	g := &machineGroup{
		b:       w.b,
		rank:    req.Rank,
		size:    req.Size,
		hubAddr: req.HubAddr,
	}
	out, err := fn(ctx, g, req.Arg)
	if err != nil {
		return errors.E(errors.Fatal, err)
	}
	reply.Result = out
	return nil
}

type gatherRequest struct {
	Seq     int
	Rank    int
	Size    int
	Payload []byte
}

type gatherReply struct {
	Payloads [][]byte
}

// hubService implements the rendezvous for a machine group's
// collectives. It runs on the group's rank-0 machine; workers dial it
// directly. Collectives are matched by sequence number, which every
// rank derives locally from its own call count (SPMD control flow
// guarantees agreement).
type hubService struct {
	Exported struct{}

	mu      sync.Mutex
	pending map[int]*machineRendezvous
}

type machineRendezvous struct {
	payloads [][]byte
	arrived  int
	served   int
	done     chan struct{}
}

func (h *hubService) Init(b *bigmachine.B) error {
	h.pending = make(map[int]*machineRendezvous)
	return nil
}

func (h *hubService) Gather(ctx context.Context, req gatherRequest, reply *gatherReply) error {
	h.mu.Lock()
	r, ok := h.pending[req.Seq]
	if !ok {
		r = &machineRendezvous{
			payloads: make([][]byte, req.Size),
			done:     make(chan struct{}),
		}
		h.pending[req.Seq] = r
	}
	r.payloads[req.Rank] = req.Payload
	r.arrived++
	if r.arrived == req.Size {
		close(r.done)
	}
	h.mu.Unlock()
	select {
	case <-r.done:
	case <-ctx.Done():
		return errors.E(errors.Timeout, fmt.Sprintf("collective %d: worker never arrived", req.Seq), ctx.Err())
	}
	h.mu.Lock()
	reply.Payloads = r.payloads
	r.served++
	if r.served == req.Size {
		delete(h.pending, req.Seq)
	}
	h.mu.Unlock()
	return nil
}

// machineGroup implements Group over bigmachine. Every collective is
// a gather at the hub machine; broadcast and barrier are derived from
// it. Payloads are gob-encoded, so the values every rank receives are
// bit-identical copies.
type machineGroup struct {
	b       *bigmachine.B
	rank    int
	size    int
	hubAddr string

	mu  sync.Mutex
	seq int
	hub *bigmachine.Machine
}

func (g *machineGroup) Rank() int { return g.rank }
func (g *machineGroup) Size() int { return g.size }

func (g *machineGroup) gather(ctx context.Context, v interface{}) ([][]byte, error) {
	g.mu.Lock()
	if g.hub == nil {
		var err error
		g.hub, err = g.b.Dial(ctx, g.hubAddr)
		if err != nil {
			g.mu.Unlock()
			return nil, err
		}
	}
	g.seq++
	req := gatherRequest{Seq: g.seq, Rank: g.rank, Size: g.size}
	hub := g.hub
	g.mu.Unlock()
	var err error
	req.Payload, err = encode(v)
	if err != nil {
		return nil, err
	}
	var reply gatherReply
	if err := hub.Call(ctx, "GridHub.Gather", req, &reply); err != nil {
		return nil, err
	}
	return reply.Payloads, nil
}

func (g *machineGroup) Barrier(ctx context.Context) error {
	_, err := g.gather(ctx, nil)
	return err
}

func (g *machineGroup) Broadcast(ctx context.Context, root int, v interface{}) (interface{}, error) {
	if root < 0 || root >= g.size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("broadcast: invalid root %d", root))
	}
	payloads, err := g.gather(ctx, v)
	if err != nil {
		return nil, err
	}
	return decode(payloads[root])
}

func (g *machineGroup) AllGather(ctx context.Context, v interface{}) ([]interface{}, error) {
	payloads, err := g.gather(ctx, v)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(payloads))
	for i, p := range payloads {
		if values[i], err = decode(p); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// RunMachines boots n machines on b, runs the named registered Func
// on every machine SPMD-style, and returns the per-rank results
// ordered by rank. The rank-0 machine additionally hosts the group's
// collective hub. RunMachines returns the first error encountered;
// per the collective failure model, any single worker failure fails
// the whole run.
func RunMachines(ctx context.Context, b *bigmachine.B, n int, name string, arg []byte) ([][]byte, error) {
	if _, ok := lookup(name); !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("comm: func %s not registered", name))
	}
	machines, err := b.Start(ctx, n, bigmachine.Services{
		"GridWorker": &workerService{},
		"GridHub":    &hubService{},
	})
	if err != nil {
		return nil, err
	}
	hubAddr := machines[0].Addr
	results := make([][]byte, n)
	err = traverse.Each(n, func(i int) error {
		req := runRequest{
			Func:    name,
			Rank:    i,
			Size:    n,
			HubAddr: hubAddr,
			Arg:     arg,
		}
		var reply runReply
		if err := machines[i].Call(ctx, "GridWorker.Run", req, &reply); err != nil {
			log.Error.Printf("machine %s: rank %d failed: %v", machines[i].Addr, i, err)
			return err
		}
		results[i] = reply.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
