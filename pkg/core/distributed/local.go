// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrGroupBroken is returned by collective operations of a LocalGroup after one of its members abandoned
// a collective call (its context was cancelled): the ranks are no longer in sync.
var ErrGroupBroken = errors.New("process group is broken: a rank abandoned a collective operation")

type collectiveKind int

const (
	kindAllReduce collectiveKind = iota
	kindBroadcast
	kindBarrier
)

var kindNames = [...]string{"AllReduce", "Broadcast", "Barrier"}

// localRound holds one collective call being assembled from all ranks.
type localRound struct {
	kind    collectiveKind
	op      ReduceOp
	root    int
	inputs  [][]float32
	present []bool
	arrived int

	// Set before done is closed.
	result []float32
	err    error
	closed bool
	done   chan struct{}
}

// localHub is shared by all members of a LocalGroup.
type localHub struct {
	id        string
	worldSize int

	mu     sync.Mutex
	round  *localRound
	broken bool
}

func (h *localHub) newRound() *localRound {
	return &localRound{
		inputs:  make([][]float32, h.worldSize),
		present: make([]bool, h.worldSize),
		done:    make(chan struct{}),
	}
}

// LocalGroup is a ProcessGroup whose ranks are goroutines of the same process.
//
// It's used to run several model replicas in one process, e.g. in tests, and as the world-size-1 group
// returned by Single.
type LocalGroup struct {
	hub  *localHub
	rank int
}

var _ ProcessGroup = (*LocalGroup)(nil)

// NewLocalGroup creates the members of a new group with worldSize ranks. Member i has rank i, and each
// member should be used by only one goroutine at a time.
func NewLocalGroup(worldSize int) ([]*LocalGroup, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", worldSize)
	}
	hub := &localHub{id: uuid.NewString(), worldSize: worldSize}
	hub.round = hub.newRound()
	members := make([]*LocalGroup, worldSize)
	for rank := range members {
		members[rank] = &LocalGroup{hub: hub, rank: rank}
	}
	klog.V(1).Infof("distributed: created local process group %s with %d rank(s)", hub.id, worldSize)
	return members, nil
}

// Single returns a group with only one rank, where collective operations are no-ops.
func Single() *LocalGroup {
	members, _ := NewLocalGroup(1)
	return members[0]
}

// ID implements ProcessGroup.
func (g *LocalGroup) ID() string { return g.hub.id }

// Rank implements ProcessGroup.
func (g *LocalGroup) Rank() int { return g.rank }

// WorldSize implements ProcessGroup.
func (g *LocalGroup) WorldSize() int { return g.hub.worldSize }

// AllReduce implements ProcessGroup.
func (g *LocalGroup) AllReduce(ctx context.Context, data []float32, op ReduceOp) error {
	if op < ReduceSum || op > ReduceMax {
		return errors.Errorf("unknown reduce operation %d", op)
	}
	return g.collective(ctx, kindAllReduce, op, 0, data)
}

// Broadcast implements ProcessGroup.
func (g *LocalGroup) Broadcast(ctx context.Context, data []float32, root int) error {
	if root < 0 || root >= g.hub.worldSize {
		return errors.Errorf("broadcast root %d out of range for world size %d", root, g.hub.worldSize)
	}
	return g.collective(ctx, kindBroadcast, 0, root, data)
}

// Barrier implements ProcessGroup.
func (g *LocalGroup) Barrier(ctx context.Context) error {
	return g.collective(ctx, kindBarrier, 0, 0, nil)
}

func (g *LocalGroup) collective(ctx context.Context, kind collectiveKind, op ReduceOp, root int, data []float32) error {
	h := g.hub
	h.mu.Lock()
	if h.broken {
		h.mu.Unlock()
		return ErrGroupBroken
	}
	r := h.round
	if r.present[g.rank] {
		h.mu.Unlock()
		return errors.Errorf("rank %d issued concurrent collective calls on group %s", g.rank, h.id)
	}
	if r.arrived == 0 {
		r.kind, r.op, r.root = kind, op, root
	} else if r.err == nil && (r.kind != kind || r.op != op || r.root != root) {
		r.err = errors.Errorf("rank %d called %s while other ranks called %s: collective calls out of order",
			g.rank, kindNames[kind], kindNames[r.kind])
	}
	r.present[g.rank] = true
	r.inputs[g.rank] = data
	r.arrived++
	if r.arrived == h.worldSize {
		if r.err == nil {
			r.result, r.err = r.reduce()
		}
		r.closed = true
		close(r.done)
		h.round = h.newRound()
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		h.mu.Lock()
		if !r.closed {
			h.broken = true
			r.err = ErrGroupBroken
			r.closed = true
			close(r.done)
			h.mu.Unlock()
			klog.Warningf("distributed: rank %d abandoned %s on group %s: %v", g.rank, kindNames[kind], h.id, ctx.Err())
			return errors.Wrapf(ctx.Err(), "%s on rank %d", kindNames[kind], g.rank)
		}
		h.mu.Unlock()
	}
	if r.err != nil {
		return r.err
	}
	copy(data, r.result)
	return nil
}

// reduce computes the result of the round, once all ranks arrived.
func (r *localRound) reduce() ([]float32, error) {
	if r.kind == kindBarrier {
		return nil, nil
	}
	size := len(r.inputs[0])
	for rank, input := range r.inputs {
		if len(input) != size {
			return nil, errors.Errorf("%s: rank %d has %d values, rank 0 has %d",
				kindNames[r.kind], rank, len(input), size)
		}
	}
	if r.kind == kindBroadcast {
		return slices.Clone(r.inputs[r.root]), nil
	}
	result := slices.Clone(r.inputs[0])
	for _, input := range r.inputs[1:] {
		for i, v := range input {
			switch r.op {
			case ReduceSum, ReduceMean:
				result[i] += v
			case ReduceMax:
				result[i] = max(result[i], v)
			}
		}
	}
	if r.op == ReduceMean {
		n := float32(len(r.inputs))
		for i := range result {
			result[i] /= n
		}
	}
	return result, nil
}
