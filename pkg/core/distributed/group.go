// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the process group used to coordinate model replicas that run in different
// processes (or goroutines), and how a process finds its place (rank) in the world.
//
// The communication backends themselves (NCCL, HCCL, Gloo, ...) are provided by the framework bindings:
// this package only defines the contract and an in-process implementation, LocalGroup.
package distributed

import (
	"context"
)

// ReduceOp defines how values from different ranks are combined in an AllReduce.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMean
	ReduceMax
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "Sum"
	case ReduceMean:
		return "Mean"
	case ReduceMax:
		return "Max"
	default:
		return "Unknown"
	}
}

// ProcessGroup is the view one rank has of a group of cooperating processes.
//
// Collective operations block until every rank in the group issued the same call, so all ranks must
// issue collective calls in the same order.
type ProcessGroup interface {
	// ID uniquely identifies the group.
	ID() string

	// Rank of this member in the group, from 0 to WorldSize()-1.
	Rank() int

	// WorldSize is the number of members in the group.
	WorldSize() int

	// AllReduce combines data from all ranks with op, and stores the result in data of every rank.
	AllReduce(ctx context.Context, data []float32, op ReduceOp) error

	// Broadcast copies data from rank root to all other ranks.
	Broadcast(ctx context.Context, data []float32, root int) error

	// Barrier blocks until all ranks reach it.
	Barrier(ctx context.Context) error
}
