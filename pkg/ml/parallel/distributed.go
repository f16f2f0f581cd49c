// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"
	"slices"
	"time"

	"github.com/gomlx/parallel/pkg/core/devices"
	"github.com/gomlx/parallel/pkg/core/distributed"
	"github.com/gomlx/parallel/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// DistributedDataParallel runs one replica of a module per process (or per rank of a process group),
// each on its own device and with its own share of the data. Replicas are kept in sync by broadcasting
// the parameters of rank 0 at construction and by averaging the gradients with SyncGradients after
// each backward pass.
type DistributedDataParallel struct {
	module Module
	device devices.Device
	group  distributed.ProcessGroup
}

var _ Wrapped = (*DistributedDataParallel)(nil)

// NewDistributedDataParallel wraps module, which should already be placed on device.
//
// If opts.BroadcastParameters is set and the module is a ParameterHolder, the parameters of all ranks are
// overwritten with those of rank 0: it blocks until all ranks of the group construct their wrapper.
func NewDistributedDataParallel(ctx context.Context, module Module, device devices.Device, opts Options) (
	*DistributedDataParallel, error) {
	if module == nil {
		return nil, errors.New("DistributedDataParallel requires a non-nil module")
	}
	group := opts.ProcessGroup
	if group == nil {
		group = distributed.Single()
	}
	ddp := &DistributedDataParallel{module: module, device: device, group: group}
	klog.V(1).Infof("parallel: DistributedDataParallel rank %d/%d on %s (group %s)",
		group.Rank(), group.WorldSize(), device, group.ID())

	if opts.BroadcastParameters && group.WorldSize() > 1 {
		holder, ok := module.(ParameterHolder)
		if !ok {
			klog.Warningf("parallel: %T doesn't implement ParameterHolder, parameters are not synchronized across ranks", module)
			return ddp, nil
		}
		params := holder.Parameters()
		for _, name := range sortedNames(params) {
			if err := group.Broadcast(ctx, params[name], 0); err != nil {
				return nil, errors.WithMessagef(err, "broadcasting parameter %q", name)
			}
		}
	}
	return ddp, nil
}

// Unwrap implements Wrapped.
func (ddp *DistributedDataParallel) Unwrap() Module { return ddp.module }

// Devices implements Wrapped: the one device of this rank.
func (ddp *DistributedDataParallel) Devices() []devices.Device {
	return []devices.Device{ddp.device}
}

// ProcessGroup the replicas synchronize with.
func (ddp *DistributedDataParallel) ProcessGroup() distributed.ProcessGroup { return ddp.group }

// Forward implements Module: it moves the inputs to the device of this rank and calls the module.
func (ddp *DistributedDataParallel) Forward(ctx context.Context, inputs ...tensors.Tensor) (outputs []tensors.Tensor, err error) {
	start := time.Now()
	defer func() { observeForward("DistributedDataParallel", ddp.device.Type, start, err) }()
	placed := make([]tensors.Tensor, len(inputs))
	for i, input := range inputs {
		placed[i] = input.To(ddp.device)
	}
	return ddp.module.Forward(ctx, placed...)
}

// SyncGradients averages the gradients of the module across all ranks. Every rank must call it,
// typically after computing the gradients of a batch and before the optimizer step.
func (ddp *DistributedDataParallel) SyncGradients(ctx context.Context) error {
	holder, ok := ddp.module.(ParameterHolder)
	if !ok {
		return errors.Errorf("%T doesn't implement ParameterHolder, can't synchronize gradients", ddp.module)
	}
	if ddp.group.WorldSize() == 1 {
		return nil
	}
	grads := holder.Gradients()
	for _, name := range sortedNames(grads) {
		if err := ddp.group.AllReduce(ctx, grads[name], distributed.ReduceMean); err != nil {
			return errors.WithMessagef(err, "averaging gradient %q", name)
		}
	}
	gradientSyncs.WithLabelValues(string(ddp.device.Type)).Inc()
	return nil
}

// sortedNames returns the keys in a fixed order, so all ranks issue collective calls in the same order.
func sortedNames(buffers map[string][]float32) []string {
	names := maps.Keys(buffers)
	slices.Sort(names)
	return names
}
