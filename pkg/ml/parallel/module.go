// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package parallel wraps models for data-parallel execution, selecting the wrapper by device type.
//
// Two strategies are supported:
//
//   - DataParallel: one process, several devices. Each forward call splits the inputs along the batch
//     axis, runs one replica of the model per device concurrently, and gathers the outputs back.
//   - DistributedDataParallel: one replica per process, coordinated through a distributed.ProcessGroup.
//     Parameters are broadcast from rank 0 at construction, and gradients are averaged with SyncGradients.
//
// BuildDP and BuildDDP pick the wrapper registered for a device type ("cuda", "cpu", "npu"), placing the model
// on the right device first. Example:
//
//	device := devices.Get()
//	model, err := parallel.BuildDP(myModel, device, parallel.WithDeviceIDs(0, 1))
//	if err != nil { ... }
//	outputs, err := model.Forward(ctx, batch)
package parallel

import (
	"context"

	"github.com/gomlx/parallel/pkg/core/devices"
	"github.com/gomlx/parallel/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Module is a model that can be wrapped: it takes a batch of inputs and returns outputs.
type Module interface {
	Forward(ctx context.Context, inputs ...tensors.Tensor) ([]tensors.Tensor, error)
}

// Placer is implemented by modules that can be moved to a device.
// Modules that don't implement it are assumed to be usable on any device as they are.
type Placer interface {
	To(device devices.Device) (Module, error)
}

// Replicator is implemented by modules that can create a copy of themselves on another device.
// DataParallel requires it to use more than one device.
type Replicator interface {
	Replicate(device devices.Device) (Module, error)
}

// ParameterHolder is implemented by modules that expose their trainable parameters and the
// corresponding gradients, as flat float32 buffers keyed by name. The buffers are updated in place.
//
// DistributedDataParallel requires it to synchronize replicas.
type ParameterHolder interface {
	Parameters() map[string][]float32
	Gradients() map[string][]float32
}

// Wrapped is a Module wrapped for parallel execution.
type Wrapped interface {
	Module

	// Unwrap returns the wrapped module.
	Unwrap() Module

	// Devices the wrapper executes on.
	Devices() []devices.Device
}

// place moves module to device, if it implements Placer.
func place(module Module, device devices.Device) (Module, error) {
	placer, ok := module.(Placer)
	if !ok {
		klog.V(2).Infof("parallel: %T doesn't implement Placer, using it as is on %s", module, device)
		return module, nil
	}
	placed, err := placer.To(device)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to place %T on %s", module, device)
	}
	if placed == nil {
		return nil, errors.Errorf("%T.To(%s) returned a nil module", module, device)
	}
	return placed, nil
}
