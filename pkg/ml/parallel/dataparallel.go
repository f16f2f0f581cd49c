// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/parallel/pkg/core/devices"
	"github.com/gomlx/parallel/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DataParallel runs a module on several devices of one process, splitting each batch across them.
//
// On every Forward call the module is replicated to the devices in use (the first device holds the module
// itself), so updates to the module are always seen by the replicas.
type DataParallel struct {
	module       Module
	deviceType   devices.Type
	deviceIDs    []int
	outputDevice int
	dim          int
}

var _ Wrapped = (*DataParallel)(nil)

// NewDataParallel wraps module to run on the devices opts.DeviceIDs of type deviceType.
//
// The module is expected to already be on the first device (BuildDP takes care of it).
// If no device ids are given, Forward simply calls the module.
func NewDataParallel(module Module, deviceType devices.Type, opts Options) (*DataParallel, error) {
	if module == nil {
		return nil, errors.New("DataParallel requires a non-nil module")
	}
	if opts.Dim < 0 {
		return nil, errors.Errorf("DataParallel scatter dimension must be non-negative, got %d", opts.Dim)
	}
	if deviceType == devices.CPU && len(opts.DeviceIDs) > 0 {
		return nil, errors.Errorf("DataParallel on cpu doesn't take device ids, got %v", opts.DeviceIDs)
	}
	seen := make(map[int]bool, len(opts.DeviceIDs))
	for _, id := range opts.DeviceIDs {
		if id < 0 {
			return nil, errors.Errorf("invalid device id %d in %v", id, opts.DeviceIDs)
		}
		if seen[id] {
			return nil, errors.Errorf("device id %d is duplicated in %v", id, opts.DeviceIDs)
		}
		seen[id] = true
	}
	dp := &DataParallel{
		module:       module,
		deviceType:   deviceType,
		deviceIDs:    slices.Clone(opts.DeviceIDs),
		outputDevice: opts.OutputDevice,
		dim:          opts.Dim,
	}
	if dp.outputDevice < 0 && len(dp.deviceIDs) > 0 {
		dp.outputDevice = dp.deviceIDs[0]
	}
	return dp, nil
}

// Unwrap implements Wrapped.
func (dp *DataParallel) Unwrap() Module { return dp.module }

// Devices implements Wrapped.
func (dp *DataParallel) Devices() []devices.Device {
	if len(dp.deviceIDs) == 0 {
		return []devices.Device{{Type: dp.deviceType, Index: devices.NoIndex}}
	}
	devs := make([]devices.Device, len(dp.deviceIDs))
	for i, id := range dp.deviceIDs {
		devs[i] = devices.New(dp.deviceType, id)
	}
	return devs
}

// Dim returns the axis inputs are scattered along.
func (dp *DataParallel) Dim() int { return dp.dim }

// OutputDevice returns the device the outputs are gathered on.
func (dp *DataParallel) OutputDevice() devices.Device {
	if len(dp.deviceIDs) == 0 {
		return devices.Device{Type: dp.deviceType, Index: devices.NoIndex}
	}
	return devices.New(dp.deviceType, dp.outputDevice)
}

// Forward implements Module: it scatters inputs along Dim across the devices, runs the replicas
// concurrently and gathers the outputs on the output device.
func (dp *DataParallel) Forward(ctx context.Context, inputs ...tensors.Tensor) (outputs []tensors.Tensor, err error) {
	start := time.Now()
	defer func() { observeForward("DataParallel", dp.deviceType, start, err) }()

	if len(dp.deviceIDs) == 0 {
		return dp.module.Forward(ctx, inputs...)
	}
	if len(inputs) == 0 {
		// Nothing to scatter: the module already sits on the first device.
		return dp.module.Forward(ctx)
	}
	chunks, err := dp.scatter(inputs)
	if err != nil {
		return nil, err
	}
	if len(dp.deviceIDs) == 1 {
		return dp.module.Forward(ctx, chunks[0]...)
	}
	replicas, err := dp.replicate(len(chunks))
	if err != nil {
		return nil, err
	}

	perReplica := make([][]tensors.Tensor, len(replicas))
	g, gCtx := errgroup.WithContext(ctx)
	for i, replica := range replicas {
		i, replica := i, replica
		g.Go(func() error {
			out, err := replica.Forward(gCtx, chunks[i]...)
			if err != nil {
				return errors.WithMessagef(err, "replica on %s", devices.New(dp.deviceType, dp.deviceIDs[i]))
			}
			perReplica[i] = out
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return dp.gather(perReplica)
}

// scatter splits each input along dp.dim and places the chunks on the devices: chunks[i] are the inputs
// for the i-th device.
func (dp *DataParallel) scatter(inputs []tensors.Tensor) ([][]tensors.Tensor, error) {
	batchSize := -1
	for i, input := range inputs {
		if input.Rank() <= dp.dim {
			return nil, errors.Errorf("can't scatter input #%d of shape %v along axis %d", i, input.Shape(), dp.dim)
		}
		size := input.Shape()[dp.dim]
		if batchSize >= 0 && size != batchSize {
			return nil, errors.Errorf("input #%d has %d entries along axis %d, but input #0 has %d",
				i, size, dp.dim, batchSize)
		}
		batchSize = size
	}
	if batchSize == 0 {
		return nil, errors.Errorf("can't scatter empty inputs along axis %d", dp.dim)
	}

	numChunks := len(tensors.ChunkSizes(batchSize, len(dp.deviceIDs)))
	chunks := make([][]tensors.Tensor, numChunks)
	for i, input := range inputs {
		parts, err := tensors.Split(input, dp.dim, len(dp.deviceIDs))
		if err != nil {
			return nil, errors.WithMessagef(err, "scattering input #%d", i)
		}
		for j, part := range parts {
			chunks[j] = append(chunks[j], part.To(devices.New(dp.deviceType, dp.deviceIDs[j])))
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("parallel: scattered batch of %s along axis %d into %d chunk(s)",
			humanize.Comma(int64(batchSize)), dp.dim, numChunks)
	}
	return chunks, nil
}

// replicate returns the module plus n-1 replicas on the following devices.
func (dp *DataParallel) replicate(n int) ([]Module, error) {
	if n == 1 {
		return []Module{dp.module}, nil
	}
	replicator, ok := dp.module.(Replicator)
	if !ok {
		return nil, errors.Errorf("%T doesn't implement Replicator, it can't run on %d devices", dp.module, n)
	}
	replicas := make([]Module, n)
	replicas[0] = dp.module
	for i := 1; i < n; i++ {
		device := devices.New(dp.deviceType, dp.deviceIDs[i])
		replica, err := replicator.Replicate(device)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to replicate %T to %s", dp.module, device)
		}
		replicas[i] = replica
	}
	return replicas, nil
}

// gather concatenates the outputs of the replicas along dp.dim on the output device.
func (dp *DataParallel) gather(perReplica [][]tensors.Tensor) ([]tensors.Tensor, error) {
	numOutputs := len(perReplica[0])
	for i, outs := range perReplica {
		if len(outs) != numOutputs {
			return nil, errors.Errorf("replica #%d returned %d outputs, replica #0 returned %d", i, len(outs), numOutputs)
		}
	}
	outputDevice := dp.OutputDevice()
	gathered := make([]tensors.Tensor, numOutputs)
	parts := make([]tensors.Tensor, len(perReplica))
	for o := 0; o < numOutputs; o++ {
		for i, outs := range perReplica {
			if outs[o].Rank() <= dp.dim {
				return nil, errors.Errorf("can't gather output #%d of shape %v along axis %d", o, outs[o].Shape(), dp.dim)
			}
			parts[i] = outs[o].To(outputDevice)
		}
		joined, err := tensors.Concat(dp.dim, parts...)
		if err != nil {
			return nil, errors.WithMessagef(err, "gathering output #%d", o)
		}
		gathered[o] = joined
	}
	return gathered, nil
}
