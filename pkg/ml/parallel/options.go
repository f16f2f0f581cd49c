// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"slices"

	"github.com/gomlx/parallel/pkg/core/distributed"
)

// Options configures the wrappers. Use the With* functions to set them in BuildDP and BuildDDP.
type Options struct {
	// DeviceIDs are the indices of the devices to use.
	//
	// For DataParallel, the inputs are split across them, and the first one holds the module.
	// If empty, BuildDP uses the current device for accelerators, and DataParallel calls the module directly.
	//
	// For DistributedDataParallel at most one index can be given: the device of this process.
	DeviceIDs []int

	// Dim is the axis along which inputs are split and outputs gathered. Defaults to 0.
	Dim int

	// OutputDevice is the index of the device where outputs are gathered.
	// If negative (the default), the first of DeviceIDs.
	OutputDevice int

	// ProcessGroup used by DistributedDataParallel. Defaults to distributed.Single().
	ProcessGroup distributed.ProcessGroup

	// BroadcastParameters makes DistributedDataParallel copy the parameters of rank 0 to all ranks
	// at construction. Defaults to true.
	BroadcastParameters bool
}

// Option modifies Options.
type Option func(*Options)

// DefaultOptions returns the options used when none is given.
func DefaultOptions() Options {
	return Options{
		OutputDevice:        -1,
		BroadcastParameters: true,
	}
}

func newOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDeviceIDs sets Options.DeviceIDs.
func WithDeviceIDs(ids ...int) Option {
	return func(o *Options) { o.DeviceIDs = slices.Clone(ids) }
}

// WithDim sets the axis along which inputs are scattered and outputs gathered.
func WithDim(dim int) Option {
	return func(o *Options) { o.Dim = dim }
}

// WithOutputDevice sets the index of the device where DataParallel gathers the outputs.
func WithOutputDevice(index int) Option {
	return func(o *Options) { o.OutputDevice = index }
}

// WithProcessGroup sets the group DistributedDataParallel synchronizes with.
func WithProcessGroup(group distributed.ProcessGroup) Option {
	return func(o *Options) { o.ProcessGroup = group }
}

// WithBroadcastParameters sets Options.BroadcastParameters.
func WithBroadcastParameters(broadcast bool) Option {
	return func(o *Options) { o.BroadcastParameters = broadcast }
}
