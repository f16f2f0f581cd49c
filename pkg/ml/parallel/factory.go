// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/parallel/pkg/core/devices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// ErrUnsupportedDevice is returned (wrapped) when no wrapper is available for the requested device type.
var ErrUnsupportedDevice = errors.New("unsupported device type")

// DPConstructor creates a single-process data-parallel wrapper for a device type.
type DPConstructor func(module Module, opts Options) (Wrapped, error)

// DDPConstructor creates a distributed data-parallel wrapper for module placed on device.
type DDPConstructor func(ctx context.Context, module Module, device devices.Device, opts Options) (Wrapped, error)

// DataParallelOn returns the DPConstructor of DataParallel wrappers for the device type t.
func DataParallelOn(t devices.Type) DPConstructor {
	return func(module Module, opts Options) (Wrapped, error) {
		dp, err := NewDataParallel(module, t, opts)
		if err != nil {
			return nil, err
		}
		return dp, nil
	}
}

// DistributedDataParallelOn returns the DDPConstructor of DistributedDataParallel wrappers.
func DistributedDataParallelOn() DDPConstructor {
	return func(ctx context.Context, module Module, device devices.Device, opts Options) (Wrapped, error) {
		ddp, err := NewDistributedDataParallel(ctx, module, device, opts)
		if err != nil {
			return nil, err
		}
		return ddp, nil
	}
}

// The registries are only extended during the life of the process, never shrunk.
var (
	registryMu sync.Mutex
	dpFactory  = map[devices.Type]DPConstructor{
		devices.CUDA: DataParallelOn(devices.CUDA),
		devices.CPU:  DataParallelOn(devices.CPU),
	}
	ddpFactory = map[devices.Type]DDPConstructor{
		devices.CUDA: DistributedDataParallelOn(),
	}
)

// RegisterDP sets the constructor BuildDP uses for device type t, replacing any previous one.
func RegisterDP(t devices.Type, constructor DPConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	dpFactory[t] = constructor
}

// RegisterDDP sets the constructor BuildDDP uses for device type t, replacing any previous one.
// Notice BuildDDP only accepts "cuda" and "npu" device types.
func RegisterDDP(t devices.Type, constructor DDPConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	ddpFactory[t] = constructor
}

// RegisteredDP returns the device types with a registered data-parallel wrapper, sorted.
func RegisteredDP() []devices.Type {
	registryMu.Lock()
	defer registryMu.Unlock()
	types := maps.Keys(dpFactory)
	slices.Sort(types)
	return types
}

// RegisteredDDP returns the device types with a registered distributed data-parallel wrapper, sorted.
func RegisteredDDP() []devices.Type {
	registryMu.Lock()
	defer registryMu.Unlock()
	types := maps.Keys(ddpFactory)
	slices.Sort(types)
	return types
}

// registerNPUDP adds the NPU data-parallel wrapper the first time BuildDP is asked for an NPU.
// A constructor registered by the user is kept.
func registerNPUDP() {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := dpFactory[devices.NPU]; !found {
		dpFactory[devices.NPU] = DataParallelOn(devices.NPU)
		klog.V(1).Info("parallel: registered DataParallel for npu")
	}
}

// registerNPUDDP is like registerNPUDP, for BuildDDP.
func registerNPUDDP() {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := ddpFactory[devices.NPU]; !found {
		ddpFactory[devices.NPU] = DistributedDataParallelOn()
		klog.V(1).Info("parallel: registered DistributedDataParallel for npu")
	}
}

// resolveDeviceIDs returns the device ids to use for an accelerator: the given ones, or the current device.
func resolveDeviceIDs(t devices.Type, ids []int) []int {
	if len(ids) > 0 {
		return ids
	}
	return []int{devices.Current(t)}
}

// BuildDP wraps module for single-process data parallelism on the given device type, using the
// constructor registered for it (see RegisterDP).
//
// Before wrapping, the module is placed on the first device of WithDeviceIDs (the current device if none
// is given). For "npu", that device also becomes the current NPU, and JIT compilation is disabled.
// For "cpu" the module is wrapped as is.
func BuildDP(module Module, deviceType devices.Type, opts ...Option) (Wrapped, error) {
	if module == nil {
		return nil, errors.New("BuildDP requires a non-nil module")
	}
	o := newOptions(opts)
	var err error
	switch deviceType {
	case devices.NPU:
		registerNPUDP()
		o.DeviceIDs = resolveDeviceIDs(devices.NPU, o.DeviceIDs)
		if err = devices.SetCurrent(devices.NPU, o.DeviceIDs[0]); err != nil {
			return nil, err
		}
		devices.SetJITCompile(devices.NPU, false)
		module, err = place(module, devices.New(devices.NPU, o.DeviceIDs[0]))
	case devices.CUDA:
		o.DeviceIDs = resolveDeviceIDs(devices.CUDA, o.DeviceIDs)
		module, err = place(module, devices.New(devices.CUDA, o.DeviceIDs[0]))
	}
	if err != nil {
		return nil, err
	}

	registryMu.Lock()
	constructor, found := dpFactory[deviceType]
	registryMu.Unlock()
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedDevice, "no data-parallel wrapper for device type %q", deviceType)
	}
	klog.V(1).Infof("parallel: building data-parallel %T on %s %v", module, deviceType, o.DeviceIDs)
	return constructor(module, o)
}

// BuildDDP wraps module for distributed data parallelism on the given device type, using the
// constructor registered for it (see RegisterDDP).
//
// Only "cuda" and "npu" device types are supported, anything else returns an error wrapping
// ErrUnsupportedDevice. The module is placed on the current device of the type (see devices.SetCurrent),
// or on the one device given with WithDeviceIDs. For "npu" JIT compilation is disabled.
//
// With more than one rank in the process group, it blocks until all ranks build their wrapper.
func BuildDDP(ctx context.Context, module Module, deviceType devices.Type, opts ...Option) (Wrapped, error) {
	if deviceType != devices.CUDA && deviceType != devices.NPU {
		return nil, errors.Wrapf(ErrUnsupportedDevice,
			"distributed data-parallel is only available for cuda or npu devices, got %q", deviceType)
	}
	if module == nil {
		return nil, errors.New("BuildDDP requires a non-nil module")
	}
	o := newOptions(opts)
	device := devices.CurrentDevice(deviceType)
	switch len(o.DeviceIDs) {
	case 0:
	case 1:
		device.Index = o.DeviceIDs[0]
	default:
		return nil, errors.Errorf("distributed data-parallel uses one device per process, got device ids %v", o.DeviceIDs)
	}
	if deviceType == devices.NPU {
		devices.SetJITCompile(devices.NPU, false)
		registerNPUDDP()
	}
	module, err := place(module, device)
	if err != nil {
		return nil, err
	}

	registryMu.Lock()
	constructor, found := ddpFactory[deviceType]
	registryMu.Unlock()
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedDevice, "no distributed data-parallel wrapper for device type %q", deviceType)
	}
	klog.V(1).Infof("parallel: building distributed data-parallel %T on %s", module, device)
	return constructor(ctx, module, device, o)
}

// MustBuildDP is like BuildDP, but panics on error.
func MustBuildDP(module Module, deviceType devices.Type, opts ...Option) Wrapped {
	return must.M1(BuildDP(module, deviceType, opts...))
}

// MustBuildDDP is like BuildDDP, but panics on error.
func MustBuildDDP(ctx context.Context, module Module, deviceType devices.Type, opts ...Option) Wrapped {
	return must.M1(BuildDDP(ctx, module, deviceType, opts...))
}
