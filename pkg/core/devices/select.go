// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PriorityOrder is the order in which accelerators are tried by Get.
var PriorityOrder = []Type{NPU, CUDA}

// Fallback is the device type returned by Get when no accelerator is available.
const Fallback = CPU

// Get returns the first available device type in PriorityOrder, or Fallback if none is available.
func Get() Type {
	for _, t := range PriorityOrder {
		if IsAvailable(t) {
			return t
		}
	}
	return Fallback
}

// GOMLX_DEVICE is the environment variable with the default device to use, in the format
// accepted by Parse, e.g. "cuda:1".
const GOMLX_DEVICE = "GOMLX_DEVICE" //nolint:revive // Named after the variable.

// DefaultConfig is the device to use if GOMLX_DEVICE is not set. See Parse for the format.
var DefaultConfig string

// Default returns the device to use:
//
// 1. The environment GOMLX_DEVICE if defined.
// 2. Next the variable DefaultConfig if defined.
// 3. The device type returned by Get.
//
// If the configuration doesn't include an index, the current device of that type is used (see SetCurrent).
// It returns an error if the configured device type is not available.
func Default() (Device, error) {
	config, found := os.LookupEnv(GOMLX_DEVICE)
	if !found || config == "" {
		config = DefaultConfig
	}
	if config == "" {
		return CurrentDevice(Get()), nil
	}
	d, err := Parse(config)
	if err != nil {
		return Device{}, errors.WithMessagef(err, "invalid device configuration %q", config)
	}
	if !IsAvailable(d.Type) {
		return Device{}, errors.Errorf("configured device %q is not available", config)
	}
	if !d.HasIndex() {
		d.Index = Current(d.Type)
	}
	klog.V(1).Infof("devices: using configured device %s", d)
	return d, nil
}
