// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devicestest holds test helpers to fake the accelerators present in the system.
package devicestest

import (
	"testing"

	"github.com/gomlx/parallel/pkg/core/devices"
)

// FakeDevices makes the probes report numDevices for each given device type, for the duration of the test.
func FakeDevices(t testing.TB, numDevices map[devices.Type]int) {
	for deviceType, n := range numDevices {
		deviceType, n := deviceType, n
		previous := devices.RegisterProbe(deviceType, func() int { return n })
		t.Cleanup(func() { devices.RegisterProbe(deviceType, previous) })
	}
}

// NoAccelerators makes the probes report no CUDA or NPU devices, for the duration of the test.
func NoAccelerators(t testing.TB) {
	FakeDevices(t, map[devices.Type]int{devices.CUDA: 0, devices.NPU: 0})
}

// IsolateState resets the process-wide device state (current devices, compile modes) before and after the test.
func IsolateState(t testing.TB) {
	devices.ResetState()
	t.Cleanup(devices.ResetState)
}
