// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// deviceState is the process-wide state kept for each device type.
type deviceState struct {
	current     int
	jitDisabled bool
}

var (
	stateMu sync.Mutex
	states  = make(map[Type]*deviceState)
)

// lockedState returns the state for t, creating it if needed. It must be called with stateMu held.
func lockedState(t Type) *deviceState {
	s, found := states[t]
	if !found {
		s = &deviceState{}
		states[t] = s
	}
	return s
}

// SetCurrent sets the process-wide current device index for type t. Placing a model on a device type
// without an explicit index uses the current one.
//
// It returns an error for negative indices, or for indices beyond the visible devices of an available type.
func SetCurrent(t Type, index int) error {
	if index < 0 {
		return errors.Errorf("invalid %s device index %d", t, index)
	}
	if n := NumDevices(t); n > 0 && index >= n && t != CPU {
		return errors.Errorf("%s device index %d out of range, only %d device(s) visible", t, index, n)
	}
	stateMu.Lock()
	defer stateMu.Unlock()
	lockedState(t).current = index
	klog.V(1).Infof("devices: current %s device set to %d", t, index)
	return nil
}

// Current returns the process-wide current device index for type t, 0 if never set.
func Current(t Type) int {
	stateMu.Lock()
	defer stateMu.Unlock()
	return lockedState(t).current
}

// CurrentDevice returns the current Device of type t.
func CurrentDevice(t Type) Device {
	if t == CPU {
		return Device{Type: CPU, Index: NoIndex}
	}
	return Device{Type: t, Index: Current(t)}
}

// SetJITCompile configures whether programs for device type t are just-in-time compiled.
// Ascend NPUs run models in their operator-by-operator mode when it is disabled.
func SetJITCompile(t Type, enabled bool) {
	stateMu.Lock()
	defer stateMu.Unlock()
	lockedState(t).jitDisabled = !enabled
}

// JITCompile returns whether programs for device type t are just-in-time compiled. Defaults to true.
func JITCompile(t Type) bool {
	stateMu.Lock()
	defer stateMu.Unlock()
	return !lockedState(t).jitDisabled
}

// ResetState forgets the current device indices and compile modes set so far.
func ResetState() {
	stateMu.Lock()
	defer stateMu.Unlock()
	clear(states)
}
