// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices names the accelerator types a model can be placed on, probes whether they are
// present, and holds the process-wide device state (current device index and compile mode per type).
//
// Device selection follows a fixed priority order: NPU first, then CUDA, falling back to CPU.
// See Get and Default.
package devices

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Type identifies a compute backend family, e.g. "cuda".
type Type string

const (
	CPU  Type = "cpu"
	CUDA Type = "cuda"
	NPU  Type = "npu"
)

// KnownTypes lists the device types this package knows how to probe.
var KnownTypes = []Type{CPU, CUDA, NPU}

// IsAccelerator returns whether t is anything other than the host CPU.
func (t Type) IsAccelerator() bool {
	return t != CPU
}

// ParseType converts a device type label (case-insensitive) to a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownTypes {
		if t == known {
			return t, nil
		}
	}
	return "", errors.Errorf("unknown device type %q, valid values are %v", s, KnownTypes)
}

// Device is a device type plus an index among the devices of that type.
//
// An Index < 0 means "unspecified": consumers should use the current device of that type.
type Device struct {
	Type  Type
	Index int
}

// NoIndex is used in Device.Index to signal that no specific device was requested.
const NoIndex = -1

// New returns a Device of type t with the given index.
func New(t Type, index int) Device {
	return Device{Type: t, Index: index}
}

// HasIndex returns whether a specific device index was given.
func (d Device) HasIndex() bool {
	return d.Index >= 0
}

// String implements fmt.Stringer, using the "<type>:<index>" format accepted by Parse.
func (d Device) String() string {
	if d.Type == CPU || !d.HasIndex() {
		return string(d.Type)
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Parse a device in the format "<type>[:<index>]", e.g. "cuda:1" or "npu".
// If no index is given, Index is set to NoIndex.
func Parse(s string) (Device, error) {
	typeStr, indexStr, hasIndex := strings.Cut(s, ":")
	t, err := ParseType(typeStr)
	if err != nil {
		return Device{}, err
	}
	d := Device{Type: t, Index: NoIndex}
	if !hasIndex {
		return d, nil
	}
	d.Index, err = strconv.Atoi(strings.TrimSpace(indexStr))
	if err != nil {
		return Device{}, errors.Wrapf(err, "invalid device index in %q", s)
	}
	if d.Index < 0 {
		return Device{}, errors.Errorf("device index in %q must be non-negative", s)
	}
	return d, nil
}

// MustParse is like Parse, but panics on error.
func MustParse(s string) Device {
	d, err := Parse(s)
	if err != nil {
		exceptions.Panicf("devices.MustParse(%q): %+v", s, err)
	}
	return d
}
