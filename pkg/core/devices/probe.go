// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Probe reports how many devices of some type are visible to this process.
// A count of 0 means the device type is not available.
type Probe func() int

// Environment variables used by the drivers to restrict which devices a process can see.
const (
	CUDAVisibleDevicesEnv   = "CUDA_VISIBLE_DEVICES"
	AscendVisibleDevicesEnv = "ASCEND_RT_VISIBLE_DEVICES"
)

// devRoot is where the device files are searched for. Changed in tests.
var devRoot = "/dev"

var (
	probesMu sync.Mutex
	probes   = map[Type]Probe{
		CPU:  func() int { return 1 },
		CUDA: probeCUDA,
		NPU:  probeNPU,
	}
	probeCache = make(map[Type]int)
)

// RegisterProbe sets the probe used for the device type t, and returns the previous one (nil if none).
// A nil probe removes the probe for t. It also invalidates the cached result for t.
func RegisterProbe(t Type, probe Probe) (previous Probe) {
	probesMu.Lock()
	defer probesMu.Unlock()
	previous = probes[t]
	if probe == nil {
		delete(probes, t)
	} else {
		probes[t] = probe
	}
	delete(probeCache, t)
	return previous
}

// ResetProbeCache forgets every cached probe result, so the next query probes the system again.
func ResetProbeCache() {
	probesMu.Lock()
	defer probesMu.Unlock()
	clear(probeCache)
}

// NumDevices returns the number of visible devices of type t. The result is cached.
func NumDevices(t Type) int {
	probesMu.Lock()
	defer probesMu.Unlock()
	if n, found := probeCache[t]; found {
		return n
	}
	probe, found := probes[t]
	if !found {
		return 0
	}
	n := max(probe(), 0)
	probeCache[t] = n
	klog.V(1).Infof("devices: %d %q device(s) visible", n, t)
	return n
}

// IsAvailable returns whether there is at least one device of type t.
func IsAvailable(t Type) bool {
	return NumDevices(t) > 0
}

// IsCUDAAvailable returns whether an Nvidia GPU is visible.
func IsCUDAAvailable() bool {
	return IsAvailable(CUDA)
}

// IsNPUAvailable returns whether an Ascend NPU is visible.
func IsNPUAvailable() bool {
	return IsAvailable(NPU)
}

var (
	nvidiaDeviceRe = regexp.MustCompile(`^nvidia[0-9]+$`)
	ascendDeviceRe = regexp.MustCompile(`^davinci[0-9]+$`)
)

// probeCUDA counts the /dev/nvidia<N> device files, which are only present when the driver found actual
// hardware (as opposed to only the libraries being installed).
func probeCUDA() int {
	return countVisible(nvidiaDeviceRe, CUDAVisibleDevicesEnv)
}

// probeNPU counts the /dev/davinci<N> device files created by the Ascend driver.
func probeNPU() int {
	return countVisible(ascendDeviceRe, AscendVisibleDevicesEnv)
}

func countVisible(re *regexp.Regexp, visibleEnv string) int {
	entries, err := os.ReadDir(devRoot)
	if err != nil {
		klog.Errorf("Failed to list device files in %q: %v", devRoot, err)
		return 0
	}
	var n int
	for _, entry := range entries {
		if re.MatchString(entry.Name()) {
			n++
		}
	}
	if n == 0 {
		klog.V(2).Infof("devices: no files matching %q in %q", re.String(), filepath.Clean(devRoot))
		return 0
	}
	if visible, found := os.LookupEnv(visibleEnv); found {
		n = min(n, countVisibleList(visible))
	}
	return n
}

// countVisibleList interprets a "visible devices" list like "0,2". Following the drivers, the list is
// truncated at the first invalid entry, and "-1" or an empty value hides all devices.
func countVisibleList(visible string) int {
	visible = strings.TrimSpace(visible)
	if visible == "" {
		return 0
	}
	var n int
	for _, part := range strings.Split(visible, ",") {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, "-") {
			break
		}
		n++
	}
	return n
}
