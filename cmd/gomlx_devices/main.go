// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gomlx_devices reports the accelerators visible to this process, and the device that would be selected
// by default for data-parallel training.
//
// Usage:
//
//	gomlx_devices [-device=cuda:1] [-world]
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/parallel/pkg/core/devices"
	"github.com/gomlx/parallel/pkg/core/distributed"
	"github.com/gomlx/parallel/pkg/ml/parallel"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "",
		fmt.Sprintf("Device to select, in the format \"<type>[:<index>]\". Overrides $%s if set.", devices.GOMLX_DEVICE))
	flagWorld = flag.Bool("world", false,
		fmt.Sprintf("Also report the distributed world read from $%s, $%s and $%s.",
			distributed.RankEnv, distributed.WorldSizeEnv, distributed.LocalRankEnv))
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	cellStyle  = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			return cellStyle
		})
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// wrapperStatus tells whether a wrapper is registered for t. NPU wrappers are only registered when first used.
func wrapperStatus(registered []devices.Type, t devices.Type) string {
	switch {
	case slices.Contains(registered, t):
		return "yes"
	case t == devices.NPU:
		return "on first use"
	default:
		return "no"
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'gomlx_devices -help'.", flag.Args())
		os.Exit(1)
	}
	if *flagDevice != "" {
		devices.DefaultConfig = *flagDevice
		// The flag takes precedence over the environment.
		must.M(os.Unsetenv(devices.GOMLX_DEVICE))
	}

	fmt.Println(titleStyle.Render("Devices"))
	table := newTable("type", "available", "# devices", "current", "jit", "priority", "dp", "ddp")
	dpTypes, ddpTypes := parallel.RegisteredDP(), parallel.RegisteredDDP()
	for _, t := range devices.KnownTypes {
		priority := "fallback"
		if idx := slices.Index(devices.PriorityOrder, t); idx >= 0 {
			priority = humanize.Ordinal(idx + 1)
		} else if t != devices.Fallback {
			priority = "-"
		}
		current := "-"
		if t.IsAccelerator() {
			current = strconv.Itoa(devices.Current(t))
		}
		table.Row(
			string(t),
			yesNo(devices.IsAvailable(t)),
			strconv.Itoa(devices.NumDevices(t)),
			current,
			yesNo(devices.JITCompile(t)),
			priority,
			wrapperStatus(dpTypes, t),
			wrapperStatus(ddpTypes, t),
		)
	}
	fmt.Println(table.Render())

	selected, err := devices.Default()
	if err != nil {
		klog.Errorf("Failed to select a device: %+v", err)
		os.Exit(1)
	}
	fmt.Printf("\nSelected device: %s\n", selected)

	if *flagWorld {
		world := must.M1(distributed.WorldFromEnv())
		fmt.Printf("Distributed world: %s\n", world)
	}
}
