// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the minimal tensor needed to scatter a batch across devices and gather the
// results back: a dense row-major array tagged with the device it lives on.
//
// The tensor doesn't do math: the device tag records placement, and moving a tensor with To
// is a copy with a new tag. Frameworks plugging in their own tensors only need to implement Tensor.
package tensors

import (
	"fmt"
	"slices"

	"github.com/gomlx/parallel/pkg/core/devices"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Tensor is what data-parallel wrappers need from a tensor: its shape, its placement, and the ability to
// be cut into pieces along an axis and put back together.
type Tensor interface {
	// Shape returns a copy of the tensor dimensions.
	Shape() []int

	// Rank is the number of axes.
	Rank() int

	// Device where the tensor is stored.
	Device() devices.Device

	// To returns the tensor placed on the given device. It may return the tensor itself if it
	// is already there.
	To(device devices.Device) Tensor

	// Slice returns the sub-tensor with the range [start, end) along axis.
	Slice(axis, start, end int) (Tensor, error)

	// Concat concatenates the tensor with others along axis. The result is placed on the device of
	// the receiver.
	Concat(axis int, others []Tensor) (Tensor, error)
}

// DType lists the supported element types of Dense.
type DType interface {
	constraints.Integer | constraints.Float
}

// Dense is a row-major tensor with elements of type T.
type Dense[T DType] struct {
	shape  []int
	data   []T
	device devices.Device
}

var _ Tensor = (*Dense[float32])(nil)

// FromFlat creates a Dense tensor on the CPU with the given flat data and shape. The data is not copied.
//
// A scalar is created with no dimensions and one element.
func FromFlat[T DType](data []T, shape ...int) (*Dense[T], error) {
	size := 1
	for axis, dim := range shape {
		if dim < 0 {
			return nil, errors.Errorf("invalid negative dimension %d for axis %d", dim, axis)
		}
		size *= dim
	}
	if size != len(data) {
		return nil, errors.Errorf("shape %v requires %d elements, got %d", shape, size, len(data))
	}
	return &Dense[T]{
		shape:  slices.Clone(shape),
		data:   data,
		device: devices.Device{Type: devices.CPU, Index: devices.NoIndex},
	}, nil
}

// MustFromFlat is like FromFlat, but panics on error.
func MustFromFlat[T DType](data []T, shape ...int) *Dense[T] {
	t, err := FromFlat(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros returns a new tensor filled with zeros.
func Zeros[T DType](shape ...int) *Dense[T] {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return MustFromFlat(make([]T, size), shape...)
}

// Shape implements Tensor.
func (t *Dense[T]) Shape() []int { return slices.Clone(t.shape) }

// Rank implements Tensor.
func (t *Dense[T]) Rank() int { return len(t.shape) }

// Size returns the number of elements.
func (t *Dense[T]) Size() int { return len(t.data) }

// Data returns the flat underlying data. Changes to it are visible in the tensor.
func (t *Dense[T]) Data() []T { return t.data }

// Device implements Tensor.
func (t *Dense[T]) Device() devices.Device { return t.device }

// To implements Tensor.
func (t *Dense[T]) To(device devices.Device) Tensor {
	if t.device == device {
		return t
	}
	return &Dense[T]{shape: slices.Clone(t.shape), data: slices.Clone(t.data), device: device}
}

// Value returns the element at the given indices.
func (t *Dense[T]) Value(indices ...int) (T, error) {
	if len(indices) != len(t.shape) {
		var zero T
		return zero, errors.Errorf("tensor has rank %d, got %d indices", len(t.shape), len(indices))
	}
	var flat int
	for axis, idx := range indices {
		if idx < 0 || idx >= t.shape[axis] {
			var zero T
			return zero, errors.Errorf("index %d out of range for axis %d of dimension %d", idx, axis, t.shape[axis])
		}
		flat = flat*t.shape[axis] + idx
	}
	return t.data[flat], nil
}

// String implements fmt.Stringer.
func (t *Dense[T]) String() string {
	var zero T
	return fmt.Sprintf("Dense[%T]%v@%s", zero, t.shape, t.device)
}

func (t *Dense[T]) checkAxis(axis int) error {
	if axis < 0 || axis >= len(t.shape) {
		return errors.Errorf("axis %d out of range for tensor of rank %d", axis, len(t.shape))
	}
	return nil
}

// blocks returns the number of outer blocks and the number of elements per unit of the given axis.
func (t *Dense[T]) blocks(axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i, dim := range t.shape {
		if i < axis {
			outer *= dim
		} else if i > axis {
			inner *= dim
		}
	}
	return
}

// Slice implements Tensor.
func (t *Dense[T]) Slice(axis, start, end int) (Tensor, error) {
	if err := t.checkAxis(axis); err != nil {
		return nil, err
	}
	if start < 0 || end > t.shape[axis] || start > end {
		return nil, errors.Errorf("invalid range [%d, %d) for axis %d of dimension %d", start, end, axis, t.shape[axis])
	}
	outer, inner := t.blocks(axis)
	dim := t.shape[axis]
	width := (end - start) * inner
	data := make([]T, 0, outer*width)
	for o := 0; o < outer; o++ {
		base := (o*dim + start) * inner
		data = append(data, t.data[base:base+width]...)
	}
	shape := slices.Clone(t.shape)
	shape[axis] = end - start
	return &Dense[T]{shape: shape, data: data, device: t.device}, nil
}

// Concat implements Tensor. All others must be *Dense[T] with the same shape as t, except along axis.
func (t *Dense[T]) Concat(axis int, others []Tensor) (Tensor, error) {
	if err := t.checkAxis(axis); err != nil {
		return nil, err
	}
	parts := make([]*Dense[T], 0, len(others)+1)
	parts = append(parts, t)
	newDim := t.shape[axis]
	for i, other := range others {
		dense, ok := other.(*Dense[T])
		if !ok {
			return nil, errors.Errorf("can't concatenate %s with tensor #%d of type %T", t, i, other)
		}
		if len(dense.shape) != len(t.shape) {
			return nil, errors.Errorf("can't concatenate %s with %s: ranks differ", t, dense)
		}
		for a := range t.shape {
			if a != axis && dense.shape[a] != t.shape[a] {
				return nil, errors.Errorf("can't concatenate %s with %s along axis %d: axis %d differs", t, dense, axis, a)
			}
		}
		newDim += dense.shape[axis]
		parts = append(parts, dense)
	}
	outer, inner := t.blocks(axis)
	data := make([]T, 0, outer*newDim*inner)
	for o := 0; o < outer; o++ {
		for _, part := range parts {
			width := part.shape[axis] * inner
			data = append(data, part.data[o*width:(o+1)*width]...)
		}
	}
	shape := slices.Clone(t.shape)
	shape[axis] = newDim
	return &Dense[T]{shape: shape, data: data, device: t.device}, nil
}
