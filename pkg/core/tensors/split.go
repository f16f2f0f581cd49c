// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/pkg/errors"
)

// ChunkSizes returns the sizes of the chunks a dimension of size dim is split into, when asked for n chunks.
//
// Every chunk has size ceil(dim/n) except the last one, which is smaller if dim is not divisible.
// Fewer than n chunks are returned if dim is not large enough, e.g. ChunkSizes(5, 4) = [2, 2, 1].
func ChunkSizes(dim, n int) []int {
	if dim <= 0 || n <= 0 {
		return nil
	}
	chunk := (dim + n - 1) / n
	sizes := make([]int, 0, n)
	for remaining := dim; remaining > 0; remaining -= chunk {
		sizes = append(sizes, min(chunk, remaining))
	}
	return sizes
}

// Split t along axis into at most n chunks, with sizes given by ChunkSizes.
func Split(t Tensor, axis, n int) ([]Tensor, error) {
	if n <= 0 {
		return nil, errors.Errorf("number of chunks must be positive, got %d", n)
	}
	if axis < 0 || axis >= t.Rank() {
		return nil, errors.Errorf("can't split along axis %d a tensor of rank %d", axis, t.Rank())
	}
	sizes := ChunkSizes(t.Shape()[axis], n)
	chunks := make([]Tensor, 0, len(sizes))
	var start int
	for _, size := range sizes {
		chunk, err := t.Slice(axis, start, start+size)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
		start += size
	}
	return chunks, nil
}

// Concat concatenates parts along axis. The result is placed on the device of the first part.
func Concat(axis int, parts ...Tensor) (Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("nothing to concatenate")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts[0].Concat(axis, parts[1:])
}
