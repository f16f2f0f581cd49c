// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Environment variables set by the launcher of a distributed job (torchrun and friends use the same names).
const (
	RankEnv      = "RANK"
	WorldSizeEnv = "WORLD_SIZE"
	LocalRankEnv = "LOCAL_RANK"
)

// World describes where this process sits in a distributed job.
type World struct {
	// Rank of this process among all processes, from 0 to Size-1.
	Rank int

	// Size is the total number of processes.
	Size int

	// LocalRank is the rank of this process among the processes on the same host. It's usually
	// the index of the accelerator this process uses.
	LocalRank int
}

// IsDistributed returns whether there is more than one process.
func (w World) IsDistributed() bool { return w.Size > 1 }

// String implements fmt.Stringer.
func (w World) String() string {
	return fmt.Sprintf("rank %d/%d (local rank %d)", w.Rank, w.Size, w.LocalRank)
}

// WorldFromEnv reads the World from the environment variables RANK, WORLD_SIZE and LOCAL_RANK.
// Missing variables default to a single process world: rank 0, size 1, local rank 0.
func WorldFromEnv() (World, error) {
	w := World{Size: 1}
	var err error
	if w.Rank, err = intFromEnv(RankEnv, 0); err != nil {
		return World{}, err
	}
	if w.Size, err = intFromEnv(WorldSizeEnv, 1); err != nil {
		return World{}, err
	}
	if w.LocalRank, err = intFromEnv(LocalRankEnv, 0); err != nil {
		return World{}, err
	}
	if w.Size <= 0 {
		return World{}, errors.Errorf("%s=%d must be positive", WorldSizeEnv, w.Size)
	}
	if w.Rank < 0 || w.Rank >= w.Size {
		return World{}, errors.Errorf("%s=%d out of range for %s=%d", RankEnv, w.Rank, WorldSizeEnv, w.Size)
	}
	if w.LocalRank < 0 || w.LocalRank > w.Rank {
		return World{}, errors.Errorf("%s=%d must be between 0 and %s=%d", LocalRankEnv, w.LocalRank, RankEnv, w.Rank)
	}
	return w, nil
}

func intFromEnv(key string, defaultValue int) (int, error) {
	value, found := os.LookupEnv(key)
	if !found || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value for %s", key)
	}
	return n, nil
}
