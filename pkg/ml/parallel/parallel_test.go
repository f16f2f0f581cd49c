package parallel_test

import (
	"context"
	"sync"
	"testing"

	"github.com/gomlx/parallel/pkg/core/devices"
	"github.com/gomlx/parallel/pkg/core/devices/devicestest"
	"github.com/gomlx/parallel/pkg/core/distributed"
	"github.com/gomlx/parallel/pkg/core/tensors"
	"github.com/gomlx/parallel/pkg/ml/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDP(t *testing.T) {
	ctx := context.Background()

	t.Run("CPU", func(t *testing.T) {
		devicestest.NoAccelerators(t)
		require.Equal(t, devices.CPU, devices.Get())
		model := newScaleModel(3)
		wrapped, err := parallel.BuildDP(model, devices.Get())
		require.NoError(t, err)
		assert.Same(t, model, wrapped.Unwrap())
		assert.Equal(t, []devices.Device{{Type: devices.CPU, Index: devices.NoIndex}}, wrapped.Devices())

		outputs, err := wrapped.Forward(ctx, tensors.MustFromFlat([]float32{1, 2}, 2))
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		assert.Equal(t, []float32{3, 6}, outputs[0].(*tensors.Dense[float32]).Data())

		_, err = parallel.BuildDP(model, devices.CPU, parallel.WithDeviceIDs(0))
		assert.Error(t, err)
	})

	t.Run("CUDA", func(t *testing.T) {
		model := newScaleModel(2)
		wrapped, err := parallel.BuildDP(model, devices.CUDA, parallel.WithDeviceIDs(1, 3))
		require.NoError(t, err)
		assert.Equal(t, []devices.Device{devices.New(devices.CUDA, 1)}, model.log.placed)
		assert.Equal(t, []devices.Device{devices.New(devices.CUDA, 1), devices.New(devices.CUDA, 3)}, wrapped.Devices())

		// 5 rows are split in chunks of 3 and 2.
		outputs, err := wrapped.Forward(ctx, batch(5, 2))
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		out := outputs[0].(*tensors.Dense[float32])
		assert.Equal(t, []int{5, 2}, out.Shape())
		assert.Equal(t, []float32{0, 2, 4, 6, 8, 10, 12, 14, 16, 18}, out.Data())
		assert.Equal(t, devices.New(devices.CUDA, 1), out.Device())
		assert.Equal(t, []string{"cuda:1", "cuda:3"}, model.log.ranOn())
	})

	t.Run("OutputDeviceAndDim", func(t *testing.T) {
		model := newScaleModel(1)
		wrapped, err := parallel.BuildDP(model, devices.CUDA,
			parallel.WithDeviceIDs(0, 1, 2), parallel.WithDim(1), parallel.WithOutputDevice(2))
		require.NoError(t, err)
		outputs, err := wrapped.Forward(ctx, batch(2, 3), batch(2, 3))
		require.NoError(t, err)
		require.Len(t, outputs, 2)
		for _, output := range outputs {
			assert.Equal(t, devices.New(devices.CUDA, 2), output.Device())
			assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, output.(*tensors.Dense[float32]).Data())
		}
		assert.Equal(t, []string{"cuda:0", "cuda:1", "cuda:2"}, model.log.ranOn())
	})

	t.Run("CurrentDevice", func(t *testing.T) {
		devicestest.IsolateState(t)
		devicestest.FakeDevices(t, map[devices.Type]int{devices.CUDA: 4})
		require.NoError(t, devices.SetCurrent(devices.CUDA, 2))

		model := newScaleModel(1)
		wrapped, err := parallel.BuildDP(model, devices.CUDA)
		require.NoError(t, err)
		assert.Equal(t, []devices.Device{devices.New(devices.CUDA, 2)}, wrapped.Devices())
		outputs, err := wrapped.Forward(ctx, batch(4, 1))
		require.NoError(t, err)
		assert.Equal(t, devices.New(devices.CUDA, 2), outputs[0].Device())
	})

	t.Run("NPU", func(t *testing.T) {
		devicestest.IsolateState(t)
		devicestest.FakeDevices(t, map[devices.Type]int{devices.NPU: 2})

		model := newScaleModel(1)
		wrapped, err := parallel.BuildDP(model, devices.NPU, parallel.WithDeviceIDs(1))
		require.NoError(t, err)
		assert.Contains(t, parallel.RegisteredDP(), devices.NPU)
		assert.Equal(t, 1, devices.Current(devices.NPU))
		assert.False(t, devices.JITCompile(devices.NPU))
		assert.Equal(t, []devices.Device{devices.New(devices.NPU, 1)}, model.log.placed)
		assert.Equal(t, []devices.Device{devices.New(devices.NPU, 1)}, wrapped.Devices())

		_, err = parallel.BuildDP(model, devices.NPU, parallel.WithDeviceIDs(5))
		assert.Error(t, err, "only 2 NPUs are visible")
	})

	t.Run("NotReplicable", func(t *testing.T) {
		wrapped, err := parallel.BuildDP(fixedModel{}, devices.CUDA, parallel.WithDeviceIDs(0, 1))
		require.NoError(t, err)
		_, err = wrapped.Forward(ctx, batch(4, 2))
		assert.ErrorContains(t, err, "Replicator")

		// A single row is not split, so no replica is needed.
		outputs, err := wrapped.Forward(ctx, batch(1, 2))
		require.NoError(t, err)
		assert.Equal(t, devices.New(devices.CUDA, 0), outputs[0].Device())
	})

	t.Run("SingleChunk", func(t *testing.T) {
		// Fewer rows than devices: only the first device runs, but outputs still go to the output device.
		model := newScaleModel(2)
		wrapped, err := parallel.BuildDP(model, devices.CUDA, parallel.WithDeviceIDs(0, 1), parallel.WithOutputDevice(1))
		require.NoError(t, err)
		outputs, err := wrapped.Forward(ctx, batch(1, 2))
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		assert.Equal(t, devices.New(devices.CUDA, 1), outputs[0].Device())
		assert.Equal(t, []float32{0, 2}, outputs[0].(*tensors.Dense[float32]).Data())
		assert.Equal(t, []string{"cuda:0"}, model.log.ranOn())

		wrapped, err = parallel.BuildDP(fixedModel{}, devices.CUDA, parallel.WithDeviceIDs(0, 1), parallel.WithOutputDevice(1))
		require.NoError(t, err)
		outputs, err = wrapped.Forward(ctx, batch(1, 2))
		require.NoError(t, err)
		assert.Equal(t, devices.New(devices.CUDA, 1), outputs[0].Device())
	})

	t.Run("Errors", func(t *testing.T) {
		model := newScaleModel(1)
		wrapped, err := parallel.BuildDP(model, devices.CUDA, parallel.WithDeviceIDs(0, 1))
		require.NoError(t, err)

		_, err = wrapped.Forward(ctx, batch(4, 2), batch(3, 2))
		assert.ErrorContains(t, err, "input #1 has 3 entries")

		_, err = wrapped.Forward(ctx, tensors.MustFromFlat([]float32{1}))
		assert.ErrorContains(t, err, "can't scatter")

		failOn := devices.New(devices.CUDA, 1)
		model.failOn = &failOn
		wrapped, err = parallel.BuildDP(model, devices.CUDA, parallel.WithDeviceIDs(0, 1))
		require.NoError(t, err)
		_, err = wrapped.Forward(ctx, batch(4, 2))
		assert.ErrorContains(t, err, "failure on cuda:1")

		_, err = parallel.BuildDP(model, devices.CUDA, parallel.WithDeviceIDs(0, 0))
		assert.ErrorContains(t, err, "duplicated")
		_, err = parallel.BuildDP(model, devices.CUDA, parallel.WithDim(-1))
		assert.Error(t, err)
		_, err = parallel.BuildDP(nil, devices.CUDA)
		assert.Error(t, err)
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := parallel.BuildDP(newScaleModel(1), devices.Type("tpu"))
		require.ErrorIs(t, err, parallel.ErrUnsupportedDevice)
		assert.Panics(t, func() { parallel.MustBuildDP(newScaleModel(1), devices.Type("tpu")) })
	})

	t.Run("Registered", func(t *testing.T) {
		testType := devices.Type("test_accelerator")
		var built bool
		parallel.RegisterDP(testType, func(module parallel.Module, opts parallel.Options) (parallel.Wrapped, error) {
			built = true
			assert.Equal(t, 1, opts.Dim)
			return parallel.NewDataParallel(module, testType, opts)
		})
		assert.Subset(t, parallel.RegisteredDP(), []devices.Type{devices.CPU, devices.CUDA, testType})
		_, err := parallel.BuildDP(newScaleModel(1), testType, parallel.WithDim(1))
		require.NoError(t, err)
		assert.True(t, built)
	})
}

func TestBuildDDP(t *testing.T) {
	ctx := context.Background()

	t.Run("Unsupported", func(t *testing.T) {
		for _, deviceType := range []devices.Type{devices.CPU, "tpu", ""} {
			_, err := parallel.BuildDDP(ctx, newScaleModel(1), deviceType)
			require.ErrorIs(t, err, parallel.ErrUnsupportedDevice)
			assert.ErrorContains(t, err, "only available for cuda or npu devices")
		}
		assert.Panics(t, func() { parallel.MustBuildDDP(ctx, newScaleModel(1), devices.CPU) })
	})

	t.Run("CurrentCUDA", func(t *testing.T) {
		devicestest.IsolateState(t)
		devicestest.FakeDevices(t, map[devices.Type]int{devices.CUDA: 4})
		require.NoError(t, devices.SetCurrent(devices.CUDA, 3))

		model := newScaleModel(2)
		wrapped := parallel.MustBuildDDP(ctx, model, devices.CUDA)
		cuda3 := devices.New(devices.CUDA, 3)
		assert.Equal(t, []devices.Device{cuda3}, wrapped.Devices())
		assert.Equal(t, []devices.Device{cuda3}, model.log.placed)

		outputs, err := wrapped.Forward(ctx, batch(2, 2))
		require.NoError(t, err)
		assert.Equal(t, cuda3, outputs[0].Device())
		assert.Equal(t, []float32{0, 2, 4, 6}, outputs[0].(*tensors.Dense[float32]).Data())

		_, err = parallel.BuildDDP(ctx, model, devices.CUDA, parallel.WithDeviceIDs(0, 1))
		assert.Error(t, err)
	})

	t.Run("NPU", func(t *testing.T) {
		devicestest.IsolateState(t)
		devicestest.FakeDevices(t, map[devices.Type]int{devices.NPU: 1})

		wrapped, err := parallel.BuildDDP(ctx, newScaleModel(1), devices.NPU)
		require.NoError(t, err)
		assert.Equal(t, []devices.Device{devices.New(devices.NPU, 0)}, wrapped.Devices())
		assert.False(t, devices.JITCompile(devices.NPU))
		assert.Contains(t, parallel.RegisteredDDP(), devices.NPU)
	})

	t.Run("MultiRank", func(t *testing.T) {
		const worldSize = 3
		members, err := distributed.NewLocalGroup(worldSize)
		require.NoError(t, err)
		models := make([]*scaleModel, worldSize)
		wrapped := make([]*parallel.DistributedDataParallel, worldSize)
		for rank := range models {
			models[rank] = newScaleModel(float32(rank + 1))
		}

		runRanks := func(fn func(rank int) error) {
			var wg sync.WaitGroup
			errs := make([]error, worldSize)
			for rank := 0; rank < worldSize; rank++ {
				rank := rank
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs[rank] = fn(rank)
				}()
			}
			wg.Wait()
			for _, err := range errs {
				require.NoError(t, err)
			}
		}

		// Parameters of rank 0 are broadcast to all ranks.
		runRanks(func(rank int) error {
			w, err := parallel.BuildDDP(ctx, models[rank], devices.CUDA,
				parallel.WithProcessGroup(members[rank]), parallel.WithDeviceIDs(rank))
			if err != nil {
				return err
			}
			wrapped[rank] = w.(*parallel.DistributedDataParallel)
			return nil
		})
		for rank, model := range models {
			assert.Equal(t, []float32{1}, model.scale, "rank %d", rank)
			assert.Equal(t, []devices.Device{devices.New(devices.CUDA, rank)}, wrapped[rank].Devices())
			assert.Equal(t, rank, wrapped[rank].ProcessGroup().Rank())
		}

		// Gradients are averaged.
		for rank, model := range models {
			model.grad[0] = float32(3 * rank)
		}
		runRanks(func(rank int) error {
			return wrapped[rank].SyncGradients(ctx)
		})
		for rank, model := range models {
			assert.Equal(t, []float32{3}, model.grad, "rank %d", rank)
		}
	})

	t.Run("NoParameters", func(t *testing.T) {
		w, err := parallel.BuildDDP(ctx, fixedModel{}, devices.CUDA, parallel.WithDeviceIDs(0))
		require.NoError(t, err)
		err = w.(*parallel.DistributedDataParallel).SyncGradients(ctx)
		assert.ErrorContains(t, err, "ParameterHolder")
	})
}
