package parallel_test

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/parallel/pkg/core/devices"
	"github.com/gomlx/parallel/pkg/core/tensors"
	"github.com/gomlx/parallel/pkg/ml/parallel"
	"github.com/pkg/errors"
)

// scaleModel multiplies its inputs by a scalar parameter. It checks that its inputs are on its device,
// and records the devices it ran on.
type scaleModel struct {
	device devices.Device
	scale  []float32
	grad   []float32
	log    *runLog

	// failOn makes Forward fail when running on this device.
	failOn *devices.Device
}

type runLog struct {
	mu      sync.Mutex
	devices []devices.Device
	placed  []devices.Device
}

func (l *runLog) ran(d devices.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices = append(l.devices, d)
}

func (l *runLog) ranOn() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.devices))
	for i, d := range l.devices {
		names[i] = d.String()
	}
	slices.Sort(names)
	return names
}

func newScaleModel(scale float32) *scaleModel {
	return &scaleModel{
		device: devices.Device{Type: devices.CPU, Index: devices.NoIndex},
		scale:  []float32{scale},
		grad:   []float32{0},
		log:    &runLog{},
	}
}

func (m *scaleModel) Forward(_ context.Context, inputs ...tensors.Tensor) ([]tensors.Tensor, error) {
	if m.failOn != nil && *m.failOn == m.device {
		return nil, errors.Errorf("failure on %s", m.device)
	}
	m.log.ran(m.device)
	outputs := make([]tensors.Tensor, len(inputs))
	for i, input := range inputs {
		if input.Device() != m.device {
			return nil, errors.Errorf("input #%d is on %s, model is on %s", i, input.Device(), m.device)
		}
		dense := input.(*tensors.Dense[float32])
		data := slices.Clone(dense.Data())
		for j := range data {
			data[j] *= m.scale[0]
		}
		out, err := tensors.FromFlat(data, dense.Shape()...)
		if err != nil {
			return nil, err
		}
		outputs[i] = out.To(m.device)
	}
	return outputs, nil
}

func (m *scaleModel) To(device devices.Device) (parallel.Module, error) {
	m.log.mu.Lock()
	m.log.placed = append(m.log.placed, device)
	m.log.mu.Unlock()
	placed := *m
	placed.device = device
	return &placed, nil
}

func (m *scaleModel) Replicate(device devices.Device) (parallel.Module, error) {
	replica := *m
	replica.device = device
	return &replica, nil
}

func (m *scaleModel) Parameters() map[string][]float32 {
	return map[string][]float32{"scale": m.scale}
}

func (m *scaleModel) Gradients() map[string][]float32 {
	return map[string][]float32{"scale": m.grad}
}

// fixedModel doesn't implement Placer nor Replicator.
type fixedModel struct{}

func (fixedModel) Forward(_ context.Context, inputs ...tensors.Tensor) ([]tensors.Tensor, error) {
	return inputs, nil
}

func batch(rows, cols int) *tensors.Dense[float32] {
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(i)
	}
	return tensors.MustFromFlat(data, rows, cols)
}
