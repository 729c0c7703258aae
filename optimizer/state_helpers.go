package optimizer

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-unet/layers"
	"github.com/tsawler/go-unet/tensor"
)

// Common helper functions for optimizer state management

// validateParams checks the parameter list an optimizer is built over.
func validateParams(params []*layers.Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil || p.Value == nil || p.Grad == nil {
			return fmt.Errorf("parameter %d has no value or gradient buffer", i)
		}
		if !p.Trainable {
			return fmt.Errorf("parameter %d (%s) is not trainable", i, p.Name)
		}
	}
	return nil
}

// newBuffers allocates one zero tensor per parameter.
func newBuffers(params []*layers.Parameter) []*tensor.Tensor {
	buffers := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		buffers[i], _ = tensor.Zeros(p.Value.Shape)
	}
	return buffers
}

func zeroGrad(params []*layers.Parameter) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// storeBuffers copies per-parameter buffers into sd under "<kind>_<i>".
func storeBuffers(sd tensor.StateDict, kind string, buffers []*tensor.Tensor) {
	for i, b := range buffers {
		sd[bufferName(kind, i)] = b.Clone()
	}
}

// stateLayout describes the entries an optimizer expects in its state dict.
type stateLayout struct {
	optimizerType string
	scalars       []string
	bufferKinds   []string
}

// validate checks sd against the layout before anything is mutated: every
// scalar and buffer must be present, buffers must match parameter shapes
// and no unknown entries are allowed.
func (l stateLayout) validate(sd tensor.StateDict, params []*layers.Parameter) error {
	expected := make(map[string]bool)
	for _, key := range l.scalars {
		if _, err := sd.Float(key); err != nil {
			return fmt.Errorf("state type mismatch: %s state %w", l.optimizerType, err)
		}
		expected[key] = true
	}

	for _, kind := range l.bufferKinds {
		for i, p := range params {
			name := bufferName(kind, i)
			if _, err := sd.Tensor(name, p.Value.Shape); err != nil {
				return fmt.Errorf("invalid %s state for parameter %d: %w", l.optimizerType, i, err)
			}
			expected[name] = true
		}
	}

	var unexpected []string
	for key := range sd {
		if expected[key] {
			continue
		}
		unexpected = append(unexpected, key)
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		for _, key := range unexpected {
			if idx := extractBufferIndex(key); idx >= len(params) {
				return fmt.Errorf("invalid buffer index in state name: %s", key)
			}
		}
		return fmt.Errorf("unexpected %s state entries: %v", l.optimizerType, unexpected)
	}
	return nil
}

// loadBuffers copies "<kind>_<i>" entries of an already validated sd into
// buffers.
func loadBuffers(sd tensor.StateDict, kind string, buffers []*tensor.Tensor) {
	for i, b := range buffers {
		copy(b.Data, sd[bufferName(kind, i)].Data)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func validateLearningRate(lr float64) error {
	if lr < 0 {
		return fmt.Errorf("learning rate cannot be negative: %f", lr)
	}
	return nil
}
