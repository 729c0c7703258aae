package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-unet/layers"
	"github.com/tsawler/go-unet/tensor"
)

// Optimizer defines the common interface for all optimizers.
// StateDict/LoadStateDict enable exact resumption from a checkpoint.
type Optimizer interface {
	// Step applies one update using the gradients currently accumulated on
	// the parameters.
	Step() error

	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()

	// StateDict snapshots hyperparameters, step count and per-parameter
	// buffers. Buffers are keyed "<kind>_<index>" where index is the
	// position of the parameter in the managed list.
	StateDict() tensor.StateDict

	// LoadStateDict restores a snapshot. The optimizer is left untouched
	// when the snapshot does not match its parameter shapes.
	LoadStateDict(sd tensor.StateDict) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the learning rate used by the next Step.
	LearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)
}

// Type names the optimizer family.
type Type int

const (
	SGD Type = iota
	Adam
	RMSProp
)

func (t Type) String() string {
	switch t {
	case SGD:
		return "SGD"
	case Adam:
		return "Adam"
	case RMSProp:
		return "RMSProp"
	default:
		return "Unknown"
	}
}

// ParseType resolves an optimizer name such as "sgd" or "adam".
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return SGD, nil
	case "adam":
		return Adam, nil
	case "rmsprop":
		return RMSProp, nil
	default:
		return 0, fmt.Errorf("unknown optimizer %q", name)
	}
}

// Config selects and configures an optimizer.
type Config struct {
	Type         Type
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	Alpha        float64
}

// New builds the optimizer described by config over params.
func New(config Config, params []*layers.Parameter) (Optimizer, error) {
	switch config.Type {
	case SGD:
		return NewSGDOptimizer(SGDConfig{
			LearningRate: config.LearningRate,
			Momentum:     config.Momentum,
			WeightDecay:  config.WeightDecay,
			Nesterov:     config.Nesterov,
		}, params)
	case Adam:
		return NewAdamOptimizer(AdamConfig{
			LearningRate: config.LearningRate,
			Beta1:        config.Beta1,
			Beta2:        config.Beta2,
			Epsilon:      config.Epsilon,
			WeightDecay:  config.WeightDecay,
		}, params)
	case RMSProp:
		return NewRMSPropOptimizer(RMSPropConfig{
			LearningRate: config.LearningRate,
			Alpha:        config.Alpha,
			Epsilon:      config.Epsilon,
			WeightDecay:  config.WeightDecay,
			Momentum:     config.Momentum,
		}, params)
	default:
		return nil, fmt.Errorf("unsupported optimizer type: %s", config.Type)
	}
}

// Common helper functions for state extraction

// bufferName builds state names like "momentum_0" or "v_3".
func bufferName(kind string, idx int) string {
	return kind + "_" + strconv.Itoa(idx)
}

// extractBufferIndex extracts the buffer index from state names like
// "momentum_0", "v_1" or "square_avg_12". It returns -1 when the name has
// no numeric suffix.
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}
