package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-unet/layers"
	"github.com/tsawler/go-unet/tensor"
)

// SGDOptimizerState implements stochastic gradient descent with optional
// momentum, Nesterov momentum and L2 weight decay.
type SGDOptimizerState struct {
	// Hyperparameters
	lr          float64
	Momentum    float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay float64 // L2 regularization coefficient
	Nesterov    bool    // Whether to use Nesterov momentum

	params          []*layers.Parameter
	MomentumBuffers []*tensor.Tensor // Momentum buffers (only if momentum > 0)

	// Step tracking
	StepCount uint64

	scratch []float64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

var sgdLayout = stateLayout{
	optimizerType: "SGD",
	scalars:       []string{"lr", "momentum", "weight_decay", "nesterov", "step"},
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*layers.Parameter) (*SGDOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	// Validate configuration parameters
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a momentum > 0")
	}

	sgd := &SGDOptimizerState{
		lr:          config.LearningRate,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
		params:      params,
	}

	// Only allocate momentum buffers if momentum > 0
	if config.Momentum > 0 {
		sgd.MomentumBuffers = newBuffers(params)
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	for i, p := range sgd.params {
		if len(p.Grad.Data) != len(p.Value.Data) {
			return fmt.Errorf("gradient size %d doesn't match parameter %d size %d",
				len(p.Grad.Data), i, len(p.Value.Data))
		}

		g := sgd.gradient(p)
		if sgd.MomentumBuffers != nil {
			buf := sgd.MomentumBuffers[i].Data
			floats.Scale(sgd.Momentum, buf)
			floats.Add(buf, g)
			if sgd.Nesterov {
				floats.AddScaled(g, sgd.Momentum, buf)
			} else {
				copy(g, buf)
			}
		}
		floats.AddScaled(p.Value.Data, -sgd.lr, g)
	}

	sgd.StepCount++
	return nil
}

// gradient returns grad + weightDecay*param in a scratch buffer.
func (sgd *SGDOptimizerState) gradient(p *layers.Parameter) []float64 {
	if cap(sgd.scratch) < len(p.Grad.Data) {
		sgd.scratch = make([]float64, len(p.Grad.Data))
	}
	g := sgd.scratch[:len(p.Grad.Data)]
	copy(g, p.Grad.Data)
	if sgd.WeightDecay != 0 {
		floats.AddScaled(g, sgd.WeightDecay, p.Value.Data)
	}
	return g
}

// ZeroGrad clears all parameter gradients
func (sgd *SGDOptimizerState) ZeroGrad() {
	zeroGrad(sgd.params)
}

// LearningRate returns the current learning rate
func (sgd *SGDOptimizerState) LearningRate() float64 {
	return sgd.lr
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.lr = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// StateDict extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) StateDict() tensor.StateDict {
	sd := tensor.StateDict{}
	sd.SetFloat("lr", sgd.lr)
	sd.SetFloat("momentum", sgd.Momentum)
	sd.SetFloat("weight_decay", sgd.WeightDecay)
	sd.SetFloat("nesterov", boolToFloat(sgd.Nesterov))
	sd.SetFloat("step", float64(sgd.StepCount))
	storeBuffers(sd, "momentum", sgd.MomentumBuffers)
	return sd
}

// LoadStateDict restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadStateDict(sd tensor.StateDict) error {
	layout := sgdLayout
	momentum, err := sd.Float("momentum")
	if err != nil {
		return fmt.Errorf("state type mismatch: SGD state %w", err)
	}
	if momentum > 0 {
		layout.bufferKinds = []string{"momentum"}
	}
	if err := layout.validate(sd, sgd.params); err != nil {
		return err
	}

	lr, _ := sd.Float("lr")
	weightDecay, _ := sd.Float("weight_decay")
	nesterov, _ := sd.Float("nesterov")
	step, _ := sd.Float("step")

	sgd.lr = lr
	sgd.Momentum = momentum
	sgd.WeightDecay = weightDecay
	sgd.Nesterov = nesterov != 0
	sgd.StepCount = uint64(step)

	if momentum > 0 {
		if sgd.MomentumBuffers == nil {
			sgd.MomentumBuffers = newBuffers(sgd.params)
		}
		loadBuffers(sd, "momentum", sgd.MomentumBuffers)
	} else {
		sgd.MomentumBuffers = nil
	}
	return nil
}
