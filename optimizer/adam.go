package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-unet/layers"
	"github.com/tsawler/go-unet/tensor"
)

// AdamOptimizerState implements Adam with bias correction and L2 weight
// decay folded into the gradient.
type AdamOptimizerState struct {
	// Hyperparameters
	lr          float64
	Beta1       float64 // Momentum decay (typically 0.9)
	Beta2       float64 // Variance decay (typically 0.999)
	Epsilon     float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay float64 // L2 regularization coefficient

	params          []*layers.Parameter
	MomentumBuffers []*tensor.Tensor // First moment for each parameter
	VarianceBuffers []*tensor.Tensor // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	scratch []float64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

var adamLayout = stateLayout{
	optimizerType: "Adam",
	scalars:       []string{"lr", "beta1", "beta2", "eps", "weight_decay", "step"},
	bufferKinds:   []string{"m", "v"},
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*layers.Parameter) (*AdamOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	return &AdamOptimizerState{
		lr:              config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		params:          params,
		MomentumBuffers: newBuffers(params),
		VarianceBuffers: newBuffers(params),
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	for i, p := range adam.params {
		if len(p.Grad.Data) != len(p.Value.Data) {
			return fmt.Errorf("gradient size %d doesn't match parameter %d size %d",
				len(p.Grad.Data), i, len(p.Value.Data))
		}
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	biasCorrection1 := 1 - math.Pow(adam.Beta1, t)
	biasCorrection2 := 1 - math.Pow(adam.Beta2, t)
	stepSize := adam.lr / biasCorrection1
	sqrtBC2 := math.Sqrt(biasCorrection2)

	for i, p := range adam.params {
		g := adam.gradient(p)
		m := adam.MomentumBuffers[i].Data
		v := adam.VarianceBuffers[i].Data
		w := p.Value.Data
		for j, gj := range g {
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*gj
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*gj*gj
			w[j] -= stepSize * m[j] / (math.Sqrt(v[j])/sqrtBC2 + adam.Epsilon)
		}
	}
	return nil
}

func (adam *AdamOptimizerState) gradient(p *layers.Parameter) []float64 {
	if cap(adam.scratch) < len(p.Grad.Data) {
		adam.scratch = make([]float64, len(p.Grad.Data))
	}
	g := adam.scratch[:len(p.Grad.Data)]
	copy(g, p.Grad.Data)
	if adam.WeightDecay != 0 {
		floats.AddScaled(g, adam.WeightDecay, p.Value.Data)
	}
	return g
}

// ZeroGrad clears all parameter gradients
func (adam *AdamOptimizerState) ZeroGrad() {
	zeroGrad(adam.params)
}

// LearningRate returns the current learning rate
func (adam *AdamOptimizerState) LearningRate() float64 {
	return adam.lr
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.lr = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// StateDict extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) StateDict() tensor.StateDict {
	sd := tensor.StateDict{}
	sd.SetFloat("lr", adam.lr)
	sd.SetFloat("beta1", adam.Beta1)
	sd.SetFloat("beta2", adam.Beta2)
	sd.SetFloat("eps", adam.Epsilon)
	sd.SetFloat("weight_decay", adam.WeightDecay)
	sd.SetFloat("step", float64(adam.StepCount))
	storeBuffers(sd, "m", adam.MomentumBuffers)
	storeBuffers(sd, "v", adam.VarianceBuffers)
	return sd
}

// LoadStateDict restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadStateDict(sd tensor.StateDict) error {
	if err := adamLayout.validate(sd, adam.params); err != nil {
		return err
	}

	adam.lr, _ = sd.Float("lr")
	adam.Beta1, _ = sd.Float("beta1")
	adam.Beta2, _ = sd.Float("beta2")
	adam.Epsilon, _ = sd.Float("eps")
	adam.WeightDecay, _ = sd.Float("weight_decay")
	step, _ := sd.Float("step")
	adam.StepCount = uint64(step)

	loadBuffers(sd, "m", adam.MomentumBuffers)
	loadBuffers(sd, "v", adam.VarianceBuffers)
	return nil
}
