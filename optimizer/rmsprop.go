package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-unet/layers"
	"github.com/tsawler/go-unet/tensor"
)

// RMSPropOptimizerState scales each update by a running average of squared
// gradients.
type RMSPropOptimizerState struct {
	// Hyperparameters
	lr          float64
	Alpha       float64 // Smoothing constant (typically 0.99)
	Epsilon     float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay float64 // L2 regularization coefficient
	Momentum    float64 // Momentum coefficient (0.0 for no momentum)

	params                []*layers.Parameter
	SquaredGradAvgBuffers []*tensor.Tensor // Running average of squared gradients
	MomentumBuffers       []*tensor.Tensor // Only if momentum > 0

	// Step tracking
	StepCount uint64

	scratch []float64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
	}
}

var rmspropLayout = stateLayout{
	optimizerType: "RMSProp",
	scalars:       []string{"lr", "alpha", "eps", "weight_decay", "momentum", "step"},
}

// NewRMSPropOptimizer creates a new RMSProp optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*layers.Parameter) (*RMSPropOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if err := validateLearningRate(config.LearningRate); err != nil {
		return nil, err
	}
	if config.Alpha < 0 || config.Alpha > 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1]: %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}

	rms := &RMSPropOptimizerState{
		lr:                    config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		params:                params,
		SquaredGradAvgBuffers: newBuffers(params),
	}
	if config.Momentum > 0 {
		rms.MomentumBuffers = newBuffers(params)
	}
	return rms, nil
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step() error {
	for i, p := range rms.params {
		if len(p.Grad.Data) != len(p.Value.Data) {
			return fmt.Errorf("gradient size %d doesn't match parameter %d size %d",
				len(p.Grad.Data), i, len(p.Value.Data))
		}

		g := rms.gradient(p)
		sq := rms.SquaredGradAvgBuffers[i].Data
		w := p.Value.Data
		for j, gj := range g {
			sq[j] = rms.Alpha*sq[j] + (1-rms.Alpha)*gj*gj
			g[j] = gj / (math.Sqrt(sq[j]) + rms.Epsilon)
		}

		if rms.MomentumBuffers != nil {
			buf := rms.MomentumBuffers[i].Data
			floats.Scale(rms.Momentum, buf)
			floats.Add(buf, g)
			floats.AddScaled(w, -rms.lr, buf)
		} else {
			floats.AddScaled(w, -rms.lr, g)
		}
	}

	rms.StepCount++
	return nil
}

func (rms *RMSPropOptimizerState) gradient(p *layers.Parameter) []float64 {
	if cap(rms.scratch) < len(p.Grad.Data) {
		rms.scratch = make([]float64, len(p.Grad.Data))
	}
	g := rms.scratch[:len(p.Grad.Data)]
	copy(g, p.Grad.Data)
	if rms.WeightDecay != 0 {
		floats.AddScaled(g, rms.WeightDecay, p.Value.Data)
	}
	return g
}

// ZeroGrad clears all parameter gradients
func (rms *RMSPropOptimizerState) ZeroGrad() {
	zeroGrad(rms.params)
}

// LearningRate returns the current learning rate
func (rms *RMSPropOptimizerState) LearningRate() float64 {
	return rms.lr
}

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(newLR float64) {
	rms.lr = newLR
}

// GetStepCount returns the current step count
func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}

// StateDict extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) StateDict() tensor.StateDict {
	sd := tensor.StateDict{}
	sd.SetFloat("lr", rms.lr)
	sd.SetFloat("alpha", rms.Alpha)
	sd.SetFloat("eps", rms.Epsilon)
	sd.SetFloat("weight_decay", rms.WeightDecay)
	sd.SetFloat("momentum", rms.Momentum)
	sd.SetFloat("step", float64(rms.StepCount))
	storeBuffers(sd, "square_avg", rms.SquaredGradAvgBuffers)
	storeBuffers(sd, "momentum", rms.MomentumBuffers)
	return sd
}

// LoadStateDict restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadStateDict(sd tensor.StateDict) error {
	layout := rmspropLayout
	momentum, err := sd.Float("momentum")
	if err != nil {
		return fmt.Errorf("state type mismatch: RMSProp state %w", err)
	}
	layout.bufferKinds = []string{"square_avg"}
	if momentum > 0 {
		layout.bufferKinds = append(layout.bufferKinds, "momentum")
	}
	if err := layout.validate(sd, rms.params); err != nil {
		return err
	}

	rms.lr, _ = sd.Float("lr")
	rms.Alpha, _ = sd.Float("alpha")
	rms.Epsilon, _ = sd.Float("eps")
	rms.WeightDecay, _ = sd.Float("weight_decay")
	rms.Momentum = momentum
	step, _ := sd.Float("step")
	rms.StepCount = uint64(step)

	loadBuffers(sd, "square_avg", rms.SquaredGradAvgBuffers)
	if momentum > 0 {
		if rms.MomentumBuffers == nil {
			rms.MomentumBuffers = newBuffers(rms.params)
		}
		loadBuffers(sd, "momentum", rms.MomentumBuffers)
	} else {
		rms.MomentumBuffers = nil
	}
	return nil
}
