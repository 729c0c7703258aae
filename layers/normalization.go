package layers

import (
	"fmt"

	"github.com/tsawler/go-unet/tensor"
)

// BatchNormLayer normalises each channel of an NCHW tensor. Training mode
// uses batch statistics and updates the running estimates; evaluation mode
// uses the running estimates.
type BatchNormLayer struct {
	name        string
	NumFeatures int
	Eps         float64
	Momentum    float64

	gamma       *Parameter
	beta        *Parameter
	runningMean *Parameter
	runningVar  *Parameter
	numBatches  *Parameter

	training bool
	cache    *tensor.BatchNormCache
}

// NewBatchNorm creates an affine batch normalisation layer with running
// statistics initialised to mean 0, variance 1.
func NewBatchNorm(numFeatures int, eps, momentum float64, name string) *BatchNormLayer {
	gamma, _ := tensor.Full([]int{numFeatures}, 1)
	beta, _ := tensor.Zeros([]int{numFeatures})
	mean, _ := tensor.Zeros([]int{numFeatures})
	variance, _ := tensor.Full([]int{numFeatures}, 1)

	return &BatchNormLayer{
		name:        name,
		NumFeatures: numFeatures,
		Eps:         eps,
		Momentum:    momentum,
		gamma:       newParameter("weight", gamma),
		beta:        newParameter("bias", beta),
		runningMean: newBuffer("running_mean", mean),
		runningVar:  newBuffer("running_var", variance),
		numBatches:  newBuffer("num_batches_tracked", tensor.Scalar(0)),
		training:    true,
	}
}

func (b *BatchNormLayer) Name() string       { return b.name }
func (b *BatchNormLayer) Type() LayerType    { return BatchNorm }
func (b *BatchNormLayer) Children() []Module { return nil }
func (b *BatchNormLayer) SetTraining(t bool) { b.training = t; b.cache = nil }

func (b *BatchNormLayer) Params() []*Parameter {
	return []*Parameter{b.gamma, b.beta, b.runningMean, b.runningVar, b.numBatches}
}

// RunningStats exposes the running mean and variance.
func (b *BatchNormLayer) RunningStats() (mean, variance *tensor.Tensor) {
	return b.runningMean.Value, b.runningVar.Value
}

func (b *BatchNormLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, cache, err := tensor.BatchNorm2D(x, b.gamma.Value, b.beta.Value, b.runningMean.Value, b.runningVar.Value,
		tensor.BatchNormParams{Eps: b.Eps, Momentum: b.Momentum, Training: b.training})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	if b.training {
		b.numBatches.Value.Data[0]++
		b.cache = cache
	}
	return out, nil
}

func (b *BatchNormLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if b.cache == nil {
		return nil, fmt.Errorf("%s: backward called without a training-mode forward pass", b.name)
	}
	gx, gg, gb, err := tensor.BatchNorm2DBackward(gradOut, b.gamma.Value, b.cache)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	if err := b.gamma.accumulate(gg); err != nil {
		return nil, err
	}
	if err := b.beta.accumulate(gb); err != nil {
		return nil, err
	}
	b.cache = nil
	return gx, nil
}
