package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/go-unet/tensor"
)

// Conv2DLayer is a square-kernel 2D convolution with optional bias.
type Conv2DLayer struct {
	name        string
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	weight      *Parameter
	bias        *Parameter
	workers     int
	training    bool
	input       *tensor.Tensor
}

// NewConv2D creates a convolution whose parameters follow the default
// U(-1/√fanIn, 1/√fanIn) initialisation. Trainers normally replace them with
// InitWeights.
func NewConv2D(inChannels, outChannels, kernelSize, stride, padding int, useBias bool, name string) *Conv2DLayer {
	fanIn := inChannels * kernelSize * kernelSize
	bound := 1 / math.Sqrt(float64(fanIn))

	w, _ := tensor.Zeros([]int{outChannels, inChannels, kernelSize, kernelSize})
	fillUniform(w, bound)

	c := &Conv2DLayer{
		name:        name,
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		weight:      newParameter("weight", w),
		workers:     1,
		training:    true,
	}
	if useBias {
		b, _ := tensor.Zeros([]int{outChannels})
		fillUniform(b, bound)
		c.bias = newParameter("bias", b)
	}
	return c
}

func (c *Conv2DLayer) Name() string       { return c.name }
func (c *Conv2DLayer) Type() LayerType    { return Conv2D }
func (c *Conv2DLayer) Children() []Module { return nil }
func (c *Conv2DLayer) SetTraining(t bool) { c.training = t; c.input = nil }
func (c *Conv2DLayer) setWorkers(n int)   { c.workers = n }
func (c *Conv2DLayer) FanIn() int         { return c.InChannels * c.KernelSize * c.KernelSize }

func (c *Conv2DLayer) WeightAndBias() (*Parameter, *Parameter) {
	return c.weight, c.bias
}

func (c *Conv2DLayer) Params() []*Parameter {
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}

func (c *Conv2DLayer) params() tensor.ConvParams {
	return tensor.ConvParams{Stride: c.Stride, Padding: c.Padding, Workers: c.workers}
}

func (c *Conv2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var b *tensor.Tensor
	if c.bias != nil {
		b = c.bias.Value
	}
	out, err := tensor.Conv2D(x, c.weight.Value, b, c.params())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	if c.training {
		c.input = x
	}
	return out, nil
}

func (c *Conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("%s: backward called without a training-mode forward pass", c.name)
	}
	grads, err := tensor.Conv2DBackward(c.input, c.weight.Value, c.bias != nil, gradOut, c.params())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	if err := c.weight.accumulate(grads.Weight); err != nil {
		return nil, err
	}
	if c.bias != nil {
		if err := c.bias.accumulate(grads.Bias); err != nil {
			return nil, err
		}
	}
	c.input = nil
	return grads.Input, nil
}

// LinearLayer is a fully-connected layer over (N, In) inputs.
type LinearLayer struct {
	name        string
	InFeatures  int
	OutFeatures int
	weight      *Parameter
	bias        *Parameter
	training    bool
	input       *tensor.Tensor
}

// NewLinear creates a fully-connected layer.
func NewLinear(inFeatures, outFeatures int, useBias bool, name string) *LinearLayer {
	bound := 1 / math.Sqrt(float64(inFeatures))
	w, _ := tensor.Zeros([]int{outFeatures, inFeatures})
	fillUniform(w, bound)

	l := &LinearLayer{
		name:        name,
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		weight:      newParameter("weight", w),
		training:    true,
	}
	if useBias {
		b, _ := tensor.Zeros([]int{outFeatures})
		fillUniform(b, bound)
		l.bias = newParameter("bias", b)
	}
	return l
}

func (l *LinearLayer) Name() string       { return l.name }
func (l *LinearLayer) Type() LayerType    { return Dense }
func (l *LinearLayer) Children() []Module { return nil }
func (l *LinearLayer) SetTraining(t bool) { l.training = t; l.input = nil }
func (l *LinearLayer) FanIn() int         { return l.InFeatures }

func (l *LinearLayer) WeightAndBias() (*Parameter, *Parameter) {
	return l.weight, l.bias
}

func (l *LinearLayer) Params() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

func (l *LinearLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var b *tensor.Tensor
	if l.bias != nil {
		b = l.bias.Value
	}
	out, err := tensor.Linear(x, l.weight.Value, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	if l.training {
		l.input = x
	}
	return out, nil
}

func (l *LinearLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("%s: backward called without a training-mode forward pass", l.name)
	}
	gx, gw, gb, err := tensor.LinearBackward(l.input, l.weight.Value, l.bias != nil, gradOut)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	if err := l.weight.accumulate(gw); err != nil {
		return nil, err
	}
	if l.bias != nil {
		if err := l.bias.accumulate(gb); err != nil {
			return nil, err
		}
	}
	l.input = nil
	return gx, nil
}
