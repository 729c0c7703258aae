package layers

import (
	"fmt"

	"github.com/tsawler/go-unet/tensor"
)

// ReLULayer clamps negative activations to zero. With InPlace set the input
// buffer is overwritten instead of copied.
type ReLULayer struct {
	name     string
	InPlace  bool
	training bool
	output   *tensor.Tensor
}

// NewReLU creates a rectifier.
func NewReLU(inPlace bool, name string) *ReLULayer {
	return &ReLULayer{name: name, InPlace: inPlace, training: true}
}

func (r *ReLULayer) Name() string         { return r.name }
func (r *ReLULayer) Type() LayerType      { return ReLU }
func (r *ReLULayer) Children() []Module   { return nil }
func (r *ReLULayer) Params() []*Parameter { return nil }
func (r *ReLULayer) SetTraining(t bool)   { r.training = t; r.output = nil }

func (r *ReLULayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	if r.InPlace {
		tensor.ReLUInPlace(out)
	} else {
		out = tensor.ReLU(x)
	}
	if r.training {
		r.output = out
	}
	return out, nil
}

func (r *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil {
		return nil, fmt.Errorf("%s: backward called without a training-mode forward pass", r.name)
	}
	g, err := tensor.ReLUBackward(gradOut, r.output)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	r.output = nil
	return g, nil
}

// MaxPoolLayer halves (or divides by KernelSize) the spatial dimensions.
type MaxPoolLayer struct {
	name       string
	KernelSize int
	training   bool
	argmax     []int
	inputShape []int
}

// NewMaxPool2D creates a non-overlapping max pooling layer.
func NewMaxPool2D(kernelSize int, name string) *MaxPoolLayer {
	return &MaxPoolLayer{name: name, KernelSize: kernelSize, training: true}
}

func (m *MaxPoolLayer) Name() string         { return m.name }
func (m *MaxPoolLayer) Type() LayerType      { return MaxPool2D }
func (m *MaxPoolLayer) Children() []Module   { return nil }
func (m *MaxPoolLayer) Params() []*Parameter { return nil }
func (m *MaxPoolLayer) SetTraining(t bool)   { m.training = t; m.argmax = nil }

func (m *MaxPoolLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, argmax, err := tensor.MaxPool2D(x, m.KernelSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	if m.training {
		m.argmax = argmax
		m.inputShape = append([]int{}, x.Shape...)
	}
	return out, nil
}

func (m *MaxPoolLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if m.argmax == nil {
		return nil, fmt.Errorf("%s: backward called without a training-mode forward pass", m.name)
	}
	g, err := tensor.MaxPool2DBackward(gradOut, m.argmax, m.inputShape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	m.argmax = nil
	return g, nil
}

// UpsampleLayer scales spatial dimensions by an integer factor using
// nearest-neighbour replication.
type UpsampleLayer struct {
	name   string
	Factor int
}

// NewUpsample creates a nearest-neighbour upsampling layer.
func NewUpsample(factor int, name string) *UpsampleLayer {
	return &UpsampleLayer{name: name, Factor: factor}
}

func (u *UpsampleLayer) Name() string         { return u.name }
func (u *UpsampleLayer) Type() LayerType      { return Upsample }
func (u *UpsampleLayer) Children() []Module   { return nil }
func (u *UpsampleLayer) Params() []*Parameter { return nil }
func (u *UpsampleLayer) SetTraining(bool)     {}

func (u *UpsampleLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.UpsampleNearest(x, u.Factor)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u.name, err)
	}
	return out, nil
}

func (u *UpsampleLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := tensor.UpsampleNearestBackward(gradOut, u.Factor)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u.name, err)
	}
	return g, nil
}
