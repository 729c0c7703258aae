package layers

import (
	"fmt"

	"github.com/tsawler/go-unet/tensor"
)

const (
	bnEps      = 1e-5
	bnMomentum = 0.1
)

// ConvBNReLU is the basic encoder/decoder stage: a 3x3 convolution with unit
// padding, batch normalisation and an in-place rectifier. Spatial dimensions
// are preserved.
type ConvBNReLU struct {
	name string
	Conv *Conv2DLayer
	BN   *BatchNormLayer
	ReLU *ReLULayer
}

// NewConvBNReLU creates a 3x3 Conv + BN + ReLU block.
func NewConvBNReLU(inChannels, outChannels int, name string) *ConvBNReLU {
	return &ConvBNReLU{
		name: name,
		Conv: NewConv2D(inChannels, outChannels, 3, 1, 1, true, "conv"),
		BN:   NewBatchNorm(outChannels, bnEps, bnMomentum, "bn"),
		ReLU: NewReLU(true, "relu"),
	}
}

func (b *ConvBNReLU) Name() string         { return b.name }
func (b *ConvBNReLU) Type() LayerType      { return Block }
func (b *ConvBNReLU) Params() []*Parameter { return nil }
func (b *ConvBNReLU) SetTraining(bool)     {}

func (b *ConvBNReLU) Children() []Module {
	return []Module{b.Conv, b.BN, b.ReLU}
}

func (b *ConvBNReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := b.Conv.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	if out, err = b.BN.Forward(out); err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	return b.ReLU.Forward(out)
}

func (b *ConvBNReLU) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := b.ReLU.Backward(gradOut)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	if g, err = b.BN.Backward(g); err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	if g, err = b.Conv.Backward(g); err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	return g, nil
}

// ResidualBlock stacks two ConvBNReLU stages and adds a shortcut. The
// shortcut is a 1x1 convolution when the channel count changes and the
// identity otherwise.
type ResidualBlock struct {
	name     string
	First    *ConvBNReLU
	Second   *ConvBNReLU
	Shortcut *Conv2DLayer // nil for the identity shortcut
}

// NewResidualBlock creates a residual block mapping inChannels to outChannels.
func NewResidualBlock(inChannels, outChannels int, name string) *ResidualBlock {
	rb := &ResidualBlock{
		name:   name,
		First:  NewConvBNReLU(inChannels, outChannels, "block1"),
		Second: NewConvBNReLU(outChannels, outChannels, "block2"),
	}
	if inChannels != outChannels {
		rb.Shortcut = NewConv2D(inChannels, outChannels, 1, 1, 0, true, "shortcut")
	}
	return rb
}

func (rb *ResidualBlock) Name() string         { return rb.name }
func (rb *ResidualBlock) Type() LayerType      { return Block }
func (rb *ResidualBlock) Params() []*Parameter { return nil }
func (rb *ResidualBlock) SetTraining(bool)     {}

func (rb *ResidualBlock) Children() []Module {
	if rb.Shortcut == nil {
		return []Module{rb.First, rb.Second}
	}
	return []Module{rb.First, rb.Second, rb.Shortcut}
}

func (rb *ResidualBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := rb.First.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rb.name, err)
	}
	if h, err = rb.Second.Forward(h); err != nil {
		return nil, fmt.Errorf("%s: %w", rb.name, err)
	}

	skip := x
	if rb.Shortcut != nil {
		if skip, err = rb.Shortcut.Forward(x); err != nil {
			return nil, fmt.Errorf("%s: %w", rb.name, err)
		}
	}
	out, err := tensor.Add(h, skip)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rb.name, err)
	}
	return out, nil
}

func (rb *ResidualBlock) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := rb.Second.Backward(gradOut)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rb.name, err)
	}
	if g, err = rb.First.Backward(g); err != nil {
		return nil, fmt.Errorf("%s: %w", rb.name, err)
	}

	gSkip := gradOut
	if rb.Shortcut != nil {
		if gSkip, err = rb.Shortcut.Backward(gradOut); err != nil {
			return nil, fmt.Errorf("%s: %w", rb.name, err)
		}
	}
	if err := tensor.AddInPlace(g, gSkip); err != nil {
		return nil, fmt.Errorf("%s: %w", rb.name, err)
	}
	return g, nil
}
