package layers

import (
	"fmt"

	"github.com/tsawler/go-unet/tensor"
)

// UNetConfig describes a residual U-Net.
type UNetConfig struct {
	InChannels   int // Image channels
	OutChannels  int // Logit channels (1 for binary masks)
	BaseFeatures int // Channels of the first encoder stage, doubled per level
	Depth        int // Number of down-sampling steps
}

// DefaultUNetConfig returns a small binary-segmentation network.
func DefaultUNetConfig() UNetConfig {
	return UNetConfig{
		InChannels:   3,
		OutChannels:  1,
		BaseFeatures: 16,
		Depth:        3,
	}
}

// ResidualUNet is an encoder/decoder with residual stages and skip
// connections. It outputs raw per-pixel logits at input resolution.
type ResidualUNet struct {
	Config     UNetConfig
	Encoders   []*ResidualBlock
	Pools      []*MaxPoolLayer
	Bottleneck *ResidualBlock
	Ups        []*UpsampleLayer
	Decoders   []*ResidualBlock
	Head       *Conv2DLayer

	// skip channel counts per level, needed to split concat gradients
	skipChannels []int
}

// NewResidualUNet builds a network from config.
func NewResidualUNet(config UNetConfig) (*ResidualUNet, error) {
	if config.InChannels <= 0 || config.OutChannels <= 0 || config.BaseFeatures <= 0 || config.Depth <= 0 {
		return nil, fmt.Errorf("invalid unet configuration: %+v", config)
	}

	u := &ResidualUNet{Config: config}
	in := config.InChannels
	for d := 0; d < config.Depth; d++ {
		out := config.BaseFeatures << d
		u.Encoders = append(u.Encoders, NewResidualBlock(in, out, fmt.Sprintf("enc%d", d+1)))
		u.Pools = append(u.Pools, NewMaxPool2D(2, fmt.Sprintf("pool%d", d+1)))
		u.skipChannels = append(u.skipChannels, out)
		in = out
	}

	bottleneck := config.BaseFeatures << config.Depth
	u.Bottleneck = NewResidualBlock(in, bottleneck, "bottleneck")

	in = bottleneck
	for d := config.Depth - 1; d >= 0; d-- {
		skip := u.skipChannels[d]
		u.Ups = append(u.Ups, NewUpsample(2, fmt.Sprintf("up%d", d+1)))
		u.Decoders = append(u.Decoders, NewResidualBlock(in+skip, skip, fmt.Sprintf("dec%d", d+1)))
		in = skip
	}

	u.Head = NewConv2D(in, config.OutChannels, 1, 1, 0, true, "head")
	return u, nil
}

func (u *ResidualUNet) Name() string         { return "" }
func (u *ResidualUNet) Type() LayerType      { return Block }
func (u *ResidualUNet) Params() []*Parameter { return nil }
func (u *ResidualUNet) SetTraining(bool)     {}

func (u *ResidualUNet) Children() []Module {
	var children []Module
	for i := range u.Encoders {
		children = append(children, u.Encoders[i], u.Pools[i])
	}
	children = append(children, u.Bottleneck)
	for i := range u.Decoders {
		children = append(children, u.Ups[i], u.Decoders[i])
	}
	return append(children, u.Head)
}

func (u *ResidualUNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	_, _, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if factor := 1 << u.Config.Depth; h%factor != 0 || w%factor != 0 {
		return nil, fmt.Errorf("input %dx%d is not divisible by %d: %w", h, w, factor, tensor.ErrShapeMismatch)
	}

	skips := make([]*tensor.Tensor, u.Config.Depth)
	out := x
	for d := 0; d < u.Config.Depth; d++ {
		if out, err = u.Encoders[d].Forward(out); err != nil {
			return nil, err
		}
		skips[d] = out
		if out, err = u.Pools[d].Forward(out); err != nil {
			return nil, err
		}
	}

	if out, err = u.Bottleneck.Forward(out); err != nil {
		return nil, err
	}

	for i := range u.Decoders {
		level := u.Config.Depth - 1 - i
		if out, err = u.Ups[i].Forward(out); err != nil {
			return nil, err
		}
		if out, err = tensor.ConcatChannels(out, skips[level]); err != nil {
			return nil, fmt.Errorf("%s: %w", u.Decoders[i].Name(), err)
		}
		if out, err = u.Decoders[i].Forward(out); err != nil {
			return nil, err
		}
	}

	return u.Head.Forward(out)
}

func (u *ResidualUNet) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := u.Head.Backward(gradOut)
	if err != nil {
		return nil, err
	}

	skipGrads := make([]*tensor.Tensor, u.Config.Depth)
	for i := len(u.Decoders) - 1; i >= 0; i-- {
		level := u.Config.Depth - 1 - i
		if g, err = u.Decoders[i].Backward(g); err != nil {
			return nil, err
		}
		upChannels := g.Shape[1] - u.skipChannels[level]
		var gSkip *tensor.Tensor
		if g, gSkip, err = tensor.SplitChannels(g, upChannels); err != nil {
			return nil, fmt.Errorf("%s: %w", u.Decoders[i].Name(), err)
		}
		skipGrads[level] = gSkip
		if g, err = u.Ups[i].Backward(g); err != nil {
			return nil, err
		}
	}

	if g, err = u.Bottleneck.Backward(g); err != nil {
		return nil, err
	}

	for d := u.Config.Depth - 1; d >= 0; d-- {
		if g, err = u.Pools[d].Backward(g); err != nil {
			return nil, err
		}
		if err = tensor.AddInPlace(g, skipGrads[d]); err != nil {
			return nil, fmt.Errorf("%s: %w", u.Encoders[d].Name(), err)
		}
		if g, err = u.Encoders[d].Backward(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}
