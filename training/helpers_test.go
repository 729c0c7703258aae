package training

import (
	"math/rand"
	"testing"

	"github.com/tsawler/go-unet/layers"
	"github.com/tsawler/go-unet/optimizer"
	"github.com/tsawler/go-unet/tensor"
)

// constantModel outputs a single learnable bias at every pixel.
type constantModel struct {
	bias     *layers.Parameter
	input    []int
	training bool
}

func newConstantModel(value float64) *constantModel {
	v, _ := tensor.New([]int{1}, []float64{value})
	grad, _ := tensor.Zeros([]int{1})
	return &constantModel{bias: &layers.Parameter{
		Name:      "bias",
		Value:     v,
		Grad:      grad,
		Trainable: true,
	}}
}

func (m *constantModel) Name() string                { return "" }
func (m *constantModel) Type() layers.LayerType      { return layers.Block }
func (m *constantModel) Children() []layers.Module   { return nil }
func (m *constantModel) Params() []*layers.Parameter { return []*layers.Parameter{m.bias} }
func (m *constantModel) SetTraining(t bool)          { m.training = t }

func (m *constantModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	n, _, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	m.input = []int{n, 1, h, w}
	return tensor.Full(m.input, m.bias.Value.Data[0])
}

func (m *constantModel) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	for _, g := range gradOut.Data {
		m.bias.Grad.Data[0] += g
	}
	return tensor.Zeros(m.input)
}

// countingOptimizer records the calls the trainer makes.
type countingOptimizer struct {
	optimizer.Optimizer
	steps      int
	zeroGrads  int
	stateDicts int
}

func (c *countingOptimizer) Step() error {
	c.steps++
	return c.Optimizer.Step()
}

func (c *countingOptimizer) ZeroGrad() {
	c.zeroGrads++
	c.Optimizer.ZeroGrad()
}

func (c *countingOptimizer) StateDict() tensor.StateDict {
	c.stateDicts++
	return c.Optimizer.StateDict()
}

type countingScheduler struct {
	*EpochScheduler
	steps int
}

func (c *countingScheduler) Step() {
	c.steps++
	c.EpochScheduler.Step()
}

// fixedSource replays prepared batches.
type fixedSource struct {
	batches []*Batch
	pos     int
	resets  int
}

func (s *fixedSource) Len() int { return len(s.batches) }
func (s *fixedSource) Reset()   { s.pos = 0; s.resets++ }

func (s *fixedSource) Next() (*Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

// newSource builds n batches of (batchSize,channels,h,w) uniform images
// and masks filled with maskValue.
func newSource(t *testing.T, n, batchSize, channels, h, w int, maskValue float64, seed int64) *fixedSource {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	src := &fixedSource{}
	for i := 0; i < n; i++ {
		images, err := tensor.RandomUniform([]int{batchSize, channels, h, w}, -1, 1, rng)
		if err != nil {
			t.Fatalf("Failed to create images: %v", err)
		}
		masks, err := tensor.Full([]int{batchSize, 1, h, w}, maskValue)
		if err != nil {
			t.Fatalf("Failed to create masks: %v", err)
		}
		src.batches = append(src.batches, &Batch{Images: images, Masks: masks})
	}
	return src
}

func newSGD(t *testing.T, m layers.Module, lr, momentum float64) optimizer.Optimizer {
	t.Helper()
	opt, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{LearningRate: lr, Momentum: momentum}, layers.Parameters(m))
	if err != nil {
		t.Fatalf("NewSGDOptimizer failed: %v", err)
	}
	return opt
}

func newTinyUNet(t *testing.T) *layers.ResidualUNet {
	t.Helper()
	model, err := layers.NewResidualUNet(layers.UNetConfig{InChannels: 2, OutChannels: 1, BaseFeatures: 2, Depth: 1})
	if err != nil {
		t.Fatalf("NewResidualUNet failed: %v", err)
	}
	return model
}
