package layers_test

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/tsawler/go-unet/device"
	"github.com/tsawler/go-unet/layers"
	"github.com/tsawler/go-unet/tensor"
)

func randomInput(t *testing.T, seed int64, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomUniform(shape, -1, 1, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("Failed to create input: %v", err)
	}
	return x
}

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		lt   layers.LayerType
		want string
	}{
		{layers.Dense, "Dense"},
		{layers.Conv2D, "Conv2D"},
		{layers.ReLU, "ReLU"},
		{layers.MaxPool2D, "MaxPool2D"},
		{layers.BatchNorm, "BatchNorm"},
		{layers.Upsample, "Upsample"},
		{layers.Block, "Block"},
		{layers.LayerType(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.lt.String(); got != tt.want {
			t.Errorf("LayerType(%d).String() = %q, want %q", tt.lt, got, tt.want)
		}
	}
}

func TestConvBNReLUPreservesSpatialDims(t *testing.T) {
	tests := []struct {
		name           string
		batch, in, out int
		height, width  int
	}{
		{"single pixel", 1, 1, 1, 1, 1},
		{"square", 2, 3, 8, 16, 16},
		{"odd sizes", 3, 2, 4, 7, 5},
		{"wide", 1, 4, 2, 3, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := layers.NewConvBNReLU(tt.in, tt.out, "stage")
			x := randomInput(t, 1, tt.batch, tt.in, tt.height, tt.width)

			for _, training := range []bool{true, false} {
				layers.SetTraining(block, training)
				out, err := block.Forward(x)
				if err != nil {
					t.Fatalf("Forward(training=%v) failed: %v", training, err)
				}
				want := []int{tt.batch, tt.out, tt.height, tt.width}
				if len(out.Shape) != 4 || out.Shape[0] != want[0] || out.Shape[1] != want[1] ||
					out.Shape[2] != want[2] || out.Shape[3] != want[3] {
					t.Fatalf("output shape = %v, want %v", out.Shape, want)
				}
				for i, v := range out.Data {
					if v < 0 {
						t.Fatalf("output[%d] = %f, want non-negative", i, v)
					}
				}
			}
		})
	}
}

func TestConvBNReLURejectsWrongChannels(t *testing.T) {
	block := layers.NewConvBNReLU(3, 4, "stage")
	x := randomInput(t, 1, 1, 2, 4, 4)
	if _, err := block.Forward(x); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestConvBNReLUStateDictKeys(t *testing.T) {
	block := layers.NewConvBNReLU(2, 3, "stage")
	got := layers.StateDict(block).Keys()
	want := []string{
		"bn.bias",
		"bn.num_batches_tracked",
		"bn.running_mean",
		"bn.running_var",
		"bn.weight",
		"conv.bias",
		"conv.weight",
	}
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("state dict keys = %v, want %v", got, want)
	}

	// 3x2x3x3 weight + 3 bias + 3 gamma + 3 beta
	if n := layers.ParameterCount(block); n != 54+3+3+3 {
		t.Errorf("ParameterCount = %d, want 63", n)
	}
}

func TestBatchNormTracksBatches(t *testing.T) {
	block := layers.NewConvBNReLU(1, 2, "stage")
	x := randomInput(t, 2, 2, 1, 4, 4)

	for i := 0; i < 3; i++ {
		if _, err := block.Forward(x); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
	}
	layers.SetTraining(block, false)
	if _, err := block.Forward(x); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	sd := layers.StateDict(block)
	if got := sd["bn.num_batches_tracked"].Data[0]; got != 3 {
		t.Errorf("num_batches_tracked = %v, want 3", got)
	}
	mean, _ := block.BN.RunningStats()
	allZero := true
	for _, v := range mean.Data {
		if v != 0 {
			allZero = false
		}
	}
	if allZero {
		t.Error("running mean was not updated in training mode")
	}
}

func TestLoadStateDictRoundTrip(t *testing.T) {
	src := layers.NewConvBNReLU(2, 3, "stage")
	dst := layers.NewConvBNReLU(2, 3, "stage")
	x := randomInput(t, 3, 2, 2, 5, 5)

	// Move running statistics away from their defaults.
	if _, err := src.Forward(x); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if err := layers.LoadStateDict(dst, layers.StateDict(src)); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	if !layers.StateDict(src).Equal(layers.StateDict(dst)) {
		t.Fatal("state dicts differ after load")
	}

	layers.SetTraining(src, false)
	layers.SetTraining(dst, false)
	a, err := src.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	b, err := dst.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !tensor.AllClose(a, b, 0) {
		t.Error("loaded module produces different output")
	}
}

func TestLoadStateDictStrict(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(sd tensor.StateDict)
		want   string
	}{
		{
			name:   "missing key",
			mutate: func(sd tensor.StateDict) { delete(sd, "bn.running_var") },
			want:   "missing keys [bn.running_var]",
		},
		{
			name:   "unexpected key",
			mutate: func(sd tensor.StateDict) { sd["extra.weight"] = tensor.Scalar(1) },
			want:   "unexpected keys [extra.weight]",
		},
		{
			name: "shape mismatch",
			mutate: func(sd tensor.StateDict) {
				w, _ := tensor.Zeros([]int{4, 2, 3, 3})
				sd["conv.weight"] = w
			},
			want: "size mismatch for conv.weight",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := layers.NewConvBNReLU(2, 3, "stage")
			before := layers.StateDict(m)

			sd := layers.StateDict(layers.NewConvBNReLU(2, 3, "stage"))
			tt.mutate(sd)

			err := layers.LoadStateDict(m, sd)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadStateDict error = %v, want containing %q", err, tt.want)
			}
			if !before.Equal(layers.StateDict(m)) {
				t.Error("failed load modified the module")
			}
		})
	}
}

func TestInitWeights(t *testing.T) {
	net, err := layers.NewResidualUNet(layers.UNetConfig{InChannels: 3, OutChannels: 1, BaseFeatures: 4, Depth: 2})
	if err != nil {
		t.Fatalf("NewResidualUNet failed: %v", err)
	}

	n := layers.InitWeights(net, rand.New(rand.NewSource(7)), layers.DefaultBiasInit)
	if n == 0 {
		t.Fatal("InitWeights touched no layers")
	}

	visited := 0
	layers.Apply(net, func(m layers.Module) {
		wb, ok := m.(layers.WeightBiasLayer)
		if !ok {
			return
		}
		visited++
		weight, bias := wb.WeightAndBias()
		bound := math.Sqrt(6 / float64(wb.FanIn()))
		for _, v := range weight.Value.Data {
			if math.Abs(v) > bound {
				t.Fatalf("weight %f outside Kaiming bound %f", v, bound)
			}
		}
		if bias != nil {
			for _, v := range bias.Value.Data {
				if v != 0.01 {
					t.Fatalf("bias = %f, want 0.01", v)
				}
			}
		}
	})
	if visited != n {
		t.Errorf("InitWeights reported %d layers, found %d", n, visited)
	}

	// BatchNorm affine parameters are left alone.
	sd := layers.StateDict(net)
	for _, v := range sd["enc1.block1.bn.weight"].Data {
		if v != 1 {
			t.Fatalf("bn weight = %f, want 1", v)
		}
	}
}

func TestInitWeightsSkipsMissingBias(t *testing.T) {
	conv := layers.NewConv2D(2, 2, 3, 1, 1, false, "conv")
	if n := layers.InitWeights(conv, rand.New(rand.NewSource(1)), 0.5); n != 1 {
		t.Fatalf("InitWeights = %d, want 1", n)
	}
	if _, bias := conv.WeightAndBias(); bias != nil {
		t.Fatal("bias-free layer gained a bias")
	}
}

func TestInitWeightsDeterministic(t *testing.T) {
	a := layers.NewConvBNReLU(2, 4, "stage")
	b := layers.NewConvBNReLU(2, 4, "stage")
	layers.InitWeights(a, rand.New(rand.NewSource(42)), layers.DefaultBiasInit)
	layers.InitWeights(b, rand.New(rand.NewSource(42)), layers.DefaultBiasInit)
	if !layers.StateDict(a).Equal(layers.StateDict(b)) {
		t.Fatal("same seed produced different weights")
	}
}

func TestResidualUNetForward(t *testing.T) {
	net, err := layers.NewResidualUNet(layers.UNetConfig{InChannels: 3, OutChannels: 1, BaseFeatures: 4, Depth: 2})
	if err != nil {
		t.Fatalf("NewResidualUNet failed: %v", err)
	}
	layers.To(net, device.Device{Type: device.CPU, Workers: 2})

	out, err := net.Forward(randomInput(t, 5, 2, 3, 8, 12))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := []int{2, 1, 8, 12}
	for i := range want {
		if out.Shape[i] != want[i] {
			t.Fatalf("output shape = %v, want %v", out.Shape, want)
		}
	}

	if _, err := net.Forward(randomInput(t, 5, 1, 3, 6, 8)); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch for 6x8 input, got %v", err)
	}
}

func TestResidualUNetBackward(t *testing.T) {
	net, err := layers.NewResidualUNet(layers.UNetConfig{InChannels: 1, OutChannels: 1, BaseFeatures: 2, Depth: 1})
	if err != nil {
		t.Fatalf("NewResidualUNet failed: %v", err)
	}
	x := randomInput(t, 9, 2, 1, 4, 4)

	out, err := net.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad, _ := tensor.Full(out.Shape, 1)

	layers.ZeroGrad(net)
	gx, err := net.Backward(grad)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !tensor.SameShape(gx, x) {
		t.Fatalf("input gradient shape = %v, want %v", gx.Shape, x.Shape)
	}

	params := layers.Parameters(net)
	if len(params) == 0 {
		t.Fatal("no trainable parameters")
	}
	nonZero := 0
	for _, p := range params {
		for _, v := range p.Grad.Data {
			if v != 0 {
				nonZero++
				break
			}
		}
	}
	if nonZero == 0 {
		t.Fatal("backward produced no parameter gradients")
	}

	// A second backward without a forward must fail.
	if _, err := net.Backward(grad); err == nil {
		t.Fatal("expected error for backward without forward")
	}
}

func TestResidualUNetInvalidConfig(t *testing.T) {
	if _, err := layers.NewResidualUNet(layers.UNetConfig{InChannels: 3, OutChannels: 1, BaseFeatures: 0, Depth: 2}); err == nil {
		t.Fatal("expected error for zero base features")
	}
}

func TestDescribe(t *testing.T) {
	block := layers.NewResidualBlock(2, 4, "res")
	spec := layers.Describe(block)

	if spec.TotalParameters != layers.ParameterCount(block) {
		t.Errorf("TotalParameters = %d, want %d", spec.TotalParameters, layers.ParameterCount(block))
	}
	// two conv/bn/relu stages plus the projection shortcut
	if len(spec.Layers) != 7 {
		t.Fatalf("len(Layers) = %d, want 7", len(spec.Layers))
	}
	if spec.Layers[0].Name != "block1.conv" || spec.Layers[6].Name != "shortcut" {
		t.Errorf("unexpected layer names %q, %q", spec.Layers[0].Name, spec.Layers[6].Name)
	}
	if !strings.Contains(spec.Summary(), "BatchNorm") {
		t.Error("summary does not list BatchNorm layers")
	}
}
