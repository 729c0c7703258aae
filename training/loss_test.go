package training

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-unet/tensor"
)

func checkLossGradient(t *testing.T, loss Loss, logits, target *tensor.Tensor) {
	t.Helper()
	grad, err := loss.Backward(logits, target)
	if err != nil {
		t.Fatalf("%s Backward failed: %v", loss.Name(), err)
	}
	const h = 1e-6
	for i := range logits.Data {
		orig := logits.Data[i]
		logits.Data[i] = orig + h
		plus, _ := loss.Forward(logits, target)
		logits.Data[i] = orig - h
		minus, _ := loss.Forward(logits, target)
		logits.Data[i] = orig

		numeric := (plus - minus) / (2 * h)
		if math.Abs(numeric-grad.Data[i]) > 1e-6 {
			t.Errorf("%s grad[%d] = %g, numeric %g", loss.Name(), i, grad.Data[i], numeric)
		}
	}
}

func TestBCEWithLogitsLossValues(t *testing.T) {
	logits, _ := tensor.New([]int{4}, []float64{0, 2, -3, 100})
	target, _ := tensor.New([]int{4}, []float64{1, 0, 0, 1})

	loss := NewBCEWithLogitsLoss("mean", 1)
	got, err := loss.Forward(logits, target)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := (math.Log(2) + math.Log1p(math.Exp(2)) + math.Log1p(math.Exp(-3)) + math.Log1p(math.Exp(-100))) / 4
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("mean loss = %g, want %g", got, want)
	}

	sum, _ := NewBCEWithLogitsLoss("sum", 1).Forward(logits, target)
	if math.Abs(sum-4*want) > 1e-12 {
		t.Errorf("sum loss = %g, want %g", sum, 4*want)
	}
}

func TestBCEWithLogitsLossStable(t *testing.T) {
	logits, _ := tensor.New([]int{2}, []float64{-1000, 1000})
	target, _ := tensor.New([]int{2}, []float64{1, 0})

	got, err := NewBCEWithLogitsLoss("mean", 1).Forward(logits, target)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if math.IsInf(got, 0) || math.IsNaN(got) || math.Abs(got-1000) > 1e-9 {
		t.Errorf("loss = %g, want 1000", got)
	}
}

func TestLossGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	logits, _ := tensor.RandomUniform([]int{2, 1, 3, 3}, -3, 3, rng)
	target, _ := tensor.Zeros([]int{2, 1, 3, 3})
	for i := range target.Data {
		if rng.Float64() > 0.5 {
			target.Data[i] = 1
		}
	}

	combined, err := NewLoss("bce_dice")
	if err != nil {
		t.Fatalf("NewLoss failed: %v", err)
	}
	losses := []Loss{
		NewBCEWithLogitsLoss("mean", 1),
		NewBCEWithLogitsLoss("sum", 3),
		NewDiceLoss(1),
		combined,
	}
	for _, loss := range losses {
		checkLossGradient(t, loss, logits, target)
	}
}

func TestDiceLossBounds(t *testing.T) {
	target, _ := tensor.New([]int{4}, []float64{1, 1, 0, 0})
	perfect, _ := tensor.New([]int{4}, []float64{50, 50, -50, -50})
	inverted, _ := tensor.New([]int{4}, []float64{-50, -50, 50, 50})

	dice := NewDiceLoss(0)
	if got, _ := dice.Forward(perfect, target); math.Abs(got) > 1e-9 {
		t.Errorf("perfect prediction loss = %g, want 0", got)
	}
	if got, _ := dice.Forward(inverted, target); math.Abs(got-1) > 1e-9 {
		t.Errorf("inverted prediction loss = %g, want 1", got)
	}
}

func TestLossShapeMismatch(t *testing.T) {
	a, _ := tensor.Zeros([]int{1, 1, 2, 2})
	b, _ := tensor.Zeros([]int{1, 1, 2, 3})
	for _, loss := range []Loss{NewBCEWithLogitsLoss("", 0), NewDiceLoss(1)} {
		if _, err := loss.Forward(a, b); !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("%s Forward: expected shape mismatch, got %v", loss.Name(), err)
		}
		if _, err := loss.Backward(a, b); !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("%s Backward: expected shape mismatch, got %v", loss.Name(), err)
		}
	}
}

func TestNewLoss(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"", "bce"},
		{"dice", "dice"},
		{"bce_dice", "bce+dice"},
	}
	for _, tt := range tests {
		loss, err := NewLoss(tt.name)
		if err != nil {
			t.Errorf("%q: %v", tt.name, err)
			continue
		}
		if loss.Name() != tt.expected {
			t.Errorf("%q: name %q, want %q", tt.name, loss.Name(), tt.expected)
		}
	}
	if _, err := NewLoss("focal"); err == nil {
		t.Error("expected error for unknown loss")
	}
}
