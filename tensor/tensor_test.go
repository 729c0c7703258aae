package tensor

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestNewTensor(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		data    []float64
		wantErr bool
	}{
		{"zero filled", []int{2, 3}, nil, false},
		{"with data", []int{2, 2}, []float64{1, 2, 3, 4}, false},
		{"length mismatch", []int{2, 2}, []float64{1, 2, 3}, true},
		{"non-positive dim", []int{2, 0}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := New(tt.shape, tt.data)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for shape %v", tt.shape)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tensor.NumElems() != calculateNumElements(tt.shape) {
				t.Errorf("expected %d elements, got %d", calculateNumElements(tt.shape), tensor.NumElems())
			}
		})
	}
}

func TestScalarAndItem(t *testing.T) {
	s := Scalar(3.5)
	v, err := s.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if v != 3.5 {
		t.Errorf("expected 3.5, got %f", v)
	}

	m, _ := Zeros([]int{2})
	if _, err := m.Item(); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestReshapeSharesData(t *testing.T) {
	x, _ := New([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	y, err := x.Reshape([]int{3, 2})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	y.Data[0] = 42
	if x.Data[0] != 42 {
		t.Errorf("reshape should share storage")
	}
	if _, err := x.Reshape([]int{4, 2}); err == nil {
		t.Errorf("expected error reshaping 6 elements into 8")
	}
}

func TestAtSet(t *testing.T) {
	x, _ := Zeros([]int{2, 3, 4, 5})
	x.Set(7, 1, 2, 3, 4)
	if x.At(1, 2, 3, 4) != 7 {
		t.Errorf("At/Set mismatch")
	}
	if x.Data[len(x.Data)-1] != 7 {
		t.Errorf("last element should be at flat index %d", len(x.Data)-1)
	}
}

func TestReLUAndBackward(t *testing.T) {
	x, _ := New([]int{1, 1, 2, 2}, []float64{-1, 0, 2, -3})
	out := ReLU(x)
	want := []float64{0, 0, 2, 0}
	for i := range want {
		if out.Data[i] != want[i] {
			t.Errorf("ReLU[%d]: expected %f, got %f", i, want[i], out.Data[i])
		}
	}

	grad, _ := Full([]int{1, 1, 2, 2}, 1)
	gin, err := ReLUBackward(grad, out)
	if err != nil {
		t.Fatalf("ReLUBackward failed: %v", err)
	}
	wantGrad := []float64{0, 0, 1, 0}
	for i := range wantGrad {
		if gin.Data[i] != wantGrad[i] {
			t.Errorf("grad[%d]: expected %f, got %f", i, wantGrad[i], gin.Data[i])
		}
	}
}

func TestSigmoidAndRound(t *testing.T) {
	x, _ := New([]int{4}, []float64{-100, 0, 100, 0.3})
	s := Sigmoid(x)
	if s.Data[0] > 1e-10 || math.Abs(s.Data[1]-0.5) > 1e-12 || s.Data[2] < 1-1e-10 {
		t.Errorf("unexpected sigmoid values %v", s.Data)
	}

	r := Round(s)
	want := []float64{0, 0, 1, 1}
	for i := range want {
		if r.Data[i] != want[i] {
			t.Errorf("Round[%d]: expected %f, got %f", i, want[i], r.Data[i])
		}
	}
}

func TestConcatSplitChannels(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a, _ := RandomUniform([]int{2, 3, 4, 4}, -1, 1, rng)
	b, _ := RandomUniform([]int{2, 5, 4, 4}, -1, 1, rng)

	cat, err := ConcatChannels(a, b)
	if err != nil {
		t.Fatalf("ConcatChannels failed: %v", err)
	}
	if cat.Shape[1] != 8 {
		t.Fatalf("expected 8 channels, got %d", cat.Shape[1])
	}
	if cat.At(1, 4, 2, 3) != b.At(1, 1, 2, 3) {
		t.Errorf("channel 4 of the concat should be channel 1 of b")
	}

	ga, gb, err := SplitChannels(cat, 3)
	if err != nil {
		t.Fatalf("SplitChannels failed: %v", err)
	}
	if !AllClose(ga, a, 0) || !AllClose(gb, b, 0) {
		t.Errorf("split should invert concat")
	}

	c, _ := Zeros([]int{2, 1, 3, 4})
	if _, err := ConcatChannels(a, c); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestMaxPoolRoundTrip(t *testing.T) {
	x, _ := New([]int{1, 1, 2, 4}, []float64{
		1, 5, 2, 0,
		3, 4, 8, 7,
	})
	out, idx, err := MaxPool2D(x, 2)
	if err != nil {
		t.Fatalf("MaxPool2D failed: %v", err)
	}
	if out.Data[0] != 5 || out.Data[1] != 8 {
		t.Errorf("unexpected pooled values %v", out.Data)
	}

	grad, _ := New([]int{1, 1, 1, 2}, []float64{10, 20})
	gin, err := MaxPool2DBackward(grad, idx, x.Shape)
	if err != nil {
		t.Fatalf("MaxPool2DBackward failed: %v", err)
	}
	if gin.Data[1] != 10 || gin.Data[6] != 20 {
		t.Errorf("gradient routed to wrong positions: %v", gin.Data)
	}
}

func TestUpsampleNearest(t *testing.T) {
	x, _ := New([]int{1, 1, 2, 2}, []float64{1, 2, 3, 4})
	up, err := UpsampleNearest(x, 2)
	if err != nil {
		t.Fatalf("UpsampleNearest failed: %v", err)
	}
	if up.At(0, 0, 3, 3) != 4 || up.At(0, 0, 0, 1) != 1 || up.At(0, 0, 2, 1) != 3 {
		t.Errorf("unexpected upsampled values %v", up.Data)
	}

	grad, _ := Full(up.Shape, 1)
	gin, err := UpsampleNearestBackward(grad, 2)
	if err != nil {
		t.Fatalf("UpsampleNearestBackward failed: %v", err)
	}
	for i, v := range gin.Data {
		if v != 4 {
			t.Errorf("grad[%d]: expected 4, got %f", i, v)
		}
	}
}

func TestForEachVisitsAll(t *testing.T) {
	seen := make([]int, 100)
	ForEach(len(seen), 8, func(i int) { seen[i]++ })
	for i, v := range seen {
		if v != 1 {
			t.Fatalf("index %d visited %d times", i, v)
		}
	}
}

func TestStateDictHelpers(t *testing.T) {
	sd := StateDict{}
	sd.SetFloat("lr", 0.01)
	w, _ := Full([]int{2, 2}, 1)
	sd["w"] = w

	if keys := sd.Keys(); len(keys) != 2 || keys[0] != "lr" || keys[1] != "w" {
		t.Errorf("unexpected keys %v", keys)
	}
	if v, err := sd.Float("lr"); err != nil || v != 0.01 {
		t.Errorf("Float: got %f, %v", v, err)
	}
	if _, err := sd.Tensor("w", []int{4}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := sd.Float("missing"); err == nil {
		t.Errorf("expected error for missing key")
	}

	clone := sd.Clone()
	if !clone.Equal(sd) {
		t.Errorf("clone should equal original")
	}
	clone["w"].Data[0] = 2
	if clone.Equal(sd) || sd["w"].Data[0] != 1 {
		t.Errorf("clone should be independent")
	}
}
