package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrShapeMismatch is returned (wrapped) whenever an operation receives
// tensors whose shapes are incompatible with each other or with the operation.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense, row-major float64 tensor resident in host memory.
// Image batches use NCHW layout.
type Tensor struct {
	Shape   []int
	Strides []int
	Data    []float64
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// calculateNumElements treats the empty shape as a scalar holding one element.
func calculateNumElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// New creates a tensor that takes ownership of data. A nil data slice
// allocates a zero-filled tensor.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d: %w", len(data), numElems, ErrShapeMismatch)
	}

	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    data,
	}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int) (*Tensor, error) {
	return New(shape, nil)
}

// Full creates a tensor where every element equals value.
func Full(shape []int, value float64) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	t.Fill(value)
	return t, nil
}

// Scalar creates a zero-dimensional tensor.
func Scalar(value float64) *Tensor {
	return &Tensor{Shape: []int{}, Strides: []int{}, Data: []float64{value}}
}

// RandomUniform creates a tensor drawn from U(lo, hi) using rng.
func RandomUniform(shape []int, lo, hi float64, rng *rand.Rand) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	t.FillUniform(lo, hi, rng)
	return t, nil
}

// zeros skips validation and is used by kernels that derive shapes from
// already validated inputs.
func zeros(shape ...int) *Tensor {
	return &Tensor{
		Shape:   shape,
		Strides: calculateStrides(shape),
		Data:    make([]float64, calculateNumElements(shape)),
	}
}

// NumElems returns the number of elements held by the tensor.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() (float64, error) {
	if len(t.Data) != 1 {
		return 0, fmt.Errorf("item requires a single-element tensor, got shape %v: %w", t.Shape, ErrShapeMismatch)
	}
	return t.Data[0], nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:   append([]int{}, t.Shape...),
		Strides: append([]int{}, t.Strides...),
		Data:    data,
	}
}

// CopyFrom overwrites t's data with src's data. Shapes must match exactly.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !SameShape(t, src) {
		return fmt.Errorf("cannot copy %v into %v: %w", src.Shape, t.Shape, ErrShapeMismatch)
	}
	copy(t.Data, src.Data)
	return nil
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float64) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// FillUniform overwrites every element with a draw from U(lo, hi).
func (t *Tensor) FillUniform(lo, hi float64, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = lo + (hi-lo)*rng.Float64()
	}
}

// Zero clears the tensor in place.
func (t *Tensor) Zero() {
	t.Fill(0)
}

// Reshape returns a view over the same data with a new shape.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v: %w", len(t.Data), shape, ErrShapeMismatch)
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    t.Data,
	}, nil
}

// Dims4 unpacks an NCHW shape.
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected 4D NCHW tensor, got shape %v: %w", t.Shape, ErrShapeMismatch)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// At returns the element at the given coordinates.
func (t *Tensor) At(coords ...int) float64 {
	return t.Data[t.offset(coords)]
}

// Set writes the element at the given coordinates.
func (t *Tensor) Set(value float64, coords ...int) {
	t.Data[t.offset(coords)] = value
}

func (t *Tensor) offset(coords []int) int {
	idx := 0
	for i, c := range coords {
		idx += c * t.Strides[i]
	}
	return idx
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// AllClose reports whether a and b have the same shape and all elements are
// within tol of each other.
func AllClose(a, b *Tensor, tol float64) bool {
	if !SameShape(a, b) {
		return false
	}
	for i := range a.Data {
		if math.Abs(a.Data[i]-b.Data[i]) > tol {
			return false
		}
	}
	return true
}
