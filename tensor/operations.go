package tensor

import (
	"fmt"
	"math"
)

// ReLU returns max(0, x) element-wise.
func ReLU(x *Tensor) *Tensor {
	out := x.Clone()
	ReLUInPlace(out)
	return out
}

// ReLUInPlace clamps negative elements of x to zero.
func ReLUInPlace(x *Tensor) {
	for i, v := range x.Data {
		if v < 0 {
			x.Data[i] = 0
		}
	}
}

// ReLUBackward masks gradOut with the positive region of the forward output.
func ReLUBackward(gradOut, output *Tensor) (*Tensor, error) {
	if !SameShape(gradOut, output) {
		return nil, fmt.Errorf("relu backward: gradient %v vs output %v: %w", gradOut.Shape, output.Shape, ErrShapeMismatch)
	}
	grad := zeros(append([]int{}, gradOut.Shape...)...)
	for i, v := range output.Data {
		if v > 0 {
			grad.Data[i] = gradOut.Data[i]
		}
	}
	return grad, nil
}

// Sigmoid returns the logistic function applied element-wise.
func Sigmoid(x *Tensor) *Tensor {
	out := zeros(append([]int{}, x.Shape...)...)
	for i, v := range x.Data {
		out.Data[i] = sigmoid(v)
	}
	return out
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// Round rounds every element half-to-even, so 0.5 maps to 0.
func Round(x *Tensor) *Tensor {
	out := zeros(append([]int{}, x.Shape...)...)
	for i, v := range x.Data {
		out.Data[i] = math.RoundToEven(v)
	}
	return out
}

// Add returns a + b for tensors of identical shape.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("add: %v vs %v: %w", a.Shape, b.Shape, ErrShapeMismatch)
	}
	out := zeros(append([]int{}, a.Shape...)...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) error {
	if !SameShape(dst, src) {
		return fmt.Errorf("add: %v vs %v: %w", dst.Shape, src.Shape, ErrShapeMismatch)
	}
	for i := range src.Data {
		dst.Data[i] += src.Data[i]
	}
	return nil
}

// Scale multiplies every element of x by s in place.
func Scale(x *Tensor, s float64) {
	for i := range x.Data {
		x.Data[i] *= s
	}
}

// ConcatChannels joins two NCHW tensors along the channel axis.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	na, ca, ha, wa, err := a.Dims4()
	if err != nil {
		return nil, err
	}
	nb, cb, hb, wb, err := b.Dims4()
	if err != nil {
		return nil, err
	}
	if na != nb || ha != hb || wa != wb {
		return nil, fmt.Errorf("concat: %v vs %v: %w", a.Shape, b.Shape, ErrShapeMismatch)
	}

	plane := ha * wa
	out := zeros(na, ca+cb, ha, wa)
	for n := 0; n < na; n++ {
		dst := out.Data[n*(ca+cb)*plane:]
		copy(dst[:ca*plane], a.Data[n*ca*plane:(n+1)*ca*plane])
		copy(dst[ca*plane:(ca+cb)*plane], b.Data[n*cb*plane:(n+1)*cb*plane])
	}
	return out, nil
}

// SplitChannels is the inverse of ConcatChannels: it splits x after the
// first c channels.
func SplitChannels(x *Tensor, c int) (*Tensor, *Tensor, error) {
	n, total, h, w, err := x.Dims4()
	if err != nil {
		return nil, nil, err
	}
	if c <= 0 || c >= total {
		return nil, nil, fmt.Errorf("split: cannot split %d channels at %d: %w", total, c, ErrShapeMismatch)
	}

	plane := h * w
	a := zeros(n, c, h, w)
	b := zeros(n, total-c, h, w)
	for i := 0; i < n; i++ {
		src := x.Data[i*total*plane:]
		copy(a.Data[i*c*plane:(i+1)*c*plane], src[:c*plane])
		copy(b.Data[i*(total-c)*plane:(i+1)*(total-c)*plane], src[c*plane:total*plane])
	}
	return a, b, nil
}

// MaxPool2D applies non-overlapping k×k max pooling. It returns the pooled
// tensor and, for every output element, the flat index of the selected input.
func MaxPool2D(x *Tensor, k int) (*Tensor, []int, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, nil, err
	}
	if k <= 0 || h < k || w < k {
		return nil, nil, fmt.Errorf("maxpool: kernel %d too large for %dx%d input: %w", k, h, w, ErrShapeMismatch)
	}

	oh, ow := h/k, w/k
	out := zeros(n, c, oh, ow)
	argmax := make([]int, len(out.Data))
	o := 0
	for nc := 0; nc < n*c; nc++ {
		base := nc * h * w
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := math.Inf(-1)
				bestIdx := -1
				for dy := 0; dy < k; dy++ {
					row := base + (y*k+dy)*w
					for dx := 0; dx < k; dx++ {
						idx := row + xx*k + dx
						if v := x.Data[idx]; v > best {
							best, bestIdx = v, idx
						}
					}
				}
				out.Data[o] = best
				argmax[o] = bestIdx
				o++
			}
		}
	}
	return out, argmax, nil
}

// MaxPool2DBackward routes gradOut back to the positions chosen in the
// forward pass.
func MaxPool2DBackward(gradOut *Tensor, argmax []int, inputShape []int) (*Tensor, error) {
	if len(argmax) != len(gradOut.Data) {
		return nil, fmt.Errorf("maxpool backward: %d indices for %d gradients: %w", len(argmax), len(gradOut.Data), ErrShapeMismatch)
	}
	grad := zeros(append([]int{}, inputShape...)...)
	for i, idx := range argmax {
		grad.Data[idx] += gradOut.Data[i]
	}
	return grad, nil
}

// UpsampleNearest scales the spatial dimensions of x by factor using
// nearest-neighbour replication.
func UpsampleNearest(x *Tensor, factor int) (*Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if factor <= 0 {
		return nil, fmt.Errorf("upsample: invalid factor %d", factor)
	}

	oh, ow := h*factor, w*factor
	out := zeros(n, c, oh, ow)
	for nc := 0; nc < n*c; nc++ {
		src := x.Data[nc*h*w:]
		dst := out.Data[nc*oh*ow:]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				dst[y*ow+xx] = src[(y/factor)*w+xx/factor]
			}
		}
	}
	return out, nil
}

// UpsampleNearestBackward sums gradients of each replicated block.
func UpsampleNearestBackward(gradOut *Tensor, factor int) (*Tensor, error) {
	n, c, oh, ow, err := gradOut.Dims4()
	if err != nil {
		return nil, err
	}
	if factor <= 0 || oh%factor != 0 || ow%factor != 0 {
		return nil, fmt.Errorf("upsample backward: %dx%d not divisible by %d: %w", oh, ow, factor, ErrShapeMismatch)
	}

	h, w := oh/factor, ow/factor
	grad := zeros(n, c, h, w)
	for nc := 0; nc < n*c; nc++ {
		src := gradOut.Data[nc*oh*ow:]
		dst := grad.Data[nc*h*w:]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				dst[(y/factor)*w+xx/factor] += src[y*ow+xx]
			}
		}
	}
	return grad, nil
}
