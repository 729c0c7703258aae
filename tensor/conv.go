package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-unet/memory"
)

// ConvParams configures a square 2D convolution.
type ConvParams struct {
	Stride  int
	Padding int
	Workers int // Max samples processed concurrently (<=1 means sequential)
}

type convGeometry struct {
	n, c, h, w int
	oc, k      int
	oh, ow     int
	stride     int
	padding    int
}

func (g convGeometry) colRows() int { return g.c * g.k * g.k }
func (g convGeometry) colCols() int { return g.oh * g.ow }

func convShape(x, weight *Tensor, p ConvParams) (convGeometry, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return convGeometry{}, err
	}
	if len(weight.Shape) != 4 || weight.Shape[2] != weight.Shape[3] {
		return convGeometry{}, fmt.Errorf("conv2d: expected square kernel (OC, IC, K, K), got %v: %w", weight.Shape, ErrShapeMismatch)
	}
	if weight.Shape[1] != c {
		return convGeometry{}, fmt.Errorf("conv2d: weight expects %d input channels, input has %d: %w", weight.Shape[1], c, ErrShapeMismatch)
	}

	stride := p.Stride
	if stride <= 0 {
		stride = 1
	}
	k := weight.Shape[2]
	oh := (h+2*p.Padding-k)/stride + 1
	ow := (w+2*p.Padding-k)/stride + 1
	if oh <= 0 || ow <= 0 {
		return convGeometry{}, fmt.Errorf("conv2d: kernel %d with padding %d does not fit %dx%d input: %w", k, p.Padding, h, w, ErrShapeMismatch)
	}

	return convGeometry{
		n: n, c: c, h: h, w: w,
		oc: weight.Shape[0], k: k,
		oh: oh, ow: ow,
		stride: stride, padding: p.Padding,
	}, nil
}

// im2col unrolls every receptive field of one sample into a column so the
// convolution becomes a single matrix product.
func im2col(src []float64, g convGeometry, dst []float64) {
	cols := g.colCols()
	for ci := 0; ci < g.c; ci++ {
		plane := src[ci*g.h*g.w:]
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				row := dst[((ci*g.k+ky)*g.k+kx)*cols:]
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.stride - g.padding + ky
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.stride - g.padding + kx
						if iy < 0 || iy >= g.h || ix < 0 || ix >= g.w {
							row[oy*g.ow+ox] = 0
							continue
						}
						row[oy*g.ow+ox] = plane[iy*g.w+ix]
					}
				}
			}
		}
	}
}

// col2im accumulates column gradients back into image layout.
func col2im(cols []float64, g convGeometry, dst []float64) {
	n := g.colCols()
	for ci := 0; ci < g.c; ci++ {
		plane := dst[ci*g.h*g.w:]
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				row := cols[((ci*g.k+ky)*g.k+kx)*n:]
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.stride - g.padding + ky
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.stride - g.padding + kx
						if ix < 0 || ix >= g.w {
							continue
						}
						plane[iy*g.w+ix] += row[oy*g.ow+ox]
					}
				}
			}
		}
	}
}

// Conv2D computes a cross-correlation of x (N, C, H, W) with weight
// (OC, C, K, K) plus an optional per-channel bias.
func Conv2D(x, weight, bias *Tensor, p ConvParams) (*Tensor, error) {
	g, err := convShape(x, weight, p)
	if err != nil {
		return nil, err
	}
	if bias != nil && len(bias.Data) != g.oc {
		return nil, fmt.Errorf("conv2d: bias has %d elements for %d output channels: %w", len(bias.Data), g.oc, ErrShapeMismatch)
	}

	out := zeros(g.n, g.oc, g.oh, g.ow)
	wm := mat.NewDense(g.oc, g.colRows(), weight.Data)
	outSize := g.oc * g.colCols()

	pool := memory.GetGlobalBufferPool()
	ForEach(g.n, p.Workers, func(n int) {
		colData := pool.Get(g.colRows() * g.colCols())
		defer pool.Put(colData)
		im2col(x.Data[n*g.c*g.h*g.w:(n+1)*g.c*g.h*g.w], g, colData)
		cols := mat.NewDense(g.colRows(), g.colCols(), colData)

		dst := out.Data[n*outSize : (n+1)*outSize]
		om := mat.NewDense(g.oc, g.colCols(), dst)
		om.Mul(wm, cols)

		if bias != nil {
			for o := 0; o < g.oc; o++ {
				floats.AddConst(bias.Data[o], dst[o*g.colCols():(o+1)*g.colCols()])
			}
		}
	})

	return out, nil
}

// Conv2DGrads holds the gradients produced by Conv2DBackward.
type Conv2DGrads struct {
	Input  *Tensor
	Weight *Tensor
	Bias   *Tensor // nil when the forward pass had no bias
}

// Conv2DBackward computes gradients of a Conv2D call with respect to its
// input, weight and bias given the gradient of its output.
func Conv2DBackward(x, weight *Tensor, hasBias bool, gradOut *Tensor, p ConvParams) (*Conv2DGrads, error) {
	g, err := convShape(x, weight, p)
	if err != nil {
		return nil, err
	}
	gn, goc, goh, gow, err := gradOut.Dims4()
	if err != nil {
		return nil, err
	}
	if gn != g.n || goc != g.oc || goh != g.oh || gow != g.ow {
		return nil, fmt.Errorf("conv2d backward: gradient %v does not match output (%d, %d, %d, %d): %w",
			gradOut.Shape, g.n, g.oc, g.oh, g.ow, ErrShapeMismatch)
	}

	gradX := zeros(append([]int{}, x.Shape...)...)
	wm := mat.NewDense(g.oc, g.colRows(), weight.Data)
	outSize := g.oc * g.colCols()
	inSize := g.c * g.h * g.w

	// Per-sample weight gradients are reduced after the parallel section so
	// no two goroutines write the same buffer.
	perSample := make([][]float64, g.n)

	pool := memory.GetGlobalBufferPool()
	ForEach(g.n, p.Workers, func(n int) {
		colData := pool.Get(g.colRows() * g.colCols())
		defer pool.Put(colData)
		im2col(x.Data[n*inSize:(n+1)*inSize], g, colData)
		cols := mat.NewDense(g.colRows(), g.colCols(), colData)
		gm := mat.NewDense(g.oc, g.colCols(), gradOut.Data[n*outSize:(n+1)*outSize])

		gw := make([]float64, g.oc*g.colRows())
		mat.NewDense(g.oc, g.colRows(), gw).Mul(gm, cols.T())
		perSample[n] = gw

		gradCols := mat.NewDense(g.colRows(), g.colCols(), nil)
		gradCols.Mul(wm.T(), gm)
		col2im(gradCols.RawMatrix().Data, g, gradX.Data[n*inSize:(n+1)*inSize])
	})

	gradW := zeros(append([]int{}, weight.Shape...)...)
	for _, gw := range perSample {
		floats.Add(gradW.Data, gw)
	}

	grads := &Conv2DGrads{Input: gradX, Weight: gradW}
	if hasBias {
		gradB := zeros(g.oc)
		for n := 0; n < g.n; n++ {
			for o := 0; o < g.oc; o++ {
				start := n*outSize + o*g.colCols()
				gradB.Data[o] += floats.Sum(gradOut.Data[start : start+g.colCols()])
			}
		}
		grads.Bias = gradB
	}

	return grads, nil
}
