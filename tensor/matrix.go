package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear computes x·Wᵀ + b for x of shape (N, In) and weight (Out, In).
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if len(x.Shape) != 2 || len(weight.Shape) != 2 || x.Shape[1] != weight.Shape[1] {
		return nil, fmt.Errorf("linear: input %v incompatible with weight %v: %w", x.Shape, weight.Shape, ErrShapeMismatch)
	}
	n, in, out := x.Shape[0], x.Shape[1], weight.Shape[0]
	if bias != nil && len(bias.Data) != out {
		return nil, fmt.Errorf("linear: bias has %d elements for %d outputs: %w", len(bias.Data), out, ErrShapeMismatch)
	}

	result := zeros(n, out)
	xm := mat.NewDense(n, in, x.Data)
	wm := mat.NewDense(out, in, weight.Data)
	mat.NewDense(n, out, result.Data).Mul(xm, wm.T())

	if bias != nil {
		for i := 0; i < n; i++ {
			floats.Add(result.Data[i*out:(i+1)*out], bias.Data)
		}
	}
	return result, nil
}

// LinearBackward returns gradients of Linear with respect to input, weight
// and (when hasBias) bias.
func LinearBackward(x, weight *Tensor, hasBias bool, gradOut *Tensor) (gradX, gradW, gradB *Tensor, err error) {
	if len(gradOut.Shape) != 2 || gradOut.Shape[0] != x.Shape[0] || gradOut.Shape[1] != weight.Shape[0] {
		return nil, nil, nil, fmt.Errorf("linear backward: gradient %v does not match (%d, %d): %w",
			gradOut.Shape, x.Shape[0], weight.Shape[0], ErrShapeMismatch)
	}
	n, in, out := x.Shape[0], x.Shape[1], weight.Shape[0]

	xm := mat.NewDense(n, in, x.Data)
	wm := mat.NewDense(out, in, weight.Data)
	gm := mat.NewDense(n, out, gradOut.Data)

	gradX = zeros(n, in)
	mat.NewDense(n, in, gradX.Data).Mul(gm, wm)

	gradW = zeros(out, in)
	mat.NewDense(out, in, gradW.Data).Mul(gm.T(), xm)

	if hasBias {
		gradB = zeros(out)
		for i := 0; i < n; i++ {
			floats.Add(gradB.Data, gradOut.Data[i*out:(i+1)*out])
		}
	}
	return gradX, gradW, gradB, nil
}
