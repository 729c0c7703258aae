package tensor

import (
	"fmt"
	"math"
)

// BatchNormParams configures per-channel normalisation of an NCHW tensor.
type BatchNormParams struct {
	Eps      float64
	Momentum float64 // Weight of the current batch in the running average
	Training bool
}

// BatchNormCache keeps the forward values the backward pass needs.
type BatchNormCache struct {
	XHat     *Tensor
	InvStd   []float64
	Training bool
}

// BatchNorm2D normalises x per channel. In training mode it uses batch
// statistics and updates runningMean/runningVar in place; otherwise it uses
// the running statistics unchanged.
func BatchNorm2D(x, gamma, beta, runningMean, runningVar *Tensor, p BatchNormParams) (*Tensor, *BatchNormCache, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, nil, err
	}
	for name, t := range map[string]*Tensor{"weight": gamma, "bias": beta, "running_mean": runningMean, "running_var": runningVar} {
		if len(t.Data) != c {
			return nil, nil, fmt.Errorf("batchnorm: %s has %d elements for %d channels: %w", name, len(t.Data), c, ErrShapeMismatch)
		}
	}

	plane := h * w
	count := float64(n * plane)
	out := zeros(n, c, h, w)
	xhat := zeros(n, c, h, w)
	invStd := make([]float64, c)

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if p.Training {
			for i := 0; i < n; i++ {
				for _, v := range x.Data[(i*c+ch)*plane : (i*c+ch+1)*plane] {
					mean += v
				}
			}
			mean /= count
			for i := 0; i < n; i++ {
				for _, v := range x.Data[(i*c+ch)*plane : (i*c+ch+1)*plane] {
					d := v - mean
					variance += d * d
				}
			}
			variance /= count

			unbiased := variance
			if count > 1 {
				unbiased = variance * count / (count - 1)
			}
			runningMean.Data[ch] = (1-p.Momentum)*runningMean.Data[ch] + p.Momentum*mean
			runningVar.Data[ch] = (1-p.Momentum)*runningVar.Data[ch] + p.Momentum*unbiased
		} else {
			mean = runningMean.Data[ch]
			variance = runningVar.Data[ch]
		}

		inv := 1 / math.Sqrt(variance+p.Eps)
		invStd[ch] = inv
		g, b := gamma.Data[ch], beta.Data[ch]
		for i := 0; i < n; i++ {
			start := (i*c + ch) * plane
			for j := start; j < start+plane; j++ {
				xh := (x.Data[j] - mean) * inv
				xhat.Data[j] = xh
				out.Data[j] = g*xh + b
			}
		}
	}

	return out, &BatchNormCache{XHat: xhat, InvStd: invStd, Training: p.Training}, nil
}

// BatchNorm2DBackward returns the gradients with respect to the input, gamma
// and beta.
func BatchNorm2DBackward(gradOut, gamma *Tensor, cache *BatchNormCache) (gradX, gradGamma, gradBeta *Tensor, err error) {
	if cache == nil {
		return nil, nil, nil, fmt.Errorf("batchnorm backward called before forward")
	}
	if !SameShape(gradOut, cache.XHat) {
		return nil, nil, nil, fmt.Errorf("batchnorm backward: gradient %v vs input %v: %w", gradOut.Shape, cache.XHat.Shape, ErrShapeMismatch)
	}
	n, c, h, w, _ := gradOut.Dims4()
	plane := h * w
	count := float64(n * plane)

	gradX = zeros(n, c, h, w)
	gradGamma = zeros(c)
	gradBeta = zeros(c)

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float64
		for i := 0; i < n; i++ {
			start := (i*c + ch) * plane
			for j := start; j < start+plane; j++ {
				sumDy += gradOut.Data[j]
				sumDyXhat += gradOut.Data[j] * cache.XHat.Data[j]
			}
		}
		gradBeta.Data[ch] = sumDy
		gradGamma.Data[ch] = sumDyXhat

		scale := gamma.Data[ch] * cache.InvStd[ch]
		for i := 0; i < n; i++ {
			start := (i*c + ch) * plane
			for j := start; j < start+plane; j++ {
				if cache.Training {
					gradX.Data[j] = scale / count * (count*gradOut.Data[j] - sumDy - cache.XHat.Data[j]*sumDyXhat)
				} else {
					gradX.Data[j] = scale * gradOut.Data[j]
				}
			}
		}
	}

	return gradX, gradGamma, gradBeta, nil
}
