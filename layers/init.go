package layers

import (
	"math"
	"math/rand"

	"github.com/tsawler/go-unet/tensor"
)

// DefaultBiasInit is the constant written to biases by InitWeights.
const DefaultBiasInit = 0.01

// fillUniform is used for construction-time defaults, before a seeded
// generator is available.
func fillUniform(t *tensor.Tensor, bound float64) {
	for i := range t.Data {
		t.Data[i] = (rand.Float64()*2 - 1) * bound
	}
}

// KaimingUniform fills w from U(-b, b) with b = √(6 / fanIn), the He
// initialisation for ReLU networks.
func KaimingUniform(w *tensor.Tensor, fanIn int, rng *rand.Rand) {
	bound := math.Sqrt(6 / float64(fanIn))
	w.FillUniform(-bound, bound, rng)
}

// InitWeights re-initialises every convolution and fully-connected layer of
// the tree: weights with KaimingUniform and biases with the constant
// biasValue. Layers without a bias only get their weights replaced.
func InitWeights(m Module, rng *rand.Rand, biasValue float64) int {
	initialised := 0
	Apply(m, func(mod Module) {
		layer, ok := mod.(WeightBiasLayer)
		if !ok {
			return
		}
		weight, bias := layer.WeightAndBias()
		KaimingUniform(weight.Value, layer.FanIn(), rng)
		if bias != nil {
			bias.Value.Fill(biasValue)
		}
		initialised++
	})
	return initialised
}
