package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-unet/device"
	"github.com/tsawler/go-unet/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	BatchNorm
	Upsample
	Block
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case BatchNorm:
		return "BatchNorm"
	case Upsample:
		return "Upsample"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// Parameter is a named tensor owned by a module. Trainable parameters carry
// a gradient buffer; non-trainable ones (BatchNorm running statistics) are
// persisted in the state dict but never touched by optimizers.
type Parameter struct {
	Name      string
	Value     *tensor.Tensor
	Grad      *tensor.Tensor
	Trainable bool
}

func newParameter(name string, value *tensor.Tensor) *Parameter {
	grad, _ := tensor.Zeros(value.Shape)
	return &Parameter{Name: name, Value: value, Grad: grad, Trainable: true}
}

func newBuffer(name string, value *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value}
}

// accumulate adds g into the parameter's gradient buffer.
func (p *Parameter) accumulate(g *tensor.Tensor) error {
	if err := tensor.AddInPlace(p.Grad, g); err != nil {
		return fmt.Errorf("parameter %s: %w", p.Name, err)
	}
	return nil
}

// Module is a differentiable network component. Forward caches whatever the
// matching Backward needs while the module is in training mode; Backward
// accumulates parameter gradients and returns the gradient of the input.
type Module interface {
	Name() string
	Type() LayerType
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	SetTraining(training bool)
	// Params returns the parameters and buffers owned directly by this module.
	Params() []*Parameter
	Children() []Module
}

// WeightBiasLayer is implemented by layers whose weight/bias pair is eligible
// for Kaiming initialisation.
type WeightBiasLayer interface {
	Module
	WeightAndBias() (weight, bias *Parameter)
	FanIn() int
}

type deviceAware interface {
	setWorkers(n int)
}

// Apply calls fn on every module of the tree, children before parents.
func Apply(m Module, fn func(Module)) {
	for _, c := range m.Children() {
		Apply(c, fn)
	}
	fn(m)
}

// SetTraining switches the whole tree between training and evaluation mode.
func SetTraining(m Module, training bool) {
	Apply(m, func(mod Module) { mod.SetTraining(training) })
}

// To moves the tree onto dev.
func To(m Module, dev device.Device) {
	Apply(m, func(mod Module) {
		if d, ok := mod.(deviceAware); ok {
			d.setWorkers(dev.Workers)
		}
	})
}

type namedParameter struct {
	path  string
	param *Parameter
}

func walk(m Module, prefix string, out *[]namedParameter) {
	for _, p := range m.Params() {
		*out = append(*out, namedParameter{path: joinPath(prefix, p.Name), param: p})
	}
	for _, c := range m.Children() {
		walk(c, joinPath(prefix, c.Name()), out)
	}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Parameters returns every trainable parameter of the tree in a stable
// depth-first order. Optimizers index their per-parameter state by position
// in this list.
func Parameters(m Module) []*Parameter {
	var all []namedParameter
	walk(m, "", &all)
	params := make([]*Parameter, 0, len(all))
	for _, np := range all {
		if np.param.Trainable {
			params = append(params, np.param)
		}
	}
	return params
}

// ZeroGrad clears the gradient of every trainable parameter.
func ZeroGrad(m Module) {
	for _, p := range Parameters(m) {
		p.Grad.Zero()
	}
}

// StateDict snapshots every parameter and buffer under its dotted path.
func StateDict(m Module) tensor.StateDict {
	var all []namedParameter
	walk(m, "", &all)
	sd := make(tensor.StateDict, len(all))
	for _, np := range all {
		sd[np.path] = np.param.Value.Clone()
	}
	return sd
}

// LoadStateDict restores a snapshot produced by StateDict. Loading is
// strict: missing, unexpected or mis-shaped entries fail the load and leave
// the module untouched.
func LoadStateDict(m Module, sd tensor.StateDict) error {
	var all []namedParameter
	walk(m, "", &all)

	var missing []string
	expected := make(map[string]bool, len(all))
	for _, np := range all {
		expected[np.path] = true
		src, ok := sd[np.path]
		if !ok {
			missing = append(missing, np.path)
			continue
		}
		if !tensor.SameShape(src, np.param.Value) {
			return fmt.Errorf("size mismatch for %s: checkpoint %v, model %v: %w",
				np.path, src.Shape, np.param.Value.Shape, tensor.ErrShapeMismatch)
		}
	}
	var unexpected []string
	for _, k := range sd.Keys() {
		if !expected[k] {
			unexpected = append(unexpected, k)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		return fmt.Errorf("state dict mismatch: missing keys [%s], unexpected keys [%s]",
			strings.Join(missing, ", "), strings.Join(unexpected, ", "))
	}

	for _, np := range all {
		copy(np.param.Value.Data, sd[np.path].Data)
	}
	return nil
}

// ParameterCount returns the number of trainable scalars in the tree.
func ParameterCount(m Module) int64 {
	var total int64
	for _, p := range Parameters(m) {
		total += int64(p.Value.NumElems())
	}
	return total
}
