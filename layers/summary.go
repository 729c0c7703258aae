package layers

import (
	"fmt"
	"strings"
)

// LayerSpec describes one leaf layer of a module tree.
type LayerSpec struct {
	Type LayerType `json:"type"`
	Name string    `json:"name"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`

	// Non-learnable state such as BatchNorm running statistics
	BufferNames []string `json:"buffer_names,omitempty"`
}

// ModelSpec is a flat description of a module tree.
type ModelSpec struct {
	Layers          []LayerSpec `json:"layers"`
	TotalParameters int64       `json:"total_parameters"`
}

// Describe flattens m into a ModelSpec. Leaf names are dotted paths
// matching the state dict keys.
func Describe(m Module) *ModelSpec {
	spec := &ModelSpec{}
	describe(m, "", spec)
	return spec
}

func describe(m Module, prefix string, spec *ModelSpec) {
	children := m.Children()
	if len(children) == 0 {
		layer := LayerSpec{Type: m.Type(), Name: prefix}
		for _, p := range m.Params() {
			if !p.Trainable {
				layer.BufferNames = append(layer.BufferNames, p.Name)
				continue
			}
			layer.ParameterShapes = append(layer.ParameterShapes, append([]int{}, p.Value.Shape...))
			layer.ParameterCount += int64(p.Value.NumElems())
		}
		spec.Layers = append(spec.Layers, layer)
		spec.TotalParameters += layer.ParameterCount
		return
	}
	for _, c := range children {
		describe(c, joinPath(prefix, c.Name()), spec)
	}
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n\n", len(ms.Layers)))

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String()))
		if len(layer.ParameterShapes) > 0 {
			sb.WriteString(fmt.Sprintf("  Shapes: %v\n", layer.ParameterShapes))
		}
		sb.WriteString(fmt.Sprintf("  Params: %d\n", layer.ParameterCount))
		if len(layer.BufferNames) > 0 {
			sb.WriteString(fmt.Sprintf("  Buffers: %s\n", strings.Join(layer.BufferNames, ", ")))
		}
	}

	return sb.String()
}
