package tensor

import (
	"fmt"
	"sort"
)

// StateDict maps dotted parameter names to tensors. Models, optimizers and
// schedulers all expose their persistent state this way.
type StateDict map[string]*Tensor

// Keys returns the entry names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep-copies every tensor.
func (sd StateDict) Clone() StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		out[k] = v.Clone()
	}
	return out
}

// SetFloat stores a scalar entry.
func (sd StateDict) SetFloat(key string, value float64) {
	sd[key] = Scalar(value)
}

// Float reads a scalar entry.
func (sd StateDict) Float(key string) (float64, error) {
	t, ok := sd[key]
	if !ok {
		return 0, fmt.Errorf("missing state entry %q", key)
	}
	v, err := t.Item()
	if err != nil {
		return 0, fmt.Errorf("state entry %q: %w", key, err)
	}
	return v, nil
}

// Int reads a scalar entry as an integer.
func (sd StateDict) Int(key string) (int, error) {
	v, err := sd.Float(key)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// Tensor reads a tensor entry and checks its shape against want.
func (sd StateDict) Tensor(key string, want []int) (*Tensor, error) {
	t, ok := sd[key]
	if !ok {
		return nil, fmt.Errorf("missing state entry %q", key)
	}
	if !SameShape(t, &Tensor{Shape: want}) {
		return nil, fmt.Errorf("state entry %q has shape %v, expected %v: %w", key, t.Shape, want, ErrShapeMismatch)
	}
	return t, nil
}

// Equal reports whether both dicts hold the same keys with identical
// shapes and values.
func (sd StateDict) Equal(other StateDict) bool {
	if len(sd) != len(other) {
		return false
	}
	for k, v := range sd {
		o, ok := other[k]
		if !ok || !AllClose(v, o, 0) {
			return false
		}
	}
	return true
}
