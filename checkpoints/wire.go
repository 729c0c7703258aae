package checkpoints

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-unet/tensor"
)

// Binary layout, in protobuf wire format:
//
//	Checkpoint { 1: int64 epoch; 2: StateDict model; 3: StateDict optimizer;
//	             4: StateDict scheduler; 5: string created_at;
//	             6: string framework; 7: string description }
//	StateDict  { 1: repeated Entry entries }
//	Entry      { 1: string name; 2: packed int64 shape; 3: packed double data }
const (
	fieldEpoch       protowire.Number = 1
	fieldModel       protowire.Number = 2
	fieldOptimizer   protowire.Number = 3
	fieldScheduler   protowire.Number = 4
	fieldCreatedAt   protowire.Number = 5
	fieldFramework   protowire.Number = 6
	fieldDescription protowire.Number = 7

	fieldEntries = protowire.Number(1)

	fieldEntryName  protowire.Number = 1
	fieldEntryShape protowire.Number = 2
	fieldEntryData  protowire.Number = 3
)

var errTruncated = errors.New("truncated checkpoint data")

func marshalBinary(c *Checkpoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(c.Epoch)))
	b = appendStateDict(b, fieldModel, c.ModelState)
	b = appendStateDict(b, fieldOptimizer, c.OptimizerState)
	b = appendStateDict(b, fieldScheduler, c.SchedulerState)
	b = appendString(b, fieldCreatedAt, c.Metadata.CreatedAt.Format(time.RFC3339Nano))
	b = appendString(b, fieldFramework, c.Metadata.Framework)
	if c.Metadata.Description != "" {
		b = appendString(b, fieldDescription, c.Metadata.Description)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendStateDict(b []byte, num protowire.Number, sd tensor.StateDict) []byte {
	if sd == nil {
		return b
	}
	var msg []byte
	for _, name := range sd.Keys() {
		msg = protowire.AppendTag(msg, fieldEntries, protowire.BytesType)
		msg = protowire.AppendBytes(msg, marshalEntry(name, sd[name]))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func marshalEntry(name string, t *tensor.Tensor) []byte {
	b := appendString(nil, fieldEntryName, name)

	if len(t.Shape) > 0 {
		var shape []byte
		for _, d := range t.Shape {
			shape = protowire.AppendVarint(shape, uint64(int64(d)))
		}
		b = protowire.AppendTag(b, fieldEntryShape, protowire.BytesType)
		b = protowire.AppendBytes(b, shape)
	}

	data := make([]byte, 0, 8*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldEntryData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func unmarshalBinary(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldEpoch && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			c.Epoch = int(int64(v))
			b = b[n:]

		case (num == fieldModel || num == fieldOptimizer || num == fieldScheduler) && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			sd, err := unmarshalStateDict(msg)
			if err != nil {
				return nil, err
			}
			switch num {
			case fieldModel:
				c.ModelState = sd
			case fieldOptimizer:
				c.OptimizerState = sd
			default:
				c.SchedulerState = sd
			}
			b = b[n:]

		case (num == fieldCreatedAt || num == fieldFramework || num == fieldDescription) && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case fieldCreatedAt:
				created, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return nil, fmt.Errorf("invalid created_at: %w", err)
				}
				c.Metadata.CreatedAt = created
			case fieldFramework:
				c.Metadata.Framework = s
			default:
				c.Metadata.Description = s
			}
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if c.ModelState == nil {
		return nil, fmt.Errorf("checkpoint has no model state")
	}
	return c, nil
}

func unmarshalStateDict(b []byte) (tensor.StateDict, error) {
	sd := tensor.StateDict{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num != fieldEntries || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		name, t, err := unmarshalEntry(msg)
		if err != nil {
			return nil, err
		}
		if _, dup := sd[name]; dup {
			return nil, fmt.Errorf("duplicate state entry %q", name)
		}
		sd[name] = t
		b = b[n:]
	}
	return sd, nil
}

func unmarshalEntry(b []byte) (string, *tensor.Tensor, error) {
	var (
		name  string
		shape []int
		data  []float64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldEntryName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			name = s
			b = b[n:]

		case num == fieldEntryShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return "", nil, protowire.ParseError(m)
				}
				shape = append(shape, int(int64(v)))
				packed = packed[m:]
			}
			b = b[n:]

		case num == fieldEntryData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			if len(packed)%8 != 0 {
				return "", nil, errTruncated
			}
			data = make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return "", nil, protowire.ParseError(m)
				}
				data = append(data, math.Float64frombits(v))
				packed = packed[m:]
			}
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if name == "" {
		return "", nil, fmt.Errorf("state entry without a name")
	}
	t, err := newEntryTensor(shape, data)
	if err != nil {
		return "", nil, fmt.Errorf("entry %q: %w", name, err)
	}
	return name, t, nil
}
