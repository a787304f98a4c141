package onnxpb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a message ends in the middle of a field.
var ErrTruncated = errors.New("onnxpb: truncated message")

// Unmarshal decodes a ModelProto. Unknown fields are skipped.
func Unmarshal(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	if err := m.decode(b); err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalTensor decodes a single TensorProto.
func UnmarshalTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	if err := t.decode(b); err != nil {
		return nil, err
	}
	return t, nil
}

// field is one decoded wire field. For varint and fixed32 fields only the
// scalar is set; for length-delimited fields only bytes is set.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u     uint64
	bytes []byte
}

// walk calls fn for every field in b.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}

// varints reads a repeated integer field in either packed or unpacked form.
func (f field) varints() ([]int64, error) {
	if f.typ == protowire.VarintType {
		return []int64{int64(f.u)}, nil
	}
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("unexpected wire type %d", f.typ)
	}
	var out []int64
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

// floats reads a repeated float field in either packed or unpacked form.
func (f field) floats() ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(uint32(f.u))}, nil
	}
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("unexpected wire type %d", f.typ)
	}
	if len(f.bytes)%4 != 0 {
		return nil, ErrTruncated
	}
	out := make([]float32, len(f.bytes)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(f.bytes[4*i:]))
	}
	return out, nil
}

func (m *ModelProto) decode(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.IrVersion = int64(f.u)
		case 2:
			m.ProducerName = string(f.bytes)
		case 3:
			m.ProducerVersion = string(f.bytes)
		case 4:
			m.Domain = string(f.bytes)
		case 5:
			m.ModelVersion = int64(f.u)
		case 6:
			m.DocString = string(f.bytes)
		case 7:
			m.Graph = &GraphProto{}
			return m.Graph.decode(f.bytes)
		case 8:
			op := &OperatorSetIdProto{}
			m.OpsetImport = append(m.OpsetImport, op)
			return walk(f.bytes, func(f field) error {
				switch f.num {
				case 1:
					op.Domain = string(f.bytes)
				case 2:
					op.Version = int64(f.u)
				}
				return nil
			})
		case 14:
			kv := &StringStringEntryProto{}
			m.MetadataProps = append(m.MetadataProps, kv)
			return walk(f.bytes, func(f field) error {
				switch f.num {
				case 1:
					kv.Key = string(f.bytes)
				case 2:
					kv.Value = string(f.bytes)
				}
				return nil
			})
		}
		return nil
	})
}

func (g *GraphProto) decode(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			n := &NodeProto{}
			g.Node = append(g.Node, n)
			return n.decode(f.bytes)
		case 2:
			g.Name = string(f.bytes)
		case 5:
			t := &TensorProto{}
			g.Initializer = append(g.Initializer, t)
			return t.decode(f.bytes)
		case 10:
			g.DocString = string(f.bytes)
		case 11, 12, 13:
			v := &ValueInfoProto{}
			if err := v.decode(f.bytes); err != nil {
				return err
			}
			switch f.num {
			case 11:
				g.Input = append(g.Input, v)
			case 12:
				g.Output = append(g.Output, v)
			default:
				g.ValueInfo = append(g.ValueInfo, v)
			}
		}
		return nil
	})
}

func (n *NodeProto) decode(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			n.Input = append(n.Input, string(f.bytes))
		case 2:
			n.Output = append(n.Output, string(f.bytes))
		case 3:
			n.Name = string(f.bytes)
		case 4:
			n.OpType = string(f.bytes)
		case 5:
			a := &AttributeProto{}
			n.Attribute = append(n.Attribute, a)
			return a.decode(f.bytes)
		case 6:
			n.DocString = string(f.bytes)
		case 7:
			n.Domain = string(f.bytes)
		}
		return nil
	})
}

func (a *AttributeProto) decode(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			a.Name = string(f.bytes)
		case 2:
			a.F = math.Float32frombits(uint32(f.u))
		case 3:
			a.I = int64(f.u)
		case 4:
			a.S = append([]byte(nil), f.bytes...)
		case 5:
			a.T = &TensorProto{}
			return a.T.decode(f.bytes)
		case 7:
			vs, err := f.floats()
			if err != nil {
				return err
			}
			a.Floats = append(a.Floats, vs...)
		case 8:
			vs, err := f.varints()
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, vs...)
		case 9:
			a.Strings = append(a.Strings, append([]byte(nil), f.bytes...))
		case 20:
			a.Type = AttributeType(f.u)
		}
		return nil
	})
}

func (t *TensorProto) decode(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			vs, err := f.varints()
			if err != nil {
				return err
			}
			t.Dims = append(t.Dims, vs...)
		case 2:
			t.DataType = DataType(f.u)
		case 4:
			vs, err := f.floats()
			if err != nil {
				return err
			}
			t.FloatData = append(t.FloatData, vs...)
		case 5:
			vs, err := f.varints()
			if err != nil {
				return err
			}
			for _, v := range vs {
				t.Int32Data = append(t.Int32Data, int32(v))
			}
		case 7:
			vs, err := f.varints()
			if err != nil {
				return err
			}
			t.Int64Data = append(t.Int64Data, vs...)
		case 8:
			t.Name = string(f.bytes)
		case 9:
			t.RawData = append([]byte(nil), f.bytes...)
		case 12:
			t.DocString = string(f.bytes)
		}
		return nil
	})
}

func (v *ValueInfoProto) decode(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			v.Name = string(f.bytes)
		case 2:
			v.Type = &TypeProto{}
			return v.Type.decode(f.bytes)
		case 3:
			v.DocString = string(f.bytes)
		}
		return nil
	})
}

func (tp *TypeProto) decode(b []byte) error {
	return walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		tp.TensorType = &TypeProtoTensor{}
		return walk(f.bytes, func(f field) error {
			switch f.num {
			case 1:
				tp.TensorType.ElemType = DataType(f.u)
			case 2:
				shape := &TensorShapeProto{}
				tp.TensorType.Shape = shape
				return walk(f.bytes, func(f field) error {
					if f.num != 1 {
						return nil
					}
					d := &TensorShapeProtoDimension{}
					shape.Dim = append(shape.Dim, d)
					return walk(f.bytes, func(f field) error {
						switch f.num {
						case 1:
							d.DimValue = int64(f.u)
						case 2:
							d.DimParam = string(f.bytes)
						}
						return nil
					})
				})
			}
			return nil
		})
	})
}
