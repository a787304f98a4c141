package onnxpb

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FloatTensor builds a FLOAT initializer stored as little-endian raw data.
func FloatTensor(name string, dims []int, data []float32) *TensorProto {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return &TensorProto{
		Dims:     int64s(dims),
		DataType: DataTypeFloat,
		Name:     name,
		RawData:  raw,
	}
}

// Int64Tensor builds an INT64 initializer.
func Int64Tensor(name string, dims []int, data []int64) *TensorProto {
	return &TensorProto{
		Dims:      int64s(dims),
		DataType:  DataTypeInt64,
		Name:      name,
		Int64Data: append([]int64(nil), data...),
	}
}

// Floats returns the tensor contents as float32, reading raw_data when set
// and float_data otherwise. The element count must match Dims.
func (t *TensorProto) Floats() ([]float32, error) {
	if t.DataType != DataTypeFloat {
		return nil, fmt.Errorf("tensor %q: data type %d is not FLOAT", t.Name, t.DataType)
	}
	want := 1
	for _, d := range t.Dims {
		want *= int(d)
	}

	var out []float32
	if len(t.RawData) > 0 {
		if len(t.RawData)%4 != 0 {
			return nil, fmt.Errorf("tensor %q: raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
		}
		out = make([]float32, len(t.RawData)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*i:]))
		}
	} else {
		out = append([]float32(nil), t.FloatData...)
	}

	if len(out) != want {
		return nil, fmt.Errorf("tensor %q: %d values for dims %v", t.Name, len(out), t.Dims)
	}
	return out, nil
}

// Shape returns Dims as ints.
func (t *TensorProto) Shape() []int {
	out := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		out[i] = int(d)
	}
	return out
}

func int64s(dims []int) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		out[i] = int64(d)
	}
	return out
}

// IntAttr, FloatAttr, IntsAttr and StringAttr build node attributes.
func IntAttr(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInt, I: v}
}

func FloatAttr(name string, v float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeFloat, F: v}
}

func IntsAttr(name string, vs ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInts, Ints: vs}
}

func StringAttr(name, v string) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeString, S: []byte(v)}
}

// Attr returns the named attribute of n, or nil.
func (n *NodeProto) Attr(name string) *AttributeProto {
	for _, a := range n.Attribute {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// FloatTensorInfo declares a FLOAT graph input or output. A negative dim is
// written as the symbolic dimension symbol.
func FloatTensorInfo(name, symbol string, dims ...int) *ValueInfoProto {
	shape := &TensorShapeProto{}
	for _, d := range dims {
		if d < 0 {
			shape.Dim = append(shape.Dim, &TensorShapeProtoDimension{DimParam: symbol})
		} else {
			shape.Dim = append(shape.Dim, &TensorShapeProtoDimension{DimValue: int64(d)})
		}
	}
	return &ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TypeProtoTensor{ElemType: DataTypeFloat, Shape: shape}},
	}
}
