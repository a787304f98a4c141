package onnxpb

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes a model. Fields are written in field-number order, so equal
// models always encode to identical bytes.
func Marshal(m *ModelProto) []byte {
	return m.appendTo(nil)
}

// MarshalTensor encodes a single TensorProto.
func MarshalTensor(t *TensorProto) []byte {
	return t.appendTo(nil)
}

func appendVarintField(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendPackedInt64(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var body []byte
	for _, v := range vs {
		body = protowire.AppendVarint(body, uint64(v))
	}
	return appendMessage(b, num, body)
}

func appendPackedInt32(b []byte, num protowire.Number, vs []int32) []byte {
	if len(vs) == 0 {
		return b
	}
	var body []byte
	for _, v := range vs {
		body = protowire.AppendVarint(body, uint64(int64(v)))
	}
	return appendMessage(b, num, body)
}

func appendPackedFloat(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	body := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		body = protowire.AppendFixed32(body, math.Float32bits(v))
	}
	return appendMessage(b, num, body)
}

func (m *ModelProto) appendTo(b []byte) []byte {
	b = appendVarintField(b, 1, m.IrVersion)
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	b = appendVarintField(b, 5, m.ModelVersion)
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.appendTo(nil))
	}
	for _, op := range m.OpsetImport {
		b = appendMessage(b, 8, op.appendTo(nil))
	}
	for _, kv := range m.MetadataProps {
		b = appendMessage(b, 14, kv.appendTo(nil))
	}
	return b
}

func (o *OperatorSetIdProto) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, o.Domain)
	// version 0 is meaningful for opset imports, so it is always written
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(o.Version))
}

func (kv *StringStringEntryProto) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, kv.Key)
	return appendStringField(b, 2, kv.Value)
}

func (g *GraphProto) appendTo(b []byte) []byte {
	for _, n := range g.Node {
		b = appendMessage(b, 1, n.appendTo(nil))
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, t.appendTo(nil))
	}
	b = appendStringField(b, 10, g.DocString)
	for _, v := range g.Input {
		b = appendMessage(b, 11, v.appendTo(nil))
	}
	for _, v := range g.Output {
		b = appendMessage(b, 12, v.appendTo(nil))
	}
	for _, v := range g.ValueInfo {
		b = appendMessage(b, 13, v.appendTo(nil))
	}
	return b
}

func (n *NodeProto) appendTo(b []byte) []byte {
	for _, s := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessage(b, 5, a.appendTo(nil))
	}
	b = appendStringField(b, 6, n.DocString)
	return appendStringField(b, 7, n.Domain)
}

func (a *AttributeProto) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, a.Name)
	if a.Type == AttributeFloat {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	}
	if a.Type == AttributeInt {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	}
	if a.Type == AttributeString {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	}
	if a.T != nil {
		b = appendMessage(b, 5, a.T.appendTo(nil))
	}
	// Repeated attribute values use the unpacked proto2 encoding.
	for _, f := range a.Floats {
		b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(f))
	}
	for _, i := range a.Ints {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(i))
	}
	for _, s := range a.Strings {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	return appendVarintField(b, 20, int64(a.Type))
}

func (t *TensorProto) appendTo(b []byte) []byte {
	b = appendPackedInt64(b, 1, t.Dims)
	b = appendVarintField(b, 2, int64(t.DataType))
	b = appendPackedFloat(b, 4, t.FloatData)
	b = appendPackedInt32(b, 5, t.Int32Data)
	b = appendPackedInt64(b, 7, t.Int64Data)
	b = appendStringField(b, 8, t.Name)
	b = appendBytesField(b, 9, t.RawData)
	return appendStringField(b, 12, t.DocString)
}

func (v *ValueInfoProto) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, v.Name)
	if v.Type != nil {
		b = appendMessage(b, 2, v.Type.appendTo(nil))
	}
	return appendStringField(b, 3, v.DocString)
}

func (tp *TypeProto) appendTo(b []byte) []byte {
	if tp.TensorType != nil {
		b = appendMessage(b, 1, tp.TensorType.appendTo(nil))
	}
	return b
}

func (tt *TypeProtoTensor) appendTo(b []byte) []byte {
	b = appendVarintField(b, 1, int64(tt.ElemType))
	if tt.Shape != nil {
		b = appendMessage(b, 2, tt.Shape.appendTo(nil))
	}
	return b
}

func (s *TensorShapeProto) appendTo(b []byte) []byte {
	for _, d := range s.Dim {
		b = appendMessage(b, 1, d.appendTo(nil))
	}
	return b
}

func (d *TensorShapeProtoDimension) appendTo(b []byte) []byte {
	if d.DimParam != "" {
		return appendStringField(b, 2, d.DimParam)
	}
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(d.DimValue))
}
