// Package onnxpb encodes and decodes the subset of the ONNX protobuf schema
// (onnx.proto, IR version 7) needed to write inference graphs and weight
// archives.
package onnxpb

// DataType is TensorProto.DataType.
type DataType int32

const (
	DataTypeUndefined DataType = 0
	DataTypeFloat     DataType = 1
	DataTypeInt32     DataType = 6
	DataTypeInt64     DataType = 7
)

// AttributeType is AttributeProto.AttributeType.
type AttributeType int32

const (
	AttributeFloat   AttributeType = 1
	AttributeInt     AttributeType = 2
	AttributeString  AttributeType = 3
	AttributeTensor  AttributeType = 4
	AttributeFloats  AttributeType = 6
	AttributeInts    AttributeType = 7
	AttributeStrings AttributeType = 8
)

type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []*StringStringEntryProto
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type StringStringEntryProto struct {
	Key   string
	Value string
}

type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Attribute []*AttributeProto
	DocString string
}

type AttributeProto struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

type TensorProto struct {
	Dims      []int64
	DataType  DataType
	FloatData []float32
	Int32Data []int32
	Int64Data []int64
	Name      string
	RawData   []byte
	DocString string
}

type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

type TypeProto struct {
	TensorType *TypeProtoTensor
}

type TypeProtoTensor struct {
	ElemType DataType
	Shape    *TensorShapeProto
}

type TensorShapeProto struct {
	Dim []*TensorShapeProtoDimension
}

// TensorShapeProtoDimension holds either a fixed size or a symbolic name.
type TensorShapeProtoDimension struct {
	DimValue int64
	DimParam string
}
