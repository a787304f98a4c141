package checkpoints

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-gesture/checkpoints/onnxpb"
	"github.com/tsawler/go-gesture/engine"
	"github.com/tsawler/go-gesture/layers"
)

// ONNX graph constants.
const (
	ONNXIRVersion = 7
	ONNXOpset     = 13

	onnxInputName  = "input"
	onnxOutputName = "output"
	onnxBatchDim   = "N"

	// Shared Clip bounds for every ReLU6.
	relu6Min = "relu6/min"
	relu6Max = "relu6/max"
)

// ONNXExporter handles conversion of trained models to ONNX format. The graph
// takes NHWC input like the model itself and transposes to NCHW once.
type ONNXExporter struct {
	model *onnxpb.ModelProto
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// Model returns the proto built by the last successful Encode.
func (oe *ONNXExporter) Model() *onnxpb.ModelProto {
	return oe.model
}

// Encode converts a checkpoint to a serialized ONNX model. Augmentation layers
// are omitted; dropout is emitted and is an identity at inference.
func (oe *ONNXExporter) Encode(checkpoint *Checkpoint) ([]byte, error) {
	if err := checkpoint.validate(); err != nil {
		return nil, err
	}
	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	model := &onnxpb.ModelProto{
		IrVersion:       ONNXIRVersion,
		OpsetImport:     []*onnxpb.OperatorSetIdProto{{Domain: "", Version: ONNXOpset}},
		ProducerName:    Framework,
		ProducerVersion: ArchiveVersion,
		ModelVersion:    1,
		Graph:           graph,
		MetadataProps: []*onnxpb.StringStringEntryProto{
			{Key: "class_names", Value: strings.Join(checkpoint.ClassNames, ",")},
		},
	}
	if checkpoint.Metadata.RunID != "" {
		model.MetadataProps = append(model.MetadataProps, &onnxpb.StringStringEntryProto{Key: "run_id", Value: checkpoint.Metadata.RunID})
	}
	oe.model = model
	return onnxpb.Marshal(model), nil
}

// ExportToONNX writes checkpoint to path as ONNX.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Encode(checkpoint)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// graphBuilder accumulates nodes and initializers while walking the layers.
type graphBuilder struct {
	graph   *onnxpb.GraphProto
	weights map[string]*engine.Tensor
	// outputs[j+1] holds the result of layer j.
	outputs []string
	shared  map[string]bool
}

func (gb *graphBuilder) add(nodes ...*onnxpb.NodeProto) {
	gb.graph.Node = append(gb.graph.Node, nodes...)
}

func (gb *graphBuilder) initializer(t *onnxpb.TensorProto) {
	gb.graph.Initializer = append(gb.graph.Initializer, t)
}

// sharedScalar adds a float scalar initializer once.
func (gb *graphBuilder) sharedScalar(name string, v float32) {
	if gb.shared[name] {
		return
	}
	gb.shared[name] = true
	gb.initializer(onnxpb.FloatTensor(name, nil, []float32{v}))
}

// tensorOf returns the tensor produced by layer j; -1 is the transposed input.
func (gb *graphBuilder) tensorOf(j int) string {
	return gb.outputs[j+1]
}

func (gb *graphBuilder) param(l *layers.LayerSpec, name string) (*engine.Tensor, error) {
	t, ok := gb.weights[l.ParamKey(name)]
	if !ok {
		return nil, fmt.Errorf("missing weight tensor %q", l.ParamKey(name))
	}
	return t, nil
}

// buildONNXGraph creates the ONNX computation graph from the layer list
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*onnxpb.GraphProto, error) {
	spec := checkpoint.ModelSpec
	gb := &graphBuilder{
		graph:   &onnxpb.GraphProto{Name: spec.Name},
		weights: checkpoint.Weights,
		shared:  make(map[string]bool),
	}

	gb.graph.Input = append(gb.graph.Input, onnxpb.FloatTensorInfo(onnxInputName, onnxBatchDim, spec.InputShape...))
	gb.add(&onnxpb.NodeProto{
		OpType:    "Transpose",
		Name:      "input_to_nchw",
		Input:     []string{onnxInputName},
		Output:    []string{"input_nchw"},
		Attribute: []*onnxpb.AttributeProto{onnxpb.IntsAttr("perm", 0, 3, 1, 2)},
	})
	gb.outputs = append(gb.outputs, "input_nchw")

	last := len(spec.Layers) - 1
	if spec.Layers[last].Type != layers.Softmax {
		return nil, fmt.Errorf("model must end in Softmax, got %s", spec.Layers[last].Type)
	}
	for i := range spec.Layers {
		l := &spec.Layers[i]
		in := gb.tensorOf(l.InputIndices[0])
		out := l.Name
		if i == last {
			out = onnxOutputName
		}

		var err error
		switch l.Type {
		case layers.Input, layers.RandomRotation:
			out = in
		case layers.Rescaling:
			oe.createRescalingNodes(gb, l, in, out)
		case layers.Conv2D:
			err = oe.createConv2DNode(gb, l, in, out, 1)
		case layers.DepthwiseConv2D:
			err = oe.createConv2DNode(gb, l, in, out, l.InputShape[3])
		case layers.ZeroPadding2D:
			err = oe.createPadNode(gb, l, in, out)
		case layers.BatchNorm:
			err = oe.createBatchNormNode(gb, l, in, out)
		case layers.ReLU6:
			oe.createReLU6Node(gb, l, in, out)
		case layers.Add:
			inputs := make([]string, len(l.InputIndices))
			for k, j := range l.InputIndices {
				inputs[k] = gb.tensorOf(j)
			}
			oe.createAddNodes(gb, l, inputs, out)
		case layers.GlobalAveragePooling2D:
			oe.createGlobalAveragePoolNodes(gb, l, in, out)
		case layers.Dropout:
			oe.createDropoutNode(gb, l, in, out)
		case layers.Dense:
			err = oe.createDenseNode(gb, l, in, out)
		case layers.Softmax:
			oe.createSoftmaxNode(gb, l, in, out)
		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", l.Type.String())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX node for layer %s: %w", l.Name, err)
		}
		gb.outputs = append(gb.outputs, out)
	}

	gb.graph.Output = append(gb.graph.Output, onnxpb.FloatTensorInfo(onnxOutputName, onnxBatchDim, spec.OutputShape...))
	return gb.graph, nil
}

func (oe *ONNXExporter) createRescalingNodes(gb *graphBuilder, l *layers.LayerSpec, in, out string) {
	scale := float32(layers.GetFloatParam(l.Parameters, "scale", 1))
	offset := float32(layers.GetFloatParam(l.Parameters, "offset", 0))
	scaleName, offsetName := l.Name+"/scale", l.Name+"/offset"
	gb.initializer(onnxpb.FloatTensor(scaleName, nil, []float32{scale}))
	gb.initializer(onnxpb.FloatTensor(offsetName, nil, []float32{offset}))
	gb.add(
		&onnxpb.NodeProto{OpType: "Mul", Name: l.Name + "_mul", Input: []string{in, scaleName}, Output: []string{l.Name + "_scaled"}},
		&onnxpb.NodeProto{OpType: "Add", Name: l.Name + "_add", Input: []string{l.Name + "_scaled", offsetName}, Output: []string{out}},
	)
}

// createConv2DNode emits Conv for a regular (group 1) or depthwise (group C)
// convolution. Kernels are transposed from HWIO to OIHW.
func (oe *ONNXExporter) createConv2DNode(gb *graphBuilder, l *layers.LayerSpec, in, out string, group int) error {
	paramName := layers.ParamKernel
	if l.Type == layers.DepthwiseConv2D {
		paramName = layers.ParamDepthwiseKernel
	}
	kernel, err := gb.param(l, paramName)
	if err != nil {
		return err
	}

	k := layers.GetIntParam(l.Parameters, "kernel_size", 1)
	stride := layers.GetIntParam(l.Parameters, "stride", 1)
	p := layers.PaddingOf(l)

	weight, shape := hwioToOIHW(kernel)
	if group > 1 {
		// Depthwise kernels are [k, k, C, 1]; ONNX wants [C, 1, k, k].
		weight, shape = hwioToOIHW(&engine.Tensor{Shape: []int{k, k, 1, kernel.Shape[2]}, Data: kernel.Data})
	}
	weightName := l.ParamKey(paramName)
	gb.initializer(onnxpb.FloatTensor(weightName, shape, weight))

	node := &onnxpb.NodeProto{
		OpType: "Conv",
		Name:   l.Name,
		Input:  []string{in, weightName},
		Output: []string{out},
		Attribute: []*onnxpb.AttributeProto{
			onnxpb.IntsAttr("dilations", 1, 1),
			onnxpb.IntAttr("group", int64(group)),
			onnxpb.IntsAttr("kernel_shape", int64(k), int64(k)),
			onnxpb.IntsAttr("pads", int64(p.Top), int64(p.Left), int64(p.Bottom), int64(p.Right)),
			onnxpb.IntsAttr("strides", int64(stride), int64(stride)),
		},
	}
	if layers.GetBoolParam(l.Parameters, "use_bias", true) {
		bias, err := gb.param(l, layers.ParamBias)
		if err != nil {
			return err
		}
		gb.initializer(onnxpb.FloatTensor(l.ParamKey(layers.ParamBias), bias.Shape, bias.Data))
		node.Input = append(node.Input, l.ParamKey(layers.ParamBias))
	}
	gb.add(node)
	return nil
}

// createPadNode emits a constant Pad. ONNX pads are all begins then all ends
// over NCHW.
func (oe *ONNXExporter) createPadNode(gb *graphBuilder, l *layers.LayerSpec, in, out string) error {
	p := layers.PaddingOf(l)
	padsName := l.Name + "/pads"
	gb.initializer(onnxpb.Int64Tensor(padsName, []int{8}, []int64{0, 0, int64(p.Top), int64(p.Left), 0, 0, int64(p.Bottom), int64(p.Right)}))
	gb.add(&onnxpb.NodeProto{
		OpType:    "Pad",
		Name:      l.Name,
		Input:     []string{in, padsName},
		Output:    []string{out},
		Attribute: []*onnxpb.AttributeProto{onnxpb.StringAttr("mode", "constant")},
	})
	return nil
}

// createBatchNormNode creates ONNX BatchNormalization node
func (oe *ONNXExporter) createBatchNormNode(gb *graphBuilder, l *layers.LayerSpec, in, out string) error {
	node := &onnxpb.NodeProto{
		OpType: "BatchNormalization",
		Name:   l.Name,
		Input:  []string{in},
		Output: []string{out},
		Attribute: []*onnxpb.AttributeProto{
			onnxpb.FloatAttr("epsilon", float32(layers.GetFloatParam(l.Parameters, "epsilon", 1e-3))),
			onnxpb.FloatAttr("momentum", float32(layers.GetFloatParam(l.Parameters, "momentum", 0.99))),
		},
	}
	// Input order: scale, bias, mean, var.
	for _, name := range []string{layers.ParamGamma, layers.ParamBeta, layers.ParamMovingMean, layers.ParamMovingVariance} {
		t, err := gb.param(l, name)
		if err != nil {
			return err
		}
		gb.initializer(onnxpb.FloatTensor(l.ParamKey(name), t.Shape, t.Data))
		node.Input = append(node.Input, l.ParamKey(name))
	}
	gb.add(node)
	return nil
}

func (oe *ONNXExporter) createReLU6Node(gb *graphBuilder, l *layers.LayerSpec, in, out string) {
	gb.sharedScalar(relu6Min, 0)
	gb.sharedScalar(relu6Max, float32(layers.GetFloatParam(l.Parameters, "max_value", 6)))
	gb.add(&onnxpb.NodeProto{
		OpType: "Clip",
		Name:   l.Name,
		Input:  []string{in, relu6Min, relu6Max},
		Output: []string{out},
	})
}

// createAddNodes sums inputs pairwise; ONNX Add is binary.
func (oe *ONNXExporter) createAddNodes(gb *graphBuilder, l *layers.LayerSpec, inputs []string, out string) {
	acc := inputs[0]
	for k, rhs := range inputs[1:] {
		dst := out
		if k < len(inputs)-2 {
			dst = fmt.Sprintf("%s_%d", l.Name, k)
		}
		gb.add(&onnxpb.NodeProto{OpType: "Add", Name: dst, Input: []string{acc, rhs}, Output: []string{dst}})
		acc = dst
	}
}

func (oe *ONNXExporter) createGlobalAveragePoolNodes(gb *graphBuilder, l *layers.LayerSpec, in, out string) {
	pooled := l.Name + "_pool"
	gb.add(
		&onnxpb.NodeProto{OpType: "GlobalAveragePool", Name: pooled, Input: []string{in}, Output: []string{pooled}},
		&onnxpb.NodeProto{
			OpType:    "Flatten",
			Name:      l.Name,
			Input:     []string{pooled},
			Output:    []string{out},
			Attribute: []*onnxpb.AttributeProto{onnxpb.IntAttr("axis", 1)},
		},
	)
}

// createDropoutNode passes the rate as the optional ratio input; training_mode
// is left unset so runtimes treat it as identity.
func (oe *ONNXExporter) createDropoutNode(gb *graphBuilder, l *layers.LayerSpec, in, out string) {
	ratio := l.Name + "/ratio"
	gb.initializer(onnxpb.FloatTensor(ratio, nil, []float32{float32(layers.GetFloatParam(l.Parameters, "rate", 0))}))
	gb.add(&onnxpb.NodeProto{
		OpType: "Dropout",
		Name:   l.Name,
		Input:  []string{in, ratio},
		Output: []string{out},
	})
}

// createDenseNode creates ONNX MatMul + Add nodes for Dense layer. The kernel
// is already [in, units], the layout MatMul expects for its right operand.
func (oe *ONNXExporter) createDenseNode(gb *graphBuilder, l *layers.LayerSpec, in, out string) error {
	kernel, err := gb.param(l, layers.ParamKernel)
	if err != nil {
		return err
	}
	kernelName := l.ParamKey(layers.ParamKernel)
	gb.initializer(onnxpb.FloatTensor(kernelName, kernel.Shape, kernel.Data))

	if !layers.GetBoolParam(l.Parameters, "use_bias", true) {
		gb.add(&onnxpb.NodeProto{OpType: "MatMul", Name: l.Name, Input: []string{in, kernelName}, Output: []string{out}})
		return nil
	}

	bias, err := gb.param(l, layers.ParamBias)
	if err != nil {
		return err
	}
	biasName := l.ParamKey(layers.ParamBias)
	gb.initializer(onnxpb.FloatTensor(biasName, bias.Shape, bias.Data))
	matmul := l.Name + "_matmul"
	gb.add(
		&onnxpb.NodeProto{OpType: "MatMul", Name: matmul, Input: []string{in, kernelName}, Output: []string{matmul}},
		&onnxpb.NodeProto{OpType: "Add", Name: l.Name + "_add_bias", Input: []string{matmul, biasName}, Output: []string{out}},
	)
	return nil
}

// createSoftmaxNode creates ONNX Softmax node
func (oe *ONNXExporter) createSoftmaxNode(gb *graphBuilder, l *layers.LayerSpec, in, out string) {
	gb.add(&onnxpb.NodeProto{
		OpType:    "Softmax",
		Name:      l.Name,
		Input:     []string{in},
		Output:    []string{out},
		Attribute: []*onnxpb.AttributeProto{onnxpb.IntAttr("axis", int64(layers.GetIntParam(l.Parameters, "axis", -1)))},
	})
}

// hwioToOIHW transposes a [kh, kw, in, out] kernel to [out, in, kh, kw].
func hwioToOIHW(t *engine.Tensor) ([]float32, []int) {
	kh, kw, ci, co := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	dst := make([]float32, len(t.Data))
	for y := 0; y < kh; y++ {
		for x := 0; x < kw; x++ {
			for i := 0; i < ci; i++ {
				for o := 0; o < co; o++ {
					dst[((o*ci+i)*kh+y)*kw+x] = t.Data[((y*kw+x)*ci+i)*co+o]
				}
			}
		}
	}
	return dst, []int{co, ci, kh, kw}
}
