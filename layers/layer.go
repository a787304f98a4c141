package layers

import (
	"fmt"
	"math"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Input LayerType = iota
	Conv2D
	DepthwiseConv2D
	ZeroPadding2D
	BatchNorm
	ReLU6
	Add
	GlobalAveragePooling2D
	Dropout
	Dense
	Softmax
	Rescaling
	RandomRotation
)

func (lt LayerType) String() string {
	switch lt {
	case Input:
		return "InputLayer"
	case Conv2D:
		return "Conv2D"
	case DepthwiseConv2D:
		return "DepthwiseConv2D"
	case ZeroPadding2D:
		return "ZeroPadding2D"
	case BatchNorm:
		return "BatchNormalization"
	case ReLU6:
		return "ReLU"
	case Add:
		return "Add"
	case GlobalAveragePooling2D:
		return "GlobalAveragePooling2D"
	case Dropout:
		return "Dropout"
	case Dense:
		return "Dense"
	case Softmax:
		return "Softmax"
	case Rescaling:
		return "Rescaling"
	case RandomRotation:
		return "RandomRotation"
	default:
		return "Unknown"
	}
}

// Parameter names used inside a "<layer>/<param>" weight key.
const (
	ParamKernel          = "kernel"
	ParamDepthwiseKernel = "depthwise_kernel"
	ParamBias            = "bias"
	ParamGamma           = "gamma"
	ParamBeta            = "beta"
	ParamMovingMean      = "moving_mean"
	ParamMovingVariance  = "moving_variance"
)

// Padding modes accepted by convolution layers.
const (
	PaddingSame  = "same"
	PaddingValid = "valid"
)

// LayerSpec defines layer configuration for the engine.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Inputs names the layers feeding this one. Empty means the previous
	// layer, or the model input for the first layer.
	Inputs []string `json:"inputs,omitempty"`

	// Group tags layers that belong to a nested model such as the
	// pretrained backbone.
	Group     string `json:"group,omitempty"`
	Trainable bool   `json:"trainable"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`

	// InputIndices mirrors Inputs as positions in ModelSpec.Layers; -1 is the model input.
	InputIndices []int `json:"input_indices,omitempty"`
}

// ParamKey returns the weight key for one of the layer's parameters.
func (ls *LayerSpec) ParamKey(param string) string {
	return ls.Name + "/" + param
}

// IsParamTrainable reports whether the optimizer may update the named
// parameter. Moving statistics are never trainable.
func (ls *LayerSpec) IsParamTrainable(param string) bool {
	if param == ParamMovingMean || param == ParamMovingVariance {
		return false
	}
	return ls.Trainable
}

// TrainableParameterCount counts the parameters the optimizer may update.
func (ls *LayerSpec) TrainableParameterCount() int64 {
	var n int64
	for i, name := range ls.ParameterNames {
		if ls.IsParamTrainable(name) {
			n += int64(shapeSize(ls.ParameterShapes[i]))
		}
	}
	return n
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64 `json:"total_parameters"`
	InputShape      []int `json:"input_shape"`
	OutputShape     []int `json:"output_shape"`
	Compiled        bool  `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	group      string
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape excludes the batch dimension.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	shape := append([]int{-1}, inputShape...)
	return &ModelBuilder{
		name:       name,
		layers:     make([]LayerSpec, 0),
		inputShape: shape,
	}
}

// BeginGroup tags every layer added until EndGroup with group.
func (mb *ModelBuilder) BeginGroup(group string) *ModelBuilder {
	mb.group = group
	return mb
}

// EndGroup stops tagging layers.
func (mb *ModelBuilder) EndGroup() *ModelBuilder {
	mb.group = ""
	return mb
}

// AddLayer adds a generic layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	if layer.Group == "" {
		layer.Group = mb.group
	}
	layer.Trainable = true
	mb.layers = append(mb.layers, layer)
	return mb
}

// LastLayerName returns the name of the most recently added layer.
func (mb *ModelBuilder) LastLayerName() string {
	if len(mb.layers) == 0 {
		return ""
	}
	return mb.layers[len(mb.layers)-1].Name
}

// AddInput adds an identity layer marking the start of a nested model.
func (mb *ModelBuilder) AddInput(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Input, Name: name})
}

// AddConv2D adds a 2D convolution layer with an HWIO kernel.
func (mb *ModelBuilder) AddConv2D(filters, kernelSize, stride int, padding string, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"filters":     filters,
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
			"use_bias":    useBias,
		},
	})
}

// AddDepthwiseConv2D adds a depthwise convolution with depth multiplier 1.
func (mb *ModelBuilder) AddDepthwiseConv2D(kernelSize, stride int, padding string, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: DepthwiseConv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
			"use_bias":    useBias,
		},
	})
}

// AddZeroPadding2D adds explicit zero padding.
func (mb *ModelBuilder) AddZeroPadding2D(top, bottom, left, right int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: ZeroPadding2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pad_top":    top,
			"pad_bottom": bottom,
			"pad_left":   left,
			"pad_right":  right,
		},
	})
}

// AddCorrectPad adds zero padding sized at compile time so that a following
// strided 'valid' convolution of kernelSize behaves like MobileNet expects.
func (mb *ModelBuilder) AddCorrectPad(kernelSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: ZeroPadding2D,
		Name: name,
		Parameters: map[string]interface{}{
			"correct_pad": kernelSize,
		},
	})
}

// AddBatchNorm adds batch normalization over the channel axis.
func (mb *ModelBuilder) AddBatchNorm(eps, momentum float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"epsilon":  eps,
			"momentum": momentum,
		},
	})
}

// AddReLU6 adds a ReLU capped at 6.
func (mb *ModelBuilder) AddReLU6(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       ReLU6,
		Name:       name,
		Parameters: map[string]interface{}{"max_value": 6.0},
	})
}

// AddAdd adds an element-wise sum of the named layers.
func (mb *ModelBuilder) AddAdd(name string, inputs ...string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Add, Name: name, Inputs: inputs})
}

// AddGlobalAveragePooling2D averages each channel over height and width.
func (mb *ModelBuilder) AddGlobalAveragePooling2D(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAveragePooling2D, Name: name})
}

// AddDropout adds a dropout layer (active only during training)
func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Dropout,
		Name:       name,
		Parameters: map[string]interface{}{"rate": rate},
	})
}

// AddDense adds a fully connected layer to the model
func (mb *ModelBuilder) AddDense(units int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"units":    units,
			"use_bias": useBias,
		},
	})
}

// AddSoftmax adds a softmax activation along the last axis.
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Softmax,
		Name:       name,
		Parameters: map[string]interface{}{"axis": -1},
	})
}

// AddRescaling computes x*scale + offset.
func (mb *ModelBuilder) AddRescaling(scale, offset float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Rescaling,
		Name: name,
		Parameters: map[string]interface{}{
			"scale":  scale,
			"offset": offset,
		},
	})
}

// AddRandomRotation adds a training-only rotation by up to factor*2π radians.
func (mb *ModelBuilder) AddRandomRotation(factor float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: RandomRotation,
		Name: name,
		Parameters: map[string]interface{}{
			"factor":    factor,
			"fill_mode": "reflect",
		},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	for i, l := range mb.layers {
		model.Layers[i] = cloneLayer(l)
	}

	if err := model.compile(); err != nil {
		return nil, err
	}
	mb.compiled = true
	return model, nil
}

// Recompile recomputes shapes and parameter metadata, e.g. after loading a
// spec from disk.
func (ms *ModelSpec) Recompile() error {
	return ms.compile()
}

func (ms *ModelSpec) compile() error {
	index := make(map[string]int, len(ms.Layers))
	var total int64

	for i := range ms.Layers {
		layer := &ms.Layers[i]
		if layer.Name == "" {
			return fmt.Errorf("layer %d has no name", i)
		}
		if _, dup := index[layer.Name]; dup {
			return fmt.Errorf("duplicate layer name %q", layer.Name)
		}

		layer.InputIndices = layer.InputIndices[:0]
		switch {
		case len(layer.Inputs) > 0:
			for _, in := range layer.Inputs {
				j, ok := index[in]
				if !ok {
					return fmt.Errorf("layer %q references unknown or later layer %q", layer.Name, in)
				}
				layer.InputIndices = append(layer.InputIndices, j)
			}
		default:
			layer.InputIndices = append(layer.InputIndices, i-1)
		}

		inputShapes := make([][]int, len(layer.InputIndices))
		for k, j := range layer.InputIndices {
			if j < 0 {
				inputShapes[k] = ms.InputShape
			} else {
				inputShapes[k] = ms.Layers[j].OutputShape
			}
		}

		layer.InputShape = append([]int(nil), inputShapes[0]...)
		out, names, shapes, err := computeLayerInfo(layer, inputShapes)
		if err != nil {
			return fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = out
		layer.ParameterNames = names
		layer.ParameterShapes = shapes
		layer.ParameterCount = 0
		for _, s := range shapes {
			layer.ParameterCount += int64(shapeSize(s))
		}
		total += layer.ParameterCount
		index[layer.Name] = i
	}

	ms.OutputShape = append([]int(nil), ms.Layers[len(ms.Layers)-1].OutputShape...)
	ms.TotalParameters = total
	ms.Compiled = true
	return nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputs [][]int) ([]int, []string, [][]int, error) {
	in := inputs[0]
	if layer.Type != Add && len(inputs) != 1 {
		return nil, nil, nil, fmt.Errorf("%s takes exactly one input, got %d", layer.Type, len(inputs))
	}

	switch layer.Type {
	case Input, ReLU6, Dropout, Rescaling, Softmax:
		return cloneShape(in), nil, nil, nil
	case RandomRotation:
		if len(in) != 4 {
			return nil, nil, nil, fmt.Errorf("RandomRotation requires 4D input [batch, height, width, channels]")
		}
		return cloneShape(in), nil, nil, nil
	case Conv2D:
		return computeConv2DInfo(layer, in)
	case DepthwiseConv2D:
		return computeDepthwiseInfo(layer, in)
	case ZeroPadding2D:
		return computePaddingInfo(layer, in)
	case BatchNorm:
		c := in[len(in)-1]
		return cloneShape(in),
			[]string{ParamGamma, ParamBeta, ParamMovingMean, ParamMovingVariance},
			[][]int{{c}, {c}, {c}, {c}}, nil
	case Add:
		if len(inputs) < 2 {
			return nil, nil, nil, fmt.Errorf("Add requires at least 2 inputs")
		}
		for _, s := range inputs[1:] {
			if !sameShape(s, in) {
				return nil, nil, nil, fmt.Errorf("Add input shapes differ: %v vs %v", in, s)
			}
		}
		return cloneShape(in), nil, nil, nil
	case GlobalAveragePooling2D:
		if len(in) != 4 {
			return nil, nil, nil, fmt.Errorf("GlobalAveragePooling2D requires 4D input")
		}
		return []int{in[0], in[3]}, nil, nil, nil
	case Dense:
		return computeDenseInfo(layer, in)
	default:
		return nil, nil, nil, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, in []int) ([]int, []string, [][]int, error) {
	if len(in) != 4 {
		return nil, nil, nil, fmt.Errorf("Conv2D layer requires 4D input [batch, height, width, channels]")
	}
	filters := GetIntParam(layer.Parameters, "filters", 0)
	if filters <= 0 {
		return nil, nil, nil, fmt.Errorf("missing filters parameter")
	}
	k := GetIntParam(layer.Parameters, "kernel_size", 0)
	if k <= 0 {
		return nil, nil, nil, fmt.Errorf("missing kernel_size parameter")
	}

	oh, ow, err := resolvePadding(layer, in[1], in[2], k)
	if err != nil {
		return nil, nil, nil, err
	}

	names := []string{ParamKernel}
	shapes := [][]int{{k, k, in[3], filters}}
	if GetBoolParam(layer.Parameters, "use_bias", true) {
		names = append(names, ParamBias)
		shapes = append(shapes, []int{filters})
	}
	return []int{in[0], oh, ow, filters}, names, shapes, nil
}

func computeDepthwiseInfo(layer *LayerSpec, in []int) ([]int, []string, [][]int, error) {
	if len(in) != 4 {
		return nil, nil, nil, fmt.Errorf("DepthwiseConv2D layer requires 4D input [batch, height, width, channels]")
	}
	k := GetIntParam(layer.Parameters, "kernel_size", 0)
	if k <= 0 {
		return nil, nil, nil, fmt.Errorf("missing kernel_size parameter")
	}

	oh, ow, err := resolvePadding(layer, in[1], in[2], k)
	if err != nil {
		return nil, nil, nil, err
	}

	names := []string{ParamDepthwiseKernel}
	shapes := [][]int{{k, k, in[3], 1}}
	if GetBoolParam(layer.Parameters, "use_bias", true) {
		names = append(names, ParamBias)
		shapes = append(shapes, []int{in[3]})
	}
	return []int{in[0], oh, ow, in[3]}, names, shapes, nil
}

// resolvePadding turns the padding mode into explicit pad_* parameters and
// returns the output spatial size.
func resolvePadding(layer *LayerSpec, h, w, k int) (int, int, error) {
	stride := GetIntParam(layer.Parameters, "stride", 1)
	if stride <= 0 {
		return 0, 0, fmt.Errorf("invalid stride %d", stride)
	}

	var oh, ow, top, bottom, left, right int
	switch mode := GetStringParam(layer.Parameters, "padding", PaddingValid); mode {
	case PaddingSame:
		oh = (h + stride - 1) / stride
		ow = (w + stride - 1) / stride
		padH := max((oh-1)*stride+k-h, 0)
		padW := max((ow-1)*stride+k-w, 0)
		top, bottom = padH/2, padH-padH/2
		left, right = padW/2, padW-padW/2
	case PaddingValid:
		if h < k || w < k {
			return 0, 0, fmt.Errorf("input %dx%d smaller than kernel %d", h, w, k)
		}
		oh = (h-k)/stride + 1
		ow = (w-k)/stride + 1
	default:
		return 0, 0, fmt.Errorf("unknown padding %q", mode)
	}

	layer.Parameters["pad_top"] = top
	layer.Parameters["pad_bottom"] = bottom
	layer.Parameters["pad_left"] = left
	layer.Parameters["pad_right"] = right
	return oh, ow, nil
}

func computePaddingInfo(layer *LayerSpec, in []int) ([]int, []string, [][]int, error) {
	if len(in) != 4 {
		return nil, nil, nil, fmt.Errorf("ZeroPadding2D requires 4D input")
	}
	if k := GetIntParam(layer.Parameters, "correct_pad", 0); k > 0 {
		// Pad one extra row/column at the end for even inputs, symmetric for odd ones.
		half := k / 2
		adjH, adjW := 1-in[1]%2, 1-in[2]%2
		layer.Parameters["pad_top"] = half - adjH
		layer.Parameters["pad_bottom"] = half
		layer.Parameters["pad_left"] = half - adjW
		layer.Parameters["pad_right"] = half
	}
	p := PaddingOf(layer)
	return []int{in[0], in[1] + p.Top + p.Bottom, in[2] + p.Left + p.Right, in[3]}, nil, nil, nil
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, in []int) ([]int, []string, [][]int, error) {
	if len(in) != 2 {
		return nil, nil, nil, fmt.Errorf("dense layer requires 2D input [batch, features]")
	}
	units := GetIntParam(layer.Parameters, "units", 0)
	if units <= 0 {
		return nil, nil, nil, fmt.Errorf("missing units parameter")
	}

	names := []string{ParamKernel}
	shapes := [][]int{{in[1], units}}
	if GetBoolParam(layer.Parameters, "use_bias", true) {
		names = append(names, ParamBias)
		shapes = append(shapes, []int{units})
	}
	return []int{in[0], units}, names, shapes, nil
}

// Padding holds explicit spatial padding.
type Padding struct {
	Top, Bottom, Left, Right int
}

// PaddingOf returns the explicit padding recorded on a compiled layer.
func PaddingOf(layer *LayerSpec) Padding {
	return Padding{
		Top:    GetIntParam(layer.Parameters, "pad_top", 0),
		Bottom: GetIntParam(layer.Parameters, "pad_bottom", 0),
		Left:   GetIntParam(layer.Parameters, "pad_left", 0),
		Right:  GetIntParam(layer.Parameters, "pad_right", 0),
	}
}

// LayerIndex returns the position of the named layer or -1.
func (ms *ModelSpec) LayerIndex(name string) int {
	for i := range ms.Layers {
		if ms.Layers[i].Name == name {
			return i
		}
	}
	return -1
}

// GroupIndices returns the positions of every layer tagged with group, in order.
func (ms *ModelSpec) GroupIndices(group string) []int {
	var idx []int
	for i := range ms.Layers {
		if ms.Layers[i].Group == group {
			idx = append(idx, i)
		}
	}
	return idx
}

// TrainableParameters counts parameters the optimizer may currently update.
func (ms *ModelSpec) TrainableParameters() int64 {
	var n int64
	for i := range ms.Layers {
		n += ms.Layers[i].TrainableParameterCount()
	}
	return n
}

// NonTrainableParameters counts frozen parameters and moving statistics.
func (ms *ModelSpec) NonTrainableParameters() int64 {
	return ms.TotalParameters - ms.TrainableParameters()
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	summary := fmt.Sprintf("Model: %q\n", ms.Name)
	summary += fmt.Sprintf("Input Shape: %v\n", ms.InputShape)
	summary += fmt.Sprintf("Output Shape: %v\n", ms.OutputShape)
	summary += fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters)
	summary += fmt.Sprintf("Trainable Parameters: %d\n", ms.TrainableParameters())
	summary += fmt.Sprintf("Layers: %d\n", len(ms.Layers))
	return summary
}

// GetIntParam reads an integer parameter. JSON decoding yields float64, so
// both are accepted.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case float32:
			return int(v)
		}
	}
	return defaultValue
}

func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func GetFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		}
	}
	return defaultValue
}

func GetStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if val, exists := params[key]; exists {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}

func cloneLayer(l LayerSpec) LayerSpec {
	params := make(map[string]interface{}, len(l.Parameters))
	for k, v := range l.Parameters {
		params[k] = v
	}
	l.Parameters = params
	l.Inputs = append([]string(nil), l.Inputs...)
	return l
}

func cloneShape(s []int) []int {
	return append([]int(nil), s...)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func shapeSize(s []int) int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// ShapeSize returns the element count of a shape without its batch dimension
// when the first entry is the -1 batch placeholder.
func ShapeSize(s []int) int {
	if len(s) > 0 && s[0] < 0 {
		return shapeSize(s[1:])
	}
	return shapeSize(s)
}

// MakeDivisible rounds v to the nearest multiple of divisor without going
// more than 10% below v.
func MakeDivisible(v float64, divisor int) int {
	d := float64(divisor)
	newV := int(math.Max(d, float64(int(v+d/2)/divisor*divisor)))
	if float64(newV) < 0.9*v {
		newV += divisor
	}
	return newV
}
