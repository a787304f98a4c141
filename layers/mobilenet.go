package layers

import "fmt"

const (
	mobileNetBNEpsilon  = 1e-3
	mobileNetBNMomentum = 0.999
)

// invertedResidual describes one MobileNetV2 bottleneck block.
type invertedResidual struct {
	filters   int
	stride    int
	expansion int
}

// mobileNetV2Blocks lists blocks 1..16; block 0 is the unexpanded stem block.
var mobileNetV2Blocks = []invertedResidual{
	{24, 2, 6}, {24, 1, 6},
	{32, 2, 6}, {32, 1, 6}, {32, 1, 6},
	{64, 2, 6}, {64, 1, 6}, {64, 1, 6}, {64, 1, 6},
	{96, 1, 6}, {96, 1, 6}, {96, 1, 6},
	{160, 2, 6}, {160, 1, 6}, {160, 1, 6},
	{320, 1, 6},
}

// MobileNetV2Name returns the conventional backbone name, e.g. "mobilenetv2_0.50_216".
func MobileNetV2Name(alpha float64, rows int) string {
	return fmt.Sprintf("mobilenetv2_%0.2f_%d", alpha, rows)
}

// AddMobileNetV2 appends a MobileNetV2 feature extractor (no classification
// top) to the builder, tagging every layer with group. Layer names follow the
// Keras applications naming so pretrained weights can be matched by key.
func (mb *ModelBuilder) AddMobileNetV2(alpha float64, group string) *ModelBuilder {
	if alpha <= 0 {
		alpha = 1.0
	}
	mb.BeginGroup(group)

	firstFilters := MakeDivisible(32*alpha, 8)
	mb.AddInput("input_1").
		AddConv2D(firstFilters, 3, 2, PaddingSame, false, "Conv1").
		AddBatchNorm(mobileNetBNEpsilon, mobileNetBNMomentum, "bn_Conv1").
		AddReLU6("Conv1_relu")

	channels := mb.addInvertedResidual(firstFilters, alpha, invertedResidual{16, 1, 1}, 0)
	for i, b := range mobileNetV2Blocks {
		channels = mb.addInvertedResidual(channels, alpha, b, i+1)
	}

	lastFilters := 1280
	if alpha > 1.0 {
		lastFilters = MakeDivisible(1280*alpha, 8)
	}
	mb.AddConv2D(lastFilters, 1, 1, PaddingValid, false, "Conv_1").
		AddBatchNorm(mobileNetBNEpsilon, mobileNetBNMomentum, "Conv_1_bn").
		AddReLU6("out_relu")

	return mb.EndGroup()
}

func (mb *ModelBuilder) addInvertedResidual(inChannels int, alpha float64, b invertedResidual, id int) int {
	pointwise := MakeDivisible(float64(int(float64(b.filters)*alpha)), 8)
	blockInput := mb.LastLayerName()

	prefix := "expanded_conv_"
	if id > 0 {
		prefix = fmt.Sprintf("block_%d_", id)
		mb.AddConv2D(b.expansion*inChannels, 1, 1, PaddingSame, false, prefix+"expand").
			AddBatchNorm(mobileNetBNEpsilon, mobileNetBNMomentum, prefix+"expand_BN").
			AddReLU6(prefix + "expand_relu")
	}

	padding := PaddingSame
	if b.stride == 2 {
		mb.AddCorrectPad(3, prefix+"pad")
		padding = PaddingValid
	}

	mb.AddDepthwiseConv2D(3, b.stride, padding, false, prefix+"depthwise").
		AddBatchNorm(mobileNetBNEpsilon, mobileNetBNMomentum, prefix+"depthwise_BN").
		AddReLU6(prefix+"depthwise_relu").
		AddConv2D(pointwise, 1, 1, PaddingSame, false, prefix+"project").
		AddBatchNorm(mobileNetBNEpsilon, mobileNetBNMomentum, prefix+"project_BN")

	if inChannels == pointwise && b.stride == 1 {
		mb.AddAdd(prefix+"add", blockInput, prefix+"project_BN")
	}
	return pointwise
}
