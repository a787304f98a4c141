package engine

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/tsawler/go-gesture/layers"
)

// Model executes a compiled layers.ModelSpec on the CPU. It owns the weights
// and gradient buffers of every layer.
type Model struct {
	spec        *layers.ModelSpec
	params      []*Param
	byKey       map[string]*Param
	layerParams []map[string]*Param
	lastUse     []int
	workers     int
	rng         *rand.Rand
}

// Option configures a Model.
type Option func(*Model)

// WithWorkers bounds the goroutines used per operation.
func WithWorkers(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithSeed seeds weight initialization, dropout and augmentation.
func WithSeed(seed int64) Option {
	return func(m *Model) {
		m.rng = rand.New(rand.NewSource(seed))
	}
}

// NewModel allocates parameters for spec. Kernels are Glorot-uniform
// initialized, biases and betas are zero, gammas and variances one.
func NewModel(spec *layers.ModelSpec, opts ...Option) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}
	last := spec.Layers[len(spec.Layers)-1]
	if last.Type != layers.Softmax {
		return nil, fmt.Errorf("final layer must be Softmax, got %s", last.Type)
	}
	if last.InputIndices[0] < 0 {
		return nil, fmt.Errorf("softmax must follow at least one layer")
	}

	m := &Model{
		spec:        spec,
		byKey:       make(map[string]*Param),
		layerParams: make([]map[string]*Param, len(spec.Layers)),
		lastUse:     make([]int, len(spec.Layers)),
		workers:     DefaultWorkers(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}

	for i := range spec.Layers {
		l := &spec.Layers[i]
		m.layerParams[i] = make(map[string]*Param, len(l.ParameterNames))
		for k, name := range l.ParameterNames {
			shape := l.ParameterShapes[k]
			p := &Param{
				Key:   l.ParamKey(name),
				Layer: i,
				Name:  name,
				Shape: append([]int(nil), shape...),
				Data:  make([]float32, shapeSize(shape)),
				Grad:  make([]float32, shapeSize(shape)),
			}
			m.initParam(p)
			m.params = append(m.params, p)
			m.byKey[p.Key] = p
			m.layerParams[i][name] = p
		}
		m.lastUse[i] = -1
		for _, j := range l.InputIndices {
			if j >= 0 {
				m.lastUse[j] = i
			}
		}
	}
	return m, nil
}

func (m *Model) initParam(p *Param) {
	switch p.Name {
	case layers.ParamKernel, layers.ParamDepthwiseKernel:
		limit := glorotLimit(p.Shape)
		for i := range p.Data {
			p.Data[i] = float32((m.rng.Float64()*2 - 1) * limit)
		}
	case layers.ParamGamma, layers.ParamMovingVariance:
		for i := range p.Data {
			p.Data[i] = 1
		}
	}
}

// glorotLimit computes sqrt(6/(fan_in+fan_out)) treating all leading axes as
// the receptive field.
func glorotLimit(shape []int) float64 {
	if len(shape) < 2 {
		return math.Sqrt(6.0 / float64(2*shape[0]))
	}
	receptive := shapeSize(shape[:len(shape)-2])
	fanIn := shape[len(shape)-2] * receptive
	fanOut := shape[len(shape)-1] * receptive
	return math.Sqrt(6.0 / float64(fanIn+fanOut))
}

// Spec returns the underlying model specification.
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// Params returns every parameter in layer order.
func (m *Model) Params() []*Param {
	return m.params
}

// Param looks up a parameter by "<layer>/<param>" key.
func (m *Model) Param(key string) (*Param, bool) {
	p, ok := m.byKey[key]
	return p, ok
}

// TrainableParams returns the parameters the optimizer may update now.
func (m *Model) TrainableParams() []*Param {
	var out []*Param
	for _, p := range m.params {
		if m.spec.Layers[p.Layer].IsParamTrainable(p.Name) {
			out = append(out, p)
		}
	}
	return out
}

// SetTrainable sets every layer's trainable flag from fn.
func (m *Model) SetTrainable(fn func(i int, l *layers.LayerSpec) bool) {
	for i := range m.spec.Layers {
		l := &m.spec.Layers[i]
		l.Trainable = fn(i, l)
	}
}

// ZeroGrad clears every gradient buffer.
func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// State returns a copy of every parameter keyed by "<layer>/<param>".
func (m *Model) State() map[string]*Tensor {
	out := make(map[string]*Tensor, len(m.params))
	for _, p := range m.params {
		out[p.Key] = &Tensor{Shape: append([]int(nil), p.Shape...), Data: append([]float32(nil), p.Data...)}
	}
	return out
}

// LoadState copies weights from state. Every parameter of the model must be
// present with a matching shape.
func (m *Model) LoadState(state map[string]*Tensor) error {
	return m.load(state, func(*layers.LayerSpec) bool { return true })
}

// LoadGroup copies weights for the layers tagged with group. Every parameter
// of those layers must be present with a matching shape; other keys are ignored.
func (m *Model) LoadGroup(state map[string]*Tensor, group string) error {
	if len(m.spec.GroupIndices(group)) == 0 {
		return fmt.Errorf("model has no layers in group %q", group)
	}
	return m.load(state, func(l *layers.LayerSpec) bool { return l.Group == group })
}

func (m *Model) load(state map[string]*Tensor, want func(*layers.LayerSpec) bool) error {
	for _, p := range m.params {
		l := &m.spec.Layers[p.Layer]
		if !want(l) {
			continue
		}
		// The group prefix is accepted so nested-model weight dumps load as is.
		t, ok := state[p.Key]
		if !ok && l.Group != "" {
			t, ok = state[l.Group+"/"+p.Key]
		}
		if !ok {
			return fmt.Errorf("missing weight tensor %q", p.Key)
		}
		if !sameShape(t.Shape, p.Shape) {
			return fmt.Errorf("weight tensor %q has shape %v, expected %v", p.Key, t.Shape, p.Shape)
		}
		copy(p.Data, t.Data)
	}
	return nil
}

// Snapshot copies the current weights.
func (m *Model) Snapshot() [][]float32 {
	snap := make([][]float32, len(m.params))
	for i, p := range m.params {
		snap[i] = append([]float32(nil), p.Data...)
	}
	return snap
}

// Restore writes back a Snapshot.
func (m *Model) Restore(snap [][]float32) {
	for i, p := range m.params {
		copy(p.Data, snap[i])
	}
}

// firstTrainable returns the earliest layer holding a trainable parameter, or -1.
func (m *Model) firstTrainable() int {
	for i := range m.spec.Layers {
		if m.spec.Layers[i].TrainableParameterCount() > 0 {
			return i
		}
	}
	return -1
}

// Pass holds the activations of one forward pass needed for Backward.
type Pass struct {
	input    *Tensor
	outputs  []*Tensor
	logits   int
	masks    map[int][]float32
	first    int
	training bool
}

// Output returns the model output (class probabilities).
func (p *Pass) Output() *Tensor {
	return p.outputs[len(p.outputs)-1]
}

// Logits returns the input of the final softmax.
func (p *Pass) Logits() *Tensor {
	return p.outputs[p.logits]
}

// Forward runs the model on an NHWC batch. In training mode dropout and
// augmentation are active and activations are kept for Backward.
func (m *Model) Forward(x *Tensor, training bool) (*Pass, error) {
	want := m.spec.InputShape
	if len(x.Shape) != len(want) {
		return nil, fmt.Errorf("input rank %d, expected %d", len(x.Shape), len(want))
	}
	for i := 1; i < len(want); i++ {
		if x.Shape[i] != want[i] {
			return nil, fmt.Errorf("input shape %v, expected %v", x.Shape, want)
		}
	}

	n := len(m.spec.Layers)
	pass := &Pass{
		input:    x,
		outputs:  make([]*Tensor, n),
		logits:   m.spec.Layers[n-1].InputIndices[0],
		masks:    map[int][]float32{},
		first:    -1,
		training: training,
	}
	keepFrom := n
	if training {
		pass.first = m.firstTrainable()
		if pass.first >= 0 {
			keepFrom = pass.first
			for i := pass.first; i < n; i++ {
				for _, j := range m.spec.Layers[i].InputIndices {
					if j >= 0 && j < keepFrom {
						keepFrom = j
					}
				}
			}
		}
	}

	for i := range m.spec.Layers {
		l := &m.spec.Layers[i]
		inputs := make([]*Tensor, len(l.InputIndices))
		for k, j := range l.InputIndices {
			if j < 0 {
				inputs[k] = x
			} else {
				inputs[k] = pass.outputs[j]
			}
		}

		y, err := m.forwardLayer(i, l, inputs, pass)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name, err)
		}
		pass.outputs[i] = y

		for _, j := range l.InputIndices {
			if j >= 0 && j < keepFrom && m.lastUse[j] == i && j != pass.logits {
				pass.outputs[j] = nil
			}
		}
	}
	return pass, nil
}

func (m *Model) forwardLayer(i int, l *layers.LayerSpec, in []*Tensor, pass *Pass) (*Tensor, error) {
	x := in[0]
	p := m.layerParams[i]
	switch l.Type {
	case layers.Input:
		return x, nil
	case layers.RandomRotation:
		if !pass.training {
			return x, nil
		}
		return rotateForward(x, m.rng, layers.GetFloatParam(l.Parameters, "factor", 0), m.workers), nil
	case layers.Rescaling:
		return rescaleForward(x,
			float32(layers.GetFloatParam(l.Parameters, "scale", 1)),
			float32(layers.GetFloatParam(l.Parameters, "offset", 0))), nil
	case layers.Conv2D:
		return conv2DForward(x, p[layers.ParamKernel].Data, dataOf(p[layers.ParamBias]), geometryOf(l, x.Shape[0]), m.workers), nil
	case layers.DepthwiseConv2D:
		return depthwiseForward(x, p[layers.ParamDepthwiseKernel].Data, dataOf(p[layers.ParamBias]), geometryOf(l, x.Shape[0]), m.workers), nil
	case layers.ZeroPadding2D:
		return zeroPadForward(x, layers.PaddingOf(l)), nil
	case layers.BatchNorm:
		scale, shift := batchNormAffine(p[layers.ParamGamma].Data, p[layers.ParamBeta].Data,
			p[layers.ParamMovingMean].Data, p[layers.ParamMovingVariance].Data, bnEpsilon(l))
		return batchNormForward(x, scale, shift), nil
	case layers.ReLU6:
		return relu6Forward(x), nil
	case layers.Add:
		return addForward(in), nil
	case layers.GlobalAveragePooling2D:
		return globalAvgPoolForward(x), nil
	case layers.Dropout:
		rate := layers.GetFloatParam(l.Parameters, "rate", 0)
		if !pass.training || rate <= 0 {
			return x, nil
		}
		mask := dropoutMask(m.rng, x.Size(), rate)
		pass.masks[i] = mask
		return mulMask(x, mask), nil
	case layers.Dense:
		return denseForward(x, p[layers.ParamKernel].Data, dataOf(p[layers.ParamBias]), l.OutputShape[1]), nil
	case layers.Softmax:
		return softmaxForward(x), nil
	default:
		return nil, fmt.Errorf("unsupported layer type %s", l.Type)
	}
}

// Backward propagates dLogits (the loss gradient with respect to the input
// of the final softmax) down to the earliest trainable layer, accumulating
// into the Grad buffers of trainable parameters.
func (m *Model) Backward(pass *Pass, dLogits *Tensor) error {
	if !pass.training {
		return fmt.Errorf("backward requires a training-mode forward pass")
	}
	if pass.first < 0 {
		return nil
	}

	n := len(m.spec.Layers)
	grads := make([]*Tensor, n)
	owned := make([]bool, n)
	start := pass.logits
	grads[start] = dLogits

	accumulate := func(j int, g *Tensor) {
		if grads[j] == nil {
			grads[j] = g
			return
		}
		if !owned[j] {
			grads[j] = grads[j].Clone()
			owned[j] = true
		}
		for k, v := range g.Data {
			grads[j].Data[k] += v
		}
	}

	for i := start; i >= pass.first; i-- {
		dy := grads[i]
		if dy == nil {
			continue
		}
		l := &m.spec.Layers[i]
		needInput := false
		for _, j := range l.InputIndices {
			if j >= pass.first {
				needInput = true
			}
		}

		dxs, err := m.backwardLayer(i, l, pass, dy, needInput)
		if err != nil {
			return fmt.Errorf("layer %s: %w", l.Name, err)
		}
		if needInput {
			for k, j := range l.InputIndices {
				if j >= pass.first {
					accumulate(j, dxs[k])
				}
			}
		}
		grads[i] = nil
	}
	return nil
}

func (m *Model) backwardLayer(i int, l *layers.LayerSpec, pass *Pass, dy *Tensor, needInput bool) ([]*Tensor, error) {
	input := func(k int) *Tensor {
		if j := l.InputIndices[k]; j >= 0 {
			return pass.outputs[j]
		}
		return pass.input
	}
	p := m.layerParams[i]
	grad := func(name string) []float32 {
		if q, ok := p[name]; ok && l.IsParamTrainable(name) {
			return q.Grad
		}
		return nil
	}

	switch l.Type {
	case layers.Input:
		return []*Tensor{dy}, nil
	case layers.Rescaling:
		return []*Tensor{scaleGrad(dy, float32(layers.GetFloatParam(l.Parameters, "scale", 1)))}, nil
	case layers.Conv2D:
		x := input(0)
		dx := conv2DBackward(x, dy, p[layers.ParamKernel].Data, grad(layers.ParamKernel), grad(layers.ParamBias),
			needInput, geometryOf(l, x.Shape[0]), m.workers)
		return []*Tensor{dx}, nil
	case layers.DepthwiseConv2D:
		x := input(0)
		dx := depthwiseBackward(x, dy, p[layers.ParamDepthwiseKernel].Data, grad(layers.ParamDepthwiseKernel), grad(layers.ParamBias),
			needInput, geometryOf(l, x.Shape[0]), m.workers)
		return []*Tensor{dx}, nil
	case layers.ZeroPadding2D:
		return []*Tensor{zeroPadBackward(dy, l.InputShape, layers.PaddingOf(l))}, nil
	case layers.BatchNorm:
		eps := bnEpsilon(l)
		mean, variance := p[layers.ParamMovingMean].Data, p[layers.ParamMovingVariance].Data
		scale, _ := batchNormAffine(p[layers.ParamGamma].Data, p[layers.ParamBeta].Data, mean, variance, eps)
		dx := batchNormBackward(input(0), dy, mean, variance, scale, eps, grad(layers.ParamGamma), grad(layers.ParamBeta), needInput)
		return []*Tensor{dx}, nil
	case layers.ReLU6:
		return []*Tensor{relu6Backward(pass.outputs[i], dy)}, nil
	case layers.Add:
		out := make([]*Tensor, len(l.InputIndices))
		for k := range out {
			out[k] = dy
		}
		return out, nil
	case layers.GlobalAveragePooling2D:
		return []*Tensor{globalAvgPoolBackward(dy, l.InputShape)}, nil
	case layers.Dropout:
		if mask, ok := pass.masks[i]; ok {
			return []*Tensor{mulMask(dy, mask)}, nil
		}
		return []*Tensor{dy}, nil
	case layers.Dense:
		x := input(0)
		dx := denseBackward(x, dy, p[layers.ParamKernel].Data, grad(layers.ParamKernel), grad(layers.ParamBias), needInput)
		return []*Tensor{dx}, nil
	default:
		return nil, fmt.Errorf("backward not supported for %s", l.Type)
	}
}

// Predict runs an inference-mode forward pass and returns class probabilities.
func (m *Model) Predict(x *Tensor) (*Tensor, error) {
	pass, err := m.Forward(x, false)
	if err != nil {
		return nil, err
	}
	return pass.Output(), nil
}

func bnEpsilon(l *layers.LayerSpec) float64 {
	return layers.GetFloatParam(l.Parameters, "epsilon", 1e-3)
}

func dataOf(p *Param) []float32 {
	if p == nil {
		return nil
	}
	return p.Data
}
