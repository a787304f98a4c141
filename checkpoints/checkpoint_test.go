package checkpoints

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-gesture/checkpoints/onnxpb"
	"github.com/tsawler/go-gesture/engine"
	"github.com/tsawler/go-gesture/layers"
)

var testClasses = []string{"circle", "w"}

func testMeta() CheckpointMetadata {
	return CheckpointMetadata{
		RunID:     "2f1c3a52-0d5e-4a51-9d0c-6b0e0e1f2a3b",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// exportModel covers every layer type the exporter handles.
func exportModel(t *testing.T) *engine.Model {
	spec, err := layers.NewModelBuilder("export", []int{8, 8, 3}).
		AddRandomRotation(0.1, "random_rotation").
		AddRescaling(1/127.5, -1, "rescaling").
		BeginGroup("backbone").
		AddInput("input_1").
		AddConv2D(4, 3, 2, layers.PaddingSame, false, "Conv1").
		AddBatchNorm(1e-3, 0.999, "bn_Conv1").
		AddReLU6("Conv1_relu").
		AddCorrectPad(3, "block_pad").
		AddDepthwiseConv2D(3, 2, layers.PaddingValid, false, "block_depthwise").
		AddBatchNorm(1e-3, 0.999, "block_depthwise_BN").
		AddConv2D(4, 1, 1, layers.PaddingSame, false, "block_project").
		AddBatchNorm(1e-3, 0.999, "block_project_BN").
		AddAdd("block_add", "block_depthwise_BN", "block_project_BN").
		EndGroup().
		AddGlobalAveragePooling2D("global_average_pooling2d").
		AddDropout(0.4, "dropout").
		AddDense(2, true, "dense").
		AddSoftmax("softmax").
		Compile()
	require.NoError(t, err)

	m, err := engine.NewModel(spec, engine.WithSeed(9), engine.WithWorkers(1))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	for _, p := range m.Params() {
		for i := range p.Data {
			switch p.Name {
			case layers.ParamMovingVariance:
				p.Data[i] = 0.5 + float32(rng.Float64())
			default:
				p.Data[i] = float32(rng.Float64()*2 - 1)
			}
		}
	}
	return m
}

func TestNativeArchiveRoundTrip(t *testing.T) {
	m := exportModel(t)
	path := filepath.Join(t.TempDir(), "best_cnn.keras")

	c := NewCheckpoint(m, testClasses, testMeta())
	require.NoError(t, NewCheckpointSaver(FormatNative).SaveCheckpoint(c, path))

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, testClasses, loaded.ClassNames)
	assert.Equal(t, testMeta().RunID, loaded.Metadata.RunID)
	assert.Equal(t, Framework, loaded.Metadata.Framework)
	assert.True(t, testMeta().CreatedAt.Equal(loaded.Metadata.CreatedAt))

	require.Len(t, loaded.ModelSpec.Layers, len(m.Spec().Layers))
	for i, l := range loaded.ModelSpec.Layers {
		orig := m.Spec().Layers[i]
		assert.Equal(t, orig.Name, l.Name)
		assert.Equal(t, orig.Type, l.Type)
		assert.Equal(t, orig.Group, l.Group)
		assert.Equal(t, orig.OutputShape, l.OutputShape)
	}
	assert.Equal(t, m.Spec().TotalParameters, loaded.ModelSpec.TotalParameters)
	assert.Equal(t, m.State(), loaded.Weights)

	restored, err := loaded.Model(engine.WithWorkers(1))
	require.NoError(t, err)
	x := engine.NewTensor(2, 8, 8, 3)
	rng := rand.New(rand.NewSource(5))
	for i := range x.Data {
		x.Data[i] = float32(rng.Float64())
	}
	want, err := m.Predict(x)
	require.NoError(t, err)
	got, err := restored.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestRepeatedExportIsByteIdentical(t *testing.T) {
	m := exportModel(t)
	c := NewCheckpoint(m, testClasses, testMeta())

	for _, format := range []CheckpointFormat{FormatNative, FormatONNX} {
		a, err := NewCheckpointSaver(format).Encode(c)
		require.NoError(t, err)
		b, err := NewCheckpointSaver(format).Encode(NewCheckpoint(m, testClasses, testMeta()))
		require.NoError(t, err)
		assert.Equal(t, a, b, format.String())
	}

	// A reloaded archive exports the same ONNX graph.
	dir := t.TempDir()
	native := filepath.Join(dir, "best_cnn.keras")
	require.NoError(t, NewCheckpointSaver(FormatNative).SaveCheckpoint(c, native))
	loaded, err := LoadCheckpoint(native)
	require.NoError(t, err)

	before, err := NewONNXExporter().Encode(c)
	require.NoError(t, err)
	after, err := NewONNXExporter().Encode(loaded)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestONNXGraphStructure(t *testing.T) {
	m := exportModel(t)
	data, err := NewONNXExporter().Encode(NewCheckpoint(m, testClasses, testMeta()))
	require.NoError(t, err)

	model, err := onnxpb.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, int64(7), model.IrVersion)
	require.Len(t, model.OpsetImport, 1)
	assert.Equal(t, int64(13), model.OpsetImport[0].Version)
	assert.Equal(t, "go-gesture", model.ProducerName)

	g := model.Graph
	require.NotNil(t, g)
	require.Len(t, g.Input, 1)
	require.Len(t, g.Output, 1)
	assert.Equal(t, "input", g.Input[0].Name)
	assert.Equal(t, "output", g.Output[0].Name)

	inDims := g.Input[0].Type.TensorType.Shape.Dim
	require.Len(t, inDims, 4)
	assert.Equal(t, "N", inDims[0].DimParam)
	assert.Equal(t, []int64{8, 8, 3}, []int64{inDims[1].DimValue, inDims[2].DimValue, inDims[3].DimValue})
	outDims := g.Output[0].Type.TensorType.Shape.Dim
	require.Len(t, outDims, 2)
	assert.Equal(t, "N", outDims[0].DimParam)
	assert.Equal(t, int64(2), outDims[1].DimValue)

	require.NotEmpty(t, g.Node)
	assert.Equal(t, "Transpose", g.Node[0].OpType)
	assert.Equal(t, []int64{0, 3, 1, 2}, g.Node[0].Attr("perm").Ints)

	ops := map[string]int{}
	for _, n := range g.Node {
		ops[n.OpType]++
	}
	for _, op := range []string{"Mul", "Conv", "Pad", "BatchNormalization", "Clip", "Add", "GlobalAveragePool", "Flatten", "Dropout", "MatMul", "Softmax"} {
		assert.Positive(t, ops[op], op)
	}
	assert.Equal(t, 3, ops["Conv"])
	assert.Equal(t, 4, ops["BatchNormalization"])
	assert.Zero(t, ops["RandomRotation"])

	// Every node input must be defined before use.
	defined := map[string]bool{"input": true}
	inits := map[string]*onnxpb.TensorProto{}
	for _, init := range g.Initializer {
		assert.False(t, defined[init.Name], "duplicate initializer %s", init.Name)
		defined[init.Name] = true
		inits[init.Name] = init
	}
	for _, n := range g.Node {
		for _, in := range n.Input {
			assert.True(t, defined[in], "%s reads undefined %s", n.Name, in)
		}
		for _, out := range n.Output {
			defined[out] = true
		}
	}
	assert.Equal(t, "output", g.Node[len(g.Node)-1].Output[0])

	for _, n := range g.Node {
		switch n.Name {
		case "Conv1":
			assert.Equal(t, int64(1), n.Attr("group").I)
			assert.Equal(t, []int64{0, 0, 1, 1}, n.Attr("pads").Ints)
			assert.Equal(t, []int64{4, 3, 3, 3}, inits["Conv1/kernel"].Dims)
		case "block_depthwise":
			assert.Equal(t, int64(4), n.Attr("group").I)
			assert.Equal(t, []int64{4, 1, 3, 3}, inits["block_depthwise/depthwise_kernel"].Dims)
		case "block_pad":
			assert.Equal(t, []int64{0, 0, 0, 0, 0, 0, 1, 1}, inits["block_pad/pads"].Int64Data)
		case "dense_matmul":
			assert.Equal(t, []int64{4, 2}, inits["dense/kernel"].Dims)
		}
	}
	found := false
	for _, kv := range model.MetadataProps {
		if kv.Key == "class_names" {
			found = true
			assert.Equal(t, "circle,w", kv.Value)
		}
	}
	assert.True(t, found)
}

func TestHWIOToOIHW(t *testing.T) {
	// 1x2 kernel, 2 inputs, 3 outputs; value encodes (x, i, o).
	src := &engine.Tensor{Shape: []int{1, 2, 2, 3}, Data: make([]float32, 12)}
	for x := 0; x < 2; x++ {
		for i := 0; i < 2; i++ {
			for o := 0; o < 3; o++ {
				src.Data[(x*2+i)*3+o] = float32(100*x + 10*i + o)
			}
		}
	}
	dst, shape := hwioToOIHW(src)
	assert.Equal(t, []int{3, 2, 1, 2}, shape)
	for o := 0; o < 3; o++ {
		for i := 0; i < 2; i++ {
			for x := 0; x < 2; x++ {
				assert.Equal(t, float32(100*x+10*i+o), dst[(o*2+i)*2+x])
			}
		}
	}
}

func TestExportReportsPartialFailure(t *testing.T) {
	m := exportModel(t)
	dir := t.TempDir()
	native := filepath.Join(dir, "best_cnn.keras")
	onnx := filepath.Join(dir, "missing", "gesture_cnn.onnx")

	result, err := Export(m, testClasses, native, onnx, testMeta())
	require.Error(t, err)
	assert.Equal(t, []string{native}, result.Written)

	var exportErr *ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, ArtifactONNX, exportErr.Artifact)
	assert.Equal(t, onnx, exportErr.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, statErr := os.Stat(native)
	assert.NoError(t, statErr)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestExportWritesBothArtifacts(t *testing.T) {
	m := exportModel(t)
	dir := t.TempDir()
	native := filepath.Join(dir, "best_cnn.keras")
	onnx := filepath.Join(dir, "gesture_cnn.onnx")

	result, err := Export(m, testClasses, native, onnx, testMeta())
	require.NoError(t, err)
	assert.Equal(t, []string{native, onnx}, result.Written)

	first, err := os.ReadFile(onnx)
	require.NoError(t, err)
	_, err = Export(m, testClasses, native, onnx, testMeta())
	require.NoError(t, err)
	second, err := os.ReadFile(onnx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCheckpointValidation(t *testing.T) {
	m := exportModel(t)

	c := NewCheckpoint(m, []string{"only-one"}, testMeta())
	_, err := NewCheckpointSaver(FormatNative).Encode(c)
	assert.Error(t, err)

	c = NewCheckpoint(m, testClasses, testMeta())
	delete(c.Weights, "dense/kernel")
	_, err = NewCheckpointSaver(FormatONNX).Encode(c)
	assert.Error(t, err)

	c = NewCheckpoint(m, testClasses, testMeta())
	c.Weights["dense/bias"] = engine.NewTensor(3)
	_, err = NewCheckpointSaver(FormatNative).Encode(c)
	assert.Error(t, err)

	_, err = NewCheckpointSaver(CheckpointFormat(9)).Encode(NewCheckpoint(m, testClasses, testMeta()))
	assert.Error(t, err)
}

func TestLoadCheckpointRejectsBadArchives(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.keras")
	require.NoError(t, os.WriteFile(garbage, []byte("not a zip"), 0o644))
	_, err := LoadCheckpoint(garbage)
	assert.Error(t, err)

	_, err = LoadCheckpoint(filepath.Join(dir, "absent.keras"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
