package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-gesture/layers"
)

const testBackbone = "mobilenetv2_0.50_216"

func gestureSpec(t *testing.T) *layers.ModelSpec {
	spec, err := layers.NewModelBuilder("gesture", []int{216, 216, 3}).
		AddMobileNetV2(0.5, testBackbone).
		AddGlobalAveragePooling2D("global_average_pooling2d").
		AddDropout(0.4, "dropout").
		AddDense(5, true, "dense").
		AddSoftmax("softmax").
		Compile()
	require.NoError(t, err)
	return spec
}

func apply(spec *layers.ModelSpec, pred TrainablePredicate) {
	for i := range spec.Layers {
		spec.Layers[i].Trainable = pred(i, &spec.Layers[i])
	}
}

func TestPhaseTransitions(t *testing.T) {
	assert.Equal(t, FineTune, HeadOnly.Next())
	assert.Equal(t, Done, FineTune.Next())
	assert.Equal(t, Done, Done.Next())
	assert.Equal(t, "head_only", HeadOnly.String())
	assert.Equal(t, "fine_tune", FineTune.String())
	assert.Equal(t, "done", Done.String())
}

func TestFreezeGroupLeavesOnlyHeadTrainable(t *testing.T) {
	spec := gestureSpec(t)
	apply(spec, FreezeGroup(testBackbone))

	for _, l := range spec.Layers {
		assert.Equal(t, l.Group != testBackbone, l.Trainable, l.Name)
	}
	assert.Equal(t, int64(6405), spec.TrainableParameters())
	assert.Equal(t, int64(706224), spec.NonTrainableParameters())
}

func TestUnfreezeTailUnfreezesLastFifth(t *testing.T) {
	spec := gestureSpec(t)
	backbone := spec.GroupIndices(testBackbone)
	require.Len(t, backbone, 154)

	cutoff := FineTuneCutoff(len(backbone), DefaultFrozenFraction)
	assert.Equal(t, 123, cutoff)

	apply(spec, UnfreezeTail(spec, testBackbone, DefaultFrozenFraction))
	for pos, i := range backbone {
		assert.Equal(t, pos >= cutoff, spec.Layers[i].Trainable, "backbone layer %d (%s)", pos, spec.Layers[i].Name)
	}
	for i, l := range spec.Layers {
		if l.Group == "" {
			assert.True(t, l.Trainable, "head layer %d", i)
		}
	}
	assert.Equal(t, "block_13_project", spec.Layers[backbone[cutoff]].Name)
}

func TestFineTuneCutoff(t *testing.T) {
	assert.Equal(t, 0, FineTuneCutoff(0, 0.8))
	assert.Equal(t, 8, FineTuneCutoff(10, 0.8))
	assert.Equal(t, 7, FineTuneCutoff(9, 0.8))
}

func TestDefaultPhases(t *testing.T) {
	spec := gestureSpec(t)
	phases := DefaultPhases(spec, testBackbone)
	require.NoError(t, validatePhases(phases))

	assert.Equal(t, 1e-3, phases[0].LearningRate)
	assert.Equal(t, 10, phases[0].MaxEpochs)
	assert.Equal(t, 1e-4, phases[1].LearningRate)
	assert.Equal(t, 30, phases[1].MaxEpochs)

	swapped := []PhaseConfig{phases[1], phases[0]}
	assert.Error(t, validatePhases(swapped))
	assert.Error(t, validatePhases(phases[:1]))

	bad := append([]PhaseConfig(nil), phases...)
	bad[1].Trainable = nil
	assert.Error(t, validatePhases(bad))
}
