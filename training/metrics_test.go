package training

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfusionMatrixUpdate(t *testing.T) {
	cm := NewConfusionMatrix(3)
	preds := []float32{
		0.8, 0.1, 0.1, // -> 0
		0.2, 0.7, 0.1, // -> 1
		0.1, 0.6, 0.3, // -> 1
		0.1, 0.2, 0.7, // -> 2
	}
	require.NoError(t, cm.UpdateFromPredictions(preds, []int{0, 1, 2, 2}))

	assert.Equal(t, 4, cm.TotalSamples)
	assert.Equal(t, 1, cm.Matrix[2][1])
	assert.InDelta(t, 0.75, cm.GetAccuracy(), 1e-12)

	acc, support := cm.ClassAccuracy(2)
	assert.InDelta(t, 0.5, acc, 1e-12)
	assert.Equal(t, 2, support)

	// precision: 1, 0.5, 1 ; recall: 1, 1, 0.5
	assert.InDelta(t, 2.5/3, cm.GetMetric(MacroPrecision), 1e-12)
	assert.InDelta(t, 2.5/3, cm.GetMetric(MacroRecall), 1e-12)
	assert.InDelta(t, 2.5/3, cm.GetMetric(MacroF1), 1e-12)
}

func TestConfusionMatrixRejectsBadInput(t *testing.T) {
	cm := NewConfusionMatrix(2)
	assert.Error(t, cm.UpdateFromPredictions([]float32{1, 0, 0}, []int{0, 1}))
	assert.Error(t, cm.UpdateFromPredictions([]float32{1, 0}, []int{2}))
}

func TestClassAccuracyWithoutSupport(t *testing.T) {
	cm := NewConfusionMatrix(2)
	acc, support := cm.ClassAccuracy(1)
	assert.Equal(t, 0.0, acc)
	assert.Equal(t, 0, support)
}

func TestConfusionMatrixString(t *testing.T) {
	cm := NewConfusionMatrix(2)
	require.NoError(t, cm.UpdateFromPredictions([]float32{0, 1}, []int{0}))
	out := cm.String([]string{"circle", "w"})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "circle")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(lines[1]), "circle"))
	assert.Equal(t, "MacroF1", MacroF1.String())
}
