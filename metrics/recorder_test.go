package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-gesture/training"
	"github.com/tsawler/go-gesture/vision/dataset"
)

func TestRecorderTracksRun(t *testing.T) {
	r := NewRecorder("run-1", []string{"circle", "w"})
	m := r.Metrics()

	r.RecordDataset(&dataset.Report{Loaded: []int{10, 4}, Skipped: []int{1, 0}, Total: 14})
	r.RecordClassWeights([]float64{0.7, 1.75})
	assert.Equal(t, 10.0, testutil.ToFloat64(m.SamplesLoaded.WithLabelValues("circle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SamplesSkipped.WithLabelValues("circle")))
	assert.Equal(t, 1.75, testutil.ToFloat64(m.ClassWeight.WithLabelValues("w")))

	for epoch := 1; epoch <= 3; epoch++ {
		r.OnEpochEnd(training.TrainingMetrics{
			Phase:         training.HeadOnly,
			Epoch:         epoch,
			TrainLoss:     1 / float64(epoch),
			TrainAccuracy: 0.5,
			ValidLoss:     2 / float64(epoch),
			ValidAccuracy: 0.25,
			LearningRate:  1e-3,
		})
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Epochs.WithLabelValues("head_only")))
	assert.InDelta(t, 2.0/3, testutil.ToFloat64(m.Loss.WithLabelValues("head_only", SplitValidation)), 1e-12)
	assert.Equal(t, 1e-3, testutil.ToFloat64(m.LearningRate.WithLabelValues("head_only")))

	cm := training.NewConfusionMatrix(2)
	require.NoError(t, cm.UpdateFromPredictions([]float32{0.9, 0.1, 0.2, 0.8, 0.6, 0.4}, []int{0, 1, 1}))
	r.OnPhaseEnd(&training.PhaseResult{Phase: training.HeadOnly, BestValLoss: 0.5, BestEpoch: 3, Confusion: cm})
	assert.Equal(t, 0.5, testutil.ToFloat64(m.BestValLoss.WithLabelValues("head_only")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BestEpoch.WithLabelValues("head_only")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClassAccuracy.WithLabelValues("head_only", "circle")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.ClassAccuracy.WithLabelValues("head_only", "w")))
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder("run-2", []string{"circle"})
	r.RecordClassWeights([]float64{1})
	r.OnPhaseEnd(&training.PhaseResult{Phase: training.FineTune, BestValLoss: 0.25, BestEpoch: 2})

	path := filepath.Join(t.TempDir(), "training_metrics.prom")
	require.NoError(t, r.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(b)
	assert.True(t, strings.Contains(text, `gesture_best_val_loss{phase="fine_tune",run_id="run-2"} 0.25`), text)
	assert.True(t, strings.Contains(text, `gesture_class_weight{class="circle",run_id="run-2"} 1`), text)
}

func TestRecordersAreIndependent(t *testing.T) {
	a := NewRecorder("a", nil)
	b := NewRecorder("b", nil)
	a.OnEpochEnd(training.TrainingMetrics{Phase: training.HeadOnly})
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().Epochs.WithLabelValues("head_only")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Metrics().Epochs.WithLabelValues("head_only")))
}
