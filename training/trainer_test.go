package training

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-gesture/engine"
	"github.com/tsawler/go-gesture/layers"
)

type memDataset struct {
	images [][]float32
	labels []int
	size   int
}

func (d *memDataset) Len() int { return len(d.images) }

func (d *memDataset) Image(i int) []float32 { return d.images[i] }

func (d *memDataset) ImageShape() (int, int, int) { return d.size, d.size, 3 }

func (d *memDataset) LabelAt(i int) int { return d.labels[i] }

// brightnessDataset separates two classes by mean intensity.
func brightnessDataset(rng *rand.Rand, perClass, size int) *memDataset {
	d := &memDataset{size: size}
	for c := 0; c < 2; c++ {
		for n := 0; n < perClass; n++ {
			img := make([]float32, size*size*3)
			for i := range img {
				img[i] = float32(0.2+0.6*float64(c)) + float32(rng.Float64()*0.1)
			}
			d.images = append(d.images, img)
			d.labels = append(d.labels, c)
		}
	}
	return d
}

func tinyModel(t *testing.T) *engine.Model {
	spec, err := layers.NewModelBuilder("tiny", []int{8, 8, 3}).
		AddRandomRotation(0.1, "random_rotation").
		AddRescaling(2, -1, "rescaling").
		BeginGroup("backbone").
		AddConv2D(4, 3, 2, layers.PaddingSame, false, "conv").
		AddBatchNorm(1e-3, 0.999, "conv_bn").
		AddReLU6("conv_relu").
		AddConv2D(6, 1, 1, layers.PaddingValid, false, "project").
		AddBatchNorm(1e-3, 0.999, "project_bn").
		EndGroup().
		AddGlobalAveragePooling2D("gap").
		AddDropout(0.4, "dropout").
		AddDense(2, true, "dense").
		AddSoftmax("softmax").
		Compile()
	require.NoError(t, err)
	m, err := engine.NewModel(spec, engine.WithSeed(3), engine.WithWorkers(2))
	require.NoError(t, err)
	return m
}

type recordingObserver struct {
	epochs []TrainingMetrics
	phases []Phase
}

func (o *recordingObserver) OnEpochEnd(m TrainingMetrics) { o.epochs = append(o.epochs, m) }

func (o *recordingObserver) OnPhaseEnd(r *PhaseResult) { o.phases = append(o.phases, r.Phase) }

func tinyConfig(spec *layers.ModelSpec) TrainingConfig {
	cfg := DefaultTrainingConfig(spec, "backbone")
	cfg.Phases[0].MaxEpochs = 3
	cfg.Phases[1].MaxEpochs = 2
	cfg.ShuffleSeed = 42
	cfg.ClassWeights = []float64{1.2, 0.8}
	return cfg
}

func TestTrainerRunsBothPhasesInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	train := brightnessDataset(rng, 6, 8)
	val := brightnessDataset(rng, 3, 8)
	model := tinyModel(t)

	var logs bytes.Buffer
	trainer, err := NewTrainer(model, train, val, []string{"dark", "bright"}, tinyConfig(model.Spec()), zerolog.New(&logs))
	require.NoError(t, err)
	obs := &recordingObserver{}
	trainer.AddObserver(obs)
	assert.Equal(t, HeadOnly, trainer.State())

	results, err := trainer.Run()
	require.NoError(t, err)
	assert.Equal(t, Done, trainer.State())
	require.Len(t, results, 2)
	assert.Equal(t, HeadOnly, results[0].Phase)
	assert.Equal(t, FineTune, results[1].Phase)
	assert.Equal(t, []Phase{HeadOnly, FineTune}, obs.phases)
	assert.Len(t, obs.epochs, len(results[0].History)+len(results[1].History))

	for _, r := range results {
		losses := r.ValidLosses()
		require.NotEmpty(t, losses)
		assert.Equal(t, floats.Min(losses), r.BestValLoss)
		assert.Equal(t, losses[r.BestEpoch-1], r.BestValLoss)
		require.NotNil(t, r.Confusion)
		assert.Equal(t, val.Len(), r.Confusion.TotalSamples)
		for _, m := range r.History {
			assert.Equal(t, r.Phase, m.Phase)
			assert.Equal(t, 2, m.BatchCount, "12 samples in batches of 8")
		}
	}

	// The retained weights are those of the best fine-tune epoch.
	loss, _, _, err := trainer.evaluate()
	require.NoError(t, err)
	assert.InDelta(t, results[1].BestValLoss, loss, 1e-9)

	_, err = trainer.Step()
	assert.Error(t, err)
	assert.Contains(t, logs.String(), "Restoring model weights")
	assert.Contains(t, logs.String(), `"phase":"fine_tune"`)
}

func TestTrainerFineTuneSetsTrainableFlags(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	model := tinyModel(t)
	cfg := tinyConfig(model.Spec())
	cfg.Phases[0].MaxEpochs = 1
	cfg.Phases[1].MaxEpochs = 1
	// with 5 backbone layers the cutoff is 4, so only project_bn trains
	trainer, err := NewTrainer(model, brightnessDataset(rng, 4, 8), brightnessDataset(rng, 2, 8), []string{"dark", "bright"}, cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = trainer.Step()
	require.NoError(t, err)
	spec := model.Spec()
	for _, l := range spec.Layers {
		assert.Equal(t, l.Group != "backbone", l.Trainable, l.Name)
	}

	before, _ := model.Param("conv/kernel")
	kernel := append([]float32(nil), before.Data...)

	_, err = trainer.Step()
	require.NoError(t, err)
	for _, l := range spec.Layers {
		want := l.Group != "backbone" || l.Name == "project_bn"
		assert.Equal(t, want, l.Trainable, l.Name)
	}
	after, _ := model.Param("conv/kernel")
	assert.Equal(t, kernel, after.Data, "frozen backbone layers keep their weights")
}

func TestNewTrainerValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	model := tinyModel(t)
	train := brightnessDataset(rng, 2, 8)
	val := brightnessDataset(rng, 1, 8)
	names := []string{"dark", "bright"}
	logger := zerolog.Nop()

	cfg := tinyConfig(model.Spec())
	cfg.BatchSize = 0
	_, err := NewTrainer(model, train, val, names, cfg, logger)
	assert.Error(t, err)

	_, err = NewTrainer(model, train, val, []string{"only"}, tinyConfig(model.Spec()), logger)
	assert.Error(t, err)

	cfg = tinyConfig(model.Spec())
	cfg.ClassWeights = []float64{1}
	_, err = NewTrainer(model, train, val, names, cfg, logger)
	assert.Error(t, err)

	_, err = NewTrainer(model, train, &memDataset{size: 8}, names, tinyConfig(model.Spec()), logger)
	assert.Error(t, err)

	cfg = tinyConfig(model.Spec())
	cfg.ReduceLR.Factor = 2
	_, err = NewTrainer(model, train, val, names, cfg, logger)
	assert.Error(t, err)
}

func TestStopReasonString(t *testing.T) {
	assert.Equal(t, "early_stopping", EarlyStopped.String())
	assert.Equal(t, "max_epochs", MaxEpochsReached.String())
}
