package training

import (
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-gesture/engine"
	"github.com/tsawler/go-gesture/layers"
	"github.com/tsawler/go-gesture/optimizer"
	"github.com/tsawler/go-gesture/vision/dataloader"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	BatchSize     int
	ClassWeights  []float64 // applied to the training loss only; nil for none
	Phases        []PhaseConfig
	EarlyStopping EarlyStoppingConfig
	ReduceLR      ReduceLROnPlateauConfig
	Adam          optimizer.AdamConfig // LearningRate is taken from each phase
	ShuffleSeed   int64                // 0 seeds from the clock
	Progress      io.Writer            // batch progress bars; nil disables them
}

// DefaultTrainingConfig returns batch size 8 and the default two-phase schedule.
func DefaultTrainingConfig(spec *layers.ModelSpec, backbone string) TrainingConfig {
	return TrainingConfig{
		BatchSize:     8,
		Phases:        DefaultPhases(spec, backbone),
		EarlyStopping: DefaultEarlyStoppingConfig(),
		ReduceLR:      DefaultReduceLROnPlateauConfig(),
		Adam:          optimizer.DefaultAdamConfig(),
	}
}

// StopReason records why a phase ended.
type StopReason int

const (
	MaxEpochsReached StopReason = iota
	EarlyStopped
)

func (r StopReason) String() string {
	if r == EarlyStopped {
		return "early_stopping"
	}
	return "max_epochs"
}

// TrainingMetrics holds metrics for a single epoch
type TrainingMetrics struct {
	Phase         Phase
	Epoch         int // 1-based within the phase
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
	LearningRate  float64
	EpochDuration time.Duration
	BatchCount    int
}

// PhaseResult summarizes a finished phase.
type PhaseResult struct {
	Phase       Phase
	Name        string
	History     []TrainingMetrics
	BestValLoss float64
	BestEpoch   int // 1-based
	StopReason  StopReason
	Confusion   *ConfusionMatrix // validation predictions with the retained weights
}

// ValidLosses returns the validation loss of every epoch.
func (r *PhaseResult) ValidLosses() []float64 {
	out := make([]float64, len(r.History))
	for i, m := range r.History {
		out[i] = m.ValidLoss
	}
	return out
}

// Observer is notified as training progresses.
type Observer interface {
	OnEpochEnd(m TrainingMetrics)
	OnPhaseEnd(r *PhaseResult)
}

// Trainer runs the HeadOnly -> FineTune -> Done schedule over a model.
type Trainer struct {
	model      *engine.Model
	train      dataloader.Dataset
	validation dataloader.Dataset
	classNames []string
	config     TrainingConfig
	logger     zerolog.Logger
	observers  []Observer

	state   Phase
	results []*PhaseResult
	rng     *rand.Rand
}

// NewTrainer creates a trainer positioned in the HeadOnly state.
func NewTrainer(model *engine.Model, train, validation dataloader.Dataset, classNames []string, config TrainingConfig, logger zerolog.Logger) (*Trainer, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if err := validatePhases(config.Phases); err != nil {
		return nil, err
	}
	if train.Len() == 0 || validation.Len() == 0 {
		return nil, fmt.Errorf("training and validation sets must not be empty")
	}
	classes := model.Spec().OutputShape[len(model.Spec().OutputShape)-1]
	if len(classNames) != classes {
		return nil, fmt.Errorf("model predicts %d classes, got %d class names", classes, len(classNames))
	}
	if config.ClassWeights != nil && len(config.ClassWeights) != classes {
		return nil, fmt.Errorf("class weight table has %d entries for %d classes", len(config.ClassWeights), classes)
	}
	if _, err := NewEarlyStopping(config.EarlyStopping); err != nil {
		return nil, err
	}
	if _, err := NewReduceLROnPlateauScheduler(config.ReduceLR); err != nil {
		return nil, err
	}

	seed := config.ShuffleSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Trainer{
		model:      model,
		train:      train,
		validation: validation,
		classNames: classNames,
		config:     config,
		logger:     logger,
		state:      HeadOnly,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

// AddObserver registers o for epoch and phase notifications.
func (t *Trainer) AddObserver(o Observer) {
	t.observers = append(t.observers, o)
}

// State returns the current phase.
func (t *Trainer) State() Phase {
	return t.state
}

// Results returns the results of the phases run so far.
func (t *Trainer) Results() []*PhaseResult {
	return t.results
}

// Step runs the current phase to completion and advances the state.
func (t *Trainer) Step() (*PhaseResult, error) {
	if t.state == Done {
		return nil, fmt.Errorf("training already finished")
	}
	cfg := t.config.Phases[t.state]
	result, err := t.runPhase(cfg)
	if err != nil {
		return nil, fmt.Errorf("phase %s: %w", cfg.Phase, err)
	}
	t.results = append(t.results, result)
	t.state = t.state.Next()
	return result, nil
}

// Run steps through every remaining phase.
func (t *Trainer) Run() ([]*PhaseResult, error) {
	for t.state != Done {
		if _, err := t.Step(); err != nil {
			return t.results, err
		}
	}
	return t.results, nil
}

func (t *Trainer) runPhase(cfg PhaseConfig) (*PhaseResult, error) {
	t.model.SetTrainable(cfg.Trainable)
	spec := t.model.Spec()
	t.logger.Info().
		Str("phase", cfg.Phase.String()).
		Float64("lr", cfg.LearningRate).
		Int("max_epochs", cfg.MaxEpochs).
		Int64("trainable_params", spec.TrainableParameters()).
		Int64("non_trainable_params", spec.NonTrainableParameters()).
		Msg(cfg.Name)

	adamConfig := t.config.Adam
	adamConfig.LearningRate = cfg.LearningRate
	adam, err := optimizer.NewAdamOptimizer(adamConfig)
	if err != nil {
		return nil, err
	}
	stopper, _ := NewEarlyStopping(t.config.EarlyStopping)
	plateau, _ := NewReduceLROnPlateauScheduler(t.config.ReduceLR)
	loss := NewCrossEntropyLoss(t.config.ClassWeights)

	loader, err := dataloader.NewDataLoader(t.train, dataloader.Config{
		BatchSize: t.config.BatchSize,
		Shuffle:   true,
		Rand:      t.rng,
	})
	if err != nil {
		return nil, err
	}

	result := &PhaseResult{Phase: cfg.Phase, Name: cfg.Name, StopReason: MaxEpochsReached}
	for epoch := 1; epoch <= cfg.MaxEpochs; epoch++ {
		start := time.Now()
		loader.Reset()
		desc := fmt.Sprintf("Epoch %d/%d", epoch, cfg.MaxEpochs)
		trainLoss, trainAcc, batches, err := t.trainEpoch(loader, adam, loss, desc)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}
		validLoss, validAcc, _, err := t.evaluate()
		if err != nil {
			return nil, fmt.Errorf("validation epoch %d failed: %w", epoch, err)
		}

		metrics := TrainingMetrics{
			Phase:         cfg.Phase,
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValidLoss:     validLoss,
			ValidAccuracy: validAcc,
			LearningRate:  adam.LearningRate(),
			EpochDuration: time.Since(start),
			BatchCount:    batches,
		}
		result.History = append(result.History, metrics)
		t.logEpoch(metrics, cfg.MaxEpochs)
		for _, o := range t.observers {
			o.OnEpochEnd(metrics)
		}

		stop := stopper.Observe(epoch-1, validLoss, t.model.Snapshot)
		if newLR, reduced := plateau.Step(validLoss, adam.LearningRate()); reduced {
			adam.UpdateLearningRate(newLR)
			t.logger.Info().
				Str("phase", cfg.Phase.String()).
				Int("epoch", epoch).
				Float64("lr", newLR).
				Msgf("Epoch %d: ReduceLROnPlateau reducing learning rate to %g.", epoch, newLR)
		}
		if stop {
			result.StopReason = EarlyStopped
			t.logger.Info().Str("phase", cfg.Phase.String()).Int("epoch", epoch).Msgf("Epoch %d: early stopping", epoch)
			break
		}
	}

	if best := stopper.BestWeights(); best != nil {
		t.model.Restore(best)
	}
	_, bestIdx := stopper.Best()
	result.BestEpoch = bestIdx + 1
	result.BestValLoss, _ = stopper.Best()
	if losses := result.ValidLosses(); bestIdx < 0 && len(losses) > 0 {
		// every epoch was NaN; report the first one
		result.BestEpoch = floats.MinIdx(losses) + 1
		result.BestValLoss = losses[result.BestEpoch-1]
	}

	if t.config.EarlyStopping.RestoreBestWeights {
		t.logger.Info().Str("phase", cfg.Phase.String()).Int("epoch", result.BestEpoch).
			Msgf("Restoring model weights from the end of the best epoch: %d.", result.BestEpoch)
	}

	_, _, cm, err := t.evaluate()
	if err != nil {
		return nil, err
	}
	result.Confusion = cm
	t.logPhaseEnd(result)
	for _, o := range t.observers {
		o.OnPhaseEnd(result)
	}
	return result, nil
}

// trainEpoch runs one pass over the training set with dropout and
// augmentation active. The returned loss is the per-sample mean of the
// weighted batch losses.
func (t *Trainer) trainEpoch(loader *dataloader.DataLoader, adam optimizer.Optimizer, loss *CrossEntropyLoss, desc string) (float64, float64, int, error) {
	h, w, c := t.train.ImageShape()
	var totalLoss float64
	var totalCorrect, totalSamples, batchCount int

	bar := NewProgressBar(t.config.Progress, desc, loader.NumBatches())
	for {
		images, labels, n := loader.NextBatch()
		if n == 0 {
			break
		}
		x := &engine.Tensor{Shape: []int{n, h, w, c}, Data: images}
		pass, err := t.model.Forward(x, true)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("forward pass failed: %w", err)
		}

		logits := pass.Logits()
		dLogits := engine.NewTensor(logits.Shape...)
		res, err := loss.Forward(logits, labels, dLogits)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("loss computation failed: %w", err)
		}

		t.model.ZeroGrad()
		if err := t.model.Backward(pass, dLogits); err != nil {
			return 0, 0, 0, fmt.Errorf("backward pass failed: %w", err)
		}
		adam.Step(t.model.TrainableParams())

		totalLoss += res.Loss * float64(n)
		totalCorrect += res.Correct
		totalSamples += n
		batchCount++
		bar.Update(batchCount, map[string]float64{
			"loss":     totalLoss / float64(totalSamples),
			"accuracy": float64(totalCorrect) / float64(totalSamples),
		})
	}
	bar.Finish()

	if totalSamples == 0 {
		return 0, 0, 0, fmt.Errorf("training set produced no batches")
	}
	return totalLoss / float64(totalSamples), float64(totalCorrect) / float64(totalSamples), batchCount, nil
}

// evaluate computes the unweighted validation loss and accuracy in
// inference mode.
func (t *Trainer) evaluate() (float64, float64, *ConfusionMatrix, error) {
	loader, err := dataloader.NewDataLoader(t.validation, dataloader.Config{BatchSize: t.config.BatchSize})
	if err != nil {
		return 0, 0, nil, err
	}
	h, w, c := t.validation.ImageShape()
	loss := NewCrossEntropyLoss(nil)
	cm := NewConfusionMatrix(len(t.classNames))

	var totalLoss float64
	var totalSamples int
	for {
		images, labels, n := loader.NextBatch()
		if n == 0 {
			break
		}
		pass, err := t.model.Forward(&engine.Tensor{Shape: []int{n, h, w, c}, Data: images}, false)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("validation forward pass failed: %w", err)
		}
		res, err := loss.Forward(pass.Logits(), labels, nil)
		if err != nil {
			return 0, 0, nil, err
		}
		if err := cm.UpdateFromPredictions(pass.Output().Data, labels); err != nil {
			return 0, 0, nil, err
		}
		totalLoss += res.Loss * float64(n)
		totalSamples += n
	}
	return totalLoss / float64(totalSamples), cm.GetAccuracy(), cm, nil
}

func (t *Trainer) logEpoch(m TrainingMetrics, maxEpochs int) {
	t.logger.Info().
		Str("phase", m.Phase.String()).
		Int("epoch", m.Epoch).
		Float64("loss", m.TrainLoss).
		Float64("accuracy", m.TrainAccuracy).
		Float64("val_loss", m.ValidLoss).
		Float64("val_accuracy", m.ValidAccuracy).
		Float64("lr", m.LearningRate).
		Msgf("Epoch %d/%d - %s - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f - lr: %.4g",
			m.Epoch, maxEpochs, m.EpochDuration.Round(time.Millisecond), m.TrainLoss, m.TrainAccuracy,
			m.ValidLoss, m.ValidAccuracy, m.LearningRate)
}

func (t *Trainer) logPhaseEnd(r *PhaseResult) {
	perClass := zerolog.Dict()
	for i, name := range t.classNames {
		acc, _ := r.Confusion.ClassAccuracy(i)
		perClass.Float64(name, acc)
	}
	t.logger.Info().
		Str("phase", r.Phase.String()).
		Int("epochs", len(r.History)).
		Int("best_epoch", r.BestEpoch).
		Float64("best_val_loss", r.BestValLoss).
		Str("stop_reason", r.StopReason.String()).
		Float64("val_accuracy", r.Confusion.GetAccuracy()).
		Float64("macro_f1", r.Confusion.GetMetric(MacroF1)).
		Dict("per_class_accuracy", perClass).
		Msgf("Best val_loss %.4f at epoch %d", r.BestValLoss, r.BestEpoch)
	t.logger.Debug().Msg("Validation confusion matrix\n" + r.Confusion.String(t.classNames))
}

