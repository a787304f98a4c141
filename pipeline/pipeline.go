package pipeline

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tsawler/go-gesture/checkpoints"
	"github.com/tsawler/go-gesture/engine"
	"github.com/tsawler/go-gesture/metrics"
	"github.com/tsawler/go-gesture/training"
	"github.com/tsawler/go-gesture/vision/dataset"
	"github.com/tsawler/go-gesture/vision/preprocessing"
	"github.com/tsawler/go-gesture/weights"
)

// Result is everything a finished run produced.
type Result struct {
	RunID        string
	Report       *dataset.Report
	TrainSize    int
	ValSize      int
	ClassWeights []float64
	Phases       []*training.PhaseResult
	Model        *engine.Model
	Export       *checkpoints.ExportResult
}

// Pipeline runs the stages in order: assemble, split, class weights, model
// build, training, export.
type Pipeline struct {
	config   Config
	provider weights.Provider
	logger   zerolog.Logger
	runID    string
	now      func() time.Time
}

// New validates config. A nil provider downloads weights over HTTP with the
// cache settings of config.Weights.
func New(config Config, provider weights.Provider, logger zerolog.Logger) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, stageError(StageConfig, err)
	}
	if config.Output == nil {
		config.Output = io.Discard
	}
	if provider == nil {
		provider = weights.NewHTTPProvider(weights.HTTPProviderConfig{
			BaseURL:  config.Weights.BaseURL,
			Format:   config.Weights.Format,
			CacheDir: config.Weights.CacheDir,
			Timeout:  config.Weights.Timeout,
		}, logger)
	}

	runID := uuid.New().String()
	return &Pipeline{
		config:   config,
		provider: provider,
		logger:   logger.With().Str("run_id", runID).Logger(),
		runID:    runID,
		now:      time.Now,
	}, nil
}

// RunID identifies this run in logs, metrics and the native archive.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Run executes every stage. Failures are returned as *StageError. When only
// one export artifact fails, the result still lists the one that was written.
func (p *Pipeline) Run() (*Result, error) {
	cfg := p.config
	result := &Result{RunID: p.runID}
	recorder := metrics.NewRecorder(p.runID, cfg.ClassNames)

	p.logger.Info().Str("data_root", cfg.DataRoot).Msg("Loading data…")
	processor := preprocessing.NewImageProcessor(cfg.TargetSize, p.logger)
	ds, report, err := dataset.NewAssembler(cfg.DataRoot, cfg.ClassNames, cfg.Pattern, processor, p.logger).Assemble()
	result.Report = report
	recorder.RecordDataset(report)
	if err != nil {
		return result, stageError(StageAssemble, err)
	}

	split, err := dataset.StratifiedSplit(ds, cfg.ValidationFraction, cfg.SplitSeed)
	if err != nil {
		return result, stageError(StageSplit, err)
	}
	result.TrainSize, result.ValSize = split.Train.Len(), split.Validation.Len()
	p.logger.Info().Int("train", result.TrainSize).Int("validation", result.ValSize).Msg("Split dataset")

	classWeights, err := dataset.BalancedClassWeights(split.Train.Labels, cfg.ClassNames)
	if err != nil {
		return result, stageError(StageClassWeights, err)
	}
	result.ClassWeights = classWeights
	recorder.RecordClassWeights(classWeights)
	table := zerolog.Dict()
	for i, w := range classWeights {
		table.Float64(cfg.ClassNames[i], w)
	}
	p.logger.Info().Dict("class_weights", table).Msg("Computed class weights")

	opts := []engine.Option{engine.WithWorkers(cfg.Workers)}
	if cfg.ModelSeed != 0 {
		opts = append(opts, engine.WithSeed(cfg.ModelSeed))
	}
	model, err := BuildGestureModel(cfg, p.provider, opts...)
	if err != nil {
		return result, stageError(StageBuildModel, err)
	}
	result.Model = model
	training.NewModelSummaryPrinter(cfg.Output).PrintSummary(model.Spec())

	visualizer := training.NewVisualizationCollector(cfg.ModelName)
	trainer, err := training.NewTrainer(model, split.Train, split.Validation, cfg.ClassNames, p.trainingConfig(model, classWeights), p.logger)
	if err != nil {
		return result, stageError(StageTrain, err)
	}
	trainer.AddObserver(visualizer)
	trainer.AddObserver(recorder)
	result.Phases, err = trainer.Run()
	if err != nil {
		return result, stageError(StageTrain, err)
	}

	meta := checkpoints.CheckpointMetadata{
		RunID:       p.runID,
		CreatedAt:   p.now().UTC(),
		Description: "gesture classifier, MobileNetV2 transfer learning",
	}
	result.Export, err = checkpoints.Export(model, cfg.ClassNames, cfg.NativePath, cfg.ONNXPath, meta)
	for _, path := range result.Export.Written {
		p.logger.Info().Str("path", path).Msgf("Saved %s", path)
	}
	exportErr := stageError(StageExport, err)

	// Reports are best effort and never fail a run.
	if cfg.PlotPath != "" {
		if err := visualizer.SaveTrainingCurves(cfg.PlotPath); err != nil {
			p.logger.Warn().Err(err).Str("path", cfg.PlotPath).Msg("Failed to save training curves")
		} else {
			p.logger.Info().Str("path", cfg.PlotPath).Msg("Saved training curves")
		}
	}
	if cfg.MetricsPath != "" {
		if err := recorder.WriteTextfile(cfg.MetricsPath); err != nil {
			p.logger.Warn().Err(err).Str("path", cfg.MetricsPath).Msg("Failed to write metrics")
		}
	}
	return result, exportErr
}

func (p *Pipeline) trainingConfig(model *engine.Model, classWeights []float64) training.TrainingConfig {
	cfg := p.config
	spec := model.Spec()
	backbone := cfg.BackboneName()

	tc := training.DefaultTrainingConfig(spec, backbone)
	tc.BatchSize = cfg.BatchSize
	tc.ClassWeights = classWeights
	tc.EarlyStopping = cfg.EarlyStopping
	tc.ReduceLR = cfg.ReduceLR
	tc.ShuffleSeed = cfg.ShuffleSeed
	tc.Progress = cfg.Output

	tc.Phases[0].LearningRate = cfg.Head.LearningRate
	tc.Phases[0].MaxEpochs = cfg.Head.MaxEpochs
	tc.Phases[1].LearningRate = cfg.FineTune.LearningRate
	tc.Phases[1].MaxEpochs = cfg.FineTune.MaxEpochs
	tc.Phases[1].Trainable = training.UnfreezeTail(spec, backbone, cfg.FrozenFraction)
	return tc
}
