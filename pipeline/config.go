// Package pipeline runs the gesture classifier training end to end: load the
// image folders, split and balance, build the transfer-learning model, train
// it in two phases and export the result.
package pipeline

import (
	"fmt"
	"io"
	"time"

	"github.com/tsawler/go-gesture/training"
	"github.com/tsawler/go-gesture/weights"
)

// DefaultClassNames are the gesture classes in label order.
var DefaultClassNames = []string{"circle", "loop", "s", "spiral", "w"}

// WeightsConfig locates the pretrained backbone weights.
type WeightsConfig struct {
	Arch      string
	WeightSet string
	BaseURL   string
	Format    weights.Format
	CacheDir  string
	Timeout   time.Duration
}

// PhaseSettings are the tunable parts of one training phase.
type PhaseSettings struct {
	LearningRate float64
	MaxEpochs    int
}

// Config holds every setting of a run. There are no flags or environment
// variables; callers start from DefaultConfig.
type Config struct {
	DataRoot           string
	ClassNames         []string
	Pattern            string
	TargetSize         int
	ValidationFraction float64
	SplitSeed          int64

	Alpha          float64
	RotationFactor float64
	DropoutRate    float64
	ModelName      string

	BatchSize      int
	Head           PhaseSettings
	FineTune       PhaseSettings
	FrozenFraction float64
	EarlyStopping  training.EarlyStoppingConfig
	ReduceLR       training.ReduceLROnPlateauConfig

	Weights WeightsConfig

	NativePath  string
	ONNXPath    string
	PlotPath    string // empty disables the chart
	MetricsPath string // empty disables the metrics file

	// Seeds for weight initialization and batch shuffling; 0 uses the clock.
	ModelSeed   int64
	ShuffleSeed int64
	Workers     int

	// Output receives the model summary and batch progress bars; nil discards them.
	Output io.Writer
}

// DefaultConfig returns the settings of the reference training run.
func DefaultConfig() Config {
	http := weights.DefaultHTTPProviderConfig()
	return Config{
		DataRoot:           "./data",
		ClassNames:         append([]string(nil), DefaultClassNames...),
		Pattern:            "*.png",
		TargetSize:         216,
		ValidationFraction: 0.2,
		SplitSeed:          42,

		Alpha:          0.5,
		RotationFactor: 0.1,
		DropoutRate:    0.4,
		ModelName:      "gesture_cnn",

		BatchSize:      8,
		Head:           PhaseSettings{LearningRate: 1e-3, MaxEpochs: 10},
		FineTune:       PhaseSettings{LearningRate: 1e-4, MaxEpochs: 30},
		FrozenFraction: training.DefaultFrozenFraction,
		EarlyStopping:  training.DefaultEarlyStoppingConfig(),
		ReduceLR:       training.DefaultReduceLROnPlateauConfig(),

		Weights: WeightsConfig{
			Arch:      "mobilenet_v2_0.50_224_no_top",
			WeightSet: "imagenet",
			BaseURL:   http.BaseURL,
			Format:    http.Format,
			CacheDir:  http.CacheDir,
			Timeout:   http.Timeout,
		},

		NativePath:  "best_cnn.keras",
		ONNXPath:    "gesture_cnn.onnx",
		PlotPath:    "training_history.png",
		MetricsPath: "training_metrics.prom",
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data root is required")
	}
	if len(c.ClassNames) < 2 {
		return fmt.Errorf("need at least 2 classes, got %d", len(c.ClassNames))
	}
	seen := make(map[string]bool, len(c.ClassNames))
	for _, name := range c.ClassNames {
		if name == "" {
			return fmt.Errorf("class names must not be empty")
		}
		if seen[name] {
			return fmt.Errorf("duplicate class name %q", name)
		}
		seen[name] = true
	}
	if c.Pattern == "" {
		return fmt.Errorf("file pattern is required")
	}
	if c.TargetSize <= 0 {
		return fmt.Errorf("target size must be positive, got %d", c.TargetSize)
	}
	if c.ValidationFraction <= 0 || c.ValidationFraction >= 1 {
		return fmt.Errorf("validation fraction %v outside (0, 1)", c.ValidationFraction)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("alpha must be positive, got %v", c.Alpha)
	}
	if c.RotationFactor < 0 || c.RotationFactor > 1 {
		return fmt.Errorf("rotation factor %v outside [0, 1]", c.RotationFactor)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return fmt.Errorf("dropout rate %v outside [0, 1)", c.DropoutRate)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	for name, p := range map[string]PhaseSettings{"head": c.Head, "fine-tune": c.FineTune} {
		if p.LearningRate <= 0 {
			return fmt.Errorf("%s learning rate must be positive, got %v", name, p.LearningRate)
		}
		if p.MaxEpochs <= 0 {
			return fmt.Errorf("%s epochs must be positive, got %d", name, p.MaxEpochs)
		}
	}
	if c.FrozenFraction < 0 || c.FrozenFraction > 1 {
		return fmt.Errorf("frozen fraction %v outside [0, 1]", c.FrozenFraction)
	}
	if c.Weights.Arch == "" || c.Weights.WeightSet == "" {
		return fmt.Errorf("pretrained weights architecture and weight set are required")
	}
	if !c.Weights.Format.Valid() {
		return fmt.Errorf("unknown weights format %q", c.Weights.Format)
	}
	if c.NativePath == "" || c.ONNXPath == "" {
		return fmt.Errorf("native and ONNX output paths are required")
	}
	return nil
}
