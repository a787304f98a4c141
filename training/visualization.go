package training

import (
	"fmt"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// VisualizationCollector records per-epoch history across phases and
// renders it as a chart. It implements Observer.
type VisualizationCollector struct {
	mu        sync.Mutex
	modelName string

	trainingLoss       []float64
	trainingAccuracy   []float64
	validationLoss     []float64
	validationAccuracy []float64
	learningRates      []float64
	phaseStarts        []int // position in the history where each phase begins
}

// NewVisualizationCollector creates an empty collector.
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

// RecordEpoch appends one epoch of metrics.
func (vc *VisualizationCollector) RecordEpoch(trainLoss, trainAcc, valLoss, valAcc, lr float64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.trainingLoss = append(vc.trainingLoss, trainLoss)
	vc.trainingAccuracy = append(vc.trainingAccuracy, trainAcc)
	vc.validationLoss = append(vc.validationLoss, valLoss)
	vc.validationAccuracy = append(vc.validationAccuracy, valAcc)
	vc.learningRates = append(vc.learningRates, lr)
}

func (vc *VisualizationCollector) OnEpochEnd(m TrainingMetrics) {
	if m.Epoch == 1 {
		vc.mu.Lock()
		vc.phaseStarts = append(vc.phaseStarts, len(vc.trainingLoss))
		vc.mu.Unlock()
	}
	vc.RecordEpoch(m.TrainLoss, m.TrainAccuracy, m.ValidLoss, m.ValidAccuracy, m.LearningRate)
}

func (vc *VisualizationCollector) OnPhaseEnd(*PhaseResult) {}

// Epochs returns how many epochs were recorded.
func (vc *VisualizationCollector) Epochs() int {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return len(vc.trainingLoss)
}

// Clear drops all recorded history.
func (vc *VisualizationCollector) Clear() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.trainingLoss = nil
	vc.trainingAccuracy = nil
	vc.validationLoss = nil
	vc.validationAccuracy = nil
	vc.learningRates = nil
	vc.phaseStarts = nil
}

// GenerateTrainingCurvesPlot builds a chart of loss and accuracy curves over
// the global epoch index, with a vertical marker at each phase start.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() (*plot.Plot, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if len(vc.trainingLoss) == 0 {
		return nil, fmt.Errorf("no epochs recorded")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Training Curves - %s", vc.modelName)
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss / Accuracy"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	series := []struct {
		name   string
		values []float64
	}{
		{"loss", vc.trainingLoss},
		{"val_loss", vc.validationLoss},
		{"accuracy", vc.trainingAccuracy},
		{"val_accuracy", vc.validationAccuracy},
	}
	ymax := 1.0
	for i, s := range series {
		pts := make(plotter.XYs, len(s.values))
		for j, v := range s.values {
			pts[j].X = float64(j + 1)
			pts[j].Y = v
			ymax = max(ymax, v)
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", s.name, err)
		}
		l.Width = vg.Points(2)
		l.Color = plotutil.Color(i)
		if i%2 == 1 {
			l.Dashes = plotutil.Dashes(1)
		}
		p.Add(l)
		p.Legend.Add(s.name, l)
	}

	for _, start := range vc.phaseStarts[min(1, len(vc.phaseStarts)):] {
		x := float64(start) + 0.5
		marker, err := plotter.NewLine(plotter.XYs{{X: x, Y: 0}, {X: x, Y: ymax}})
		if err != nil {
			return nil, err
		}
		marker.Color = plotutil.Color(len(series))
		marker.Dashes = plotutil.Dashes(2)
		p.Add(marker)
	}
	return p, nil
}

// SaveTrainingCurves renders the chart to path. The extension selects the
// image format.
func (vc *VisualizationCollector) SaveTrainingCurves(path string) error {
	p, err := vc.GenerateTrainingCurvesPlot()
	if err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}
