// Package metrics exports run statistics of a training run in the Prometheus
// text format.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsawler/go-gesture/training"
	"github.com/tsawler/go-gesture/vision/dataset"
)

const namespace = "gesture"

// Split label values.
const (
	SplitTrain      = "train"
	SplitValidation = "validation"
)

// Prometheus holds the collectors of one run.
type Prometheus struct {
	SamplesLoaded  *prometheus.GaugeVec
	SamplesSkipped *prometheus.GaugeVec
	ClassWeight    *prometheus.GaugeVec
	Epochs         *prometheus.CounterVec
	Loss           *prometheus.GaugeVec
	Accuracy       *prometheus.GaugeVec
	LearningRate   *prometheus.GaugeVec
	BestValLoss    *prometheus.GaugeVec
	BestEpoch      *prometheus.GaugeVec
	ClassAccuracy  *prometheus.GaugeVec
}

// NewPrometheusMetrics creates the collectors, each stamped with runID.
func NewPrometheusMetrics(runID string) Prometheus {
	run := prometheus.Labels{"run_id": runID}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: run,
		}, labels)
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: run,
		}, labels)
	}
	return Prometheus{
		SamplesLoaded:  gauge("samples_loaded", "Valid images loaded per class.", "class"),
		SamplesSkipped: gauge("samples_skipped", "Images skipped per class.", "class"),
		ClassWeight:    gauge("class_weight", "Balanced loss weight per class.", "class"),
		Epochs:         counter("epochs_total", "Completed epochs per phase.", "phase"),
		Loss:           gauge("loss", "Loss of the last epoch.", "phase", "split"),
		Accuracy:       gauge("accuracy", "Accuracy of the last epoch.", "phase", "split"),
		LearningRate:   gauge("learning_rate", "Learning rate of the last epoch.", "phase"),
		BestValLoss:    gauge("best_val_loss", "Best validation loss of a finished phase.", "phase"),
		BestEpoch:      gauge("best_epoch", "Epoch (1-based) of the best validation loss.", "phase"),
		ClassAccuracy:  gauge("class_accuracy", "Validation accuracy per class with the retained weights.", "phase", "class"),
	}
}

func (p Prometheus) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.SamplesLoaded, p.SamplesSkipped, p.ClassWeight, p.Epochs, p.Loss,
		p.Accuracy, p.LearningRate, p.BestValLoss, p.BestEpoch, p.ClassAccuracy,
	}
}

// Recorder collects a run's statistics on a private registry. It implements
// training.Observer.
type Recorder struct {
	mutex      *sync.RWMutex
	registry   *prometheus.Registry
	prometheus Prometheus
	classNames []string
}

// NewRecorder creates a recorder for the given run.
func NewRecorder(runID string, classNames []string) *Recorder {
	r := &Recorder{
		mutex:      new(sync.RWMutex),
		registry:   prometheus.NewRegistry(),
		prometheus: NewPrometheusMetrics(runID),
		classNames: append([]string(nil), classNames...),
	}
	r.registry.MustRegister(r.prometheus.collectors()...)
	return r
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Metrics returns the collectors.
func (r *Recorder) Metrics() Prometheus {
	return r.prometheus
}

func (r *Recorder) class(i int) string {
	if i < len(r.classNames) {
		return r.classNames[i]
	}
	return "unknown"
}

// RecordDataset records per-class sample counts of an assembly run.
func (r *Recorder) RecordDataset(report *dataset.Report) {
	if report == nil {
		return
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i, n := range report.Loaded {
		r.prometheus.SamplesLoaded.WithLabelValues(r.class(i)).Set(float64(n))
	}
	for i, n := range report.Skipped {
		r.prometheus.SamplesSkipped.WithLabelValues(r.class(i)).Set(float64(n))
	}
}

// RecordClassWeights records the loss weight table.
func (r *Recorder) RecordClassWeights(weights []float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i, w := range weights {
		r.prometheus.ClassWeight.WithLabelValues(r.class(i)).Set(w)
	}
}

// OnEpochEnd implements training.Observer.
func (r *Recorder) OnEpochEnd(m training.TrainingMetrics) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	phase := m.Phase.String()
	r.prometheus.Epochs.WithLabelValues(phase).Inc()
	r.prometheus.Loss.WithLabelValues(phase, SplitTrain).Set(m.TrainLoss)
	r.prometheus.Loss.WithLabelValues(phase, SplitValidation).Set(m.ValidLoss)
	r.prometheus.Accuracy.WithLabelValues(phase, SplitTrain).Set(m.TrainAccuracy)
	r.prometheus.Accuracy.WithLabelValues(phase, SplitValidation).Set(m.ValidAccuracy)
	r.prometheus.LearningRate.WithLabelValues(phase).Set(m.LearningRate)
}

// OnPhaseEnd implements training.Observer.
func (r *Recorder) OnPhaseEnd(res *training.PhaseResult) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	phase := res.Phase.String()
	r.prometheus.BestValLoss.WithLabelValues(phase).Set(res.BestValLoss)
	r.prometheus.BestEpoch.WithLabelValues(phase).Set(float64(res.BestEpoch))
	if res.Confusion == nil {
		return
	}
	for c := 0; c < res.Confusion.NumClasses; c++ {
		if acc, support := res.Confusion.ClassAccuracy(c); support > 0 {
			r.prometheus.ClassAccuracy.WithLabelValues(phase, r.class(c)).Set(acc)
		}
	}
}

// WriteTextfile writes every metric to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return prometheus.WriteToTextfile(path, r.registry)
}
