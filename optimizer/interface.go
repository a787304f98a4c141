package optimizer

import "github.com/tsawler/go-gesture/engine"

// Optimizer updates model parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update to params using their Grad buffers.
	Step(params []*engine.Param)

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the current learning rate.
	LearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)
}
