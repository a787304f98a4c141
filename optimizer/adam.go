package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-gesture/engine"
)

// AdamOptimizerState holds Adam moment estimates per parameter.
type AdamOptimizerState struct {
	// Hyperparameters
	lr      float64
	Beta1   float64 // Momentum decay (typically 0.9)
	Beta2   float64 // Variance decay (typically 0.999)
	Epsilon float64 // Added to the denominator outside the square root

	// First and second moments keyed by parameter key, created on first update.
	momentum map[string][]float32
	variance map[string][]float32

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) (*AdamOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %v and %v", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %v", config.Epsilon)
	}

	return &AdamOptimizerState{
		lr:       config.LearningRate,
		Beta1:    config.Beta1,
		Beta2:    config.Beta2,
		Epsilon:  config.Epsilon,
		momentum: make(map[string][]float32),
		variance: make(map[string][]float32),
	}, nil
}

// Step performs a single optimization step
//
//	lr_t = lr · sqrt(1 − β2^t) / (1 − β1^t)
//	m ← m + (g − m)(1 − β1)
//	v ← v + (g² − v)(1 − β2)
//	p ← p − lr_t · m / (sqrt(v) + ε)
func (adam *AdamOptimizerState) Step(params []*engine.Param) {
	adam.StepCount++
	t := float64(adam.StepCount)
	lrT := float32(adam.lr * math.Sqrt(1-math.Pow(adam.Beta2, t)) / (1 - math.Pow(adam.Beta1, t)))
	b1 := float32(1 - adam.Beta1)
	b2 := float32(1 - adam.Beta2)
	eps := float32(adam.Epsilon)

	for _, p := range params {
		m, ok := adam.momentum[p.Key]
		if !ok {
			m = make([]float32, len(p.Data))
			adam.momentum[p.Key] = m
		}
		v, ok := adam.variance[p.Key]
		if !ok {
			v = make([]float32, len(p.Data))
			adam.variance[p.Key] = v
		}

		for i, g := range p.Grad {
			m[i] += (g - m[i]) * b1
			v[i] += (g*g - v[i]) * b2
			p.Data[i] -= lrT * m[i] / (float32(math.Sqrt(float64(v[i]))) + eps)
		}
	}
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// LearningRate returns the current learning rate.
func (adam *AdamOptimizerState) LearningRate() float64 {
	return adam.lr
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.lr = newLR
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	total := 0
	for _, m := range adam.momentum {
		total += 2 * len(m)
	}
	return AdamStats{
		StepCount:       adam.StepCount,
		LearningRate:    adam.lr,
		NumParameters:   len(adam.momentum),
		TotalBufferSize: total,
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount       uint64
	LearningRate    float64
	NumParameters   int
	TotalBufferSize int
}
