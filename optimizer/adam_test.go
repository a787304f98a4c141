package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-gesture/engine"
)

func TestFirstAdamStepMovesByLearningRate(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig())
	require.NoError(t, err)

	p := &engine.Param{Key: "w", Data: []float32{1, -1, 0.5}, Grad: []float32{3, -0.2, 0}}
	adam.Step([]*engine.Param{p})

	// With bias correction the first step is lr·g/(|g|+ε') ≈ lr·sign(g).
	assert.InDelta(t, 1-0.001, p.Data[0], 1e-6)
	assert.InDelta(t, -1+0.001, p.Data[1], 1e-6)
	assert.Equal(t, float32(0.5), p.Data[2])
	assert.EqualValues(t, 1, adam.GetStepCount())
}

func TestAdamMatchesReferenceUpdates(t *testing.T) {
	cfg := AdamConfig{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}
	adam, err := NewAdamOptimizer(cfg)
	require.NoError(t, err)

	grads := []float64{0.5, -0.1, 0.3, 0.3}
	p := &engine.Param{Key: "w", Data: []float32{0}, Grad: []float32{0}}

	var m, v, w float64
	for step, g := range grads {
		p.Grad[0] = float32(g)
		adam.Step([]*engine.Param{p})

		tt := float64(step + 1)
		m += (g - m) * (1 - cfg.Beta1)
		v += (g*g - v) * (1 - cfg.Beta2)
		lrT := cfg.LearningRate * math.Sqrt(1-math.Pow(cfg.Beta2, tt)) / (1 - math.Pow(cfg.Beta1, tt))
		w -= lrT * m / (math.Sqrt(v) + cfg.Epsilon)
		assert.InDelta(t, w, float64(p.Data[0]), 1e-6, "step %d", step+1)
	}
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	adam, err := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7})
	require.NoError(t, err)

	p := &engine.Param{Key: "x", Data: []float32{5}, Grad: []float32{0}}
	for i := 0; i < 500; i++ {
		p.Grad[0] = 2 * (p.Data[0] - 2)
		adam.Step([]*engine.Param{p})
	}
	assert.InDelta(t, 2, p.Data[0], 0.05)

	stats := adam.GetStats()
	assert.Equal(t, 1, stats.NumParameters)
	assert.Equal(t, 2, stats.TotalBufferSize)
}

func TestAdamLearningRateUpdate(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig())
	require.NoError(t, err)
	adam.UpdateLearningRate(3e-4)
	assert.Equal(t, 3e-4, adam.LearningRate())

	var _ Optimizer = adam
}

func TestAdamConfigValidation(t *testing.T) {
	for _, cfg := range []AdamConfig{
		{LearningRate: 0, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7},
		{LearningRate: 1e-3, Beta1: 1, Beta2: 0.999, Epsilon: 1e-7},
		{LearningRate: 1e-3, Beta1: 0.9, Beta2: 0.999, Epsilon: 0},
	} {
		_, err := NewAdamOptimizer(cfg)
		assert.Error(t, err)
	}
}
