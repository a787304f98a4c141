package training

import (
	"fmt"
	"math"
)

// ReduceLROnPlateauConfig configures learning rate decay on a stalled metric.
type ReduceLROnPlateauConfig struct {
	Factor   float64 // Factor by which the learning rate will be reduced
	Patience int     // Epochs with no improvement after which LR will be reduced
	MinDelta float64 // Threshold for measuring the new optimum
	Cooldown int     // Epochs to wait after a reduction before counting again
	MinLR    float64 // Lower bound on the learning rate
}

// DefaultReduceLROnPlateauConfig returns factor 0.3 after 3 stalled epochs.
func DefaultReduceLROnPlateauConfig() ReduceLROnPlateauConfig {
	return ReduceLROnPlateauConfig{
		Factor:   0.3,
		Patience: 3,
		MinDelta: 1e-4,
		Cooldown: 0,
		MinLR:    0,
	}
}

// ReduceLROnPlateauScheduler reduces LR when a minimized metric has stopped
// improving.
type ReduceLROnPlateauScheduler struct {
	config ReduceLROnPlateauConfig

	best            float64
	wait            int
	cooldownCounter int
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(config ReduceLROnPlateauConfig) (*ReduceLROnPlateauScheduler, error) {
	if config.Factor <= 0 || config.Factor >= 1 {
		return nil, fmt.Errorf("reduce LR factor must be in (0, 1), got %v", config.Factor)
	}
	if config.Patience < 0 || config.Cooldown < 0 {
		return nil, fmt.Errorf("patience and cooldown must not be negative")
	}
	s := &ReduceLROnPlateauScheduler{config: config}
	s.Reset()
	return s, nil
}

// Reset clears the counters, as at the start of a fit.
func (s *ReduceLROnPlateauScheduler) Reset() {
	s.best = math.Inf(1)
	s.wait = 0
	s.cooldownCounter = 0
}

// Step is called once per epoch with the monitored metric. It returns the
// learning rate for the next epoch and whether it was reduced.
func (s *ReduceLROnPlateauScheduler) Step(metric, currentLR float64) (float64, bool) {
	if s.inCooldown() {
		s.cooldownCounter--
		s.wait = 0
	}

	if metric < s.best-s.config.MinDelta {
		s.best = metric
		s.wait = 0
		return currentLR, false
	}
	if s.inCooldown() {
		return currentLR, false
	}

	s.wait++
	if s.wait < s.config.Patience || currentLR <= s.config.MinLR {
		return currentLR, false
	}
	newLR := math.Max(currentLR*s.config.Factor, s.config.MinLR)
	s.cooldownCounter = s.config.Cooldown
	s.wait = 0
	return newLR, true
}

func (s *ReduceLROnPlateauScheduler) inCooldown() bool {
	return s.cooldownCounter > 0
}

// EarlyStoppingConfig configures early stopping on a minimized metric.
type EarlyStoppingConfig struct {
	Patience           int
	MinDelta           float64
	RestoreBestWeights bool
}

// DefaultEarlyStoppingConfig stops after 5 epochs without improvement.
func DefaultEarlyStoppingConfig() EarlyStoppingConfig {
	return EarlyStoppingConfig{
		Patience:           5,
		MinDelta:           0,
		RestoreBestWeights: true,
	}
}

// EarlyStopping tracks the best epoch of a fit and when to abandon it.
type EarlyStopping struct {
	config EarlyStoppingConfig

	best        float64
	bestEpoch   int
	wait        int
	bestWeights [][]float32
}

// NewEarlyStopping creates a stopper with fresh counters.
func NewEarlyStopping(config EarlyStoppingConfig) (*EarlyStopping, error) {
	if config.Patience < 0 {
		return nil, fmt.Errorf("patience must not be negative, got %d", config.Patience)
	}
	e := &EarlyStopping{config: config}
	e.Reset()
	return e, nil
}

// Reset clears the counters and stored weights.
func (e *EarlyStopping) Reset() {
	e.best = math.Inf(1)
	e.bestEpoch = -1
	e.wait = 0
	e.bestWeights = nil
}

// Observe records the metric of epoch (0-based). snapshot is called when
// weights need to be captured. It returns true when training should stop.
func (e *EarlyStopping) Observe(epoch int, metric float64, snapshot func() [][]float32) bool {
	if e.config.RestoreBestWeights && e.bestWeights == nil {
		e.bestWeights = snapshot()
	}
	e.wait++
	if metric-e.config.MinDelta < e.best {
		e.best = metric
		e.bestEpoch = epoch
		if e.config.RestoreBestWeights {
			e.bestWeights = snapshot()
		}
		e.wait = 0
		return false
	}
	return e.wait >= e.config.Patience && epoch > 0
}

// Best returns the lowest metric seen and its epoch, or (+Inf, -1).
func (e *EarlyStopping) Best() (float64, int) {
	return e.best, e.bestEpoch
}

// BestWeights returns the snapshot taken at the best epoch, or nil when
// weights are not being restored.
func (e *EarlyStopping) BestWeights() [][]float32 {
	return e.bestWeights
}
