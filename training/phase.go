package training

import (
	"fmt"

	"github.com/tsawler/go-gesture/layers"
)

// Phase is a state of the two-phase fit schedule.
type Phase int

const (
	HeadOnly Phase = iota
	FineTune
	Done
)

func (p Phase) String() string {
	switch p {
	case HeadOnly:
		return "head_only"
	case FineTune:
		return "fine_tune"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Next returns the state that follows p. The transition does not depend on
// how p ended.
func (p Phase) Next() Phase {
	if p >= Done {
		return Done
	}
	return p + 1
}

// TrainablePredicate decides a layer's trainable flag from its position.
type TrainablePredicate func(i int, l *layers.LayerSpec) bool

// PhaseConfig holds the per-phase fit parameters.
type PhaseConfig struct {
	Phase        Phase
	Name         string
	LearningRate float64
	MaxEpochs    int
	Trainable    TrainablePredicate
}

// DefaultFrozenFraction is the share of backbone layers kept frozen while
// fine-tuning.
const DefaultFrozenFraction = 0.8

// DefaultPhases returns head training at 1e-3 for up to 10 epochs followed by
// fine-tuning the last 20% of the backbone at 1e-4 for up to 30 epochs.
func DefaultPhases(spec *layers.ModelSpec, backbone string) []PhaseConfig {
	return []PhaseConfig{
		{
			Phase:        HeadOnly,
			Name:         "Training head",
			LearningRate: 1e-3,
			MaxEpochs:    10,
			Trainable:    FreezeGroup(backbone),
		},
		{
			Phase:        FineTune,
			Name:         "Fine-tuning last 20% layers",
			LearningRate: 1e-4,
			MaxEpochs:    30,
			Trainable:    UnfreezeTail(spec, backbone, DefaultFrozenFraction),
		},
	}
}

// FreezeGroup makes every layer outside group trainable and every layer in it frozen.
func FreezeGroup(group string) TrainablePredicate {
	return func(_ int, l *layers.LayerSpec) bool {
		return l.Group != group
	}
}

// FineTuneCutoff returns the position, among n group layers, of the first
// layer unfrozen when the leading frozenFraction stays frozen.
func FineTuneCutoff(n int, frozenFraction float64) int {
	return int(frozenFraction * float64(n))
}

// UnfreezeTail keeps the first FineTuneCutoff layers of group frozen and
// makes the rest of the group, and every layer outside it, trainable.
func UnfreezeTail(spec *layers.ModelSpec, group string, frozenFraction float64) TrainablePredicate {
	indices := spec.GroupIndices(group)
	cutoff := FineTuneCutoff(len(indices), frozenFraction)
	position := make(map[int]int, len(indices))
	for pos, i := range indices {
		position[i] = pos
	}
	return func(i int, l *layers.LayerSpec) bool {
		pos, ok := position[i]
		if !ok {
			return true
		}
		return pos >= cutoff
	}
}

func validatePhases(phases []PhaseConfig) error {
	if len(phases) != int(Done) {
		return fmt.Errorf("expected %d phases, got %d", int(Done), len(phases))
	}
	for i, p := range phases {
		if p.Phase != Phase(i) {
			return fmt.Errorf("phase %d is %s, expected %s", i, p.Phase, Phase(i))
		}
		if p.LearningRate <= 0 {
			return fmt.Errorf("phase %s: learning rate must be positive", p.Phase)
		}
		if p.MaxEpochs <= 0 {
			return fmt.Errorf("phase %s: max epochs must be positive", p.Phase)
		}
		if p.Trainable == nil {
			return fmt.Errorf("phase %s: trainable predicate is required", p.Phase)
		}
	}
	return nil
}
