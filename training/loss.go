package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-gesture/engine"
)

// CrossEntropyLoss is sparse categorical cross-entropy evaluated on the
// logits feeding the model's final softmax, optionally weighted per class.
type CrossEntropyLoss struct {
	classWeights []float64
}

// NewCrossEntropyLoss creates a loss. A nil weight table weights every class 1.
func NewCrossEntropyLoss(classWeights []float64) *CrossEntropyLoss {
	return &CrossEntropyLoss{classWeights: classWeights}
}

// BatchResult holds the reduced loss of one batch.
type BatchResult struct {
	Loss    float64 // sum(w_i * CE_i) / B
	Correct int     // samples whose argmax matches the label
	Size    int
}

// Forward computes the loss of logits [B, C] against integer labels. When
// dLogits is non-nil it receives dLoss/dLogits = w_i (softmax_i - onehot_i) / B.
func (ce *CrossEntropyLoss) Forward(logits *engine.Tensor, labels []int, dLogits *engine.Tensor) (BatchResult, error) {
	if len(logits.Shape) != 2 {
		return BatchResult{}, fmt.Errorf("logits must be rank 2, got shape %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return BatchResult{}, fmt.Errorf("labels length mismatch: expected %d, got %d", batch, len(labels))
	}
	if ce.classWeights != nil && len(ce.classWeights) != classes {
		return BatchResult{}, fmt.Errorf("class weight table has %d entries for %d classes", len(ce.classWeights), classes)
	}
	if dLogits != nil && dLogits.Size() != logits.Size() {
		return BatchResult{}, fmt.Errorf("gradient buffer size %d, expected %d", dLogits.Size(), logits.Size())
	}

	res := BatchResult{Size: batch}
	probs := make([]float32, classes)
	var total float64
	for i := 0; i < batch; i++ {
		row := logits.Row(i)
		label := labels[i]
		if label < 0 || label >= classes {
			return BatchResult{}, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}

		w := 1.0
		if ce.classWeights != nil {
			w = ce.classWeights[label]
		}
		total += w * (logSumExp(row) - float64(row[label]))
		if argmax(row) == label {
			res.Correct++
		}

		if dLogits != nil {
			engine.Softmax(row, probs)
			g := dLogits.Row(i)
			scale := float32(w / float64(batch))
			for c := range g {
				g[c] = probs[c] * scale
			}
			g[label] -= scale
		}
	}
	res.Loss = total / float64(batch)
	return res, nil
}

func logSumExp(row []float32) float64 {
	m := math.Inf(-1)
	for _, v := range row {
		m = math.Max(m, float64(v))
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - m)
	}
	return m + math.Log(sum)
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
