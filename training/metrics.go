package training

import (
	"fmt"
	"strings"
)

// MetricType represents multi-class evaluation metrics derived from a confusion matrix.
type MetricType int

const (
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions as [true_class][predicted_class].
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// UpdateFromPredictions adds a batch of row-major scores [batch, classes].
// The predicted class is the argmax of each row.
func (cm *ConfusionMatrix) UpdateFromPredictions(predictions []float32, trueLabels []int) error {
	if len(predictions) != len(trueLabels)*cm.NumClasses {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", len(trueLabels)*cm.NumClasses, len(predictions))
	}
	for i, trueClass := range trueLabels {
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return fmt.Errorf("label %d out of range [0, %d)", trueClass, cm.NumClasses)
		}
		predClass := argmax(predictions[i*cm.NumClasses : (i+1)*cm.NumClasses])
		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}
	return nil
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassAccuracy returns the recall of one class and how many samples it had.
func (cm *ConfusionMatrix) ClassAccuracy(class int) (float64, int) {
	support := 0
	for _, n := range cm.Matrix[class] {
		support += n
	}
	if support == 0 {
		return 0, 0
	}
	return float64(cm.Matrix[class][class]) / float64(support), support
}

// GetMetric calculates a macro-averaged metric. Classes without support
// (or without predictions, for precision) are left out of the average.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case MacroPrecision:
		return cm.macro(func(tp, fp, fn float64) (float64, bool) { return tp / (tp + fp), tp+fp > 0 })
	case MacroRecall:
		return cm.macro(func(tp, fp, fn float64) (float64, bool) { return tp / (tp + fn), tp+fn > 0 })
	case MacroF1:
		precision := cm.GetMetric(MacroPrecision)
		recall := cm.GetMetric(MacroRecall)
		if precision+recall == 0 {
			return 0.0
		}
		return 2 * (precision * recall) / (precision + recall)
	default:
		return 0.0
	}
}

func (cm *ConfusionMatrix) macro(score func(tp, fp, fn float64) (float64, bool)) float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fp, fn := 0.0, 0.0
		for other := 0; other < cm.NumClasses; other++ {
			if other != class {
				fp += float64(cm.Matrix[other][class])
				fn += float64(cm.Matrix[class][other])
			}
		}
		if v, ok := score(tp, fp, fn); ok {
			sum += v
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

// String renders the matrix with class names as row and column headers.
func (cm *ConfusionMatrix) String(classNames []string) string {
	var b strings.Builder
	width := 6
	for _, name := range classNames {
		width = max(width, len(name))
	}
	fmt.Fprintf(&b, "%*s", width, "")
	for c := 0; c < cm.NumClasses; c++ {
		fmt.Fprintf(&b, " %*s", width, className(classNames, c))
	}
	b.WriteByte('\n')
	for r := 0; r < cm.NumClasses; r++ {
		fmt.Fprintf(&b, "%*s", width, className(classNames, r))
		for c := 0; c < cm.NumClasses; c++ {
			fmt.Fprintf(&b, " %*d", width, cm.Matrix[r][c])
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func className(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprint(i)
}
