package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// BalancedClassWeights returns n / (numClasses · count[c]) for every class,
// counted over labels. Rarer classes get larger weights.
func BalancedClassWeights(labels []int, classNames []string) ([]float64, error) {
	numClasses := len(classNames)
	if numClasses == 0 {
		return nil, fmt.Errorf("class weights: no classes")
	}

	counts := make([]float64, numClasses)
	for _, l := range labels {
		if l < 0 || l >= numClasses {
			return nil, fmt.Errorf("class weights: label %d outside [0, %d)", l, numClasses)
		}
		counts[l]++
	}
	for c, n := range counts {
		if n == 0 {
			return nil, &ClassCountError{Class: classNames[c], Index: c, Count: 0, Need: 1, Stage: "class weights"}
		}
	}

	total := floats.Sum(counts)
	weights := make([]float64, numClasses)
	for c, n := range counts {
		weights[c] = total / (float64(numClasses) * n)
	}
	return weights, nil
}
