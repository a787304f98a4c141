package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ClassCountError reports a class with too few samples to take part in a
// stratified split or in class weighting.
type ClassCountError struct {
	Class string
	Index int
	Count int
	Need  int
	Stage string
}

func (e *ClassCountError) Error() string {
	return fmt.Sprintf("%s: class %q (index %d) has %d samples, need at least %d", e.Stage, e.Class, e.Index, e.Count, e.Need)
}

// Split is a disjoint train/validation partition of a Dataset.
type Split struct {
	Train      *Dataset
	Validation *Dataset
}

// StratifiedSplit reserves ceil(fraction·N) samples for validation while
// keeping class proportions. The same seed always yields the same split.
func StratifiedSplit(ds *Dataset, fraction float64, seed int64) (*Split, error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, fmt.Errorf("validation fraction %v outside (0, 1)", fraction)
	}

	n := ds.Len()
	counts := ds.ClassCounts()
	for c, count := range counts {
		if count < 2 {
			return nil, &ClassCountError{Class: ds.ClassNames[c], Index: c, Count: count, Need: 2, Stage: "stratified split"}
		}
	}

	nTest := int(math.Ceil(fraction * float64(n)))
	nTrain := n - nTest
	classes := len(counts)
	if nTrain < classes {
		return nil, fmt.Errorf("stratified split: train size %d is smaller than the number of classes %d", nTrain, classes)
	}
	if nTest < classes {
		return nil, fmt.Errorf("stratified split: validation size %d is smaller than the number of classes %d", nTest, classes)
	}

	rng := rand.New(rand.NewSource(seed))
	trainAlloc := approximateMode(counts, nTrain, rng)
	remaining := make([]int, classes)
	for c := range counts {
		remaining[c] = counts[c] - trainAlloc[c]
	}
	testAlloc := approximateMode(remaining, nTest, rng)

	byClass := make([][]int, classes)
	for i, l := range ds.Labels {
		byClass[l] = append(byClass[l], i)
	}

	var train, test []int
	for c, idx := range byClass {
		perm := rng.Perm(len(idx))
		for k, p := range perm {
			switch {
			case k < trainAlloc[c]:
				train = append(train, idx[p])
			case k < trainAlloc[c]+testAlloc[c]:
				test = append(test, idx[p])
			}
		}
	}
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rng.Shuffle(len(test), func(i, j int) { test[i], test[j] = test[j], test[i] })

	trainDS, err := ds.Subset(train)
	if err != nil {
		return nil, err
	}
	testDS, err := ds.Subset(test)
	if err != nil {
		return nil, err
	}
	return &Split{Train: trainDS, Validation: testDS}, nil
}

// approximateMode allocates draws samples across classes proportionally to
// counts: floor of each class's share, with the remainder handed out by
// largest fractional part and ties broken at random.
func approximateMode(counts []int, draws int, rng *rand.Rand) []int {
	total := 0
	for _, c := range counts {
		total += c
	}

	alloc := make([]int, len(counts))
	remainder := make([]float64, len(counts))
	assigned := 0
	for i, c := range counts {
		share := float64(c) / float64(total) * float64(draws)
		alloc[i] = int(math.Floor(share))
		remainder[i] = share - float64(alloc[i])
		assigned += alloc[i]
	}

	need := draws - assigned
	if need <= 0 {
		return alloc
	}

	values := uniqueDescending(remainder)
	for _, v := range values {
		var inds []int
		for i, r := range remainder {
			if r == v {
				inds = append(inds, i)
			}
		}
		take := min(len(inds), need)
		for _, k := range rng.Perm(len(inds))[:take] {
			alloc[inds[k]]++
		}
		need -= take
		if need == 0 {
			break
		}
	}
	return alloc
}

func uniqueDescending(v []float64) []float64 {
	seen := make(map[float64]bool, len(v))
	var out []float64
	for _, x := range v {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out
}
