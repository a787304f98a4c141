package dataset

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Dataset holds decoded samples in memory. Features is an (N, H, W, C)
// float32 tensor; Labels, Paths and the first axis of Features align.
type Dataset struct {
	Features   *tensor.Dense
	Labels     []int
	Paths      []string
	ClassNames []string

	height, width, depth int
}

// NewDataset packs per-sample HWC images into one feature tensor.
func NewDataset(images [][]float32, labels []int, paths []string, classNames []string, height, width, channels int) (*Dataset, error) {
	if len(images) != len(labels) || len(images) != len(paths) {
		return nil, fmt.Errorf("misaligned dataset: %d images, %d labels, %d paths", len(images), len(labels), len(paths))
	}

	size := height * width * channels
	backing := make([]float32, len(images)*size)
	for i, img := range images {
		if len(img) != size {
			return nil, fmt.Errorf("sample %d (%s) has %d values, expected %d", i, paths[i], len(img), size)
		}
		if labels[i] < 0 || labels[i] >= len(classNames) {
			return nil, fmt.Errorf("sample %d (%s) has label %d outside [0, %d)", i, paths[i], labels[i], len(classNames))
		}
		copy(backing[i*size:], img)
	}
	return fromBacking(backing, append([]int(nil), labels...), append([]string(nil), paths...), classNames, height, width, channels), nil
}

func fromBacking(backing []float32, labels []int, paths []string, classNames []string, height, width, channels int) *Dataset {
	d := &Dataset{
		Labels:     labels,
		Paths:      paths,
		ClassNames: classNames,
		height:     height,
		width:      width,
		depth:      channels,
	}
	if len(labels) > 0 {
		d.Features = tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(len(labels), height, width, channels),
			tensor.WithBacking(backing),
		)
	}
	return d
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Labels)
}

// ImageShape returns height, width and channels of every sample.
func (d *Dataset) ImageShape() (int, int, int) {
	return d.height, d.width, d.depth
}

func (d *Dataset) sampleSize() int {
	return d.height * d.width * d.depth
}

// Image returns sample i of Features in HWC order. The slice aliases the
// tensor storage.
func (d *Dataset) Image(i int) []float32 {
	size := d.sampleSize()
	return d.Features.Data().([]float32)[i*size : (i+1)*size]
}

// ClassCounts returns samples per class, indexed by label.
func (d *Dataset) ClassCounts() []int {
	return countLabels(d.Labels, len(d.ClassNames))
}

// Subset copies the given samples, in order, into a new Dataset.
func (d *Dataset) Subset(indices []int) (*Dataset, error) {
	size := d.sampleSize()
	backing := make([]float32, len(indices)*size)
	labels := make([]int, len(indices))
	paths := make([]string, len(indices))
	for k, i := range indices {
		if i < 0 || i >= d.Len() {
			return nil, fmt.Errorf("index %d out of range [0, %d)", i, d.Len())
		}
		sample, err := d.Features.Slice(tensor.S(i, i+1))
		if err != nil {
			return nil, fmt.Errorf("failed to slice sample %d: %w", i, err)
		}
		copy(backing[k*size:], sample.Materialize().Data().([]float32))
		labels[k] = d.Labels[i]
		paths[k] = d.Paths[i]
	}
	return fromBacking(backing, labels, paths, d.ClassNames, d.height, d.width, d.depth), nil
}

// LabelAt returns the label of sample i.
func (d *Dataset) LabelAt(i int) int {
	return d.Labels[i]
}
