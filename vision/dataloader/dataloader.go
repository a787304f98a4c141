package dataloader

import (
	"fmt"
	"math/rand"
	"sync"
)

// Dataset is an in-memory collection of equally sized samples.
type Dataset interface {
	Len() int
	Image(i int) []float32
	ImageShape() (height, width, channels int)
	LabelAt(i int) int
}

// DataLoader yields mini-batches from an in-memory dataset. With shuffling
// enabled every Reset starts a new random permutation.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mu        sync.Mutex

	// Buffer reuse for memory efficiency
	imageDataBuffer []float32
	labelDataBuffer []int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	Shuffle   bool
	Rand      *rand.Rand // required when Shuffle is set
}

// NewDataLoader creates a new data loader positioned at the first batch.
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Shuffle && config.Rand == nil {
		return nil, fmt.Errorf("shuffling requires a random source")
	}

	dl := &DataLoader{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		rng:       config.Rand,
		indices:   make([]int, dataset.Len()),
	}
	for i := range dl.indices {
		dl.indices[i] = i
	}
	dl.Reset()
	return dl, nil
}

// Reset rewinds to the beginning, reshuffling when enabled.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// NextBatch copies the next batch into reused buffers. The returned slices
// are only valid until the following call. A zero batch size marks the end
// of the epoch.
func (dl *DataLoader) NextBatch() (imageData []float32, labelData []int, actualBatchSize int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, nil, 0
	}
	batchSize := min(dl.batchSize, remaining)

	h, w, c := dl.dataset.ImageShape()
	pixelsPerImage := h * w * c
	requiredImageSize := batchSize * pixelsPerImage

	// Resize buffers only if needed
	if len(dl.imageDataBuffer) < requiredImageSize {
		dl.imageDataBuffer = make([]float32, requiredImageSize)
	}
	if len(dl.labelDataBuffer) < batchSize {
		dl.labelDataBuffer = make([]int, batchSize)
	}
	imageData = dl.imageDataBuffer[:requiredImageSize]
	labelData = dl.labelDataBuffer[:batchSize]

	for i := 0; i < batchSize; i++ {
		idx := dl.indices[dl.position]
		copy(imageData[i*pixelsPerImage:(i+1)*pixelsPerImage], dl.dataset.Image(idx))
		labelData[i] = dl.dataset.LabelAt(idx)
		dl.position++
	}
	return imageData, labelData, batchSize
}

// NumBatches returns the number of batches per epoch.
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}
